package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/service"
	"smartmoney/internal/tiering"
)

type TraderHandler struct {
	Query *service.QueryService
}

func (h *TraderHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/traders")
	g.GET("", h.list)
	g.GET("/:address", h.get)
}

// @Summary List traders
// @Tags traders
// @Param tier query string false "comma separated tiers (S,A,B,C)"
// @Param min_rarity query int false "minimum rarity score"
// @Param q query string false "name or address search"
// @Param order_by query string false "rarity_score|pnl|volume|trade_count|leaderboard_rank"
// @Param asc query bool false "ascending"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/traders [get]
func (h *TraderHandler) list(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		serviceUnavailable(c, "service")
		return
	}
	tiers, ok := parseTiers(c.Query("tier"))
	if !ok {
		Error(c, http.StatusBadRequest, "invalid tier", nil)
		return
	}
	limit := clampLimit(intQuery(c, "limit", 50), 50, 500)
	offset := intQuery(c, "offset", 0)
	params := repository.ListTradersParams{
		Limit:     limit,
		Offset:    offset,
		Tiers:     tiers,
		MinRarity: intQueryPtr(c, "min_rarity"),
		Search:    strQueryPtr(c, "q"),
		OrderBy:   parseOrder(c.Query("order_by"), repository.TraderOrderColumns),
		Asc:       boolQueryPtr(c, "asc"),
	}
	items, total, err := h.Query.ListTraders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Get trader
// @Tags traders
// @Param address path string true "proxy wallet address"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/traders/{address} [get]
func (h *TraderHandler) get(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		serviceUnavailable(c, "service")
		return
	}
	address := strings.TrimSpace(c.Param("address"))
	if address == "" {
		Error(c, http.StatusBadRequest, "invalid address", nil)
		return
	}
	item, err := h.Query.GetTrader(c.Request.Context(), address)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "trader not found", nil)
		return
	}
	Ok(c, item, map[string]any{"weight": tiering.Weight(item.Tier)})
}

func parseTiers(raw string) ([]models.Tier, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	var out []models.Tier
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, ok := tiering.ParseTier(part)
		if !ok {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}
