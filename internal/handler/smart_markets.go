package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartmoney/internal/service"
)

type SmartMarketHandler struct {
	Query *service.QueryService
}

func (h *SmartMarketHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/smart-markets", h.list)
}

// @Summary List smart markets
// @Description Markets held by tiered traders, ranked by smart score, smart count and recency. Rows older than the freshness window are hidden.
// @Tags smart-markets
// @Param window query string false "freshness window (e.g. 48h or 48)"
// @Param min_smart_count query int false "minimum S/A holders"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/smart-markets [get]
func (h *SmartMarketHandler) list(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		serviceUnavailable(c, "service")
		return
	}
	limit := clampLimit(intQuery(c, "limit", 50), 50, 200)
	offset := intQuery(c, "offset", 0)
	items, total, err := h.Query.ListSmartMarkets(c.Request.Context(), service.SmartMarketQuery{
		Limit:         limit,
		Offset:        offset,
		MinSmartCount: intQueryPtr(c, "min_smart_count"),
		Window:        durationQuery(c, "window"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}
