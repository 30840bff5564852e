package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"smartmoney/internal/service"
)

type EventHandler struct {
	Query *service.QueryService
}

func (h *EventHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/events/:slug/multi-outcome", h.multiOutcome)
}

// @Summary Smart holders per outcome of a multi-outcome event
// @Tags events
// @Param slug path string true "event slug"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/events/{slug}/multi-outcome [get]
func (h *EventHandler) multiOutcome(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		serviceUnavailable(c, "service")
		return
	}
	slug := strings.TrimSpace(c.Param("slug"))
	if slug == "" {
		Error(c, http.StatusBadRequest, "invalid slug", nil)
		return
	}
	out, err := h.Query.EventOutcomes(c.Request.Context(), slug)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if len(out.Outcomes) == 0 {
		Error(c, http.StatusNotFound, "event not analyzed", nil)
		return
	}
	Ok(c, out, nil)
}
