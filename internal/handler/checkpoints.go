package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartmoney/internal/service"
)

type CheckpointHandler struct {
	Query *service.QueryService
}

func (h *CheckpointHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/checkpoints", h.list)
}

// @Summary List ingestion checkpoints
// @Tags pipeline
// @Param source query string false "leaderboard|markets|pinned|score|discovery|multi_outcome"
// @Success 200 {object} apiResponse
// @Router /api/v1/checkpoints [get]
func (h *CheckpointHandler) list(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		serviceUnavailable(c, "service")
		return
	}
	items, err := h.Query.ListCheckpoints(c.Request.Context(), c.Query("source"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}
