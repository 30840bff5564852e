package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cronrunner "smartmoney/internal/cron"
	"smartmoney/internal/jobs"
)

type JobHandler struct {
	Scheduler *jobs.Scheduler
	Cron      *cronrunner.Runner
	Logger    *zap.Logger
}

func (h *JobHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/jobs")
	g.GET("", h.list)
	g.POST("/:name/trigger", h.trigger)
}

// @Summary Job queues, schedules and last runs
// @Tags pipeline
// @Success 200 {object} apiResponse
// @Router /api/v1/jobs [get]
func (h *JobHandler) list(c *gin.Context) {
	if h.Scheduler == nil {
		serviceUnavailable(c, "scheduler")
		return
	}
	out := map[string]any{
		"queues": h.Scheduler.Queues(),
		"jobs":   h.Scheduler.Jobs(),
	}
	if h.Cron != nil {
		out["schedule"] = h.Cron.Entries()
	}
	Ok(c, out, nil)
}

// @Summary Queue a job now
// @Tags pipeline
// @Param name path string true "job name"
// @Success 202 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/jobs/{name}/trigger [post]
func (h *JobHandler) trigger(c *gin.Context) {
	if h.Scheduler == nil {
		serviceUnavailable(c, "scheduler")
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	job, err := h.Scheduler.Enqueue(name, jobs.EnqueueOptions{Reason: "api"})
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		Error(c, http.StatusNotFound, err.Error(), nil)
		return
	case errors.Is(err, jobs.ErrAlreadyQueued):
		Error(c, http.StatusConflict, "job already queued", nil)
		return
	case err != nil:
		if h.Logger != nil {
			h.Logger.Warn("manual job trigger failed", zap.String("job", name), zap.Error(err))
		}
		Error(c, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	Accepted(c, "queued", job)
}
