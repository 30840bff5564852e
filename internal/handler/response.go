package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiResponse is the envelope every API route returns. Code is 0 on success
// and the HTTP status otherwise.
type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{Message: "ok", Data: data, Meta: meta})
}

// Accepted answers 202 for work handed to the job queues.
func Accepted(c *gin.Context, message string, data any) {
	c.JSON(http.StatusAccepted, apiResponse{Message: message, Data: data})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{Code: status, Message: message, Meta: meta})
}

// serviceUnavailable is the reply when a handler was wired without its
// dependency.
func serviceUnavailable(c *gin.Context, what string) {
	Error(c, http.StatusInternalServerError, what+" unavailable", nil)
}
