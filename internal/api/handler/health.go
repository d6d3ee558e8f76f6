package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Healthz reports store and Redis reachability.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok", "db": "ok", "connections": h.Hub.Connected()}

	if err := h.Hub.Storage.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"], body["db"] = "degraded", err.Error()
	}
	if h.Redis != nil {
		body["redis"] = "ok"
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"], body["redis"] = "degraded", err.Error()
		}
	}
	c.JSON(status, body)
}
