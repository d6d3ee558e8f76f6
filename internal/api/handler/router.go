package handler

import (
	"net/http"

	"roastarena/backend/internal/config"
	"roastarena/backend/internal/metrics"
	"roastarena/backend/internal/mw"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// NewRouter wires middleware and routes. The returned func releases the
// rate limiter and must be called on shutdown.
func NewRouter(h *Handler, cfg config.Config) (*gin.Engine, func()) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	limit, rl := mw.RateLimit(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	r.Use(limit)

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/anonid", h.GetAnonID)

	auth := h.RequireIdentity()
	r.GET(config.DefaultWebSocketPath, auth, h.ServeWebSocket)

	api := r.Group("/api", auth)
	api.POST("/pairing", h.RequestPairing)
	api.DELETE("/users/me", h.DeleteMe)
	api.GET("/sessions/:id", h.GetSession)
	api.GET("/history", h.ListPartners)
	api.GET("/history/:partnerId", h.GetConversation)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r, rl.Stop
}
