package handler

import (
	"net/http"
	"net/url"
	"slices"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/history"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	Hub     *chathub.ManagerService
	History *history.Indexer
	Tokens  *TokenIssuer
	// Redis is optional and only used by the health check.
	Redis *redis.Client

	Env            string
	AllowedOrigins []string

	upgrader websocket.Upgrader
}

func NewHandler(hub *chathub.ManagerService, ix *history.Indexer, tokens *TokenIssuer) *Handler {
	h := &Handler{Hub: hub, History: ix, Tokens: tokens, Env: "dev"}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts same-host requests and the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.Env == "dev" || slices.Contains(h.AllowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}
