package handler

import (
	"net/http"

	"roastarena/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ServeWebSocket upgrades an authenticated request and attaches it to the relay.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	anonID := AnonID(c)
	if anonID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		log.Debug().Err(err).Str("user_id", anonID).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(anonID, conn)
	relay := h.Hub.NewConn(anonID, client)
	client.Run(relay)
	h.Hub.Register(relay)
}
