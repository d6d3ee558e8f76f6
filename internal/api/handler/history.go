package handler

import (
	"net/http"
	"strconv"

	"roastarena/backend/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	defaultPartnerLimit = 50
	maxPartnerLimit     = 200
)

// conversationEntry labels each message from the caller's point of view.
type conversationEntry struct {
	models.Message
	Mine bool `json:"mine"`
}

// ListPartners returns the caller's past opponents, most recent first.
func (h *Handler) ListPartners(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPartnerLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	limit = min(limit, maxPartnerLimit)

	partners, err := h.History.ListConversationPartners(c.Request.Context(), AnonID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"partners": partners})
}

// GetConversation returns the caller's messages with one partner, oldest first.
func (h *Handler) GetConversation(c *gin.Context) {
	userID := AnonID(c)
	msgs, err := h.History.LoadConversation(c.Request.Context(), userID, c.Param("partnerId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	entries := make([]conversationEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, conversationEntry{Message: m, Mine: m.FromUserID == userID})
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}
