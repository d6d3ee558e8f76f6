package handler

import (
	"context"
	"errors"
	"net/http"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type pairingRequest struct {
	Username string `json:"username" binding:"max=32"`
	Avatar   string `json:"avatar" binding:"omitempty,max=512"`
}

// RequestPairing queues the caller or matches them with a waiting user.
func (h *Handler) RequestPairing(c *gin.Context) {
	var req pairingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	userID := AnonID(c)

	// a new pairing replaces the battle the caller is still in
	if err := h.endActiveSession(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pairing failed"})
		return
	}

	res, err := h.Hub.Matcher.RequestPairing(ctx, userID, models.Profile{Username: req.Username, Avatar: req.Avatar})
	switch {
	case errors.Is(err, chathub.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	case errors.Is(err, chathub.ErrTransientConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pairing conflict, retry the request", "retryable": true})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pairing failed"})
		return
	}

	h.Hub.AnnounceMatch(res)
	c.JSON(http.StatusOK, res)
}

// DeleteMe is the account deletion hook: the user leaves the queue and
// their live session, if any. It is idempotent.
func (h *Handler) DeleteMe(c *gin.Context) {
	ctx := c.Request.Context()
	userID := AnonID(c)

	if _, err := h.Hub.Matcher.RemoveWaiting(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete user"})
		return
	}
	if err := h.endActiveSession(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete user"})
		return
	}
	c.Status(http.StatusNoContent)
}

// endActiveSession ends the session the user's pointer references, if any.
func (h *Handler) endActiveSession(ctx context.Context, userID string) error {
	sid, err := h.Hub.Storage.GetActiveSession(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load session pointer")
		return err
	}
	if sid == "" {
		return nil
	}
	if _, err := h.Hub.Registry.EndSession(ctx, sid, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// GetSession returns a session to one of its participants.
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.Hub.Registry.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !session.HasParticipant(AnonID(c))) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, session.View())
}
