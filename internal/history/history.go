// Package history reconstructs past conversations from persisted messages.
package history

import (
	"context"
	"errors"
	"time"

	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// ErrMissingUser is returned when no user id is given.
var ErrMissingUser = errors.New("history: user id is required")

// Partner is one entry of a user's contact list.
type Partner struct {
	PartnerID   string         `json:"partnerId"`
	Profile     models.Profile `json:"partnerProfile"`
	LastMessage string         `json:"lastMessage"`
	LastSentAt  time.Time      `json:"lastSentAt"`
}

// Indexer answers history queries on top of the message store.
type Indexer struct {
	Storage storage.Store
}

func NewIndexer(s storage.Store) *Indexer {
	return &Indexer{Storage: s}
}

// ListConversationPartners returns the people userID exchanged messages with,
// most recent contact first, each exactly once. A positive limit stops the
// scan after that many partners.
func (ix *Indexer) ListConversationPartners(ctx context.Context, userID string, limit int) ([]Partner, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	seen := make(map[models.ConversationKey]struct{})
	partners := make([]Partner, 0)
	err := ix.Storage.ScanMessagesForUser(ctx, userID, func(m *models.Message) error {
		partnerID := m.PartnerOf(userID)
		key := models.NewConversationKey(userID, partnerID)
		if _, ok := seen[key]; ok {
			return nil
		}
		seen[key] = struct{}{}

		partners = append(partners, Partner{
			PartnerID:   partnerID,
			Profile:     m.PartnerProfile(userID).Normalized(),
			LastMessage: m.Text,
			LastSentAt:  m.SentAt,
		})
		if limit > 0 && len(partners) >= limit {
			return storage.ErrStopScan
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list conversation partners")
		return nil, err
	}
	return partners, nil
}

// LoadConversation returns every message between the two users, oldest first.
// The result is the same whichever of the two asks.
func (ix *Indexer) LoadConversation(ctx context.Context, userID, partnerID string) ([]models.Message, error) {
	if userID == "" || partnerID == "" {
		return nil, ErrMissingUser
	}
	msgs, err := ix.Storage.Conversation(ctx, userID, partnerID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("partner_id", partnerID).Msg("failed to load conversation")
		return nil, err
	}
	return msgs, nil
}
