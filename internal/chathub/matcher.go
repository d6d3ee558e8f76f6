package chathub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roastarena/backend/internal/metrics"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PairingStatus is the outcome of a pairing request.
type PairingStatus string

const (
	StatusWaiting PairingStatus = "waiting"
	StatusMatched PairingStatus = "matched"
)

// PairingResult is returned by RequestPairing.
type PairingResult struct {
	Status    PairingStatus `json:"status"`
	SessionID string        `json:"sessionId,omitempty"`

	// Session is set for StatusMatched.
	Session *models.Session `json:"-"`
}

// PartnerOf returns the partner id and profile snapshot of userID for a match.
func (r *PairingResult) PartnerOf(userID string) (string, models.Profile) {
	if r.Session == nil {
		return "", models.Profile{}
	}
	partnerID := r.Session.PartnerOf(userID)
	return partnerID, r.Session.ProfileOf(partnerID)
}

// MatcherService owns the waiting queue and the pairing transaction.
// It keeps no state of its own: the queue lives in the store, so any number
// of server nodes can pair concurrently.
type MatcherService struct {
	Storage storage.Store
	Order   storage.QueueOrder

	now func() time.Time
}

// NewMatcherService creates a new Matcher.
func NewMatcherService(s storage.Store, order storage.QueueOrder) *MatcherService {
	return &MatcherService{
		Storage: s,
		Order:   order,
		now:     time.Now,
	}
}

// RequestPairing matches requesterID with a waiting user, or queues them.
// The whole step runs as one transaction, so two concurrent requests can
// never take the same waiting entry.
func (m *MatcherService) RequestPairing(ctx context.Context, requesterID string, profile models.Profile) (*PairingResult, error) {
	if requesterID == "" {
		metrics.PairingRequests.WithLabelValues("unauthenticated").Inc()
		return nil, ErrUnauthenticated
	}
	profile = profile.Normalized()

	var result *PairingResult
	err := m.Storage.RunInTransaction(ctx, func(tx storage.Tx) error {
		// fn may run again after a conflict
		result = nil

		waiter, err := tx.NextWaiting(requesterID, m.Order)
		if err != nil {
			return err
		}
		now := m.now().UTC()

		if waiter == nil {
			entry := &models.WaitingEntry{
				UserID:     requesterID,
				Username:   profile.Username,
				Avatar:     profile.Avatar,
				EnqueuedAt: now,
			}
			existing, err := tx.GetWaiting(requesterID)
			if err != nil {
				return err
			}
			if existing != nil {
				// re-queueing keeps the place in line
				entry.EnqueuedAt = existing.EnqueuedAt
			}
			if err := tx.PutWaiting(entry); err != nil {
				return err
			}
			result = &PairingResult{Status: StatusWaiting}
			return nil
		}

		session := &models.Session{
			SessionID:     uuid.New().String(),
			User1ID:       requesterID,
			User1Username: profile.Username,
			User1Avatar:   profile.Avatar,
			User2ID:       waiter.UserID,
			User2Username: waiter.Username,
			User2Avatar:   waiter.Avatar,
			CreatedAt:     now,
		}
		if err := tx.CreateSession(session); err != nil {
			return err
		}

		deleted, err := tx.DeleteWaiting(waiter.UserID)
		if err != nil {
			return err
		}
		if !deleted {
			// someone else took the entry between our read and delete
			return storage.ErrConflict
		}
		if _, err := tx.DeleteWaiting(requesterID); err != nil {
			return err
		}

		for _, uid := range session.ParticipantIDs() {
			if err := tx.SetActiveSession(uid, session.SessionID); err != nil {
				return err
			}
		}

		result = &PairingResult{Status: StatusMatched, SessionID: session.SessionID, Session: session}
		return nil
	})

	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.PairingRequests.WithLabelValues("conflict").Inc()
			log.Warn().Err(err).Str("user_id", requesterID).Msg("pairing transaction exhausted its retries")
			return nil, fmt.Errorf("%w: %v", ErrTransientConflict, err)
		}
		metrics.PairingRequests.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("user_id", requesterID).Msg("pairing transaction failed")
		return nil, err
	}

	metrics.PairingRequests.WithLabelValues(string(result.Status)).Inc()
	if result.Status == StatusMatched {
		log.Info().
			Str("user_id", requesterID).
			Str("partner_id", result.Session.PartnerOf(requesterID)).
			Str("session_id", result.SessionID).
			Msg("match found")
	} else {
		log.Info().Str("user_id", requesterID).Msg("user queued for pairing")
	}
	return result, nil
}

// RemoveWaiting deletes the user's waiting entry, if any, and reports whether
// there was one. It is idempotent.
func (m *MatcherService) RemoveWaiting(ctx context.Context, userID string) (bool, error) {
	var removed bool
	err := m.Storage.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		removed, err = tx.DeleteWaiting(userID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to remove waiting entry")
		return false, err
	}
	if removed {
		log.Debug().Str("user_id", userID).Msg("waiting entry removed")
	}
	return removed, nil
}
