package chathub

import (
	"context"
	"errors"
	"time"

	"roastarena/backend/internal/metrics"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// Notifier is told about participants that lost their partner.
type Notifier interface {
	PartnerLeft(userID, sessionID string)
}

// Registry owns session records and the per-user active session pointers.
type Registry struct {
	Storage  storage.Store
	Notifier Notifier

	now func() time.Time
}

// NewRegistry creates a Registry. n may be nil.
func NewRegistry(s storage.Store, n Notifier) *Registry {
	return &Registry{Storage: s, Notifier: n, now: time.Now}
}

// Get returns the session record.
func (r *Registry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return r.Storage.GetSession(ctx, sessionID)
}

// EndSession marks the session as over and clears the participants'
// pointers that still reference it. The record itself is kept.
// endingUserID may be empty when the session is ended administratively,
// in which case both participants are notified.
// Ending an already ended session is a no-op and notifies no one.
func (r *Registry) EndSession(ctx context.Context, sessionID, endingUserID string) (*models.Session, error) {
	var (
		session *models.Session
		ended   bool
		at      = r.now().UTC()
	)
	err := r.Storage.RunInTransaction(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		if endingUserID != "" && !s.HasParticipant(endingUserID) {
			return ErrNotParticipant
		}

		ended, err = tx.MarkSessionEnded(sessionID, endingUserID, at)
		if err != nil {
			return err
		}
		for _, uid := range s.ParticipantIDs() {
			if _, err := tx.ClearActiveSession(uid, sessionID); err != nil {
				return err
			}
		}
		if ended {
			s.EndedAt, s.EndedBy = &at, endingUserID
		}
		session = s
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, ErrNotParticipant) {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to end session")
		}
		return nil, err
	}
	if !ended {
		return session, nil
	}

	reason := "left"
	if endingUserID == "" {
		reason = "admin"
	}
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	log.Info().Str("session_id", sessionID).Str("user_id", endingUserID).Msg("session ended")

	if r.Notifier != nil {
		for _, uid := range session.ParticipantIDs() {
			if uid != endingUserID {
				r.Notifier.PartnerLeft(uid, sessionID)
			}
		}
	}
	return session, nil
}

// ClearPointer removes userID's active session pointer if it still
// references sessionID.
func (r *Registry) ClearPointer(ctx context.Context, userID, sessionID string) error {
	err := r.Storage.RunInTransaction(ctx, func(tx storage.Tx) error {
		_, err := tx.ClearActiveSession(userID, sessionID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("session_id", sessionID).Msg("failed to clear session pointer")
	}
	return err
}
