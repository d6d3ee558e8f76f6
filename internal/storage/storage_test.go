package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"
	"roastarena/backend/internal/storage/storagetest"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func putWaiting(t *testing.T, s *storage.Service, userID string, at time.Time) {
	t.Helper()
	err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		return tx.PutWaiting(&models.WaitingEntry{UserID: userID, Username: userID, EnqueuedAt: at})
	})
	require.NoError(t, err)
}

func TestPutWaiting_OneEntryPerUser(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()

	putWaiting(t, s, "alice", base)
	putWaiting(t, s, "alice", base.Add(time.Minute))

	n, err := s.CountWaiting(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a user must never hold two waiting entries")

	entry, err := s.GetWaiting(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.EnqueuedAt.Equal(base.Add(time.Minute)))
}

func TestNextWaiting_ExcludesRequesterAndHonorsOrder(t *testing.T) {
	s := storagetest.New(t)

	putWaiting(t, s, "alice", base)
	putWaiting(t, s, "bob", base.Add(time.Second))
	putWaiting(t, s, "carol", base.Add(2*time.Second))

	var oldest, newest, forAlice *models.WaitingEntry
	err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		var err error
		if oldest, err = tx.NextWaiting("dave", storage.OldestFirst); err != nil {
			return err
		}
		if newest, err = tx.NextWaiting("dave", storage.NewestFirst); err != nil {
			return err
		}
		forAlice, err = tx.NextWaiting("alice", storage.OldestFirst)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", oldest.UserID)
	assert.Equal(t, "carol", newest.UserID)
	assert.Equal(t, "bob", forAlice.UserID, "requester is never returned to itself")
}

func TestNextWaiting_EmptyQueue(t *testing.T) {
	s := storagetest.New(t)
	putWaiting(t, s, "alice", base)

	err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		e, err := tx.NextWaiting("alice", storage.OldestFirst)
		assert.Nil(t, e)
		return err
	})
	require.NoError(t, err)
}

func TestDeleteWaiting_Idempotent(t *testing.T) {
	s := storagetest.New(t)
	putWaiting(t, s, "alice", base)

	for i, want := range []bool{true, false} {
		err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
			deleted, err := tx.DeleteWaiting("alice")
			assert.Equal(t, want, deleted, "call %d", i)
			return err
		})
		require.NoError(t, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()

	sess := &models.Session{SessionID: "s1", User1ID: "alice", User2ID: "bob", CreatedAt: base}
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CreateSession(sess); err != nil {
			return err
		}
		if err := tx.SetActiveSession("alice", "s1"); err != nil {
			return err
		}
		return tx.SetActiveSession("bob", "s1")
	})
	require.NoError(t, err)

	ptr, err := s.GetActiveSession(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "s1", ptr)

	err = s.RunInTransaction(ctx, func(tx storage.Tx) error {
		ended, err := tx.MarkSessionEnded("s1", "alice", base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ended)

		ended, err = tx.MarkSessionEnded("s1", "bob", base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ended, "ending twice is a no-op")

		// bob's pointer was moved to another session in the meantime
		require.NoError(t, tx.SetActiveSession("bob", "s2"))

		cleared, err := tx.ClearActiveSession("alice", "s1")
		require.NoError(t, err)
		assert.True(t, cleared)

		cleared, err = tx.ClearActiveSession("bob", "s1")
		require.NoError(t, err)
		assert.False(t, cleared, "a pointer to another session must survive")
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Ended())
	assert.Equal(t, "alice", got.EndedBy)

	ptr, err = s.GetActiveSession(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "s2", ptr)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunInTransaction_RollsBackOnError(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.PutWaiting(&models.WaitingEntry{UserID: "alice", Username: "a", EnqueuedAt: base}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunInTransaction_RetriesConflicts(t *testing.T) {
	s := storagetest.New(t)
	attempts := 0

	err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		attempts++
		if attempts < 3 {
			return storage.ErrConflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunInTransaction_ConflictExhausted(t *testing.T) {
	s := storagetest.New(t)
	s.MaxAttempts = 2
	attempts := 0

	err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		attempts++
		return storage.ErrConflict
	})

	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, 2, attempts)
}

func TestRunInTransaction_RetriesOnlySerializationFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		retried bool
	}{
		{"serialization failure", fmt.Errorf("create session: %w", &pgconn.PgError{Code: "40001"}), true},
		{"deadlock", fmt.Errorf("delete waiting: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", fmt.Errorf("put waiting: %w", &pgconn.PgError{Code: "23505"}), false},
		{"sqlite busy", errors.New("database is locked"), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storagetest.New(t)
			attempts := 0

			err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
				attempts++
				if attempts == 1 {
					return tt.err
				}
				return nil
			})

			if tt.retried {
				require.NoError(t, err)
				assert.Equal(t, 2, attempts)
				return
			}
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, storage.ErrConflict)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRunInTransaction_PersistentSerializationFailure(t *testing.T) {
	s := storagetest.New(t)
	s.MaxAttempts = 3
	attempts := 0

	err := s.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		attempts++
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	})

	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, 3, attempts)
}

func saveMessage(t *testing.T, s *storage.Service, from, to, text string, at time.Time) {
	t.Helper()
	require.NoError(t, s.SaveMessage(context.Background(), &models.Message{
		FromUserID: from, ToUserID: to, Text: text, SentAt: at,
	}))
}

func TestConversation_SymmetricAndOrdered(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()

	saveMessage(t, s, "alice", "bob", "hi", base)
	saveMessage(t, s, "bob", "alice", "yo", base.Add(time.Second))
	saveMessage(t, s, "alice", "carol", "other", base.Add(2*time.Second))
	saveMessage(t, s, "alice", "bob", "again", base.Add(3*time.Second))

	fromAlice, err := s.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	fromBob, err := s.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)

	texts := func(msgs []models.Message) []string {
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.Text)
		}
		return out
	}
	assert.Equal(t, []string{"hi", "yo", "again"}, texts(fromAlice))
	assert.Equal(t, texts(fromAlice), texts(fromBob))
}

func TestScanMessagesForUser_NewestFirstAndStop(t *testing.T) {
	s := storagetest.New(t)
	ctx := context.Background()

	saveMessage(t, s, "alice", "bob", "1", base)
	saveMessage(t, s, "carol", "alice", "2", base.Add(time.Second))
	saveMessage(t, s, "bob", "dave", "not alice", base.Add(2*time.Second))
	saveMessage(t, s, "alice", "bob", "3", base.Add(3*time.Second))

	var seen []string
	err := s.ScanMessagesForUser(ctx, "alice", func(m *models.Message) error {
		seen = append(seen, m.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "1"}, seen)

	seen = nil
	err = s.ScanMessagesForUser(ctx, "alice", func(m *models.Message) error {
		seen = append(seen, m.Text)
		return storage.ErrStopScan
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, seen)
}
