package history_test

import (
	"context"
	"testing"
	"time"

	"roastarena/backend/internal/history"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"
	"roastarena/backend/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *storage.Service, msgs ...models.Message) {
	t.Helper()
	for i := range msgs {
		require.NoError(t, s.SaveMessage(context.Background(), &msgs[i]))
	}
}

func msg(from, to, text string, minute int) models.Message {
	return models.Message{
		FromUserID:   from,
		ToUserID:     to,
		FromUsername: "name-" + from,
		ToUsername:   "name-" + to,
		Text:         text,
		SentAt:       t0.Add(time.Duration(minute) * time.Minute),
	}
}

func TestListConversationPartners_DedupAndOrder(t *testing.T) {
	// Arrange
	store := storagetest.New(t)
	seed(t, store,
		msg("alice", "bob", "first", 1),
		msg("carol", "alice", "hey", 2),
		msg("bob", "alice", "reply", 3),
		msg("alice", "dave", "yo", 4),
		msg("bob", "carol", "not about alice", 5),
	)
	ix := history.NewIndexer(store)

	// Act
	partners, err := ix.ListConversationPartners(context.Background(), "alice", 0)

	// Assert
	require.NoError(t, err)
	ids := make([]string, 0, len(partners))
	for _, p := range partners {
		ids = append(ids, p.PartnerID)
	}
	assert.Equal(t, []string{"dave", "bob", "carol"}, ids)
	assert.Equal(t, "name-bob", partners[1].Profile.Username)
	assert.Equal(t, "reply", partners[1].LastMessage)
	assert.Equal(t, models.DefaultAvatar, partners[1].Profile.Avatar)
}

func TestListConversationPartners_Limit(t *testing.T) {
	store := storagetest.New(t)
	seed(t, store,
		msg("alice", "bob", "1", 1),
		msg("alice", "carol", "2", 2),
		msg("alice", "dave", "3", 3),
	)

	partners, err := history.NewIndexer(store).ListConversationPartners(context.Background(), "alice", 2)

	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, "dave", partners[0].PartnerID)
	assert.Equal(t, "carol", partners[1].PartnerID)
}

func TestListConversationPartners_Restartable(t *testing.T) {
	store := storagetest.New(t)
	seed(t, store, msg("alice", "bob", "1", 1), msg("carol", "alice", "2", 2))
	ix := history.NewIndexer(store)

	first, err := ix.ListConversationPartners(context.Background(), "alice", 0)
	require.NoError(t, err)
	second, err := ix.ListConversationPartners(context.Background(), "alice", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestListConversationPartners_Empty(t *testing.T) {
	ix := history.NewIndexer(storagetest.New(t))

	partners, err := ix.ListConversationPartners(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, partners)

	_, err = ix.ListConversationPartners(context.Background(), "", 0)
	assert.ErrorIs(t, err, history.ErrMissingUser)
}

func TestLoadConversation_Symmetric(t *testing.T) {
	store := storagetest.New(t)
	seed(t, store,
		msg("alice", "bob", "a1", 1),
		msg("bob", "alice", "b1", 2),
		msg("alice", "carol", "other", 3),
		msg("alice", "bob", "a2", 4),
	)
	ix := history.NewIndexer(store)

	fromAlice, err := ix.LoadConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	fromBob, err := ix.LoadConversation(context.Background(), "bob", "alice")
	require.NoError(t, err)

	require.Len(t, fromAlice, 3)
	assert.Equal(t, "a1", fromAlice[0].Text)
	assert.Equal(t, "b1", fromAlice[1].Text)
	assert.Equal(t, "a2", fromAlice[2].Text)
	assert.Equal(t, fromAlice, fromBob)

	_, err = ix.LoadConversation(context.Background(), "alice", "")
	assert.ErrorIs(t, err, history.ErrMissingUser)
}
