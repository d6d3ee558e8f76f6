package chathub_test

import (
	"context"
	"testing"
	"time"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"
	"roastarena/backend/internal/storage/storagetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// newNode starts a hub that shares store and Redis with its peers.
func newNode(t *testing.T, store storage.Store, rdb *redis.Client, nodeID string) *chathub.ManagerService {
	t.Helper()
	hub := chathub.NewManagerService(store, storage.OldestFirst)
	hub.Bus = chathub.NewBus(rdb, nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.StartPubSubListener(ctx))
	go hub.Run(ctx)
	return hub
}

func TestBus_CrossNodeSession(t *testing.T) {
	store := storagetest.New(t)
	rdb := newRedis(t)
	nodeA := newNode(t, store, rdb, "node-a")
	nodeB := newNode(t, store, rdb, "node-b")

	ca, ta := connect(t, nodeA, "alice")
	cb, tb := connect(t, nodeB, "bob")
	assert.True(t, nodeB.IsOnline(context.Background(), "alice"))

	ca.Submit(intent(models.EventStartChat))
	ta.expect(t, models.EventWaiting)
	cb.Submit(intent(models.EventStartChat))

	assert.Equal(t, "alice", decode[models.ChatStartPayload](t, tb.expect(t, models.EventChatStart)).PartnerUID)
	assert.Equal(t, "bob", decode[models.ChatStartPayload](t, ta.expect(t, models.EventChatStart)).PartnerUID)

	cb.Submit(say("hello from the other side"))
	got := decode[models.ReceiveMessagePayload](t, ta.expect(t, models.EventReceiveMessage))
	assert.Equal(t, "hello from the other side", got.Text)

	cb.Disconnect()
	ta.expect(t, models.EventPartnerLeft)
	assert.Eventually(t, func() bool {
		return !nodeA.IsOnline(context.Background(), "bob")
	}, time.Second, 20*time.Millisecond)
}

func TestBus_PresenceOwnedByNode(t *testing.T) {
	rdb := newRedis(t)
	ctx := context.Background()
	busA := chathub.NewBus(rdb, "node-a")
	busB := chathub.NewBus(rdb, "node-b")

	require.NoError(t, busA.MarkOnline(ctx, "alice", "bob"))

	online, err := busB.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	// another node cannot take alice offline
	require.NoError(t, busB.MarkOffline(ctx, "alice"))
	online, err = busA.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, busA.MarkOffline(ctx, "alice"))
	online, err = busA.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	ttl, err := rdb.TTL(ctx, "chathub:presence:bob").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestBus_IgnoresMalformedPayload(t *testing.T) {
	store := storagetest.New(t)
	rdb := newRedis(t)
	node := newNode(t, store, rdb, "node-a")
	_, ta := connect(t, node, "alice")

	require.NoError(t, rdb.Publish(context.Background(), chathub.DeliverChannel, "not json").Err())
	ta.expectNone(t)
}
