package chathub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roastarena/backend/internal/config"
	"roastarena/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// DeliverChannel carries notifications for users connected to other nodes.
	DeliverChannel   = "chathub:deliver"
	presenceKeyspace = "chathub:presence:"
)

// releasePresence deletes the key only while it is owned by this node, so a
// user who already reconnected elsewhere stays online.
var releasePresence = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Bus connects the hubs of several server nodes through Redis: presence keys
// with a TTL and a pub/sub channel for notifications.
type Bus struct {
	Redis  *redis.Client
	NodeID string
	TTL    time.Duration
}

// NewBus creates a Bus for this node.
func NewBus(rdb *redis.Client, nodeID string) *Bus {
	return &Bus{Redis: rdb, NodeID: nodeID, TTL: config.PresenceTTL}
}

func presenceKey(userID string) string {
	return presenceKeyspace + userID
}

// Publish sends n to every node; the node holding the target delivers it.
func (b *Bus) Publish(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.Redis.Publish(ctx, DeliverChannel, payload).Err()
}

// Subscribe subscribes to DeliverChannel and waits for the confirmation.
func (b *Bus) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := b.Redis.Subscribe(ctx, DeliverChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", DeliverChannel, err)
	}
	return ps, nil
}

// MarkOnline sets or refreshes the presence keys of local users.
func (b *Bus) MarkOnline(ctx context.Context, userIDs ...string) error {
	pipe := b.Redis.Pipeline()
	for _, id := range userIDs {
		pipe.Set(ctx, presenceKey(id), b.NodeID, b.TTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline drops the presence key of a user owned by this node.
func (b *Bus) MarkOffline(ctx context.Context, userID string) error {
	return releasePresence.Run(ctx, b.Redis, []string{presenceKey(userID)}, b.NodeID).Err()
}

// IsOnline reports whether any node holds a connection for userID.
func (b *Bus) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := b.Redis.Exists(ctx, presenceKey(userID)).Result()
	return n > 0, err
}

// StartPubSubListener subscribes the hub to the Bus and delivers incoming
// notifications to local connections until ctx is cancelled.
// It returns once the subscription is confirmed. Without a Bus it is a no-op.
func (m *ManagerService) StartPubSubListener(ctx context.Context) error {
	if m.Bus == nil {
		return nil
	}
	ps, err := m.Bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					log.Warn().Err(err).Msg("malformed notification on bus")
					continue
				}
				// users connected elsewhere are handled by their own node
				m.deliverLocal(n)
			}
		}
	}()
	log.Info().Str("node_id", m.Bus.NodeID).Str("channel", DeliverChannel).Msg("listening for remote notifications")
	return nil
}
