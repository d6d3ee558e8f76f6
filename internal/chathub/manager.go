package chathub

import (
	"context"
	"sync"
	"time"

	"roastarena/backend/internal/config"
	"roastarena/backend/internal/localization"
	"roastarena/backend/internal/metrics"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// ManagerService is the relay hub: it tracks the connections of this node
// and routes notifications between them, or to other nodes through the Bus.
type ManagerService struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	// Channels
	RegisterCh   chan *Conn
	UnregisterCh chan *Conn

	Storage   storage.Store
	Matcher   *MatcherService
	Registry  *Registry
	Bus       *Bus
	Localizer *localization.Localizer
	Lang      string

	done     chan struct{}
	stopOnce sync.Once
}

// NewManagerService wires a hub with its matcher and session registry.
func NewManagerService(s storage.Store, order storage.QueueOrder) *ManagerService {
	m := &ManagerService{
		conns:        make(map[string]*Conn),
		RegisterCh:   make(chan *Conn),
		UnregisterCh: make(chan *Conn),
		Storage:      s,
		Matcher:      NewMatcherService(s, order),
		Localizer:    localization.Must(),
		Lang:         localization.DefaultLang,
		done:         make(chan struct{}),
	}
	m.Registry = NewRegistry(s, m)
	return m
}

// Run processes registrations until ctx is cancelled. On shutdown every
// connection is detached, so sessions survive a restart and can be resumed.
func (m *ManagerService) Run(ctx context.Context) {
	log.Info().Msg("relay hub started")
	defer m.stopOnce.Do(func() { close(m.done) })

	var refresh <-chan time.Time
	if m.Bus != nil {
		ticker := time.NewTicker(config.PresenceTTL / 2)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case c := <-m.RegisterCh:
			m.register(ctx, c)
		case c := <-m.UnregisterCh:
			m.unregister(ctx, c)
		case <-refresh:
			m.refreshPresence(ctx)
		case <-ctx.Done():
			m.detachAll()
			log.Info().Msg("relay hub stopped")
			return
		}
	}
}

// Register hands a new connection to the hub loop.
func (m *ManagerService) Register(c *Conn) {
	select {
	case m.RegisterCh <- c:
	case <-m.done:
		c.Transport.Close()
	}
}

// Unregister hands a finished connection to the hub loop.
func (m *ManagerService) Unregister(c *Conn) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
		c.shutdown(true)
	}
}

func (m *ManagerService) register(ctx context.Context, c *Conn) {
	m.mu.Lock()
	old := m.conns[c.UserID]
	m.conns[c.UserID] = c
	m.mu.Unlock()

	if old != nil && old != c {
		// the new connection takes over the session, the old one just goes away
		old.shutdown(true)
		log.Info().Str("user_id", c.UserID).Msg("connection replaced")
	}
	if m.Bus != nil {
		if err := m.Bus.MarkOnline(ctx, c.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", c.UserID).Msg("failed to publish presence")
		}
	}
	c.start()
	log.Debug().Str("user_id", c.UserID).Msg("connection registered")
}

func (m *ManagerService) unregister(ctx context.Context, c *Conn) {
	m.mu.Lock()
	current := m.conns[c.UserID] == c
	if current {
		delete(m.conns, c.UserID)
	}
	m.mu.Unlock()

	if current && m.Bus != nil {
		if err := m.Bus.MarkOffline(ctx, c.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", c.UserID).Msg("failed to clear presence")
		}
	}
	c.shutdown(false)
	log.Debug().Str("user_id", c.UserID).Bool("current", current).Msg("connection unregistered")
}

func (m *ManagerService) detachAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown(true)
	}
}

func (m *ManagerService) refreshPresence(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	if len(ids) == 0 {
		return
	}
	if err := m.Bus.MarkOnline(ctx, ids...); err != nil {
		log.Warn().Err(err).Int("users", len(ids)).Msg("failed to refresh presence")
	}
}

// Conn returns the local connection of userID, or nil.
func (m *ManagerService) Conn(userID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[userID]
}

// Connected returns the number of local connections.
func (m *ManagerService) Connected() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IsOnline reports whether userID has an open connection on any node.
func (m *ManagerService) IsOnline(ctx context.Context, userID string) bool {
	if m.Conn(userID) != nil {
		return true
	}
	if m.Bus == nil {
		return false
	}
	online, err := m.Bus.IsOnline(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("presence lookup failed")
		return false
	}
	return online
}

// Deliver routes a notification to the connection of userID, wherever it is.
// Delivery is fire-and-forget: an offline user simply misses it.
func (m *ManagerService) Deliver(userID string, n models.Notification) {
	n.TargetUserID = userID
	if m.deliverLocal(n) {
		return
	}
	if m.Bus != nil {
		if err := m.Bus.Publish(context.Background(), n); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to publish notification")
		}
		return
	}
	metrics.RelayDropped.WithLabelValues("offline").Inc()
	log.Debug().Str("user_id", userID).Str("kind", string(n.Kind)).Msg("recipient offline")
}

func (m *ManagerService) deliverLocal(n models.Notification) bool {
	c := m.Conn(n.TargetUserID)
	return c != nil && c.notify(n)
}

// PartnerLeft implements Notifier.
func (m *ManagerService) PartnerLeft(userID, sessionID string) {
	m.Deliver(userID, models.Notification{Kind: models.NotifyPartnerLeft, SessionID: sessionID})
}

// AnnounceMatch activates the open connections of both participants of a
// match made outside the relay (e.g. over HTTP).
func (m *ManagerService) AnnounceMatch(res *PairingResult) {
	if res == nil || res.Status != StatusMatched {
		return
	}
	for _, uid := range res.Session.ParticipantIDs() {
		m.Deliver(uid, models.Notification{Kind: models.NotifyMatched, SessionID: res.SessionID})
	}
}

func (m *ManagerService) text(key string) string {
	if m.Localizer == nil {
		return key
	}
	return m.Localizer.GetString(m.Lang, key)
}
