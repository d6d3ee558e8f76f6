package chathub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"roastarena/backend/internal/config"
	"roastarena/backend/internal/metrics"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// State is the main state of a relay connection.
type State int32

const (
	// StateIdle: connected, not queued, not in a session.
	StateIdle State = iota
	// StateWaiting: the user holds a waiting entry.
	StateWaiting
	// StateActive: the user is in a live session.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// mailbox items
type (
	openEvent   struct{}
	closeEvent  struct{ detach bool }
	intentEvent struct{ intent models.Intent }
	notifyEvent struct{ n models.Notification }
)

// Conn is the relay actor of one client connection. Intents from the client
// and notifications from other connections are queued in one mailbox and
// handled one at a time by a single goroutine, which owns all session state.
type Conn struct {
	UserID    string
	Transport Transport

	hub     *ManagerService
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	mailbox *mailbox
	done    chan struct{}
	started atomic.Bool
	current atomic.Int32

	// owned by the actor goroutine
	state         State
	partnerTyping bool
	profile       models.Profile
	session       *models.Session
	partnerID     string
	partnerHandle string
}

// NewConn creates the relay actor for an authenticated user. It starts
// processing once registered with the hub.
func (m *ManagerService) NewConn(userID string, t Transport) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		UserID:    userID,
		Transport: t,
		hub:       m,
		ctx:       ctx,
		cancel:    cancel,
		limiter:   rate.NewLimiter(rate.Limit(config.IntentRatePerSecond), config.IntentBurst),
		mailbox:   newMailbox(),
		done:      make(chan struct{}),
		profile:   models.Profile{}.Normalized(),
	}
	// the open event always comes first, whatever the transport reads meanwhile
	c.mailbox.push(openEvent{})
	return c
}

// Submit queues a client intent.
func (c *Conn) Submit(in models.Intent) {
	if !c.mailbox.push(intentEvent{intent: in}) {
		metrics.RelayDropped.WithLabelValues("closed").Inc()
	}
}

// Disconnect is called by the transport once the client went away.
func (c *Conn) Disconnect() {
	c.hub.Unregister(c)
}

// State returns the last state the actor settled in.
func (c *Conn) State() State {
	return State(c.current.Load())
}

// Done is closed when the actor has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) notify(n models.Notification) bool {
	return c.mailbox.push(notifyEvent{n: n})
}

// shutdown queues the final event. A detached connection leaves its session
// and queue entry untouched so that another connection can pick them up.
func (c *Conn) shutdown(detach bool) {
	c.mailbox.push(closeEvent{detach: detach})
	c.mailbox.close()
	c.start()
}

func (c *Conn) start() {
	if c.started.CompareAndSwap(false, true) {
		go c.run()
	}
}

func (c *Conn) run() {
	defer close(c.done)
	defer c.cancel()

	for range c.mailbox.signal {
		for _, item := range c.mailbox.drain() {
			if !c.handle(item) {
				return
			}
		}
	}
}

func (c *Conn) handle(item any) bool {
	switch ev := item.(type) {
	case openEvent:
		c.onOpen()
	case intentEvent:
		c.onIntent(ev.intent)
	case notifyEvent:
		c.onNotify(ev.n)
	case closeEvent:
		c.onClose(ev.detach)
		c.current.Store(int32(c.state))
		return false
	}
	c.current.Store(int32(c.state))
	return true
}

func (c *Conn) onOpen() {
	metrics.WsConnections.Inc()
	c.push(models.EventConnectionUpdate, models.ConnectionUpdatePayload{Message: c.hub.text("relay.connected")})

	entry, err := c.hub.Storage.GetWaiting(c.ctx, c.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", c.UserID).Msg("failed to load waiting entry")
		return
	}
	if entry != nil {
		c.profile = entry.Profile()
		c.state = StateWaiting
		c.push(models.EventWaiting, nil)
		return
	}
	c.reattach()
}

// reattach resumes the session the user's pointer references when the
// partner is still connected to it. Otherwise the session is over.
func (c *Conn) reattach() {
	sid, err := c.hub.Storage.GetActiveSession(c.ctx, c.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", c.UserID).Msg("failed to load active session pointer")
		return
	}
	if sid == "" {
		return
	}

	session, err := c.hub.Registry.Get(c.ctx, sid)
	if errors.Is(err, storage.ErrNotFound) {
		_ = c.hub.Registry.ClearPointer(c.ctx, c.UserID, sid)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sid).Msg("failed to load session")
		return
	}

	if !session.Ended() {
		partnerID := session.PartnerOf(c.UserID)
		if c.hub.IsOnline(c.ctx, partnerID) {
			partnerSID, err := c.hub.Storage.GetActiveSession(c.ctx, partnerID)
			if err == nil && partnerSID == sid {
				c.activate(session)
				log.Info().
					Str("user_id", c.UserID).
					Str("partner_id", partnerID).
					Str("session_id", sid).
					Msg("reattached to session")
				return
			}
		}
	}

	if _, err := c.hub.Registry.EndSession(c.ctx, sid, c.UserID); err != nil {
		log.Warn().Err(err).Str("session_id", sid).Msg("failed to end stale session")
	}
}

func (c *Conn) onIntent(in models.Intent) {
	// stop_typing is never throttled so an indicator cannot get stuck
	if in.Type != models.EventStopTyping && !c.limiter.Allow() {
		metrics.RelayDropped.WithLabelValues("rate_limited").Inc()
		if in.Type != models.EventTyping {
			c.pushError("rate_limited", "too many events, slow down", true)
		}
		return
	}

	switch in.Type {
	case models.EventSetProfile:
		c.setProfile(in.Profile)

	case models.EventStartChat:
		if c.state == StateActive {
			c.reject(in.Type)
			return
		}
		c.pair()

	case models.EventSkipPartner:
		if c.state != StateActive {
			c.reject(in.Type)
			return
		}
		c.leave()
		c.pair()

	case models.EventSendMessage:
		if c.state != StateActive {
			c.reject(in.Type)
			return
		}
		c.relayMessage(in.Text)

	case models.EventTyping, models.EventStopTyping:
		if c.state != StateActive {
			metrics.RelayDropped.WithLabelValues("invalid_state").Inc()
			return
		}
		kind := models.NotifyTyping
		if in.Type == models.EventStopTyping {
			kind = models.NotifyStopTyping
		}
		c.hub.Deliver(c.partnerID, models.Notification{
			Kind:       kind,
			SessionID:  c.session.SessionID,
			FromUserID: c.UserID,
		})
	}
}

func (c *Conn) setProfile(p *models.SetProfilePayload) {
	if p == nil {
		return
	}
	if p.UserID != "" && p.UserID != c.UserID {
		c.pushError("identity_mismatch", "uid does not match the authenticated user", false)
		return
	}
	c.profile = models.Profile{Username: p.Username, Avatar: p.Avatar}.Normalized()
}

func (c *Conn) pair() {
	res, err := c.hub.Matcher.RequestPairing(c.ctx, c.UserID, c.profile)
	if err != nil {
		if errors.Is(err, ErrTransientConflict) {
			c.pushError("pairing_conflict", "could not pair right now, try again", true)
			return
		}
		c.pushError("internal", "pairing failed", true)
		return
	}

	if res.Status == StatusWaiting {
		c.state = StateWaiting
		c.push(models.EventWaiting, nil)
		return
	}

	c.activate(res.Session)
	c.hub.Deliver(c.partnerID, models.Notification{
		Kind:       models.NotifyMatched,
		SessionID:  res.SessionID,
		FromUserID: c.UserID,
	})
}

func (c *Conn) activate(session *models.Session) {
	c.state = StateActive
	c.session = session
	c.partnerID = session.PartnerOf(c.UserID)
	c.partnerHandle = uuid.New().String()
	c.partnerTyping = false
	c.profile = session.ProfileOf(c.UserID)

	partner := session.ProfileOf(c.partnerID)
	c.push(models.EventChatStart, models.ChatStartPayload{
		PartnerID:       c.partnerHandle,
		PartnerUID:      c.partnerID,
		PartnerUsername: partner.Username,
		PartnerAvatar:   partner.Avatar,
	})
}

func (c *Conn) resetActive() {
	c.state = StateIdle
	c.session = nil
	c.partnerID = ""
	c.partnerHandle = ""
	c.partnerTyping = false
}

// leave ends the current session. The partner is notified by the registry.
func (c *Conn) leave() {
	sid := c.session.SessionID
	c.resetActive()
	if _, err := c.hub.Registry.EndSession(c.ctx, sid, c.UserID); err != nil {
		log.Warn().Err(err).Str("user_id", c.UserID).Str("session_id", sid).Msg("failed to end session")
	}
}

func (c *Conn) relayMessage(text string) {
	partner := c.session.ProfileOf(c.partnerID)
	msg := &models.Message{
		SessionID:    c.session.SessionID,
		FromUserID:   c.UserID,
		ToUserID:     c.partnerID,
		FromUsername: c.profile.Username,
		FromAvatar:   c.profile.Avatar,
		ToUsername:   partner.Username,
		ToAvatar:     partner.Avatar,
		Text:         text,
		SentAt:       time.Now().UTC(),
	}

	c.hub.Deliver(c.partnerID, models.Notification{
		Kind:       models.NotifyMessage,
		SessionID:  msg.SessionID,
		FromUserID: c.UserID,
		Text:       text,
		Username:   c.profile.Username,
		Avatar:     c.profile.Avatar,
	})
	metrics.MessagesRelayed.Inc()

	// persisted whether or not the partner received it
	if err := c.hub.Storage.SaveMessage(c.ctx, msg); err != nil {
		log.Error().Err(err).Str("session_id", msg.SessionID).Str("user_id", c.UserID).Msg("message relayed but not persisted")
	}
}

func (c *Conn) onNotify(n models.Notification) {
	if n.Kind == models.NotifyMatched {
		c.onMatched(n.SessionID)
		return
	}

	if c.state != StateActive || c.session.SessionID != n.SessionID {
		metrics.RelayDropped.WithLabelValues("stale_session").Inc()
		log.Debug().Str("user_id", c.UserID).Str("session_id", n.SessionID).Str("kind", string(n.Kind)).Msg("dropping notification for another session")
		return
	}

	switch n.Kind {
	case models.NotifyMessage:
		c.push(models.EventReceiveMessage, models.ReceiveMessagePayload{
			Text:     n.Text,
			Username: n.Username,
			Avatar:   n.Avatar,
		})
	case models.NotifyTyping:
		if !c.partnerTyping {
			c.partnerTyping = true
			c.push(models.EventPartnerTyping, nil)
		}
	case models.NotifyStopTyping:
		if c.partnerTyping {
			c.partnerTyping = false
			c.push(models.EventPartnerStoppedTyping, nil)
		}
	case models.NotifyPartnerLeft:
		c.resetActive()
		c.push(models.EventPartnerLeft, models.PartnerLeftPayload{Message: c.hub.text("relay.partner_left")})
	}
}

// onMatched activates a session created by somebody else's pairing request.
func (c *Conn) onMatched(sessionID string) {
	if c.state == StateActive && c.session.SessionID == sessionID {
		return
	}
	session, err := c.hub.Registry.Get(c.ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load matched session")
		return
	}
	if session.Ended() || !session.HasParticipant(c.UserID) {
		metrics.RelayDropped.WithLabelValues("stale_session").Inc()
		return
	}
	if c.state == StateActive {
		// paired again through another channel, the old battle is over
		c.leave()
	}
	c.activate(session)
}

func (c *Conn) onClose(detach bool) {
	defer metrics.WsConnections.Dec()
	defer c.Transport.Close()

	if detach {
		return
	}
	switch c.state {
	case StateActive:
		c.leave()
	case StateWaiting:
		c.state = StateIdle
		removed, err := c.hub.Matcher.RemoveWaiting(c.ctx, c.UserID)
		if err != nil || removed {
			return
		}
		// matched while closing, the notification had nowhere to go
		sid, err := c.hub.Storage.GetActiveSession(c.ctx, c.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", c.UserID).Msg("failed to load active session pointer")
			return
		}
		if sid == "" {
			return
		}
		if _, err := c.hub.Registry.EndSession(c.ctx, sid, c.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", c.UserID).Str("session_id", sid).Msg("failed to end session")
		}
	}
}

func (c *Conn) push(eventType string, payload any) {
	if err := c.Transport.Push(models.NewEvent(eventType, payload)); err != nil {
		metrics.RelayDropped.WithLabelValues("transport").Inc()
		log.Debug().Err(err).Str("user_id", c.UserID).Str("event", eventType).Msg("push failed")
	}
}

func (c *Conn) pushError(code, message string, retryable bool) {
	c.push(models.EventError, models.ErrorPayload{Code: code, Message: message, Retryable: retryable})
}

func (c *Conn) reject(intent string) {
	c.pushError("invalid_state", fmt.Sprintf("%s: %s is not allowed while %s", ErrInvalidIntent, intent, c.state), false)
}
