// Package client is a Go client for the battle relay. It keeps one websocket
// open, reconnecting with a bounded policy, and exposes typed intents and
// the server event stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roastarena/backend/internal/config"
	"roastarena/backend/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrConnectFailure is returned once every connection attempt failed. The
// caller has to Dial again to retry.
var ErrConnectFailure = errors.New("client: could not connect")

// ErrClosed is returned by intents sent after Close.
var ErrClosed = errors.New("client: closed")

// Options configures Dial. Zero values take the relay defaults.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	Attempts       int
	Delay          time.Duration
	ConnectTimeout time.Duration
	Dialer         *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = config.ReconnectAttempts
	}
	if o.Delay <= 0 {
		o.Delay = config.ReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = config.ConnectTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Client is a connected relay client. Events are delivered in order on
// Events(); the channel is closed when the client stops for good.
type Client struct {
	opts Options

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu      sync.Mutex
	profile *models.SetProfilePayload
	err     error

	events    chan models.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay, retrying per the reconnection policy.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.withDefaults()
	c := &Client{
		opts:   opts,
		events: make(chan models.Envelope, config.SendBufferSize),
		done:   make(chan struct{}),
	}
	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	go c.readLoop(ctx, ws)
	return c, nil
}

// connect makes up to Attempts tries with a fixed delay in between.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		ws, resp, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, header)
		cancel()
		if err == nil {
			return ws, nil
		}
		lastErr = err
		if resp != nil {
			lastErr = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		log.Debug().Err(lastErr).Int("attempt", attempt).Str("url", c.opts.URL).Msg("connect failed")

		if attempt == c.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnectFailure, ctx.Err())
		case <-c.done:
			return nil, ErrClosed
		case <-time.After(c.opts.Delay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectFailure, c.opts.Attempts, lastErr)
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer close(c.events)
	for {
		var env models.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			log.Info().Err(err).Msg("connection lost, reconnecting")

			next, err := c.connect(ctx)
			if err != nil {
				c.fail(err)
				return
			}
			select {
			case <-c.done:
				_ = next.Close()
				return
			default:
			}
			c.writeMu.Lock()
			c.ws = next
			c.writeMu.Unlock()
			ws = next
			c.restoreProfile()
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// restoreProfile repeats the last set_profile on a new connection.
func (c *Client) restoreProfile() {
	c.mu.Lock()
	p := c.profile
	c.mu.Unlock()
	if p == nil {
		return
	}
	if err := c.send(models.EventSetProfile, p); err != nil {
		log.Warn().Err(err).Msg("failed to restore profile")
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// Events returns the server event stream.
func (c *Client) Events() <-chan models.Envelope {
	return c.events
}

// Err reports why the client stopped, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. The server treats it as a disconnect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(config.WriteWait))
	return c.ws.Close()
}

func (c *Client) send(eventType string, payload any) error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
	return c.ws.WriteJSON(models.NewEvent(eventType, payload))
}

// SetProfile announces the caller's profile. It is repeated after reconnects.
func (c *Client) SetProfile(username, avatar, userID string) error {
	p := &models.SetProfilePayload{Username: username, Avatar: avatar, UserID: userID}
	c.mu.Lock()
	c.profile = p
	c.mu.Unlock()
	return c.send(models.EventSetProfile, p)
}

func (c *Client) StartChat() error   { return c.send(models.EventStartChat, nil) }
func (c *Client) SkipPartner() error { return c.send(models.EventSkipPartner, nil) }
func (c *Client) Typing() error      { return c.send(models.EventTyping, nil) }
func (c *Client) StopTyping() error  { return c.send(models.EventStopTyping, nil) }

func (c *Client) SendMessage(text string) error {
	return c.send(models.EventSendMessage, models.SendMessagePayload{Text: text})
}
