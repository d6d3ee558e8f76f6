package chathub

import (
	"sync"
	"time"

	"roastarena/backend/internal/config"
	"roastarena/backend/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketClient implements Transport over a gorilla websocket connection.
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan models.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketClient wraps an upgraded websocket connection.
func NewWebSocketClient(userID string, ws *websocket.Conn) *WebSocketClient {
	return &WebSocketClient{
		UserID: userID,
		Conn:   ws,
		Send:   make(chan models.Envelope, config.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// Push implements Transport. A client that lets its buffer fill up is
// disconnected instead of stalling the relay.
func (c *WebSocketClient) Push(env models.Envelope) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	select {
	case c.Send <- env:
		return nil
	default:
		log.Warn().Str("user_id", c.UserID).Msg("send buffer full, closing connection")
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which flushes queued events and closes the socket.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Run starts the pumps. Decoded intents are handed to conn.
func (c *WebSocketClient) Run(conn *Conn) {
	go c.writePump()
	go c.readPump(conn)
}

func (c *WebSocketClient) readPump(conn *Conn) {
	defer func() {
		conn.Disconnect()
		c.Close()
	}()

	c.Conn.SetReadLimit(config.MaxFrameSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.UserID).Msg("websocket read failed")
			}
			return
		}

		in, err := models.ParseIntent(raw)
		if err != nil {
			_ = c.Push(models.NewEvent(models.EventError, models.ErrorPayload{
				Code:    "invalid_event",
				Message: err.Error(),
			}))
			continue
		}
		conn.Submit(in)
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case env := <-c.Send:
			if err := c.write(env); err != nil {
				return
			}

		case <-c.done:
			// flush what the relay queued before closing
			for {
				select {
				case env := <-c.Send:
					if err := c.write(env); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) write(env models.Envelope) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
	if err := c.Conn.WriteJSON(env); err != nil {
		log.Debug().Err(err).Str("user_id", c.UserID).Msg("websocket write failed")
		return err
	}
	return nil
}
