package telegram

import (
	"encoding/json"
	"fmt"
	"sync"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/config"
	"roastarena/backend/internal/localization"
	"roastarena/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Sender is the part of the Bot API the transport needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client implements chathub.Transport for one Telegram chat. Relay events
// are rendered as localized chat messages.
type Client struct {
	ChatID int64
	UserID string
	Lang   string

	bot       Sender
	localizer *localization.Localizer
	send      chan models.Envelope
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func newClient(chatID int64, lang string, bot Sender, l *localization.Localizer) *Client {
	return &Client{
		ChatID:    chatID,
		UserID:    UserID(chatID),
		Lang:      lang,
		bot:       bot,
		localizer: l,
		send:      make(chan models.Envelope, config.SendBufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// UserID is the relay identity of a Telegram chat.
func UserID(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

// Push implements chathub.Transport.
func (c *Client) Push(env models.Envelope) error {
	select {
	case <-c.done:
		return chathub.ErrTransportClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return chathub.ErrSendBufferFull
	}
}

// Close implements chathub.Transport. Queued events are still delivered.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		select {
		case env := <-c.send:
			c.deliver(env)
		case <-c.done:
			for {
				select {
				case env := <-c.send:
					c.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) deliver(env models.Envelope) {
	msg := c.render(env)
	if msg == nil {
		return
	}
	if _, err := c.bot.Send(msg); err != nil {
		log.Error().Err(err).Int64("chat_id", c.ChatID).Str("event", env.Type).Msg("failed to send telegram message")
	}
}

func (c *Client) text(key string, args ...any) string {
	s := c.localizer.GetString(c.Lang, key)
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	return s
}

// render maps a relay event to a Telegram message, or nil for events the
// chat has no use for.
func (c *Client) render(env models.Envelope) tgbotapi.Chattable {
	switch env.Type {
	case models.EventWaiting:
		return tgbotapi.NewMessage(c.ChatID, c.text("tg.searching"))

	case models.EventChatStart:
		var p models.ChatStartPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil
		}
		return tgbotapi.NewMessage(c.ChatID, c.text("tg.matched", p.PartnerUsername))

	case models.EventReceiveMessage:
		var p models.ReceiveMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil
		}
		return tgbotapi.NewMessage(c.ChatID, p.Username+": "+p.Text)

	case models.EventPartnerLeft:
		return tgbotapi.NewMessage(c.ChatID, c.text("tg.partner_left"))

	case models.EventPartnerTyping:
		return tgbotapi.NewChatAction(c.ChatID, tgbotapi.ChatTyping)

	case models.EventError:
		var p models.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil
		}
		switch p.Code {
		case "rate_limited":
			return tgbotapi.NewMessage(c.ChatID, c.text("tg.rate_limited"))
		case "invalid_state":
			return tgbotapi.NewMessage(c.ChatID, c.text("tg.not_in_chat"))
		}
		return tgbotapi.NewMessage(c.ChatID, c.text("tg.error"))
	}
	// connection_update, partner_stopped_typing
	return nil
}
