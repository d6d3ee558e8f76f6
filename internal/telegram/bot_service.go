// Package telegram exposes the relay to Telegram users. Every chat gets its
// own relay connection, bot commands become relay intents and relay events
// are rendered back as chat messages.
package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/localization"
	"roastarena/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// stopTimeout bounds how long /stop waits for the relay to leave the session.
const stopTimeout = 5 * time.Second

type chat struct {
	client *Client
	conn   *chathub.Conn
}

// BotService is responsible for receiving Telegram updates and routing them to the hub.
type BotService struct {
	BotAPI    *tgbotapi.BotAPI
	Bot       Sender
	Hub       *chathub.ManagerService
	Localizer *localization.Localizer

	mu    sync.Mutex
	chats map[int64]*chat
}

// NewBotService authorizes against the Bot API.
func NewBotService(token string, hub *chathub.ManagerService, l *localization.Localizer) (*BotService, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	log.Info().Str("account", bot.Self.UserName).Msg("telegram bot authorized")

	s := NewService(bot, hub, l)
	s.BotAPI = bot
	return s, nil
}

// NewService builds a service around any Sender.
func NewService(bot Sender, hub *chathub.ManagerService, l *localization.Localizer) *BotService {
	return &BotService{
		Bot:       bot,
		Hub:       hub,
		Localizer: l,
		chats:     make(map[int64]*chat),
	}
}

// Run is the main loop for receiving Telegram updates. It returns when ctx is done.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.BotAPI.GetUpdatesChan(u)
	defer s.BotAPI.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(update)
		}
	}
}

// HandleUpdate routes one update.
func (s *BotService) HandleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	lang := ""
	if msg.From != nil {
		lang = msg.From.LanguageCode
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			s.startChat(msg, lang)
		case "next":
			if c := s.current(msg.Chat.ID); c != nil {
				c.conn.Submit(models.Intent{Type: models.EventSkipPartner})
				return
			}
			s.startChat(msg, lang)
		case "stop":
			s.stop(msg.Chat.ID, lang)
		default:
			s.reply(msg.Chat.ID, lang, "tg.welcome")
		}
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	c := s.current(msg.Chat.ID)
	if c == nil {
		s.reply(msg.Chat.ID, lang, "tg.not_in_chat")
		return
	}
	in, err := models.NewEvent(models.EventSendMessage, models.SendMessagePayload{Text: text}).Intent()
	if err != nil {
		log.Debug().Err(err).Int64("chat_id", msg.Chat.ID).Msg("dropping telegram message")
		return
	}
	c.conn.Submit(in)
}

// startChat attaches the chat to the relay if needed, then queues it.
func (s *BotService) startChat(msg *tgbotapi.Message, lang string) {
	c := s.current(msg.Chat.ID)
	if c == nil {
		c = s.attach(msg.Chat.ID, lang)
	}
	c.conn.Submit(models.Intent{Type: models.EventSetProfile, Profile: &models.SetProfilePayload{
		Username: displayName(msg.From),
		UserID:   c.client.UserID,
	}})
	if c.conn.State() == chathub.StateActive {
		return
	}
	c.conn.Submit(models.Intent{Type: models.EventStartChat})
}

func (s *BotService) attach(chatID int64, lang string) *chat {
	client := newClient(chatID, lang, s.Bot, s.Localizer)
	c := &chat{client: client, conn: s.Hub.NewConn(client.UserID, client)}

	s.mu.Lock()
	s.chats[chatID] = c
	s.mu.Unlock()

	go client.run()
	go func() {
		<-c.conn.Done()
		s.mu.Lock()
		if s.chats[chatID] == c {
			delete(s.chats, chatID)
		}
		s.mu.Unlock()
	}()

	s.Hub.Register(c.conn)
	return c
}

// stop leaves the queue or session and drops the relay connection.
func (s *BotService) stop(chatID int64, lang string) {
	c := s.current(chatID)
	if c == nil {
		s.reply(chatID, lang, "tg.not_in_chat")
		return
	}
	c.conn.Disconnect()

	// a later /start must not race the old connection's cleanup
	timeout := time.After(stopTimeout)
	for _, ch := range []<-chan struct{}{c.conn.Done(), c.client.stopped} {
		select {
		case <-ch:
		case <-timeout:
			log.Warn().Int64("chat_id", chatID).Msg("relay connection did not stop in time")
			s.reply(chatID, lang, "tg.stopped")
			return
		}
	}
	s.reply(chatID, lang, "tg.stopped")
}

func (s *BotService) current(chatID int64) *chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return nil
	}
	select {
	case <-c.conn.Done():
		return nil
	default:
		return c
	}
}

func (s *BotService) reply(chatID int64, lang, key string) {
	if _, err := s.Bot.Send(tgbotapi.NewMessage(chatID, s.Localizer.GetString(lang, key))); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram reply")
	}
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return models.DefaultUsername
	}
	name := strings.TrimSpace(u.UserName)
	if name == "" {
		name = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	if name == "" {
		return models.DefaultUsername
	}
	if r := []rune(name); len(r) > 32 {
		name = string(r[:32])
	}
	return name
}
