package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Client -> server event names.
const (
	EventSetProfile  = "set_profile"
	EventStartChat   = "start_chat"
	EventSkipPartner = "skip_partner"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Server -> client event names.
const (
	EventConnectionUpdate     = "connection_update"
	EventWaiting              = "waiting"
	EventChatStart            = "chat_start"
	EventReceiveMessage       = "receive_message"
	EventPartnerLeft          = "partner_left"
	EventPartnerTyping        = "partner_typing"
	EventPartnerStoppedTyping = "partner_stopped_typing"
	EventError                = "error"
)

// MaxMessageLength bounds a single relayed text.
const MaxMessageLength = 2000

var ErrInvalidEvent = errors.New("invalid event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the frame exchanged over the real-time channel in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SetProfilePayload is sent by the client right after connecting.
type SetProfilePayload struct {
	Username string `json:"username" validate:"required,max=32"`
	Avatar   string `json:"avatar" validate:"omitempty,max=512"`
	UserID   string `json:"uid" validate:"omitempty,max=128"`
}

// SendMessagePayload carries one chat line.
type SendMessagePayload struct {
	Text string `json:"text" validate:"required,max=2000"`
}

// ConnectionUpdatePayload reports connection status to the client.
type ConnectionUpdatePayload struct {
	Message string `json:"message"`
}

// ChatStartPayload announces a match. PartnerID is a per-connection handle,
// PartnerUID is the partner's real identity.
type ChatStartPayload struct {
	PartnerID       string `json:"partnerId"`
	PartnerUID      string `json:"partnerUid"`
	PartnerUsername string `json:"partnerUsername"`
	PartnerAvatar   string `json:"partnerAvatar"`
}

// ReceiveMessagePayload relays a partner's text.
type ReceiveMessagePayload struct {
	Text     string `json:"text"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// PartnerLeftPayload tells the client its partner is gone.
type PartnerLeftPayload struct {
	Message string `json:"message"`
}

// ErrorPayload reports a rejected intent without closing the channel.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Intent is a decoded and validated client event.
type Intent struct {
	Type    string
	Profile *SetProfilePayload
	Text    string
}

// ParseIntent decodes a raw client frame and validates its payload.
func ParseIntent(raw []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return env.Intent()
}

// Intent validates the envelope as a client event.
func (e Envelope) Intent() (Intent, error) {
	in := Intent{Type: e.Type}
	switch e.Type {
	case EventStartChat, EventSkipPartner, EventTyping, EventStopTyping:
		return in, nil
	case EventSetProfile:
		var p SetProfilePayload
		if err := decodeAndValidate(e.Data, &p); err != nil {
			return Intent{}, err
		}
		in.Profile = &p
		return in, nil
	case EventSendMessage:
		var p SendMessagePayload
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &p); err != nil {
				return Intent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
			}
		}
		// blank lines are not relayed
		if strings.TrimSpace(p.Text) == "" {
			return Intent{}, fmt.Errorf("%w: empty text", ErrInvalidEvent)
		}
		if err := validate.Struct(p); err != nil {
			return Intent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		in.Text = p.Text
		return in, nil
	}
	return Intent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
}

func decodeAndValidate(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// NewEvent builds a server event. A nil payload produces a bare event.
func NewEvent(eventType string, payload any) Envelope {
	env := Envelope{Type: eventType}
	if payload != nil {
		// payloads are plain structs of strings, Marshal cannot fail
		env.Data, _ = json.Marshal(payload)
	}
	return env
}

// NotificationKind enumerates cross-connection notifications.
type NotificationKind string

const (
	NotifyMatched     NotificationKind = "matched"
	NotifyMessage     NotificationKind = "message"
	NotifyTyping      NotificationKind = "typing"
	NotifyStopTyping  NotificationKind = "stop_typing"
	NotifyPartnerLeft NotificationKind = "partner_left"
)

// Notification is what one connection (or the registry) hands to another
// user's connection. It crosses nodes as JSON over Redis pub/sub.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	TargetUserID string           `json:"target"`
	SessionID    string           `json:"session_id"`
	FromUserID   string           `json:"from,omitempty"`
	Text         string           `json:"text,omitempty"`
	Username     string           `json:"username,omitempty"`
	Avatar       string           `json:"avatar,omitempty"`
}
