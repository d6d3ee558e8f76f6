package models

import "time"

// Message is one chat line sent during a session.
// A single row serves both directions: it always carries both participant ids
// together with their profile snapshots, so forward and reverse conversation
// queries need no join.
type Message struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// SessionID is the battle the message was sent in.
	SessionID string `gorm:"index" json:"sessionId"`
	// FromUserID is the sender.
	FromUserID string `gorm:"not null;index:idx_msg_from_to,priority:1" json:"fromUserId"`
	// ToUserID is the recipient.
	ToUserID string `gorm:"not null;index:idx_msg_from_to,priority:2;index:idx_msg_to" json:"toUserId"`

	FromUsername string `json:"from"`
	FromAvatar   string `json:"fromAvatar"`
	ToUsername   string `json:"to"`
	ToAvatar     string `json:"toAvatar"`

	// Text is relayed and stored verbatim.
	Text string `gorm:"type:text;not null" json:"text"`
	// SentAt is the server time the relay accepted the message.
	SentAt time.Time `gorm:"not null;index" json:"sentAt"`
}

// PartnerOf returns the other side of the message relative to userID.
func (m *Message) PartnerOf(userID string) string {
	if m.FromUserID == userID {
		return m.ToUserID
	}
	return m.FromUserID
}

// PartnerProfile returns the profile snapshot of the other side relative to userID.
func (m *Message) PartnerProfile(userID string) Profile {
	if m.FromUserID == userID {
		return Profile{Username: m.ToUsername, Avatar: m.ToAvatar}
	}
	return Profile{Username: m.FromUsername, Avatar: m.FromAvatar}
}

// ConversationKey identifies a two-party history regardless of direction.
type ConversationKey struct {
	A, B string
}

// NewConversationKey builds the unordered key for the pair.
func NewConversationKey(userID, partnerID string) ConversationKey {
	if userID > partnerID {
		userID, partnerID = partnerID, userID
	}
	return ConversationKey{A: userID, B: partnerID}
}
