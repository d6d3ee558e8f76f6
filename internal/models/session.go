package models

import "time"

// Session represents a 1-on-1 battle between two users.
// The participant pair never changes after creation; the record outlives the
// battle itself and is kept as history.
type Session struct {
	// SessionID is the unique identifier for the session (UUID).
	SessionID string `gorm:"primaryKey"`
	// User1ID is the user whose pairing request created the session.
	User1ID string `gorm:"not null;index"`
	// User2ID is the user who was waiting in the queue.
	User2ID string `gorm:"not null;index"`

	User1Username string
	User1Avatar   string
	User2Username string
	User2Avatar   string

	// CreatedAt is the match time.
	CreatedAt time.Time `gorm:"not null"`
	// EndedAt is set once the battle is over (skip, disconnect or partner_left).
	EndedAt *time.Time
	// EndedBy is the participant whose action ended the session.
	EndedBy string
}

// ParticipantIDs returns the two participants. Order carries no meaning.
func (s *Session) ParticipantIDs() []string {
	return []string{s.User1ID, s.User2ID}
}

// HasParticipant reports whether userID takes part in the session.
func (s *Session) HasParticipant(userID string) bool {
	return userID != "" && (s.User1ID == userID || s.User2ID == userID)
}

// PartnerOf returns the other participant, or "" when userID is not in the session.
func (s *Session) PartnerOf(userID string) string {
	switch userID {
	case s.User1ID:
		return s.User2ID
	case s.User2ID:
		return s.User1ID
	}
	return ""
}

// ProfileOf returns the profile snapshot of the given participant.
func (s *Session) ProfileOf(userID string) Profile {
	switch userID {
	case s.User1ID:
		return Profile{Username: s.User1Username, Avatar: s.User1Avatar}
	case s.User2ID:
		return Profile{Username: s.User2Username, Avatar: s.User2Avatar}
	}
	return Profile{}
}

// Ended reports whether the session is over.
func (s *Session) Ended() bool { return s.EndedAt != nil }

// SessionView is the external JSON shape of a Session.
type SessionView struct {
	SessionID           string             `json:"sessionId"`
	ParticipantIDs      []string           `json:"participantIds"`
	ParticipantProfiles map[string]Profile `json:"participantProfiles"`
	CreatedAt           time.Time          `json:"createdAt"`
	EndedAt             *time.Time         `json:"endedAt,omitempty"`
}

// View converts the record into its external shape.
func (s *Session) View() SessionView {
	return SessionView{
		SessionID:      s.SessionID,
		ParticipantIDs: s.ParticipantIDs(),
		ParticipantProfiles: map[string]Profile{
			s.User1ID: s.ProfileOf(s.User1ID),
			s.User2ID: s.ProfileOf(s.User2ID),
		},
		CreatedAt: s.CreatedAt,
		EndedAt:   s.EndedAt,
	}
}

// ActiveSession points a user at the session they are currently in.
type ActiveSession struct {
	UserID    string `gorm:"primaryKey"`
	SessionID string `gorm:"not null;index"`
	UpdatedAt time.Time
}
