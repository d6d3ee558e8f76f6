package models

import "time"

// WaitingEntry is a queued, unmatched user awaiting pairing.
// UserID is the primary key, so a user can hold at most one entry.
type WaitingEntry struct {
	// UserID is the verified identity of the waiting user.
	UserID string `gorm:"primaryKey" json:"uid"`
	// Username is the display name snapshot taken when the user queued.
	Username string `gorm:"not null" json:"username"`
	// Avatar is the avatar snapshot taken when the user queued.
	Avatar string `json:"avatar"`
	// EnqueuedAt orders the queue for the default oldest-first policy.
	EnqueuedAt time.Time `gorm:"not null;index" json:"timestamp"`
}

// Profile returns the display profile stored in the entry.
func (w WaitingEntry) Profile() Profile {
	return Profile{Username: w.Username, Avatar: w.Avatar}
}
