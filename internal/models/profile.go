package models

import "strings"

// DefaultUsername and DefaultAvatar are used when a participant never sent a profile.
const (
	DefaultUsername = "Opponent"
	DefaultAvatar   = "https://api.dicebear.com/7.x/bottts/svg?seed=Opponent"
)

// Profile is the display identity a user shows to their partner.
// It is snapshotted into WaitingEntry and Session at queue/match time.
type Profile struct {
	// Username is the public nickname chosen by the user.
	Username string `json:"username" validate:"required,max=32"`
	// Avatar is a reference (usually a URL) to the user's avatar image.
	Avatar string `json:"avatar" validate:"omitempty,max=512"`
}

// Normalized trims the profile and fills in defaults for empty fields.
func (p Profile) Normalized() Profile {
	p.Username = strings.TrimSpace(p.Username)
	p.Avatar = strings.TrimSpace(p.Avatar)
	if p.Username == "" {
		p.Username = DefaultUsername
	}
	if p.Avatar == "" {
		p.Avatar = DefaultAvatar
	}
	return p
}
