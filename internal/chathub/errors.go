package chathub

import "errors"

var (
	// ErrUnauthenticated is returned when a request carries no verified identity.
	ErrUnauthenticated = errors.New("chathub: caller identity is missing")
	// ErrTransientConflict means the pairing transaction kept losing races.
	// The whole request can be retried safely.
	ErrTransientConflict = errors.New("chathub: pairing conflict, retry the request")
	// ErrInvalidIntent is returned for an intent that the connection's
	// current state does not accept.
	ErrInvalidIntent = errors.New("chathub: intent not valid in current state")
	// ErrNotParticipant is returned when a user acts on a session they are not part of.
	ErrNotParticipant = errors.New("chathub: user is not a participant of the session")
	// ErrTransportClosed is returned by Push after the transport was closed.
	ErrTransportClosed = errors.New("chathub: transport closed")
	// ErrSendBufferFull is returned by Push when the peer does not read fast enough.
	ErrSendBufferFull = errors.New("chathub: send buffer full")
)
