package chathub

import (
	"sync"

	"roastarena/backend/internal/models"
)

// Transport is the interface for any type of connection (e.g., WebSocket, Telegram).
// It abstracts the underlying communication mechanism, allowing the hub to manage
// different client types uniformly.
type Transport interface {
	// Push queues a server event for the client. It must not block.
	Push(env models.Envelope) error
	// Close gracefully shuts down the underlying connection. It is idempotent.
	Close()
}

// mailbox is an unbounded FIFO feeding one Conn actor.
// push never blocks, so the hub and other connections can hand events to a
// slow actor without stalling.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends v and reports false once the mailbox is closed.
func (m *mailbox) push(v any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// drain takes everything queued so far.
func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close rejects further pushes. Queued items can still be drained.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
