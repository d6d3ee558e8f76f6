package chathub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore is a testify mock of storage.Store for failure paths that the
// SQLite store cannot produce on demand.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *MockStore) GetActiveSession(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockStore) GetWaiting(ctx context.Context, userID string) (*models.WaitingEntry, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WaitingEntry), args.Error(1)
}

func (m *MockStore) CountWaiting(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) ScanMessagesForUser(ctx context.Context, userID string, fn func(*models.Message) error) error {
	args := m.Called(ctx, userID, fn)
	return args.Error(0)
}

func (m *MockStore) Conversation(ctx context.Context, userID, partnerID string) ([]models.Message, error) {
	args := m.Called(ctx, userID, partnerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// MockNotifier records partner_left notifications issued by the registry.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PartnerLeft(userID, sessionID string) {
	m.Called(userID, sessionID)
}

// fakeTransport captures everything the relay pushes to one client.
type fakeTransport struct {
	events chan models.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan models.Envelope, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Push(env models.Envelope) error {
	select {
	case <-f.closed:
		return chathub.ErrTransportClosed
	default:
	}
	f.events <- env
	return nil
}

func (f *fakeTransport) Close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) next(t *testing.T) models.Envelope {
	t.Helper()
	select {
	case env := <-f.events:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return models.Envelope{}
	}
}

// expect reads the next event and checks its type.
func (f *fakeTransport) expect(t *testing.T, eventType string) models.Envelope {
	t.Helper()
	env := f.next(t)
	require.Equal(t, eventType, env.Type, "payload: %s", string(env.Data))
	return env
}

// expectNone checks that nothing is pushed for a short while.
func (f *fakeTransport) expectNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.events:
		t.Fatalf("unexpected event %s: %s", env.Type, string(env.Data))
	case <-time.After(100 * time.Millisecond):
	}
}

// gatedTransport holds pushes of one event type until released, which keeps
// the actor busy at a chosen point.
type gatedTransport struct {
	*fakeTransport
	hold    string
	held    chan struct{}
	release chan struct{}
}

func newGatedTransport(hold string) *gatedTransport {
	return &gatedTransport{
		fakeTransport: newFakeTransport(),
		hold:          hold,
		held:          make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (g *gatedTransport) Push(env models.Envelope) error {
	if env.Type == g.hold {
		select {
		case g.held <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.fakeTransport.Push(env)
}

func (g *gatedTransport) waitHeld(t *testing.T) {
	t.Helper()
	select {
	case <-g.held:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the held push")
	}
}
