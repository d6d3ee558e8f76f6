package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"roastarena/backend/internal/logging"
	"roastarena/backend/internal/metrics"
	"roastarena/backend/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrConflict means a transaction lost a serialization race on every attempt.
	ErrConflict = errors.New("storage: transaction conflict")
	// ErrNotFound is returned for lookups of a missing record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStopScan can be returned from a scan callback to end the scan early.
	ErrStopScan = errors.New("storage: stop scan")
)

// QueueOrder is the tie-break used when several users are waiting.
type QueueOrder int

const (
	// OldestFirst pairs with the entry that has waited the longest.
	OldestFirst QueueOrder = iota
	// NewestFirst pairs with the most recently queued entry.
	NewestFirst
)

// ParseQueueOrder maps "newest" to NewestFirst and anything else to OldestFirst.
func ParseQueueOrder(s string) QueueOrder {
	if strings.EqualFold(strings.TrimSpace(s), "newest") {
		return NewestFirst
	}
	return OldestFirst
}

// Tx is the set of operations available inside one atomic transaction.
type Tx interface {
	// NextWaiting returns one waiting entry not owned by excludeUserID, or nil.
	NextWaiting(excludeUserID string, order QueueOrder) (*models.WaitingEntry, error)
	GetWaiting(userID string) (*models.WaitingEntry, error)
	PutWaiting(entry *models.WaitingEntry) error
	DeleteWaiting(userID string) (bool, error)

	CreateSession(session *models.Session) error
	GetSession(sessionID string) (*models.Session, error)
	// MarkSessionEnded reports false if the session was already over.
	MarkSessionEnded(sessionID, endedBy string, at time.Time) (bool, error)

	SetActiveSession(userID, sessionID string) error
	GetActiveSession(userID string) (string, error)
	// ClearActiveSession removes the pointer only while it still references sessionID.
	ClearActiveSession(userID, sessionID string) (bool, error)
}

// Store is the transactional store consumed by matchmaking, the relay and history.
type Store interface {
	// RunInTransaction runs fn atomically, retrying it on serialization
	// conflicts. fn may run more than once and must not have side effects
	// outside tx.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetActiveSession(ctx context.Context, userID string) (string, error)
	GetWaiting(ctx context.Context, userID string) (*models.WaitingEntry, error)
	CountWaiting(ctx context.Context) (int64, error)

	SaveMessage(ctx context.Context, msg *models.Message) error
	// ScanMessagesForUser visits every message sent or received by userID,
	// newest first.
	ScanMessagesForUser(ctx context.Context, userID string, fn func(*models.Message) error) error
	// Conversation returns the messages exchanged by the pair, oldest first.
	Conversation(ctx context.Context, userID, partnerID string) ([]models.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// Service implements Store on top of GORM.
type Service struct {
	DB *gorm.DB
	// MaxAttempts bounds RunInTransaction retries.
	MaxAttempts int
	// Backoff is the base delay between conflicting attempts.
	Backoff time.Duration
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{DB: db, MaxAttempts: maxAttempts, Backoff: 5 * time.Millisecond}
}

// Open connects to the database named by dsn. DSNs starting with "sqlite:"
// open an SQLite file (or ":memory:"), anything else is treated as Postgres.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logging.NewGormLogger(200 * time.Millisecond)}
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// one connection: SQLite serializes writers anyway, and ":memory:"
		// databases are per connection
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	return gorm.Open(postgres.Open(dsn), cfg)
}

// AutoMigrate creates or updates all tables.
func (s *Service) AutoMigrate() error {
	return s.DB.AutoMigrate(
		&models.WaitingEntry{},
		&models.Session{},
		&models.ActiveSession{},
		&models.Message{},
	)
}

func (s *Service) txOptions() []*sql.TxOptions {
	if s.DB.Dialector.Name() == "postgres" {
		return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	}
	return nil
}

// RunInTransaction implements Store.
func (s *Service) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		err := s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			return fn(&gormTx{db: db})
		}, s.txOptions()...)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
		metrics.StoreTxConflicts.Inc()
		log.Debug().Err(err).Int("attempt", attempt).Msg("transaction conflict, retrying")

		delay := s.Backoff*time.Duration(attempt) + time.Duration(rand.Int64N(int64(s.Backoff)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConflict, s.MaxAttempts, lastErr)
}

// isConflict reports whether err is a retryable serialization failure.
func isConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return (&gormTx{db: s.DB.WithContext(ctx)}).GetSession(sessionID)
}

func (s *Service) GetActiveSession(ctx context.Context, userID string) (string, error) {
	return (&gormTx{db: s.DB.WithContext(ctx)}).GetActiveSession(userID)
}

func (s *Service) GetWaiting(ctx context.Context, userID string) (*models.WaitingEntry, error) {
	return (&gormTx{db: s.DB.WithContext(ctx)}).GetWaiting(userID)
}

func (s *Service) CountWaiting(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.WaitingEntry{}).Count(&n).Error
	return n, err
}

// SaveMessage persists one relayed message; msg.ID is filled by GORM.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if err := s.DB.WithContext(ctx).Create(msg).Error; err != nil {
		log.Error().Err(err).Str("session_id", msg.SessionID).Msg("failed to save message")
		return err
	}
	return nil
}

func (s *Service) ScanMessagesForUser(ctx context.Context, userID string, fn func(*models.Message) error) error {
	rows, err := s.DB.WithContext(ctx).
		Model(&models.Message{}).
		Where("from_user_id = ? OR to_user_id = ?", userID, userID).
		Order("sent_at DESC").
		Order("id DESC").
		Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Message
		if err := s.DB.ScanRows(rows, &m); err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (s *Service) Conversation(ctx context.Context, userID, partnerID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.DB.WithContext(ctx).
		Where("(from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)",
			userID, partnerID, partnerID, userID).
		Order("sent_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Service) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
