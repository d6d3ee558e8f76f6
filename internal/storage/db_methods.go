package storage

import (
	"errors"
	"time"

	"roastarena/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormTx implements Tx over a *gorm.DB that is either inside a transaction
// or bound to a context for single statements.
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) NextWaiting(excludeUserID string, order QueueOrder) (*models.WaitingEntry, error) {
	q := t.db.Where("user_id <> ?", excludeUserID)
	if order == NewestFirst {
		q = q.Order("enqueued_at DESC").Order("user_id DESC")
	} else {
		q = q.Order("enqueued_at ASC").Order("user_id ASC")
	}

	var entry models.WaitingEntry
	err := q.Limit(1).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (t *gormTx) GetWaiting(userID string) (*models.WaitingEntry, error) {
	var entry models.WaitingEntry
	err := t.db.Where("user_id = ?", userID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutWaiting inserts the entry or overwrites the user's existing one.
func (t *gormTx) PutWaiting(entry *models.WaitingEntry) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "avatar", "enqueued_at"}),
	}).Create(entry).Error
}

func (t *gormTx) DeleteWaiting(userID string) (bool, error) {
	res := t.db.Where("user_id = ?", userID).Delete(&models.WaitingEntry{})
	return res.RowsAffected > 0, res.Error
}

func (t *gormTx) CreateSession(session *models.Session) error {
	return t.db.Create(session).Error
}

func (t *gormTx) GetSession(sessionID string) (*models.Session, error) {
	var session models.Session
	err := t.db.Where("session_id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (t *gormTx) MarkSessionEnded(sessionID, endedBy string, at time.Time) (bool, error) {
	res := t.db.Model(&models.Session{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Updates(map[string]interface{}{
			"ended_at": at,
			"ended_by": endedBy,
		})
	return res.RowsAffected > 0, res.Error
}

func (t *gormTx) SetActiveSession(userID, sessionID string) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "updated_at"}),
	}).Create(&models.ActiveSession{UserID: userID, SessionID: sessionID, UpdatedAt: time.Now().UTC()}).Error
}

func (t *gormTx) GetActiveSession(userID string) (string, error) {
	var ptr models.ActiveSession
	err := t.db.Where("user_id = ?", userID).Take(&ptr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ptr.SessionID, nil
}

func (t *gormTx) ClearActiveSession(userID, sessionID string) (bool, error) {
	res := t.db.Where("user_id = ? AND session_id = ?", userID, sessionID).Delete(&models.ActiveSession{})
	return res.RowsAffected > 0, res.Error
}
