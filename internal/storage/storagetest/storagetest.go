// Package storagetest provides an in-memory store for tests.
package storagetest

import (
	"testing"

	"roastarena/backend/internal/storage"

	"github.com/stretchr/testify/require"
)

// New returns a migrated store backed by a private in-memory SQLite database.
func New(t testing.TB) *storage.Service {
	t.Helper()
	db, err := storage.Open("sqlite::memory:")
	require.NoError(t, err)

	s := storage.NewStorageService(db, 5)
	require.NoError(t, s.AutoMigrate())

	t.Cleanup(func() { _ = s.Close() })
	return s
}
