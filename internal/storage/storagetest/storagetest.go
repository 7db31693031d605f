// Package storagetest opens throwaway migrated databases for package tests.
package storagetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"voterimport/internal/storage"
)

var seq int64

// NewSQLite returns a migrated, shared-cache in-memory sqlite database closed at test end.
func NewSQLite(t testing.TB) *storage.DB {
	t.Helper()
	name := fmt.Sprintf("file:test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), atomic.AddInt64(&seq, 1))
	db, err := storage.OpenSQLite(name)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
