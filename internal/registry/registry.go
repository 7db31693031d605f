// Package registry owns import sessions: allocation, lookup, expiry listing and removal.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"voterimport/internal/apperr"
	"voterimport/internal/models"
	"voterimport/internal/redis"
	"voterimport/internal/storage"
)

const (
	DefaultRetention = 24 * time.Hour
	listBatchSize    = 100
)

// LoadFunc writes the records of a new session inside the registry's transaction
// and returns how many it wrote.
type LoadFunc func(ctx context.Context, tx *sql.Tx, session *models.Session) (int, error)

// Registry is safe for concurrent use; all mutable state lives in the database and caches.
type Registry struct {
	db        *storage.DB
	retention time.Duration
	now       func() time.Time
	cache     *sessionCache
}

// New builds a registry. cacheClient may be nil.
func New(db *storage.DB, retention time.Duration, cacheClient *redis.Client) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Registry{
		db:        db,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
		cache:     newSessionCache(cacheClient),
	}
	r.cache.startListener()
	return r
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = func() time.Time { return now().UTC() }
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time { return r.now() }

// Retention is the lifetime of a session.
func (r *Registry) Retention() time.Duration { return r.retention }

// TempTableName is the logical dataset name reported for a session id.
func TempTableName(id string) string {
	return "import_" + strings.ReplaceAll(id, "-", "")
}

// Create allocates a session and makes it visible together with the records written
// by load. Nothing is visible if load or the commit fails.
func (r *Registry) Create(ctx context.Context, fileName string, rowCount, skipped int, load LoadFunc) (*models.Session, error) {
	if rowCount < 0 {
		return nil, apperr.New(apperr.InvalidRequest, "row count cannot be negative")
	}
	id := uuid.NewString()
	now := r.now()
	session := &models.Session{
		ID:            id,
		TempTableName: TempTableName(id),
		FileName:      fileName,
		RowCount:      rowCount,
		SkippedRows:   skipped,
		Status:        models.StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.retention),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "begin import")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if load != nil {
		var written int
		written, err = load(ctx, tx, session)
		if err != nil {
			return nil, err
		}
		if written != rowCount {
			err = apperr.New(apperr.StorageError, "wrote %d records, expected %d", written, rowCount)
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO import_sessions (id, temp_table_name, file_name, row_count, skipped_rows, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.TempTableName, session.FileName, session.RowCount, session.SkippedRows,
		string(session.Status), session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "register session")
	}
	if err = tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "commit import")
	}
	r.cache.store(ctx, session)
	return session, nil
}

// Get resolves an active, unexpired session. Anything else is SessionNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound(id)
	}
	now := r.now()
	if s, ok := r.cache.load(ctx, id); ok {
		if s.Status == models.StatusActive && !s.Expired(now) {
			return s, nil
		}
		return nil, apperr.NotFound(id)
	}

	s, err := r.lookup(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusActive || s.Expired(now) {
		return nil, apperr.NotFound(id)
	}
	r.cache.store(ctx, s)
	return s, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// VerifyTx re-checks inside q (typically a read transaction) that id is still servable.
func (r *Registry) VerifyTx(ctx context.Context, q queryer, id string) (*models.Session, error) {
	s, err := r.lookup(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusActive || s.Expired(r.now()) {
		return nil, apperr.NotFound(id)
	}
	return s, nil
}

func (r *Registry) lookup(ctx context.Context, q queryer, id string) (*models.Session, error) {
	var (
		s      models.Session
		status string
	)
	err := q.QueryRowContext(ctx, r.db.Rebind(
		`SELECT id, temp_table_name, file_name, row_count, skipped_rows, status, created_at, expires_at
		FROM import_sessions WHERE id = ?`), id,
	).Scan(&s.ID, &s.TempTableName, &s.FileName, &s.RowCount, &s.SkippedRows, &status, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound(id)
		}
		return nil, apperr.Wrap(apperr.StorageError, err, "get session")
	}
	s.Status = models.SessionStatus(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return &s, nil
}

// ListExpired yields active sessions whose expires_at <= now. The sequence is lazy,
// finite and can be ranged over again to restart from the beginning.
func (r *Registry) ListExpired(ctx context.Context, now time.Time) iter.Seq2[*models.Session, error] {
	return r.list(ctx,
		`SELECT id, temp_table_name, file_name, row_count, skipped_rows, status, created_at, expires_at
		FROM import_sessions WHERE status = 'active' AND expires_at <= ? AND id > ? ORDER BY id LIMIT ?`,
		now.UTC())
}

// ListDeleting yields sessions left in deleting by an earlier failed sweep.
func (r *Registry) ListDeleting(ctx context.Context) iter.Seq2[*models.Session, error] {
	return r.list(ctx,
		`SELECT id, temp_table_name, file_name, row_count, skipped_rows, status, created_at, expires_at
		FROM import_sessions WHERE status = 'deleting' AND id > ? ORDER BY id LIMIT ?`)
}

func (r *Registry) list(ctx context.Context, query string, args ...any) iter.Seq2[*models.Session, error] {
	query = r.db.Rebind(query)
	return func(yield func(*models.Session, error) bool) {
		cursor := ""
		for {
			batch, err := r.listBatch(ctx, query, append(args[:len(args):len(args)], cursor, listBatchSize)...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, s := range batch {
				if !yield(s, nil) {
					return
				}
			}
			if len(batch) < listBatchSize {
				return
			}
			cursor = batch[len(batch)-1].ID
		}
	}
}

// listBatch reads a whole batch before returning so callers may write between batches.
func (r *Registry) listBatch(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "list sessions")
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var (
			s      models.Session
			status string
		)
		if err := rows.Scan(&s.ID, &s.TempTableName, &s.FileName, &s.RowCount, &s.SkippedRows, &status, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "scan session")
		}
		s.Status = models.SessionStatus(status)
		s.CreatedAt = s.CreatedAt.UTC()
		s.ExpiresAt = s.ExpiresAt.UTC()
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "list sessions")
	}
	return out, nil
}

// MarkDeleting moves an active session to deleting. Already deleting is a no-op.
func (r *Registry) MarkDeleting(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE import_sessions SET status = 'deleting' WHERE id = ? AND status IN ('active', 'expired')`), id)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "mark session deleting")
	}
	r.cache.invalidate(ctx, id)
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "session rows affected")
	}
	if affected > 0 {
		return nil
	}
	s, err := r.lookup(ctx, r.db, id)
	if err != nil {
		return err
	}
	if s.Status != models.StatusDeleting {
		return fmt.Errorf("mark session %s deleting: unexpected status %s", id, s.Status)
	}
	return nil
}

// Remove deletes the session row.
func (r *Registry) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM import_sessions WHERE id = ?`), id)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "remove session")
	}
	r.cache.invalidate(ctx, id)
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "session rows affected")
	}
	if affected == 0 {
		return apperr.NotFound(id)
	}
	return nil
}

// ActiveCount counts sessions still servable at now.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT COUNT(*) FROM import_sessions WHERE status = 'active' AND expires_at > ?`), r.now(),
	).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageError, err, "count sessions")
	}
	return n, nil
}

// Close stops the invalidation listener.
func (r *Registry) Close() {
	r.cache.stop()
}
