// Package records stores imported rows per session, ordered by a dense sequence number.
package records

import (
	"context"
	"database/sql"
	"strings"

	"voterimport/internal/apperr"
	"voterimport/internal/models"
	"voterimport/internal/normalizer"
	"voterimport/internal/storage"
)

const (
	DefaultChunkSize = 50
	deleteChunkSize  = 5000
	searchSeparator  = "\x1f"
	likeEscape       = '!'
)

var selectFieldsQuery = "seq_no, " + strings.Join(normalizer.Fields, ", ")

// Row holds cell values in normalizer.Fields order.
type Row []string

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes import_records.
type Store struct {
	db        *storage.DB
	chunkSize int
}

// NewStore builds a store writing chunkSize rows per INSERT statement.
func NewStore(db *storage.DB, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	perRow := len(storage.RecordColumns())
	if limit := db.MaxParams() / perRow; chunkSize > limit {
		chunkSize = limit
	}
	return &Store{db: db, chunkSize: chunkSize}
}

// ChunkSize is the effective number of rows per INSERT.
func (s *Store) ChunkSize() int { return s.chunkSize }

// SearchText is the folded, separator joined text searched by Page.
func SearchText(row Row) string {
	return normalizer.Fold(strings.Join(row, searchSeparator))
}

// InsertTx writes rows for sessionID inside tx with sequence numbers 1..len(rows).
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, sessionID string, rows []Row) (int, error) {
	cols := storage.RecordColumns()
	written := 0
	for start := 0; start < len(rows); start += s.chunkSize {
		end := min(start+s.chunkSize, len(rows))
		chunk := rows[start:end]

		var b strings.Builder
		b.WriteString("INSERT INTO import_records (")
		b.WriteString(strings.Join(cols, ", "))
		b.WriteString(") VALUES ")
		placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(placeholders)
			args = append(args, sessionID, int64(start+i+1))
			for f := range normalizer.Fields {
				v := ""
				if f < len(row) {
					v = row[f]
				}
				args = append(args, v)
			}
			args = append(args, SearchText(row))
		}

		if _, err := tx.ExecContext(ctx, s.db.Rebind(b.String()), args...); err != nil {
			return written, apperr.Wrap(apperr.StorageError, err, "insert records")
		}
		written += len(chunk)
	}
	return written, nil
}

// Page returns matching records ordered by sequence number and the total number of matches.
func (s *Store) Page(ctx context.Context, q querier, sessionID string, offset, limit int, search string) ([]models.Record, int, error) {
	where := "session_id = ?"
	args := []any{sessionID}
	if pattern, ok := likePattern(search); ok {
		where += " AND search_text LIKE ? ESCAPE '!'"
		args = append(args, pattern)
	}

	var total int
	if err := q.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM import_records WHERE "+where), args...).Scan(&total); err != nil {
		return nil, 0, apperr.Wrap(apperr.StorageError, err, "count records")
	}
	if total == 0 || offset >= total {
		return []models.Record{}, total, nil
	}

	query := "SELECT " + selectFieldsQuery + " FROM import_records WHERE " + where + " ORDER BY seq_no LIMIT ? OFFSET ?"
	out, err := s.scan(ctx, q, sessionID, s.db.Rebind(query), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Batch returns up to limit records with seq_no greater than after.
func (s *Store) Batch(ctx context.Context, q querier, sessionID string, after int64, limit int) ([]models.Record, error) {
	query := "SELECT " + selectFieldsQuery + " FROM import_records WHERE session_id = ? AND seq_no > ? ORDER BY seq_no LIMIT ?"
	return s.scan(ctx, q, sessionID, s.db.Rebind(query), sessionID, after, limit)
}

// Count returns how many records are stored for sessionID.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM import_records WHERE session_id = ?`), sessionID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageError, err, "count records")
	}
	return n, nil
}

// DeleteSession removes every record of sessionID in bounded chunks. A failure part way
// leaves the remaining rows for a later retry.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT MAX(seq_no) FROM import_records WHERE session_id = ?`), sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageError, err, "find records to delete")
	}
	if !maxSeq.Valid {
		return 0, nil
	}

	var deleted int64
	query := s.db.Rebind(`DELETE FROM import_records WHERE session_id = ? AND seq_no <= ?`)
	for upto := int64(deleteChunkSize); ; upto += deleteChunkSize {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		res, err := s.db.ExecContext(ctx, query, sessionID, upto)
		if err != nil {
			return deleted, apperr.Wrap(apperr.StorageError, err, "delete records")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, apperr.Wrap(apperr.StorageError, err, "records rows affected")
		}
		deleted += n
		if upto >= maxSeq.Int64 {
			return deleted, nil
		}
	}
}

func (s *Store) scan(ctx context.Context, q querier, sessionID, query string, args ...any) ([]models.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "query records")
	}
	defer rows.Close()

	out := []models.Record{}
	values := make([]string, len(normalizer.Fields))
	dest := make([]any, len(values)+1)
	for i := range values {
		dest[i+1] = &values[i]
	}
	for rows.Next() {
		var rec models.Record
		dest[0] = &rec.SequenceNo
		if err := rows.Scan(dest...); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "scan record")
		}
		rec.SessionID = sessionID
		rec.Fields = make(map[string]string, len(values))
		for i, f := range normalizer.Fields {
			rec.Fields[f] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "query records")
	}
	return out, nil
}

// likePattern folds the search term and escapes LIKE metacharacters.
func likePattern(search string) (string, bool) {
	term := strings.ReplaceAll(normalizer.Fold(strings.TrimSpace(search)), searchSeparator, "")
	if term == "" {
		return "", false
	}
	esc := string(likeEscape)
	r := strings.NewReplacer(esc, esc+esc, "%", esc+"%", "_", esc+"_")
	return "%" + r.Replace(term) + "%", true
}
