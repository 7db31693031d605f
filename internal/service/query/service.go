// Package query serves paged reads and exports of import sessions.
package query

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"iter"

	"voterimport/internal/activity"
	"voterimport/internal/apperr"
	"voterimport/internal/metrics"
	"voterimport/internal/models"
	"voterimport/internal/normalizer"
	"voterimport/internal/records"
	"voterimport/internal/registry"
	"voterimport/internal/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
	exportBatch  = 500
)

// Service is read-only: it never writes sessions or records.
type Service struct {
	db       *storage.DB
	registry *registry.Registry
	store    *records.Store
	events   activity.Emitter
}

// NewService builds the query service. events may be nil.
func NewService(db *storage.DB, reg *registry.Registry, store *records.Store, events activity.Emitter) *Service {
	if events == nil {
		events = activity.Nop{}
	}
	return &Service{db: db, registry: reg, store: store, events: events}
}

// Session returns the metadata of a servable session.
func (s *Service) Session(ctx context.Context, id string) (*models.Session, error) {
	return s.registry.Get(ctx, id)
}

// Page returns records [offset, offset+limit) of the session, optionally filtered by a
// case-insensitive substring search over every field. Order is always by sequence number.
func (s *Service) Page(ctx context.Context, id string, offset, limit int, search string) (*models.Page, error) {
	if offset < 0 {
		return nil, apperr.New(apperr.InvalidRequest, "offset must not be negative")
	}
	if limit < 1 {
		return nil, apperr.New(apperr.InvalidRequest, "limit must be positive")
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}

	var page models.Page
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.registry.VerifyTx(ctx, tx, id); err != nil {
			return err
		}
		rows, total, err := s.store.Page(ctx, tx, id, offset, limit, search)
		if err != nil {
			return err
		}
		page.Rows, page.Total = rows, total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// ExportAll yields every record of the session in sequence order. Records are fetched in
// batches, so the dataset is never held in memory at once. Ranging again restarts the
// export. If the session disappears mid-way the sequence ends with SessionNotFound.
func (s *Service) ExportAll(ctx context.Context, id string) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		if _, err := s.registry.Get(ctx, id); err != nil {
			yield(models.Record{}, err)
			return
		}
		var after int64
		for {
			var batch []models.Record
			err := s.readTx(ctx, func(tx *sql.Tx) error {
				if _, err := s.registry.VerifyTx(ctx, tx, id); err != nil {
					return err
				}
				var err error
				batch, err = s.store.Batch(ctx, tx, id, after, exportBatch)
				return err
			})
			if err != nil {
				yield(models.Record{}, err)
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < exportBatch {
				return
			}
			after = batch[len(batch)-1].SequenceNo
		}
	}
}

// WriteCSV streams the session as CSV with the canonical field list as header.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer, id string) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(normalizer.Fields); err != nil {
		return 0, err
	}
	metrics.ExportsTotal.Inc()

	n := 0
	line := make([]string, len(normalizer.Fields))
	for rec, err := range s.ExportAll(ctx, id) {
		if err != nil {
			cw.Flush()
			return n, err
		}
		for i, f := range normalizer.Fields {
			line[i] = rec.Fields[f]
		}
		if err := cw.Write(line); err != nil {
			return n, err
		}
		n++
		if n%exportBatch == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return n, err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, err
	}
	s.events.Emit(activity.Event{Action: activity.ActionExport, SessionID: id, RowCount: n})
	return n, nil
}

func (s *Service) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, s.db.SnapshotTxOptions())
	if err != nil {
		return apperr.Wrap(apperr.StorageError, err, "begin read")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.StorageError, err, "end read")
	}
	return nil
}
