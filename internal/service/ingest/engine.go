// Package ingest turns an uploaded CSV into a registered import session.
package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"voterimport/internal/activity"
	"voterimport/internal/apperr"
	"voterimport/internal/metrics"
	"voterimport/internal/models"
	"voterimport/internal/normalizer"
	"voterimport/internal/records"
	"voterimport/internal/registry"
)

const (
	DefaultMaxBytes = 10 << 20 // 10 MB
	DefaultMaxRows  = 100000
	maxWarnings     = 100
	defaultFileName = "upload.csv"
)

// Options bounds a single ingestion.
type Options struct {
	MaxBytes int64
	MaxRows  int
}

// Engine parses, normalizes and stores CSV uploads.
type Engine struct {
	table    *normalizer.Table
	registry *registry.Registry
	store    *records.Store
	events   activity.Emitter
	opts     Options
}

// NewEngine wires an engine. events may be nil.
func NewEngine(table *normalizer.Table, reg *registry.Registry, store *records.Store, events activity.Emitter, opts Options) *Engine {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if events == nil {
		events = activity.Nop{}
	}
	return &Engine{table: table, registry: reg, store: store, events: events, opts: opts}
}

// MaxBytes is the upload budget.
func (e *Engine) MaxBytes() int64 { return e.opts.MaxBytes }

// parsed is the in-memory result of reading one upload.
type parsed struct {
	rows      []records.Row
	skipped   int
	total     int
	warnings  []string
	truncated int
}

func (p *parsed) warn(format string, args ...any) {
	if len(p.warnings) >= maxWarnings {
		p.truncated++
		return
	}
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *parsed) finalWarnings() []string {
	out := p.warnings
	if out == nil {
		out = []string{}
	}
	if p.truncated > 0 {
		out = append(out, fmt.Sprintf("... %d more warnings", p.truncated))
	}
	return out
}

// Ingest reads r fully, then registers a session holding every valid row. Malformed rows
// are skipped and reported as warnings; any fatal error leaves nothing behind.
func (e *Engine) Ingest(ctx context.Context, r io.Reader, fileName string, hints map[string]string) (res *models.ImportResult, err error) {
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.ImportsTotal.WithLabelValues(result).Inc()
	}()

	fileName = cleanFileName(fileName)
	p, err := e.parse(ctx, r, hints)
	if err != nil {
		return nil, err
	}

	rows := p.rows
	session, err := e.registry.Create(ctx, fileName, len(rows), p.skipped,
		func(ctx context.Context, tx *sql.Tx, s *models.Session) (int, error) {
			return e.store.InsertTx(ctx, tx, s.ID, rows)
		})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperr.Wrap(apperr.StorageError, ctxErr, "import cancelled")
		}
		return nil, err
	}

	metrics.ImportedRows.Add(float64(len(rows)))
	metrics.SkippedRows.Add(float64(p.skipped))
	metrics.IngestDuration.Observe(time.Since(started).Seconds())
	e.events.Emit(activity.Event{
		Action:    activity.ActionImport,
		SessionID: session.ID,
		RowCount:  len(rows),
		Filters:   map[string]string{"fileName": fileName},
	})

	return &models.ImportResult{
		SessionID:     session.ID,
		TempTableName: session.TempTableName,
		FileName:      session.FileName,
		ImportedRows:  len(rows),
		SkippedRows:   p.skipped,
		TotalRows:     p.total,
		ExpiresAt:     session.ExpiresAt,
		Warnings:      p.finalWarnings(),
	}, nil
}

func (e *Engine) parse(ctx context.Context, r io.Reader, hints map[string]string) (*parsed, error) {
	budget := &budgetReader{r: r, remaining: e.opts.MaxBytes}
	cr := csv.NewReader(budget)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, apperr.New(apperr.EmptyFileError, "file has no header row")
		case errors.Is(err, errBudget):
			return nil, e.sizeError()
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, apperr.Wrap(apperr.ParseError, err, "malformed header row")
		}
		return nil, apperr.Wrap(apperr.ParseError, err, "read upload")
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	mapping := e.table.NormalizeWithHints(header, hints)
	if mapping.Mapped() == 0 {
		return nil, apperr.New(apperr.EmptyFileError, "no recognised columns in header %q", strings.Join(header, ","))
	}
	columns := make([]int, len(normalizer.Fields))
	byField := mapping.Columns()
	for i, f := range normalizer.Fields {
		col, ok := byField[f]
		if !ok {
			col = -1
		}
		columns[i] = col
	}

	p := &parsed{}
	for i, h := range header {
		if mapping[i] == normalizer.Unmapped && strings.TrimSpace(h) != "" {
			p.warn("column %q ignored: no matching field", h)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "import cancelled")
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, errBudget) {
				return nil, e.sizeError()
			}
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, apperr.Wrap(apperr.ParseError, err, "read upload")
			}
			// a broken quote can swallow every physical line up to pe.Line
			lines := 1
			if pe.Line > pe.StartLine {
				lines = pe.Line - pe.StartLine + 1
				p.warn("lines %d-%d: %v, rows in this range were not imported", pe.StartLine, pe.Line, pe.Err)
			} else {
				p.warn("line %d: %v", pe.StartLine, pe.Err)
			}
			p.total += lines
			p.skipped += lines
			if err := e.checkRows(p); err != nil {
				return nil, err
			}
			continue
		}

		p.total++
		if err := e.checkRows(p); err != nil {
			return nil, err
		}
		if len(rec) != len(header) {
			line, _ := cr.FieldPos(0)
			p.skipped++
			p.warn("line %d: expected %d columns, got %d", line, len(header), len(rec))
			continue
		}
		row := make(records.Row, len(normalizer.Fields))
		for f, col := range columns {
			if col >= 0 {
				row[f] = strings.TrimSpace(rec[col])
			}
		}
		p.rows = append(p.rows, row)
	}

	if p.total > 0 && len(p.rows) == 0 {
		return nil, apperr.New(apperr.ParseError, "none of the %d data rows could be parsed", p.total)
	}
	return p, nil
}

func (e *Engine) checkRows(p *parsed) error {
	if p.total > e.opts.MaxRows {
		return apperr.New(apperr.SizeLimitExceeded, "file has more than %s rows", humanize.Comma(int64(e.opts.MaxRows)))
	}
	return nil
}

func (e *Engine) sizeError() error {
	return apperr.New(apperr.SizeLimitExceeded, "file exceeds the %s upload limit", humanize.IBytes(uint64(e.opts.MaxBytes)))
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultFileName
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return defaultFileName
	}
	return name
}

var errBudget = errors.New("upload byte budget exceeded")

// budgetReader fails once more than remaining bytes have been read.
type budgetReader struct {
	r         io.Reader
	remaining int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, errBudget
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, errBudget
	}
	return n, err
}
