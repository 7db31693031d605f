package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"voterimport/internal/activity"
	"voterimport/internal/apperr"
	"voterimport/internal/normalizer"
	"voterimport/internal/records"
	"voterimport/internal/registry"
	"voterimport/internal/storage"
	"voterimport/internal/storage/storagetest"
)

type testEnv struct {
	db     *storage.DB
	reg    *registry.Registry
	store  *records.Store
	events *activity.Recorder
	engine *Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	db := storagetest.NewSQLite(t)
	reg := registry.New(db, time.Hour, nil)
	t.Cleanup(reg.Close)
	store := records.NewStore(db, 0)
	events := activity.NewRecorder(16)
	return &testEnv{
		db:     db,
		reg:    reg,
		store:  store,
		events: events,
		engine: NewEngine(normalizer.MustDefault(), reg, store, events, opts),
	}
}

func (env *testEnv) sessionCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM import_sessions`).Scan(&n); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	return n
}

func (env *testEnv) recordCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM import_records`).Scan(&n); err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

func assertKind(t *testing.T, err error, want apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want, err)
	}
}

func TestIngestMapsVariantHeaders(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, strings.NewReader("Name,FatherName,Mobile\nRam,Shyam,9999999999\n"), "voters.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ImportedRows != 1 || res.SkippedRows != 0 || res.TotalRows != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if res.FileName != "voters.csv" || res.TempTableName != registry.TempTableName(res.SessionID) {
		t.Fatalf("unexpected result: %+v", res)
	}

	session, err := env.reg.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.RowCount != 1 {
		t.Fatalf("row count = %d", session.RowCount)
	}
	recs, err := env.store.Batch(ctx, env.db, res.SessionID, 0, 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0].Fields
	if got[normalizer.FieldName] != "Ram" || got[normalizer.FieldFatherName] != "Shyam" || got[normalizer.FieldMobileNumber] != "9999999999" {
		t.Fatalf("unexpected fields: %v", got)
	}
	if got[normalizer.FieldVillage] != "" || len(got) != len(normalizer.Fields) {
		t.Fatalf("unmapped fields should be empty: %v", got)
	}

	evs := env.events.Events()
	if len(evs) != 1 || evs[0].Action != activity.ActionImport || evs[0].SessionID != res.SessionID {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestIngestHeaderOnly(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, err := env.engine.Ingest(context.Background(), strings.NewReader("name,village\n"), "empty.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ImportedRows != 0 || res.TotalRows != 0 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if _, err := env.reg.Get(context.Background(), res.SessionID); err != nil {
		t.Fatalf("header-only session should exist: %v", err)
	}
}

func TestIngestRejectsUnrecognisedHeader(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.engine.Ingest(context.Background(), strings.NewReader("Foo,Bar,Baz\n1,2,3\n"), "x.csv", nil)
	assertKind(t, err, apperr.EmptyFileError)
	if n := env.sessionCount(t); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestIngestEmptyFile(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.engine.Ingest(context.Background(), strings.NewReader(""), "x.csv", nil)
	assertKind(t, err, apperr.EmptyFileError)
}

func TestIngestSkipsMalformedRows(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := "name,village\n" +
		"Asha,Rampur\n" +
		"too,many,cells\n" +
		"Bad \"quote,Sitapur\n" +
		"Ravi,Nagla\n"

	res, err := env.engine.Ingest(context.Background(), strings.NewReader(body), "x.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ImportedRows != 2 || res.SkippedRows != 2 || res.TotalRows != 4 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "line 3") {
		t.Fatalf("warning should name the line: %q", res.Warnings[0])
	}

	recs, err := env.store.Batch(context.Background(), env.db, res.SessionID, 0, 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(recs) != 2 || recs[0].SequenceNo != 1 || recs[1].SequenceNo != 2 {
		t.Fatalf("sequence should stay dense: %+v", recs)
	}
	if recs[1].Fields[normalizer.FieldName] != "Ravi" {
		t.Fatalf("unexpected second record: %v", recs[1].Fields)
	}
}

func TestIngestUnterminatedQuoteReportsSwallowedLines(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := "Name,Village\n" +
		"Asha,Rampur\n" +
		"\"Broken,B\n" +
		strings.Repeat("Ravi,Nagla\n", 50)

	res, err := env.engine.Ingest(context.Background(), strings.NewReader(body), "x.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ImportedRows != 1 || res.SkippedRows != 51 || res.TotalRows != 52 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if res.ImportedRows+res.SkippedRows != res.TotalRows {
		t.Fatalf("counts do not add up: %+v", res)
	}
	if len(res.Warnings) != 1 || !strings.HasPrefix(res.Warnings[0], "lines 3-53:") {
		t.Fatalf("warning should name the swallowed range: %v", res.Warnings)
	}
}

func TestIngestAllRowsInvalid(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.engine.Ingest(context.Background(), strings.NewReader("name,village\na,b,c\nd\n"), "x.csv", nil)
	assertKind(t, err, apperr.ParseError)
	if n := env.sessionCount(t); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestIngestWarnsAboutIgnoredColumns(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, err := env.engine.Ingest(context.Background(), strings.NewReader("name,shoe size\nAsha,7\n"), "x.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "shoe size") {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestIngestByteLimit(t *testing.T) {
	env := newTestEnv(t, Options{MaxBytes: 64})
	body := "name,village\n" + strings.Repeat("Asha,Rampur\n", 20)

	_, err := env.engine.Ingest(context.Background(), strings.NewReader(body), "x.csv", nil)
	assertKind(t, err, apperr.SizeLimitExceeded)
	if n := env.sessionCount(t); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestIngestRowLimit(t *testing.T) {
	env := newTestEnv(t, Options{MaxRows: 3})
	body := "name,village\n" + strings.Repeat("Asha,Rampur\n", 4)

	_, err := env.engine.Ingest(context.Background(), strings.NewReader(body), "x.csv", nil)
	assertKind(t, err, apperr.SizeLimitExceeded)
	if n := env.recordCount(t); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}

	res, err := env.engine.Ingest(context.Background(), strings.NewReader("name,village\n"+strings.Repeat("Asha,Rampur\n", 3)), "x.csv", nil)
	if err != nil {
		t.Fatalf("ingest at limit: %v", err)
	}
	if res.ImportedRows != 3 {
		t.Fatalf("imported %d rows", res.ImportedRows)
	}
}

func TestIngestCancelled(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Ingest(ctx, strings.NewReader("name\nAsha\n"), "x.csv", nil)
	assertKind(t, err, apperr.StorageError)
	if n := env.sessionCount(t); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestIngestStripsBOM(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, err := env.engine.Ingest(context.Background(), strings.NewReader("\uFEFFName,Village\nAsha,Rampur\n"), "x.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	recs, err := env.store.Batch(context.Background(), env.db, res.SessionID, 0, 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if recs[0].Fields[normalizer.FieldName] != "Asha" {
		t.Fatalf("BOM header not mapped: %v", recs[0].Fields)
	}
}

func TestIngestHints(t *testing.T) {
	env := newTestEnv(t, Options{})
	hints := map[string]string{"Col A": normalizer.FieldVillage}

	res, err := env.engine.Ingest(context.Background(), strings.NewReader("name,Col A\nAsha,Rampur\n"), "x.csv", hints)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	recs, err := env.store.Batch(context.Background(), env.db, res.SessionID, 0, 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if recs[0].Fields[normalizer.FieldVillage] != "Rampur" {
		t.Fatalf("hint not applied: %v", recs[0].Fields)
	}
}

func TestIngestRowCountMatchesStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	var b strings.Builder
	b.WriteString("name,mobile\n")
	for i := 0; i < 237; i++ {
		b.WriteString("Voter,9000000000\n")
	}

	res, err := env.engine.Ingest(context.Background(), strings.NewReader(b.String()), "x.csv", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	n, err := env.store.Count(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 237 || res.ImportedRows != 237 {
		t.Fatalf("stored %d, imported %d", n, res.ImportedRows)
	}
}

func TestCleanFileName(t *testing.T) {
	cases := map[string]string{
		"":                     defaultFileName,
		"  ":                   defaultFileName,
		"voters.csv":           "voters.csv",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\list.csv`: "list.csv",
	}
	for in, want := range cases {
		if got := cleanFileName(in); got != want {
			t.Fatalf("cleanFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
