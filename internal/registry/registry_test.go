package registry

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"voterimport/internal/apperr"
	"voterimport/internal/config"
	"voterimport/internal/models"
	"voterimport/internal/redis"
	"voterimport/internal/storage/storagetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	db := storagetest.NewSQLite(t)
	reg := New(db, time.Hour, nil)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg.SetClock(clock.Now)
	t.Cleanup(reg.Close)
	return reg, clock
}

func TestCreateAndGet(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, "voters.csv", 0, 2, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID == "" || s.TempTableName != TempTableName(s.ID) {
		t.Fatalf("unexpected ids: %#v", s)
	}
	if !s.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("expires_at mismatch: %v", s.ExpiresAt)
	}

	got, err := reg.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileName != "voters.csv" || got.RowCount != 0 || got.SkippedRows != 2 {
		t.Fatalf("get mismatch: %#v", got)
	}

	// bypass the local cache to read back from the database
	reg.cache.dropLocal(s.ID)
	got, err = reg.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get from db: %v", err)
	}
	if got.Status != models.StatusActive || !got.CreatedAt.Equal(s.CreatedAt) {
		t.Fatalf("db round trip mismatch: %#v", got)
	}
}

func TestGetUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, id := range []string{"", "not-a-uuid", "4f1c8a3e-0000-4000-8000-000000000000"} {
		_, err := reg.Get(context.Background(), id)
		if !errors.Is(err, apperr.SessionNotFound) {
			t.Fatalf("id %q: expected SessionNotFound, got %v", id, err)
		}
	}
}

func TestGetAfterRetentionIsNotFound(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Create(ctx, "a.csv", 0, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := reg.Get(ctx, s.ID); !errors.Is(err, apperr.SessionNotFound) {
		t.Fatalf("expected SessionNotFound after retention, got %v", err)
	}
}

func TestCreateRollsBackOnLoadFailure(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	var allocated string
	_, err := reg.Create(ctx, "a.csv", 3, 0, func(ctx context.Context, tx *sql.Tx, s *models.Session) (int, error) {
		allocated = s.ID
		return 1, errors.New("disk full")
	})
	if err == nil {
		t.Fatalf("expected load error")
	}
	if _, err := reg.Get(ctx, allocated); !errors.Is(err, apperr.SessionNotFound) {
		t.Fatalf("failed import must leave no session, got %v", err)
	}

	_, err = reg.Create(ctx, "b.csv", 3, 0, func(ctx context.Context, tx *sql.Tx, s *models.Session) (int, error) {
		allocated = s.ID
		return 2, nil
	})
	if !errors.Is(err, apperr.StorageError) {
		t.Fatalf("expected StorageError for short write, got %v", err)
	}
	if _, err := reg.Get(ctx, allocated); !errors.Is(err, apperr.SessionNotFound) {
		t.Fatalf("short write must leave no session, got %v", err)
	}
}

func TestListExpiredIsRestartable(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	const old = listBatchSize + 5
	for i := 0; i < old; i++ {
		if _, err := reg.Create(ctx, "old.csv", 0, 0, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	clock.Advance(30 * time.Minute)
	fresh, err := reg.Create(ctx, "fresh.csv", 0, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(45 * time.Minute)

	seq := reg.ListExpired(ctx, clock.Now())
	count := func() int {
		n := 0
		for s, err := range seq {
			if err != nil {
				t.Fatalf("list expired: %v", err)
			}
			if s.ID == fresh.ID {
				t.Fatalf("fresh session listed as expired")
			}
			n++
		}
		return n
	}
	if got := count(); got != old {
		t.Fatalf("first pass: want %d got %d", old, got)
	}
	if got := count(); got != old {
		t.Fatalf("second pass: want %d got %d", old, got)
	}

	// early break stops iteration
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("break not honoured: %d", n)
	}
}

func TestMarkDeletingAndRemove(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Create(ctx, "a.csv", 0, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := reg.MarkDeleting(ctx, s.ID); err != nil {
		t.Fatalf("mark deleting: %v", err)
	}
	if err := reg.MarkDeleting(ctx, s.ID); err != nil {
		t.Fatalf("mark deleting twice: %v", err)
	}
	if _, err := reg.Get(ctx, s.ID); !errors.Is(err, apperr.SessionNotFound) {
		t.Fatalf("deleting session must not be served, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	for range reg.ListExpired(ctx, clock.Now()) {
		t.Fatalf("deleting session must not be listed as expired")
	}
	var deleting []string
	for d, err := range reg.ListDeleting(ctx) {
		if err != nil {
			t.Fatalf("list deleting: %v", err)
		}
		deleting = append(deleting, d.ID)
	}
	if len(deleting) != 1 || deleting[0] != s.ID {
		t.Fatalf("list deleting mismatch: %v", deleting)
	}

	if err := reg.Remove(ctx, s.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reg.Remove(ctx, s.ID); !errors.Is(err, apperr.SessionNotFound) {
		t.Fatalf("second remove: expected SessionNotFound, got %v", err)
	}
	if err := reg.MarkDeleting(ctx, s.ID); !errors.Is(err, apperr.SessionNotFound) {
		t.Fatalf("mark removed session: expected SessionNotFound, got %v", err)
	}
}

func TestConcurrentCreateAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := reg.Create(ctx, "c.csv", 0, 0, nil)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := reg.Get(ctx, s.ID); err != nil {
				t.Errorf("get: %v", err)
			}
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
	if n, err := reg.ActiveCount(ctx); err != nil || n != 20 {
		t.Fatalf("active count: %d %v", n, err)
	}
}

func TestRedisBackedCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed registry tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	reg := New(storagetest.NewSQLite(t), time.Hour, client)
	defer reg.Close()
	ctx := context.Background()
	s, err := reg.Create(ctx, "r.csv", 0, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.cache.dropLocal(s.ID)
	if cached, ok := reg.cache.load(ctx, s.ID); !ok || cached.ID != s.ID {
		t.Fatalf("expected redis cache hit")
	}
	if err := reg.MarkDeleting(ctx, s.ID); err != nil {
		t.Fatalf("mark deleting: %v", err)
	}
	if _, ok := reg.cache.load(ctx, s.ID); ok {
		t.Fatalf("expected redis entry invalidated")
	}
}
