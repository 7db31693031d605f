// Package reaper removes sessions once their retention window has passed.
package reaper

import (
	"context"
	"log"
	"sync"
	"time"

	"voterimport/internal/metrics"
	"voterimport/internal/models"
	"voterimport/internal/registry"
)

const DefaultInterval = 5 * time.Minute

// RecordDeleter removes every record of one session.
type RecordDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// Report summarises one sweep.
type Report struct {
	Reaped         int
	Retried        int
	Failed         int
	RecordsDeleted int64
	Skipped        bool
}

type Reaper struct {
	registry *registry.Registry
	records  RecordDeleter
	interval time.Duration
	mu       sync.Mutex
}

func New(reg *registry.Registry, records RecordDeleter, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{registry: reg, records: records, interval: interval}
}

// Start sweeps every interval until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				log.Printf("reap sessions error: %v", err)
				continue
			}
			if report.Reaped > 0 || report.Failed > 0 {
				log.Printf("reaped %d sessions (%d retried, %d failed, %d records)",
					report.Reaped, report.Retried, report.Failed, report.RecordsDeleted)
			}
		}
	}
}

// RunOnce retries sessions left in deleting, then removes every session expired at now.
// A sweep already in progress makes this call a no-op with Report.Skipped set.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if !r.mu.TryLock() {
		report.Skipped = true
		return report, nil
	}
	defer r.mu.Unlock()

	for s, err := range r.registry.ListDeleting(ctx) {
		if err != nil {
			return report, err
		}
		report.Retried++
		r.purge(ctx, s, &report)
	}

	for s, err := range r.registry.ListExpired(ctx, r.registry.Now()) {
		if err != nil {
			return report, err
		}
		if err := r.registry.MarkDeleting(ctx, s.ID); err != nil {
			log.Printf("mark session %s deleting failed: %v", s.ID, err)
			report.Failed++
			metrics.ReapFailures.Inc()
			continue
		}
		r.purge(ctx, s, &report)
	}

	if n, err := r.registry.ActiveCount(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	} else {
		log.Printf("count active sessions failed: %v", err)
	}
	return report, ctx.Err()
}

func (r *Reaper) purge(ctx context.Context, s *models.Session, report *Report) {
	n, err := r.records.DeleteSession(ctx, s.ID)
	report.RecordsDeleted += n
	if err != nil {
		log.Printf("delete records of session %s failed: %v", s.ID, err)
		report.Failed++
		metrics.ReapFailures.Inc()
		return
	}
	if err := r.registry.Remove(ctx, s.ID); err != nil {
		log.Printf("remove session %s failed: %v", s.ID, err)
		report.Failed++
		metrics.ReapFailures.Inc()
		return
	}
	report.Reaped++
	metrics.ReapedSessions.Inc()
}
