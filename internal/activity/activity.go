// Package activity emits fire-and-forget audit events to the external activity log.
package activity

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"voterimport/internal/redis"
)

const (
	ActionImport = "import"
	ActionExport = "export"

	// Channel is the redis pub/sub channel the activity log service consumes.
	Channel        = "activity:events"
	publishTimeout = 2 * time.Second
)

// Event is one audit entry.
type Event struct {
	Action    string            `json:"action"`
	SessionID string            `json:"sessionId"`
	RowCount  int               `json:"rowCount"`
	Filters   map[string]string `json:"filters,omitempty"`
	At        time.Time         `json:"at"`
}

// Emitter never blocks the caller and never reports failure.
type Emitter interface {
	Emit(Event)
}

// New returns a redis publisher when client is set, a log emitter otherwise.
func New(client *redis.Client) Emitter {
	if client == nil || client.Raw() == nil {
		return LogEmitter{}
	}
	return &RedisEmitter{client: client}
}

// RedisEmitter publishes events as JSON on Channel.
type RedisEmitter struct {
	client *redis.Client
}

func (e *RedisEmitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("activity marshal failed: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := e.client.Publish(ctx, Channel, payload); err != nil {
			log.Printf("activity publish %s failed: %v", ev.Action, err)
		}
	}()
}

// LogEmitter writes events to the process log.
type LogEmitter struct{}

func (LogEmitter) Emit(ev Event) {
	log.Printf("activity %s session=%s rows=%d filters=%v", ev.Action, ev.SessionID, ev.RowCount, ev.Filters)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Recorder keeps events in memory, for tests.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Emit(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// Events drains the recorded events.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
