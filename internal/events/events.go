// Package events publishes task lifecycle notifications on NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"genstudio/internal/infra"
)

const (
	SubjectTaskCreated   = "generation.task.created"
	SubjectTaskSucceeded = "generation.task.succeeded"
	SubjectTaskFailed    = "generation.task.failed"
)

// TaskEvent is the JSON body of every lifecycle message. UserID is empty for
// anonymous callers.
type TaskEvent struct {
	TaskID     string    `json:"taskId"`
	Status     string    `json:"status"`
	UserID     string    `json:"userId,omitempty"`
	Size       string    `json:"size,omitempty"`
	Images     int       `json:"images,omitempty"`
	ResultURL  string    `json:"resultUrl,omitempty"`
	Error      string    `json:"error,omitempty"`
	Refunded   bool      `json:"refunded,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, subject string, ev TaskEvent) error
}

// NATSPublisher sends core NATS messages; delivery is best effort.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *infra.Logger
}

func NewNATSPublisher(conn *nats.Conn, logger *infra.Logger) *NATSPublisher {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, ev TaskEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Str("task_id", ev.TaskID).Msg("events: published")
	return nil
}

// Noop discards events when NATS is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, TaskEvent) error { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

type Recorded struct {
	Subject string
	Event   TaskEvent
}

func (r *Recorder) Publish(_ context.Context, subject string, ev TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Subject: subject, Event: ev})
	return nil
}

// Subjects lists the recorded subjects in publish order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Subject)
	}
	return out
}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Noop{}
	_ Publisher = (*Recorder)(nil)
)
