// Package audit records job lifecycle events to logs, storage and streams.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/queue"
)

// EventType names a job lifecycle event.
type EventType string

const (
	EventEnqueued           EventType = "enqueued"
	EventDelivered          EventType = "delivered"
	EventDone               EventType = "done"
	EventFailed             EventType = "failed"
	EventRequeued           EventType = "requeued"
	EventMaxAttemptsReached EventType = "max_attempts_exceeded"
)

// Event is one entry of the audit trail. Job is a snapshot taken right
// after the transition.
type Event struct {
	Type      EventType `json:"event"`
	Job       queue.Job `json:"job"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink persists or forwards events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a zap logger. Terminal failures are logged at
// Warn so they stand out.
type LogSink struct {
	Logger *zap.Logger
}

// Record implements Sink.
func (s LogSink) Record(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Int64("job_id", ev.Job.ID),
		zap.String("status", string(ev.Job.Status)),
		zap.Int("attempt", ev.Job.AttemptCount),
		zap.String("ip", ev.Job.SourceIP),
	}
	if ev.SessionID != "" {
		fields = append(fields, zap.String("session_id", ev.SessionID))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}

	switch ev.Type {
	case EventFailed, EventMaxAttemptsReached:
		s.Logger.Warn("[AUDIT] job event", fields...)
	default:
		s.Logger.Info("[AUDIT] job event", fields...)
	}
	return nil
}
