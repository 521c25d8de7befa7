// Package queue holds print jobs and enforces their status transitions.
package queue

import "time"

// Kind tells the printer side how to render a job's content.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// ParseKind maps a wire value to a Kind, falling back to KindOther.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindText, KindImage:
		return Kind(s)
	default:
		return KindOther
	}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is one unit of content submitted for printing.
//
// AttemptCount is the ordinal of the delivery attempt that is pending or in
// flight: a fresh job starts at 1 and every requeue adds one.
type Job struct {
	ID           int64     `json:"id"`
	Content      string    `json:"content"`
	Kind         Kind      `json:"type"`
	Status       Status    `json:"status"`
	SourceIP     string    `json:"source_ip"`
	SubmittedAt  time.Time `json:"submitted_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
}
