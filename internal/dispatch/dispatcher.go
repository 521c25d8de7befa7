// Package dispatch pairs pending jobs with idle printer sessions.
//
// Sessions pull work: an idle session calls Next and blocks until the
// dispatcher hands it the oldest Pending job. Pairing happens whenever a job
// is enqueued, a session asks for work, or a job returns to Pending.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/queue"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already registered")
	// ErrJobOutstanding is returned by Next while the session still holds
	// an unacknowledged job.
	ErrJobOutstanding = errors.New("session has a job outstanding")
	// ErrNoJobInFlight is returned by Complete when nothing awaits an ack.
	ErrNoJobInFlight = errors.New("no job in flight on session")
	// ErrSessionLost is the cause recorded when a connection drops.
	ErrSessionLost = errors.New("session lost")
	// ErrDeliveryTimeout is the cause recorded when an ack never arrives.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrNotPersisted is returned by Submit when the journal rejects a job.
	ErrNotPersisted = errors.New("job not persisted")
)

const journalTimeout = 5 * time.Second

// Journal stores a submitted job before Submit returns.
type Journal interface {
	SaveJob(ctx context.Context, job queue.Job) error
}

// Config tunes dispatcher behavior.
type Config struct {
	// RetryPrinterFailures sends jobs the printer reported as failed back
	// through Requeue instead of failing them right away.
	RetryPrinterFailures bool
	// Journal, when set, is written synchronously for every submission.
	Journal Journal
}

// Result is what a session reports for its current job.
type Result struct {
	Success      bool
	ErrorMessage string
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connected_at"`
	CurrentJobID int64     `json:"current_job_id,omitempty"`
	Idle         bool      `json:"idle"`
}

// Stats is a snapshot of sessions and queue counts.
type Stats struct {
	Sessions int          `json:"sessions"`
	Idle     int          `json:"idle"`
	Busy     int          `json:"busy"`
	Queue    queue.Counts `json:"queue"`
}

type session struct {
	id          string
	connectedAt time.Time
	waiting     bool
	currentJob  int64
	assign      chan queue.Job
	closed      chan struct{}
}

// Dispatcher owns the session set and every job transition. All of its
// mutations happen under one mutex; the queue lock is only taken inside it.
type Dispatcher struct {
	mu       sync.Mutex
	queue    *queue.Queue
	sessions map[string]*session
	cfg      Config
	events   audit.Publisher
	now      func() time.Time
	log      *zap.Logger
}

// New creates a dispatcher over q. Events are published without blocking.
func New(q *queue.Queue, events audit.Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if events == nil {
		events = audit.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    q,
		sessions: make(map[string]*session),
		cfg:      cfg,
		events:   events,
		now:      time.Now,
		log:      logger,
	}
}

// Queue returns the underlying job queue for read-only queries.
func (d *Dispatcher) Queue() *queue.Queue {
	return d.queue
}

// Submit enqueues a job and tries to hand it to an idle session. Trusted
// submissions ignore the queue capacity bound.
func (d *Dispatcher) Submit(content string, kind queue.Kind, sourceIP string, trusted bool) (queue.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		job queue.Job
		err error
	)
	if trusted {
		job, err = d.queue.EnqueueTrusted(content, kind, sourceIP)
	} else {
		job, err = d.queue.Enqueue(content, kind, sourceIP)
	}
	if err != nil {
		return queue.Job{}, err
	}

	if d.cfg.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		err := d.cfg.Journal.SaveJob(ctx, job)
		cancel()
		if err != nil {
			d.queue.Discard(job.ID)
			d.log.Error("[DISPATCH] failed to persist job", zap.Int64("job_id", job.ID), zap.Error(err))
			return queue.Job{}, fmt.Errorf("%w: job %d: %v", ErrNotPersisted, job.ID, err)
		}
	}

	d.publish(audit.EventEnqueued, job, "", "")
	d.schedule()
	return job, nil
}

// Register adds a session that has authenticated. It receives work once it
// calls Next.
func (d *Dispatcher) Register(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sessions[id]; exists {
		return fmt.Errorf("register %s: %w", id, ErrSessionExists)
	}
	d.sessions[id] = &session{
		id:          id,
		connectedAt: d.now(),
		assign:      make(chan queue.Job, 1),
		closed:      make(chan struct{}),
	}
	d.log.Info("[DISPATCH] session registered", zap.String("session_id", id), zap.Int("sessions", len(d.sessions)))
	return nil
}

// Next blocks until a job is assigned to the session, the session is
// removed or ctx is done. The returned job is InFlight and owned by the
// session until Complete or Disconnect.
func (d *Dispatcher) Next(ctx context.Context, id string) (queue.Job, error) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return queue.Job{}, fmt.Errorf("next %s: %w", id, ErrUnknownSession)
	}
	if s.currentJob != 0 {
		d.mu.Unlock()
		return queue.Job{}, fmt.Errorf("next %s: %w", id, ErrJobOutstanding)
	}
	s.waiting = true
	d.schedule()
	d.mu.Unlock()

	select {
	case job := <-s.assign:
		return job, nil
	case <-s.closed:
		return queue.Job{}, fmt.Errorf("next %s: %w", id, ErrSessionLost)
	case <-ctx.Done():
		d.mu.Lock()
		defer d.mu.Unlock()
		s.waiting = false
		select {
		case job := <-s.assign:
			// Assigned while we were giving up; it was never sent.
			d.release(s, job)
			d.schedule()
		default:
		}
		return queue.Job{}, ctx.Err()
	}
}

// Complete records the outcome of the session's current job and frees the
// session for the next one.
func (d *Dispatcher) Complete(id string, res Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		return fmt.Errorf("complete %s: %w", id, ErrUnknownSession)
	}
	if s.currentJob == 0 {
		d.log.Warn("[DISPATCH] acknowledgment without a job in flight", zap.String("session_id", id))
		return fmt.Errorf("complete %s: %w", id, ErrNoJobInFlight)
	}

	jobID := s.currentJob
	s.currentJob = 0

	switch {
	case res.Success:
		if d.queue.MarkDone(jobID) {
			d.publishByID(audit.EventDone, jobID, id, "")
			d.log.Info("[DISPATCH] job printed", zap.Int64("job_id", jobID), zap.String("session_id", id))
		}
	case d.cfg.RetryPrinterFailures:
		d.requeue(jobID, id, "printer error: "+res.ErrorMessage)
	default:
		if d.queue.MarkFailed(jobID, res.ErrorMessage) {
			d.publishByID(audit.EventFailed, jobID, id, res.ErrorMessage)
			d.log.Warn("[DISPATCH] job failed on printer",
				zap.Int64("job_id", jobID), zap.String("session_id", id), zap.String("error", res.ErrorMessage))
		}
	}

	d.schedule()
	return nil
}

// Disconnect removes a session. A job it was holding goes back to Pending
// (counting an attempt) and is offered to the remaining sessions.
func (d *Dispatcher) Disconnect(id string, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		return
	}
	delete(d.sessions, id)

	if cause == nil {
		cause = ErrSessionLost
	}

	select {
	case job := <-s.assign:
		d.release(s, job)
	default:
		if s.currentJob != 0 {
			jobID := s.currentJob
			s.currentJob = 0
			d.requeue(jobID, id, cause.Error())
		}
	}
	close(s.closed)

	d.log.Info("[DISPATCH] session removed",
		zap.String("session_id", id), zap.NamedError("cause", cause), zap.Int("sessions", len(d.sessions)))
	d.schedule()
}

// Sessions lists registered sessions, oldest first.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, SessionInfo{
			ID:           s.id,
			ConnectedAt:  s.connectedAt,
			CurrentJobID: s.currentJob,
			Idle:         s.currentJob == 0,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Connected reports whether any printer session is registered.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions) > 0
}

// Stats returns session and queue counts.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{Sessions: len(d.sessions), Queue: d.queue.Counts()}
	for _, s := range d.sessions {
		if s.currentJob == 0 {
			st.Idle++
		} else {
			st.Busy++
		}
	}
	return st
}

// schedule pairs Pending jobs with waiting sessions. Caller holds d.mu.
func (d *Dispatcher) schedule() {
	idle := d.waitingSessions()
	if len(idle) == 0 {
		return
	}

	for _, a := range pair(d.queue.Pending(len(idle)), idle) {
		if !d.queue.MarkInFlight(a.JobID) {
			continue
		}
		job, _ := d.queue.Get(a.JobID)
		s := d.sessions[a.SessionID]
		s.waiting = false
		s.currentJob = job.ID
		s.assign <- job

		d.publish(audit.EventDelivered, job, s.id, "")
		d.log.Debug("[DISPATCH] job assigned",
			zap.Int64("job_id", job.ID), zap.String("session_id", s.id), zap.Int("attempt", job.AttemptCount))
	}
}

// waitingSessions returns ids of sessions blocked in Next, longest
// connected first. Caller holds d.mu.
func (d *Dispatcher) waitingSessions() []string {
	var waiting []*session
	for _, s := range d.sessions {
		if s.waiting && s.currentJob == 0 {
			waiting = append(waiting, s)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].connectedAt.Equal(waiting[j].connectedAt) {
			return waiting[i].connectedAt.Before(waiting[j].connectedAt)
		}
		return waiting[i].id < waiting[j].id
	})

	ids := make([]string, len(waiting))
	for i, s := range waiting {
		ids[i] = s.id
	}
	return ids
}

// release undoes an assignment that never reached the wire. Caller holds d.mu.
func (d *Dispatcher) release(s *session, job queue.Job) {
	s.currentJob = 0
	if d.queue.Release(job.ID) {
		d.publishByID(audit.EventRequeued, job.ID, s.id, "released before send")
	}
}

// requeue returns a job to Pending or fails it when it ran out of
// attempts. Caller holds d.mu.
func (d *Dispatcher) requeue(jobID int64, sessionID, reason string) {
	job, ok := d.queue.Requeue(jobID, reason)
	if !ok {
		return
	}
	if job.Status == queue.StatusFailed {
		d.publish(audit.EventMaxAttemptsReached, job, sessionID, reason)
		d.log.Warn("[DISPATCH] job failed after max attempts",
			zap.Int64("job_id", jobID), zap.Int("attempts", job.AttemptCount-1), zap.String("reason", reason))
		return
	}
	d.publish(audit.EventRequeued, job, sessionID, reason)
}

func (d *Dispatcher) publishByID(typ audit.EventType, jobID int64, sessionID, reason string) {
	job, ok := d.queue.Get(jobID)
	if !ok {
		job = queue.Job{ID: jobID}
	}
	d.publish(typ, job, sessionID, reason)
}

// publish runs under d.mu so events of one job leave in transition order.
func (d *Dispatcher) publish(typ audit.EventType, job queue.Job, sessionID, reason string) {
	d.events.Publish(audit.Event{
		Type:      typ,
		Job:       job,
		SessionID: sessionID,
		Reason:    reason,
		Time:      d.now(),
	})
}
