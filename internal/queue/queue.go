package queue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when a bounded enqueue finds no room.
	ErrQueueFull = errors.New("queue full")
	// ErrUnknownJob is returned when an id does not name a job.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDuplicateJob is returned when restoring an id that already exists.
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrMaxAttemptsExceeded is recorded on jobs that ran out of attempts.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

const (
	DefaultMaxAttempts  = 3
	DefaultHistoryLimit = 1000
)

// Config holds queue limits.
type Config struct {
	// Capacity bounds Pending+InFlight jobs for Enqueue. Zero means unbounded.
	Capacity int
	// MaxAttempts is the number of delivery attempts a job gets before it fails.
	MaxAttempts int
	// HistoryLimit is how many terminal jobs stay queryable in memory.
	HistoryLimit int
	// FirstID is the id handed to the first job. Used to continue numbering
	// after a restart.
	FirstID int64
}

// Counts is a snapshot of jobs per status.
type Counts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Capacity int `json:"capacity"`
}

// Queue is an ordered collection of print jobs with unique ids.
//
// Pending jobs are kept sorted by id, so the oldest submission is always
// delivered first, including jobs that re-entered Pending after a requeue.
type Queue struct {
	mu       sync.RWMutex
	cfg      Config
	jobs     map[int64]*Job
	pending  []int64
	inFlight int
	done     int
	failed   int
	history  []int64
	nextID   int64
	now      func() time.Time
	log      *zap.Logger
}

// New creates an empty queue.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.FirstID <= 0 {
		cfg.FirstID = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg,
		jobs:   make(map[int64]*Job),
		nextID: cfg.FirstID,
		now:    time.Now,
		log:    logger,
	}
}

// MaxAttempts returns the configured attempt limit.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Enqueue adds a Pending job, honoring the capacity bound.
func (q *Queue) Enqueue(content string, kind Kind, sourceIP string) (Job, error) {
	return q.enqueue(content, kind, sourceIP, true)
}

// EnqueueTrusted adds a Pending job without checking the capacity bound.
func (q *Queue) EnqueueTrusted(content string, kind Kind, sourceIP string) (Job, error) {
	return q.enqueue(content, kind, sourceIP, false)
}

func (q *Queue) enqueue(content string, kind Kind, sourceIP string, bounded bool) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := len(q.pending) + q.inFlight
	if bounded && q.cfg.Capacity > 0 && active >= q.cfg.Capacity {
		q.log.Warn("[QUEUE] rejecting job, queue full",
			zap.String("ip", sourceIP), zap.Int("active", active), zap.Int("capacity", q.cfg.Capacity))
		return Job{}, ErrQueueFull
	}

	now := q.now()
	job := &Job{
		ID:           q.nextID,
		Content:      content,
		Kind:         kind,
		Status:       StatusPending,
		SourceIP:     sourceIP,
		SubmittedAt:  now,
		UpdatedAt:    now,
		AttemptCount: 1,
	}
	q.nextID++
	q.jobs[job.ID] = job
	q.insertPending(job.ID)

	q.log.Info("[QUEUE] job queued",
		zap.Int64("job_id", job.ID), zap.String("type", string(kind)), zap.String("ip", sourceIP),
		zap.Int("pending", len(q.pending)))
	return *job, nil
}

// Restore re-inserts a job recovered from storage as Pending, keeping its id
// and attempt count. Later ids continue after the highest restored one.
func (q *Queue) Restore(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID <= 0 {
		return fmt.Errorf("restore job: %w", ErrUnknownJob)
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("restore job %d: %w", job.ID, ErrDuplicateJob)
	}
	if job.AttemptCount < 1 {
		job.AttemptCount = 1
	}
	job.Status = StatusPending
	job.UpdatedAt = q.now()
	q.jobs[job.ID] = &job
	q.insertPending(job.ID)
	if job.ID >= q.nextID {
		q.nextID = job.ID + 1
	}
	return nil
}

// Discard drops a Pending job that was never handed out. Its id is not
// handed out again.
func (q *Queue) Discard(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}
	q.removePending(id)
	delete(q.jobs, id)
	return true
}

// NextPending returns the oldest Pending job without changing it.
func (q *Queue) NextPending() (Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.pending) == 0 {
		return Job{}, false
	}
	return *q.jobs[q.pending[0]], true
}

// Pending returns up to limit Pending jobs in delivery order. A limit of
// zero or less returns all of them.
func (q *Queue) Pending(limit int) []Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := len(q.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Job, 0, n)
	for _, id := range q.pending[:n] {
		out = append(out, *q.jobs[id])
	}
	return out
}

// Position returns the zero-based delivery position of a Pending job.
func (q *Queue) Position(id int64) (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	idx, found := slices.BinarySearch(q.pending, id)
	return idx, found
}

// Get returns a copy of the job with the given id.
func (q *Queue) Get(id int64) (Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return Counts{
		Pending:  len(q.pending),
		InFlight: q.inFlight,
		Done:     q.done,
		Failed:   q.failed,
		Capacity: q.cfg.Capacity,
	}
}

// Full reports whether a bounded Enqueue would be rejected right now.
func (q *Queue) Full() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.cfg.Capacity > 0 && len(q.pending)+q.inFlight >= q.cfg.Capacity
}

// MarkInFlight moves a job from Pending to InFlight. It returns false when
// the job is absent or not Pending, which makes it the single point that
// admits one active delivery per job.
func (q *Queue) MarkInFlight(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}
	q.removePending(id)
	q.inFlight++
	job.Status = StatusInFlight
	job.UpdatedAt = q.now()
	return true
}

// MarkDone moves a job from InFlight to Done.
func (q *Queue) MarkDone(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.inFlightJob(id, "done")
	if job == nil {
		return false
	}
	q.finish(job, StatusDone, "")
	return true
}

// MarkFailed moves a job from InFlight to Failed.
func (q *Queue) MarkFailed(id int64, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.inFlightJob(id, "failed")
	if job == nil {
		return false
	}
	q.finish(job, StatusFailed, reason)
	return true
}

// Requeue returns an InFlight job to Pending and counts the next attempt.
// When that would exceed MaxAttempts the job becomes Failed instead. The
// returned job shows which of the two happened.
func (q *Queue) Requeue(id int64, reason string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.inFlightJob(id, "requeue")
	if job == nil {
		return Job{}, false
	}
	job.AttemptCount++
	job.LastError = reason
	if job.AttemptCount > q.cfg.MaxAttempts {
		q.finish(job, StatusFailed, fmt.Sprintf("%v: %s", ErrMaxAttemptsExceeded, reason))
		q.log.Warn("[QUEUE] job gave up after max attempts",
			zap.Int64("job_id", id), zap.Int("max_attempts", q.cfg.MaxAttempts), zap.String("reason", reason))
		return *job, true
	}
	q.inFlight--
	job.Status = StatusPending
	job.UpdatedAt = q.now()
	q.insertPending(id)
	q.log.Info("[QUEUE] job requeued",
		zap.Int64("job_id", id), zap.Int("attempt", job.AttemptCount), zap.String("reason", reason))
	return *job, true
}

// Release returns an InFlight job to Pending without counting an attempt.
// It is meant for jobs that were paired but never written to a transport.
func (q *Queue) Release(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.inFlightJob(id, "release")
	if job == nil {
		return false
	}
	q.inFlight--
	job.Status = StatusPending
	job.UpdatedAt = q.now()
	q.insertPending(id)
	return true
}

func (q *Queue) inFlightJob(id int64, op string) *Job {
	job, ok := q.jobs[id]
	if !ok {
		q.log.Warn("[QUEUE] transition on unknown job ignored", zap.String("op", op), zap.Int64("job_id", id))
		return nil
	}
	if job.Status != StatusInFlight {
		q.log.Warn("[QUEUE] transition on job not in flight ignored",
			zap.String("op", op), zap.Int64("job_id", id), zap.String("status", string(job.Status)))
		return nil
	}
	return job
}

// finish must be called with an InFlight job.
func (q *Queue) finish(job *Job, status Status, reason string) {
	q.inFlight--
	job.Status = status
	job.UpdatedAt = q.now()
	if reason != "" {
		job.LastError = reason
	}
	if status == StatusDone {
		q.done++
	} else {
		q.failed++
	}

	q.history = append(q.history, job.ID)
	for len(q.history) > q.cfg.HistoryLimit {
		delete(q.jobs, q.history[0])
		q.history = q.history[1:]
	}
}

func (q *Queue) insertPending(id int64) {
	idx, found := slices.BinarySearch(q.pending, id)
	if !found {
		q.pending = slices.Insert(q.pending, idx, id)
	}
}

func (q *Queue) removePending(id int64) {
	idx, found := slices.BinarySearch(q.pending, id)
	if found {
		q.pending = slices.Delete(q.pending, idx, idx+1)
	}
}
