package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBuffer is the event channel size used when none is configured.
	DefaultBuffer = 256
	recordTimeout = 5 * time.Second
)

// Worker drains published events into a Sink on its own goroutine so the
// dispatcher never waits on storage or brokers.
type Worker struct {
	events        chan Event
	sink          Sink
	log           *zap.Logger
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
	processed     int64
	failed        int64
	dropped       int64
	lastEventTime time.Time
}

// NewWorker creates a worker with the given channel size.
func NewWorker(sink Sink, buffer int, logger *zap.Logger) *Worker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		events:   make(chan Event, buffer),
		sink:     sink,
		log:      logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the worker goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()

	w.log.Info("[AUDIT] worker started")
}

// Stop records whatever is still buffered and stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	stats := w.Stats()
	w.log.Info("[AUDIT] worker stopped",
		zap.Int64("processed", stats.EventsProcessed), zap.Int64("failed", stats.EventsFailed),
		zap.Int64("dropped", stats.EventsDropped))
}

// Publish queues an event. When the buffer is full the event is dropped
// and logged instead of blocking.
func (w *Worker) Publish(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.log.Warn("[AUDIT] buffer full, event dropped",
			zap.String("event", string(ev.Type)), zap.Int64("job_id", ev.Job.ID))
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			for {
				select {
				case ev := <-w.events:
					w.record(ev)
				default:
					return
				}
			}
		case ev := <-w.events:
			w.record(ev)
		}
	}
}

func (w *Worker) record(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := w.sink.Record(ctx, ev)

	w.mu.Lock()
	w.lastEventTime = time.Now()
	if err != nil {
		w.failed++
	} else {
		w.processed++
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("[AUDIT] failed to record event",
			zap.String("event", string(ev.Type)), zap.Int64("job_id", ev.Job.ID), zap.Error(err))
	}
}

// Stats returns current worker statistics.
func (w *Worker) Stats() Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Statistics{
		IsRunning:       w.isRunning,
		EventsProcessed: w.processed,
		EventsFailed:    w.failed,
		EventsDropped:   w.dropped,
		LastEventTime:   w.lastEventTime,
	}
}

// Statistics holds worker runtime statistics.
type Statistics struct {
	IsRunning       bool      `json:"is_running"`
	EventsProcessed int64     `json:"events_processed"`
	EventsFailed    int64     `json:"events_failed"`
	EventsDropped   int64     `json:"events_dropped"`
	LastEventTime   time.Time `json:"last_event_time,omitempty"`
}
