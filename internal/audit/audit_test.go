package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/mocks"
	"github.com/adcondev/printomat/internal/queue"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
	delay  time.Duration
}

func (r *recordingSink) Record(_ context.Context, ev audit.Event) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func sampleEvent(id int64, typ audit.EventType, status queue.Status) audit.Event {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return audit.Event{
		Type: typ,
		Job: queue.Job{
			ID:           id,
			Content:      "hello",
			Kind:         queue.KindText,
			Status:       status,
			SourceIP:     "10.0.0.1",
			SubmittedAt:  now,
			UpdatedAt:    now,
			AttemptCount: 1,
		},
		SessionID: "session-1",
		Time:      now,
	}
}

func TestWorkerDrainsOnStop(t *testing.T) {
	sink := &recordingSink{}
	w := audit.NewWorker(sink, 16, zap.NewNop())
	w.Start()

	for i := int64(1); i <= 5; i++ {
		w.Publish(sampleEvent(i, audit.EventEnqueued, queue.StatusPending))
	}
	w.Stop()

	assert.Equal(t, 5, sink.count())
	stats := w.Stats()
	assert.False(t, stats.IsRunning)
	assert.Equal(t, int64(5), stats.EventsProcessed)
	assert.Zero(t, stats.EventsFailed)
}

func TestWorkerCountsFailuresAndDrops(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	w := audit.NewWorker(sink, 1, zap.NewNop())

	// Not started: the second publish finds the buffer full.
	w.Publish(sampleEvent(1, audit.EventDone, queue.StatusDone))
	w.Publish(sampleEvent(2, audit.EventDone, queue.StatusDone))

	w.Start()
	w.Stop()

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.EventsFailed)
	assert.Equal(t, int64(1), stats.EventsDropped)
}

func TestWorkerPublishDoesNotBlock(t *testing.T) {
	sink := &recordingSink{delay: 100 * time.Millisecond}
	w := audit.NewWorker(sink, 8, zap.NewNop())
	w.Start()
	defer w.Stop()

	start := time.Now()
	for i := int64(1); i <= 5; i++ {
		w.Publish(sampleEvent(i, audit.EventDelivered, queue.StatusInFlight))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}

	err := audit.Multi{ok, bad, audit.LogSink{Logger: zap.NewNop()}}.Record(context.Background(),
		sampleEvent(1, audit.EventFailed, queue.StatusFailed))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, ok.count())
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := audit.OpenSQLite(filepath.Join(t.TempDir(), "data", "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	maxID, err := store.MaxJobID(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxID)

	require.NoError(t, store.Record(ctx, sampleEvent(1, audit.EventEnqueued, queue.StatusPending)))
	require.NoError(t, store.Record(ctx, sampleEvent(2, audit.EventEnqueued, queue.StatusPending)))
	require.NoError(t, store.Record(ctx, sampleEvent(3, audit.EventEnqueued, queue.StatusPending)))

	inFlight := sampleEvent(2, audit.EventDelivered, queue.StatusInFlight)
	require.NoError(t, store.Record(ctx, inFlight))

	done := sampleEvent(3, audit.EventDone, queue.StatusDone)
	done.Time = done.Time.Add(time.Minute)
	require.NoError(t, store.Record(ctx, done))

	maxID, err = store.MaxJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), maxID)

	unfinished, err := store.Unfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	assert.Equal(t, int64(1), unfinished[0].ID)
	assert.Equal(t, "hello", unfinished[0].Content)
	assert.Equal(t, queue.StatusInFlight, unfinished[1].Status)

	history, err := store.History(ctx, queue.StatusDone, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(3), history[0].ID)
	assert.Empty(t, history[0].Content)

	all, err := store.History(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(3), all[0].ID, "most recently updated first")
}

func TestSQLiteStoreReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := audit.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), sampleEvent(9, audit.EventEnqueued, queue.StatusPending)))
	require.NoError(t, store.Close())

	store, err = audit.OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	maxID, err := store.MaxJobID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), maxID)
}

func TestKafkaSinkRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	sink := audit.NewKafkaSinkWithWriter(writer)
	ev := sampleEvent(12, audit.EventMaxAttemptsReached, queue.StatusFailed)

	writer.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			require.Len(t, msgs, 1)
			assert.Equal(t, "12", string(msgs[0].Key))

			var got audit.Event
			require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
			assert.Equal(t, audit.EventMaxAttemptsReached, got.Type)
			assert.Equal(t, queue.StatusFailed, got.Job.Status)
			return nil
		})

	require.NoError(t, sink.Record(context.Background(), ev))
}

func TestKafkaSinkRecordError(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	sink := audit.NewKafkaSinkWithWriter(writer)

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	writer.EXPECT().Close().Return(nil)

	assert.Error(t, sink.Record(context.Background(), sampleEvent(1, audit.EventDone, queue.StatusDone)))
	assert.NoError(t, sink.Close())
}
