package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
)

type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]model.MeasurementEvent
	calls    int
	failures int // remaining failures; -1 fails forever
	upserts  int
	stateErr error
}

func (w *fakeWriter) InsertMeasurements(_ context.Context, events []model.MeasurementEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures != 0 {
		if w.failures > 0 {
			w.failures--
		}
		return errors.New("database is locked")
	}
	w.batches = append(w.batches, append([]model.MeasurementEvent(nil), events...))
	return nil
}

func (w *fakeWriter) UpsertCurrentState(context.Context, model.MeasurementEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.upserts++
	return w.stateErr
}

func (w *fakeWriter) stored() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func (w *fakeWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func ev(i int) model.MeasurementEvent {
	return model.MeasurementEvent{
		ScaleID:  "S1",
		LastTime: time.Date(2026, 3, 1, 8, 0, i, 0, time.UTC),
		Status:   model.StatusOK,
	}
}

func newService(w Writer, opts Options) *BatchService {
	opts.Logger = logger.NewTestLogger()
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return NewBatchService(w, opts)
}

func TestFlushOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	s := newService(w, Options{BatchSize: 3, FlushInterval: time.Hour})
	require.NoError(t, s.StartBatchProcessing(context.Background()))
	require.ErrorIs(t, s.StartBatchProcessing(context.Background()), ErrAlreadyStarted)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddToBatch(context.Background(), ev(i)))
	}
	require.Eventually(t, func() bool { return w.batchCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, w.stored())

	require.NoError(t, s.StopBatchProcessing(context.Background()))
}

func TestFlushOnInterval(t *testing.T) {
	w := &fakeWriter{}
	s := newService(w, Options{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	require.NoError(t, s.StartBatchProcessing(context.Background()))
	defer s.StopBatchProcessing(context.Background())

	require.NoError(t, s.AddToBatch(context.Background(), ev(1)))
	require.Eventually(t, func() bool { return w.stored() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{failures: 2}
	s := newService(w, Options{BatchSize: 2, FlushInterval: time.Hour, MaxRetries: 3})
	require.NoError(t, s.StartBatchProcessing(context.Background()))

	require.NoError(t, s.AddToBatch(context.Background(), ev(1)))
	require.NoError(t, s.AddToBatch(context.Background(), ev(2)))
	require.NoError(t, s.StopBatchProcessing(context.Background()))

	assert.Equal(t, 2, w.stored())
	assert.Equal(t, 3, w.calls)
	st := s.Stats()
	assert.Equal(t, int64(1), st.FlushedBatches)
	assert.Zero(t, st.DroppedBatches)
}

func TestBatchDroppedAfterRetryExhaustion(t *testing.T) {
	w := &fakeWriter{failures: -1}
	s := newService(w, Options{BatchSize: 4, FlushInterval: time.Hour, MaxRetries: 2})
	require.NoError(t, s.StartBatchProcessing(context.Background()))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AddToBatch(context.Background(), ev(i)))
	}
	require.Eventually(t, func() bool { return s.Stats().DroppedBatches == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.StopBatchProcessing(context.Background()))

	st := s.Stats()
	assert.Equal(t, int64(4), st.DroppedEvents)
	assert.Zero(t, st.FlushedBatches)
	assert.Equal(t, 3, w.calls, "one attempt plus two retries")
}

func TestStopFlushesRemainder(t *testing.T) {
	w := &fakeWriter{}
	s := newService(w, Options{BatchSize: 100, FlushInterval: time.Hour})
	require.NoError(t, s.StartBatchProcessing(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddToBatch(context.Background(), ev(i)))
	}
	require.NoError(t, s.StopBatchProcessing(context.Background()))
	assert.Equal(t, 5, w.stored())

	require.ErrorIs(t, s.AddToBatch(context.Background(), ev(9)), ErrStopped)
	require.NoError(t, s.StopBatchProcessing(context.Background()), "second stop is a no-op")
}

func TestCancelledContextStillFlushes(t *testing.T) {
	w := &fakeWriter{}
	s := newService(w, Options{BatchSize: 100, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.StartBatchProcessing(ctx))

	require.NoError(t, s.AddToBatch(context.Background(), ev(1)))
	cancel()
	require.NoError(t, s.StopBatchProcessing(context.Background()))
	assert.Equal(t, 1, w.stored())
}

func TestAddToBatchBlocksWhenBufferFull(t *testing.T) {
	s := newService(&fakeWriter{}, Options{BatchSize: 1, MaxBuffer: 1})

	require.NoError(t, s.AddToBatch(context.Background(), ev(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.AddToBatch(ctx, ev(2)), context.DeadlineExceeded)
	assert.Equal(t, 1, s.Stats().Pending)
}

func TestUpdateCurrentStateWrapsFailure(t *testing.T) {
	w := &fakeWriter{}
	s := newService(w, Options{})
	require.NoError(t, s.UpdateCurrentState(context.Background(), ev(1)))

	w.stateErr = errors.New("disk full")
	err := s.UpdateCurrentState(context.Background(), ev(2))
	require.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Equal(t, 2, w.upserts)
}
