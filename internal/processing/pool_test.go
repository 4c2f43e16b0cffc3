package processing

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
	"scale-ingest/internal/queue"
)

type recorder struct {
	mu        sync.Mutex
	published []string
	batched   []string
	states    []string
	observed  []string
	failBatch bool
	panicOn   string
}

func (r *recorder) PublishMeasurement(_ context.Context, ev model.MeasurementEvent) error {
	if ev.ScaleID == r.panicOn {
		panic("broken sink")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev.ScaleID)
	return nil
}

func (r *recorder) AddToBatch(_ context.Context, ev model.MeasurementEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failBatch {
		return errors.New("buffer closed")
	}
	r.batched = append(r.batched, ev.ScaleID)
	return nil
}

func (r *recorder) UpdateCurrentState(_ context.Context, ev model.MeasurementEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.ScaleID)
	return nil
}

func (r *recorder) Observe(_ context.Context, ev model.MeasurementEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, ev.ScaleID)
}

func (r *recorder) counts() (int, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published), len(r.batched), len(r.states), len(r.observed)
}

func newPool(q *queue.Queue, r *recorder, workers int) *Pool {
	return NewPool(q, Options{
		Workers:   workers,
		Publisher: r,
		Persister: r,
		Observer:  r,
		Logger:    logger.NewTestLogger(),
	})
}

func TestPoolRunsEveryStage(t *testing.T) {
	q := queue.New(16)
	r := &recorder{}
	p := newPool(q, r, 3)
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Put(context.Background(), model.MeasurementEvent{ScaleID: "S1", Status: model.StatusOK}))
	}
	q.Close()
	require.True(t, p.Stop(2*time.Second))

	pub, batch, states, obs := r.counts()
	assert.Equal(t, 10, pub)
	assert.Equal(t, 10, batch)
	assert.Equal(t, 10, states)
	assert.Equal(t, 10, obs)
	assert.Equal(t, int64(10), p.Processed())

	in, out := q.Counts()
	assert.Equal(t, in, out)
}

func TestPoolSurvivesStageFailures(t *testing.T) {
	q := queue.New(16)
	r := &recorder{failBatch: true, panicOn: "BAD"}
	p := newPool(q, r, 1)
	p.Start(context.Background())

	require.NoError(t, q.Put(context.Background(), model.MeasurementEvent{ScaleID: "BAD"}))
	require.NoError(t, q.Put(context.Background(), model.MeasurementEvent{ScaleID: "S1"}))
	q.Close()
	require.True(t, p.Stop(2*time.Second))

	pub, batch, states, obs := r.counts()
	assert.Equal(t, 1, pub, "the worker keeps going after a panic")
	assert.Zero(t, batch)
	assert.Equal(t, 1, states)
	assert.Equal(t, 1, obs, "health still observes an event whose batch add failed")
	assert.Equal(t, int64(2), p.Failures())
}

func TestPoolStopCancelsAfterGrace(t *testing.T) {
	q := queue.New(4)
	p := newPool(q, &recorder{}, 2)
	p.Start(context.Background())

	// queue left open: workers stay parked in Take until Stop cancels them
	start := time.Now()
	assert.False(t, p.Stop(50*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, p.Stop(time.Second), "second stop is a no-op")
}

type orderRecorder struct {
	recorder
	seen map[string][]int
}

func (o *orderRecorder) PublishMeasurement(_ context.Context, ev model.MeasurementEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[ev.ScaleID] = append(o.seen[ev.ScaleID], ev.ReadErrors)
	return nil
}

func TestPoolKeepsPerScaleOrder(t *testing.T) {
	q := queue.New(8)
	o := &orderRecorder{seen: map[string][]int{}}
	p := NewPool(q, Options{Workers: 4, Publisher: o, Logger: logger.NewTestLogger()})
	p.Start(context.Background())

	const perScale = 200
	scales := []string{"S1", "S2", "S3", "S4", "S5"}
	for i := 0; i < perScale; i++ {
		for _, id := range scales {
			// ReadErrors doubles as a sequence number here
			require.NoError(t, q.Put(context.Background(), model.MeasurementEvent{ScaleID: id, ReadErrors: i}))
		}
	}
	q.Close()
	require.True(t, p.Stop(5*time.Second))

	for _, id := range scales {
		seq := o.seen[id]
		require.Len(t, seq, perScale, id)
		for i, v := range seq {
			require.Equal(t, i, v, "scale %s out of order", id)
		}
	}
}

func TestLaneOfIsStable(t *testing.T) {
	assert.Equal(t, laneOf("S1", 4), laneOf("S1", 4))
	for _, id := range []string{"a", "b", "S1", "scale-42"} {
		l := laneOf(id, 3)
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, 3)
	}
}
