package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scale-ingest/internal/model"
)

func event(scale string, seq int) model.MeasurementEvent {
	return model.MeasurementEvent{
		ScaleID:  scale,
		LastTime: time.Unix(int64(seq), 0),
		Status:   model.StatusOK,
		Data1:    &model.DataField{Name: "seq", Value: fmt.Sprint(seq)},
	}
}

func TestPutBlocksWhenFull(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, event("S1", 1)))
	require.NoError(t, q.Put(ctx, event("S1", 2)))
	assert.Equal(t, 2, q.Len())

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, event("S1", 3)) }()

	select {
	case <-done:
		t.Fatal("Put returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	ev, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", ev.Data1.Value)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put still blocked after room was made")
	}
}

func TestPutHonoursContext(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(context.Background(), event("S1", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, event("S1", 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	in, _ := q.Counts()
	assert.Equal(t, int64(1), in)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, event("S1", 1)))
	require.NoError(t, q.Put(ctx, event("S1", 2)))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(ctx, event("S1", 3)), ErrClosed)

	for i := 1; i <= 2; i++ {
		ev, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), ev.Data1.Value)
	}
	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseReleasesBlockedProducer(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(context.Background(), event("S1", 1)))

	done := make(chan error, 1)
	go func() { done <- q.Put(context.Background(), event("S1", 2)) }()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer not released by Close")
	}
}

func TestSaturatedQueueDeliversEverything(t *testing.T) {
	const (
		producers = 8
		perScale  = 500
	)
	q := New(16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(scale string) {
			defer wg.Done()
			for i := 0; i < perScale; i++ {
				if err := q.Put(ctx, event(scale, i)); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}(fmt.Sprintf("S%d", p))
	}

	lastSeq := map[string]int{}
	var mu sync.Mutex
	var consumers sync.WaitGroup
	var outOfOrder bool
	// one consumer keeps per-scale order observable
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		for {
			ev, err := q.Take(ctx)
			if errors.Is(err, ErrClosed) {
				return
			}
			mu.Lock()
			var seq int
			fmt.Sscan(ev.Data1.Value, &seq)
			if prev, ok := lastSeq[ev.ScaleID]; ok && seq != prev+1 {
				outOfOrder = true
			}
			lastSeq[ev.ScaleID] = seq
			mu.Unlock()
		}
	}()

	wg.Wait()
	q.Close()
	consumers.Wait()

	in, out := q.Counts()
	assert.Equal(t, int64(producers*perScale), in)
	assert.Equal(t, in, out)
	assert.False(t, outOfOrder, "per-scale order must be preserved")
	for p := 0; p < producers; p++ {
		assert.Equal(t, perScale-1, lastSeq[fmt.Sprintf("S%d", p)])
	}
}
