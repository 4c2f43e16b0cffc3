// Package queue is the bounded FIFO between device engines and the processing pool.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"scale-ingest/internal/model"
)

var ErrClosed = errors.New("measurement queue closed")

// Queue is a bounded multi-producer multi-consumer FIFO. Put blocks while the queue
// is full; nothing is ever dropped.
type Queue struct {
	ch        chan model.MeasurementEvent
	closed    chan struct{}
	closeOnce sync.Once

	// producers tracks Puts in flight so Close never races a send.
	producers sync.RWMutex

	in  atomic.Int64
	out atomic.Int64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{
		ch:     make(chan model.MeasurementEvent, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues ev, waiting for room. It returns ctx.Err() if ctx ends first and
// ErrClosed once the queue has been closed.
func (q *Queue) Put(ctx context.Context, ev model.MeasurementEvent) error {
	q.producers.RLock()
	defer q.producers.RUnlock()

	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- ev:
		q.in.Add(1)
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take waits for the next event. After Close it keeps returning buffered events
// and then ErrClosed.
func (q *Queue) Take(ctx context.Context) (model.MeasurementEvent, error) {
	select {
	case ev, ok := <-q.ch:
		if !ok {
			return model.MeasurementEvent{}, ErrClosed
		}
		q.out.Add(1)
		return ev, nil
	case <-ctx.Done():
		return model.MeasurementEvent{}, ctx.Err()
	}
}

// Close stops accepting events. Blocked producers are released with ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.producers.Lock()
		close(q.ch)
		q.producers.Unlock()
	})
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Counts returns the totals of accepted and delivered events.
func (q *Queue) Counts() (in, out int64) {
	return q.in.Load(), q.out.Load()
}
