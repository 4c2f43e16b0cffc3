// Package storage batches measurement events into the store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"scale-ingest/internal/metrics"
	"scale-ingest/internal/model"
)

var (
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrStopped            = errors.New("batch processing stopped")
	ErrAlreadyStarted     = errors.New("batch processing already started")
)

// Writer is the part of the store the batch service needs.
type Writer interface {
	InsertMeasurements(ctx context.Context, events []model.MeasurementEvent) error
	UpsertCurrentState(ctx context.Context, ev model.MeasurementEvent) error
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffer bounds events waiting for a flush; AddToBatch blocks beyond it.
	MaxBuffer     int
	MaxRetries    int
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = o.BatchSize * 10
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
}

// Stats are the service's running totals.
type Stats struct {
	FlushedBatches int64 `json:"flushed_batches"`
	FlushedEvents  int64 `json:"flushed_events"`
	DroppedBatches int64 `json:"dropped_batches"`
	DroppedEvents  int64 `json:"dropped_events"`
	Pending        int   `json:"pending"`
}

// BatchService buffers events and writes them in batches, on size or interval, whichever
// comes first. A batch that still fails after MaxRetries retries is dropped and counted.
type BatchService struct {
	store  Writer
	opts   Options
	logger zerolog.Logger

	in     chan model.MeasurementEvent
	stopCh chan context.Context
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped atomic.Bool

	flushedBatches atomic.Int64
	flushedEvents  atomic.Int64
	droppedBatches atomic.Int64
	droppedEvents  atomic.Int64
}

func NewBatchService(store Writer, opts Options) *BatchService {
	opts.applyDefaults()
	return &BatchService{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		in:     make(chan model.MeasurementEvent, opts.MaxBuffer),
		stopCh: make(chan context.Context, 1),
		done:   make(chan struct{}),
	}
}

// AddToBatch appends ev to the pending buffer, blocking while the buffer is full.
func (s *BatchService) AddToBatch(ctx context.Context, ev model.MeasurementEvent) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.in <- ev:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateCurrentState upserts the scale's current state synchronously.
func (s *BatchService) UpdateCurrentState(ctx context.Context, ev model.MeasurementEvent) error {
	if err := s.store.UpsertCurrentState(ctx, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// StartBatchProcessing runs the flush loop until StopBatchProcessing or ctx is done.
func (s *BatchService) StartBatchProcessing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	go s.run(ctx)
	return nil
}

// StopBatchProcessing flushes what is buffered and waits for the loop to exit.
// Producers must have stopped calling AddToBatch.
func (s *BatchService) StopBatchProcessing(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !started {
		close(s.done)
		return nil
	}

	s.stopCh <- ctx
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BatchService) Stats() Stats {
	return Stats{
		FlushedBatches: s.flushedBatches.Load(),
		FlushedEvents:  s.flushedEvents.Load(),
		DroppedBatches: s.droppedBatches.Load(),
		DroppedEvents:  s.droppedEvents.Load(),
		Pending:        len(s.in),
	}
}

func (s *BatchService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.MeasurementEvent, 0, s.opts.BatchSize)
	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if fctx.Err() != nil {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(context.WithoutCancel(fctx), s.opts.FlushInterval+5*time.Second)
			defer cancel()
		}
		_ = s.flush(fctx, batch)
		batch = make([]model.MeasurementEvent, 0, s.opts.BatchSize)
	}

	for {
		select {
		case ev := <-s.in:
			batch = append(batch, ev)
			if len(batch) >= s.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case stopCtx := <-s.stopCh:
			s.drain(stopCtx, &batch, flush)
			return
		case <-ctx.Done():
			s.drain(ctx, &batch, flush)
			return
		}
	}
}

func (s *BatchService) drain(ctx context.Context, batch *[]model.MeasurementEvent, flush func(context.Context)) {
	for {
		select {
		case ev := <-s.in:
			*batch = append(*batch, ev)
			if len(*batch) >= s.opts.BatchSize {
				flush(ctx)
			}
		default:
			flush(ctx)
			return
		}
	}
}

func (s *BatchService) flush(ctx context.Context, batch []model.MeasurementEvent) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryInterval
	bo.MaxInterval = s.opts.RetryInterval * 16
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		err := s.store.InsertMeasurements(ctx, batch)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn().Err(err).Int("size", len(batch)).Dur("retry_in", next).Msg("Batch flush failed, retrying")
		}))
	if err != nil {
		s.droppedBatches.Add(1)
		s.droppedEvents.Add(int64(len(batch)))
		metrics.RecordBatchDropped(context.WithoutCancel(ctx), len(batch))
		s.logger.Error().Err(err).Int("size", len(batch)).Int("attempts", attempts).Msg("Batch dropped after retries")
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	s.flushedBatches.Add(1)
	s.flushedEvents.Add(int64(len(batch)))
	metrics.RecordBatchFlushed(ctx, len(batch))
	s.logger.Debug().Int("size", len(batch)).Msg("Batch flushed")
	return nil
}
