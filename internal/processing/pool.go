// Package processing runs the workers that move measurement events from the queue
// to the broadcaster, the batch writer and the health monitor.
package processing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"scale-ingest/internal/metrics"
	"scale-ingest/internal/model"
	"scale-ingest/internal/queue"
)

type Source interface {
	Take(ctx context.Context) (model.MeasurementEvent, error)
}

type Publisher interface {
	PublishMeasurement(ctx context.Context, ev model.MeasurementEvent) error
}

type Persister interface {
	AddToBatch(ctx context.Context, ev model.MeasurementEvent) error
	UpdateCurrentState(ctx context.Context, ev model.MeasurementEvent) error
}

type Observer interface {
	Observe(ctx context.Context, ev model.MeasurementEvent)
}

// Pool is a fixed set of workers fed by one dispatcher. A failure in one stage is
// logged and counted; the event still goes through the remaining stages.
type Pool struct {
	workers   int
	source    Source
	publisher Publisher
	persister Persister
	observer  Observer
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	processed atomic.Int64
	failures  atomic.Int64
}

const laneBuffer = 16

type Options struct {
	Workers   int
	Publisher Publisher
	Persister Persister
	Observer  Observer
	Logger    zerolog.Logger
}

func NewPool(source Source, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Pool{
		workers:   opts.Workers,
		source:    source,
		publisher: opts.Publisher,
		persister: opts.Persister,
		observer:  opts.Observer,
		logger:    opts.Logger,
	}
}

// Start launches the workers. They run until the source is closed and drained,
// or until Stop gives up waiting.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.running = true

	lanes := make([]chan model.MeasurementEvent, p.workers)
	for i := range lanes {
		lanes[i] = make(chan model.MeasurementEvent, laneBuffer)
		p.wg.Add(1)
		go func(id int, lane <-chan model.MeasurementEvent) {
			defer p.wg.Done()
			p.work(runCtx, id, lane)
		}(i, lanes[i])
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatch(runCtx, lanes)
	}()
	p.logger.Info().Int("workers", p.workers).Msg("Processing pool started")
}

// Stop waits up to grace for the workers to drain the closed source, then cancels them.
// It reports whether the drain completed within grace.
func (p *Pool) Stop(grace time.Duration) bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return true
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drained := true
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		drained = false
		p.logger.Warn().Dur("grace", grace).Msg("Processing pool did not drain in time, cancelling workers")
		cancel()
		<-done
	}
	cancel()
	return drained
}

func (p *Pool) Processed() int64 { return p.processed.Load() }
func (p *Pool) Failures() int64  { return p.failures.Load() }

// dispatch moves events from the source to the worker lanes. A scale always maps to
// the same lane, so its events are handled in queue order.
func (p *Pool) dispatch(ctx context.Context, lanes []chan model.MeasurementEvent) {
	defer func() {
		for _, l := range lanes {
			close(l)
		}
	}()
	for {
		ev, err := p.source.Take(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Take failed")
			}
			return
		}
		select {
		case lanes[laneOf(ev.ScaleID, len(lanes))] <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func laneOf(scaleID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scaleID))
	return int(h.Sum32() % uint32(n))
}

func (p *Pool) work(ctx context.Context, id int, lane <-chan model.MeasurementEvent) {
	for ev := range lane {
		if ctx.Err() != nil {
			p.logger.Warn().Int("worker", id).Str("scale_id", ev.ScaleID).Msg("Event discarded on forced stop")
			continue
		}
		p.Handle(ctx, ev)
	}
}

// Handle runs one event through every stage.
func (p *Pool) Handle(ctx context.Context, ev model.MeasurementEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, ev, "panic", fmt.Errorf("panic: %v", r))
		}
	}()

	if p.publisher != nil {
		if err := p.publisher.PublishMeasurement(ctx, ev); err != nil {
			p.fail(ctx, ev, "broadcast", err)
		}
	}
	if p.persister != nil {
		if err := p.persister.UpdateCurrentState(ctx, ev); err != nil {
			p.fail(ctx, ev, "current_state", err)
		}
		if err := p.persister.AddToBatch(ctx, ev); err != nil {
			p.fail(ctx, ev, "batch", err)
		}
	}
	if p.observer != nil {
		p.observer.Observe(ctx, ev)
	}

	p.processed.Add(1)
	metrics.RecordProcessed(ctx, ev.ScaleID)
}

func (p *Pool) fail(ctx context.Context, ev model.MeasurementEvent, stage string, err error) {
	p.failures.Add(1)
	metrics.RecordEventFailure(ctx, stage)
	p.logger.Error().Err(err).Str("scale_id", ev.ScaleID).Str("stage", stage).Msg("Event processing failed")
}
