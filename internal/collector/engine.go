package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"scale-ingest/internal/decoder"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/metrics"
	"scale-ingest/internal/model"
)

// State is the lifecycle state of a device engine.
type State string

const (
	StateStopped      State = "STOPPED"
	StateConnecting   State = "CONNECTING"
	StatePolling      State = "POLLING"
	StateDisconnected State = "DISCONNECTED"
)

// RuntimeState is the in-memory status of one engine.
type RuntimeState struct {
	ScaleID             string        `json:"scale_id"`
	Running             bool          `json:"running"`
	State               State         `json:"state"`
	Address             string        `json:"address,omitempty"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoff      time.Duration `json:"current_backoff"`
}

// Sink accepts events produced by engines. The measurement queue implements it.
type Sink interface {
	Put(ctx context.Context, ev model.MeasurementEvent) error
}

type EngineOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StopGrace bounds how long a stopping engine may still wait to hand off its last event.
	StopGrace time.Duration
	Factory   DriverFactory
	Logger    *zerolog.Logger
	Now       func() time.Time
}

func (o *EngineOptions) defaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Factory == nil {
		o.Factory = DefaultDriverFactory
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		l := logger.WithComponent("engine")
		o.Logger = &l
	}
}

// Engine polls one scale and feeds its measurements into a Sink.
type Engine struct {
	cfg    ScaleConfig
	sink   Sink
	opts   EngineOptions
	logger zerolog.Logger

	mu    sync.RWMutex
	state RuntimeState

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(cfg ScaleConfig, sink Sink, opts EngineOptions) *Engine {
	opts.defaults()
	return &Engine{
		cfg:    cfg,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With().Str("scale_id", cfg.ID).Logger(),
		state:  RuntimeState{ScaleID: cfg.ID, State: StateStopped},
		done:   make(chan struct{}),
	}
}

func (e *Engine) Config() ScaleConfig { return e.cfg }

func (e *Engine) State() RuntimeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Done is closed once the engine loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start runs the engine loop on its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.update(func(s *RuntimeState) { s.Running = true })
	go e.Run(ctx)
}

// Stop signals the loop and waits up to grace for it to exit.
// It reports whether the loop finished in time.
func (e *Engine) Stop(grace time.Duration) bool {
	if e.cancel != nil {
		e.cancel()
	}
	select {
	case <-e.done:
		return true
	case <-time.After(grace):
		e.logger.Warn().Dur("grace", grace).Msg("engine did not stop within grace period")
		return false
	}
}

// Run connects, polls and reconnects until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	defer e.update(func(s *RuntimeState) {
		s.Running = false
		s.State = StateStopped
		s.CurrentBackoff = 0
	})
	e.update(func(s *RuntimeState) { s.Running = true })

	bo := newReconnectBackoff(e.opts.InitialBackoff, e.opts.MaxBackoff)
	e.logger.Info().Str("protocol", e.cfg.Protocol).Dur("poll_interval", e.cfg.PollInterval()).Msg("engine started")

	for {
		d, err := e.connect(ctx, bo)
		if err != nil {
			e.logger.Info().Msg("engine stopped")
			return
		}

		readErr := e.poll(ctx, d, bo)
		if cerr := d.Close(); cerr != nil {
			e.logger.Debug().Err(cerr).Msg("close driver")
		}
		if ctx.Err() != nil {
			e.logger.Info().Msg("engine stopped")
			return
		}

		// only a cycle that decoded a field resets the backoff
		delay := bo.NextBackOff()
		e.update(func(s *RuntimeState) {
			s.State = StateDisconnected
			s.CurrentBackoff = delay
		})
		e.logger.Warn().Err(readErr).Dur("retry_in", delay).Msg("device disconnected, reconnecting")
		metrics.RecordReconnect(ctx, e.cfg.ID)
		if !sleep(ctx, delay) {
			e.logger.Info().Msg("engine stopped")
			return
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func newReconnectBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// connect retries until a driver is connected or ctx is done.
func (e *Engine) connect(ctx context.Context, bo *backoff.ExponentialBackOff) (Driver, error) {
	for {
		e.update(func(s *RuntimeState) { s.State = StateConnecting })

		d, err := e.opts.Factory(e.cfg)
		addr := ""
		if err == nil {
			addr = d.Address()
			err = d.Connect()
		}
		if err == nil {
			e.update(func(s *RuntimeState) {
				s.Address = addr
				s.CurrentBackoff = 0
			})
			e.logger.Info().Str("address", addr).Msg("device connected")
			return d, nil
		}

		connErr := &ConnectionError{ScaleID: e.cfg.ID, Address: addr, Err: err}
		delay := bo.NextBackOff()
		e.update(func(s *RuntimeState) {
			s.ConsecutiveFailures++
			s.LastError = connErr.Error()
			s.CurrentBackoff = delay
		})
		e.logger.Warn().Err(connErr).Dur("retry_in", delay).Msg("connect failed")

		if !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

// poll runs read cycles until ctx is done (nil) or the transport fails (the error).
// A cycle that decodes at least one field resets the reconnect backoff.
func (e *Engine) poll(ctx context.Context, d Driver, bo *backoff.ExponentialBackOff) error {
	e.update(func(s *RuntimeState) { s.State = StatePolling })

	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	// Immediate first run
	for {
		ok, err := e.cycle(ctx, d)
		if err != nil {
			return err
		}
		if ok {
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) cycle(ctx context.Context, d Driver) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("read cycle panicked")
			err = fmt.Errorf("read cycle panic: %v", r)
		}
	}()

	ev, readErr := readCycle(d, e.cfg, e.opts.Now(), e.logger)
	ok = e.record(ev, readErr)
	e.emit(ctx, ev)
	return ok, readErr
}

// record updates the runtime state and reports whether the cycle decoded anything.
func (e *Engine) record(ev model.MeasurementEvent, readErr error) bool {
	ok := readErr == nil && ev.DecodedFields() > 0
	e.update(func(s *RuntimeState) {
		if ok {
			s.LastSuccess = ev.LastTime
			s.ConsecutiveFailures = 0
			s.LastError = ""
			return
		}
		s.ConsecutiveFailures++
		if readErr != nil {
			s.LastError = readErr.Error()
		} else {
			s.LastError = "no field decoded, status " + ev.Status
		}
	})
	if ev.ReadErrors > 0 && readErr == nil {
		e.logger.Debug().Int("read_errors", ev.ReadErrors).Str("status", ev.Status).Msg("partial read")
	}
	return ok
}

// emit blocks on a full sink. When the engine is being stopped the event still gets
// StopGrace to be accepted so the current cycle completes.
func (e *Engine) emit(ctx context.Context, ev model.MeasurementEvent) {
	err := e.sink.Put(ctx, ev)
	if err != nil && ctx.Err() != nil {
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StopGrace)
		err = e.sink.Put(gctx, ev)
		cancel()
	}
	if err != nil {
		e.logger.Warn().Err(err).Time("last_time", ev.LastTime).Msg("measurement not enqueued")
		return
	}
	metrics.RecordEnqueued(ctx, ev.ScaleID)
}

func (e *Engine) update(fn func(*RuntimeState)) {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
}

// readCycle reads and decodes every configured field once.
// A transport failure aborts the cycle and returns an ERROR event with the error.
// Device exceptions and decode failures only drop the affected field and are logged at debug.
func readCycle(d Driver, cfg ScaleConfig, now time.Time, log zerolog.Logger) (model.MeasurementEvent, error) {
	now = now.UTC().Truncate(time.Millisecond)
	ev := model.MeasurementEvent{ScaleID: cfg.ID, LastTime: now, Status: model.StatusOK}

	deviceCode := ""
	for i, f := range cfg.Fields {
		regs, err := d.ReadRegisters(f.registerType(), f.RegisterAddress, f.Count())
		if err != nil {
			var fe *FieldError
			if !errors.As(err, &fe) {
				return model.MeasurementEvent{
					ScaleID:    cfg.ID,
					LastTime:   now,
					Status:     model.StatusError,
					ReadErrors: len(cfg.Fields),
				}, &ConnectionError{ScaleID: cfg.ID, Address: d.Address(), Err: err}
			}
			ev.ReadErrors++
			log.Debug().Err(err).Str("field", f.Name).Msg("field read failed")
			if deviceCode == "" {
				deviceCode = fe.Code
			}
			continue
		}

		v, err := decoder.Decode(regs, decoder.ParseDataType(f.DataType), decoder.ParseEndianness(f.Endianness))
		if err != nil {
			ev.ReadErrors++
			log.Debug().Err(err).Str("field", f.Name).Uint16("register", f.RegisterAddress).Msg("decode failed")
			continue
		}
		ev.SetField(i, &model.DataField{Name: f.Name, Value: v})
	}

	switch {
	case ev.DecodedFields() == 0 && deviceCode != "":
		ev.Status = deviceCode
	case ev.DecodedFields() == 0:
		ev.Status = model.StatusError
	default:
		if sr, ok := d.(StatusReporter); ok {
			if code := sr.DeviceStatus(); code != "" {
				ev.Status = code
			}
		}
	}
	return ev, nil
}

// ReadOnce performs a single read cycle on a fresh connection, independent of any running engine.
func ReadOnce(ctx context.Context, cfg ScaleConfig, factory DriverFactory) (model.MeasurementEvent, error) {
	if factory == nil {
		factory = DefaultDriverFactory
	}
	if err := ctx.Err(); err != nil {
		return model.MeasurementEvent{}, err
	}
	d, err := factory(cfg)
	if err != nil {
		return model.MeasurementEvent{}, err
	}
	if err := d.Connect(); err != nil {
		return model.MeasurementEvent{}, &ConnectionError{ScaleID: cfg.ID, Address: d.Address(), Err: err}
	}
	defer d.Close()

	return readCycle(d, cfg, time.Now(), logger.WithComponent("engine").With().Str("scale_id", cfg.ID).Logger())
}
