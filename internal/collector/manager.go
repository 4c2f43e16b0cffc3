package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scale-ingest/internal/logger"
)

// Manager owns the set of running engines, at most one per scale id.
type Manager struct {
	// opMu serializes Start/Stop/Restart/Apply so a stop-then-start is atomic
	// with respect to other mutations; mu guards the map itself.
	opMu sync.Mutex
	mu   sync.RWMutex

	engines map[string]*Engine
	ctx     context.Context
	sink    Sink
	opts    EngineOptions
	grace   time.Duration
	// base is the component-free logger both the manager and its engines derive from.
	base   zerolog.Logger
	logger zerolog.Logger
}

// NewManager creates a manager whose engines run under ctx and publish into sink.
// grace bounds how long Stop waits for one engine to exit.
func NewManager(ctx context.Context, sink Sink, opts EngineOptions, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Manager{
		engines: make(map[string]*Engine),
		ctx:     ctx,
		sink:    sink,
		opts:    opts,
		grace:   grace,
		base:    logger.GetLogger(),
		logger:  logger.WithComponent("manager"),
	}
}

// SetLogger replaces the base logger of the manager and of engines started afterwards,
// unless EngineOptions carries its own engine logger.
func (m *Manager) SetLogger(l zerolog.Logger) {
	m.base = l
	m.logger = l.With().Str("component", "manager").Logger()
}

// Start launches an engine for cfg.
func (m *Manager) Start(cfg ScaleConfig) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.start(cfg)
}

func (m *Manager) start(cfg ScaleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
	}

	opts := m.opts
	if opts.Logger == nil {
		l := m.base.With().Str("component", "engine").Logger()
		opts.Logger = &l
	}
	e := NewEngine(cfg, m.sink, opts)
	m.engines[cfg.ID] = e
	e.Start(m.ctx)

	m.logger.Info().Str("scale_id", cfg.ID).Str("protocol", cfg.Protocol).Msg("engine started")
	return nil
}

// Stop stops the engine for id. Unknown ids are a no-op.
func (m *Manager) Stop(id string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stop(id)
}

func (m *Manager) stop(id string) {
	m.mu.Lock()
	e, ok := m.engines[id]
	delete(m.engines, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	if !e.Stop(m.grace) {
		m.logger.Warn().Str("scale_id", id).Msg("engine abandoned after grace period")
		return
	}
	m.logger.Info().Str("scale_id", id).Msg("engine stopped")
}

// Restart stops the engine for cfg.ID (if any) and starts a new one with cfg.
func (m *Manager) Restart(cfg ScaleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stop(cfg.ID)
	return m.start(cfg)
}

func (m *Manager) IsRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.engines[id]
	return ok
}

// RunningScaleIDs returns the ids of all running engines, sorted.
func (m *Manager) RunningScaleIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Config returns the configuration the engine for id was started with.
func (m *Manager) Config(id string) (ScaleConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[id]
	if !ok {
		return ScaleConfig{}, false
	}
	return e.Config(), true
}

// RunningConfigs returns the configurations of all running engines, sorted by id.
func (m *Manager) RunningConfigs() []ScaleConfig {
	m.mu.RLock()
	out := make([]ScaleConfig, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e.Config())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuntimeState returns the runtime state of one engine.
func (m *Manager) RuntimeState(id string) (RuntimeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[id]
	if !ok {
		return RuntimeState{ScaleID: id, State: StateStopped}, false
	}
	return e.State(), true
}

// Status returns the runtime state of every running engine, sorted by scale id.
func (m *Manager) Status() []RuntimeState {
	m.mu.RLock()
	out := make([]RuntimeState, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e.State())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScaleID < out[j].ScaleID })
	return out
}

// Apply reconciles running engines with cfgs: inactive or removed scales are stopped,
// new active ones started and changed ones restarted. Per-scale failures are joined.
func (m *Manager) Apply(cfgs []ScaleConfig) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	wanted := make(map[string]ScaleConfig, len(cfgs))
	for _, c := range cfgs {
		if c.Active {
			wanted[c.ID] = c
		}
	}

	m.mu.RLock()
	running := make(map[string]ScaleConfig, len(m.engines))
	for id, e := range m.engines {
		running[id] = e.Config()
	}
	m.mu.RUnlock()

	var errs []error
	for id := range running {
		if _, ok := wanted[id]; !ok {
			m.stop(id)
		}
	}
	for id, c := range wanted {
		cur, ok := running[id]
		switch {
		case !ok:
			if err := m.start(c); err != nil {
				errs = append(errs, err)
			}
		case !cur.Equal(c):
			if err := c.Validate(); err != nil {
				errs = append(errs, err)
				continue
			}
			m.stop(id)
			if err := m.start(c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every engine concurrently, each bounded by grace.
func (m *Manager) StopAll(grace time.Duration) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range engines {
		wg.Add(1)
		go func(id string, e *Engine) {
			defer wg.Done()
			if !e.Stop(grace) {
				m.logger.Warn().Str("scale_id", id).Msg("engine abandoned after grace period")
			}
		}(id, e)
	}
	wg.Wait()
	m.logger.Info().Int("engines", len(engines)).Msg("all engines stopped")
}
