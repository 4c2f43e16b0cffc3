// Package tasks wires the ingestion pipeline from a loaded configuration.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"scale-ingest/internal/api"
	"scale-ingest/internal/broadcast"
	"scale-ingest/internal/collector"
	"scale-ingest/internal/db"
	"scale-ingest/internal/health"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
	"scale-ingest/internal/processing"
	"scale-ingest/internal/queue"
	"scale-ingest/internal/shift"
	"scale-ingest/internal/snapshot"
	"scale-ingest/internal/storage"
)

// Options defines initialization overrides for the collector.
// Mirrors the CLI flags used in cmd/collector/main.go.
type Options struct {
	ConfigPath    string
	StorageDriver string
	StorageDSN    string
	NATSURL       string
	APIListen     string
	Workers       int
	LogLevel      string
}

// Environment variables read by ApplyEnv. Flags given explicitly win.
const (
	EnvConfig        = "SCALE_INGEST_CONFIG"
	EnvStorageDriver = "SCALE_INGEST_STORAGE_DRIVER"
	EnvStorageDSN    = "SCALE_INGEST_STORAGE_DSN"
	EnvNATSURL       = "SCALE_INGEST_NATS_URL"
	EnvAPIListen     = "SCALE_INGEST_API_LISTEN"
	EnvWorkers       = "SCALE_INGEST_WORKERS"
	EnvLogLevel      = "SCALE_INGEST_LOG_LEVEL"
)

// ApplyEnv fills unset options from the environment.
func (o *Options) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	set(&o.ConfigPath, EnvConfig)
	set(&o.StorageDriver, EnvStorageDriver)
	set(&o.StorageDSN, EnvStorageDSN)
	set(&o.NATSURL, EnvNATSURL)
	set(&o.APIListen, EnvAPIListen)
	set(&o.LogLevel, EnvLogLevel)
	if o.Workers <= 0 {
		if n, err := strconv.Atoi(getenv(EnvWorkers)); err == nil {
			o.Workers = n
		}
	}
}

// Override applies the options on top of the YAML configuration.
func (o Options) Override(cfg *collector.RootConfig) {
	if o.StorageDriver != "" {
		cfg.System.Storage.Driver = o.StorageDriver
	}
	if o.StorageDSN != "" {
		cfg.System.Storage.DSN = o.StorageDSN
	}
	if o.NATSURL != "" {
		cfg.System.Broadcast.NATSURL = o.NATSURL
	}
	if o.APIListen != "" {
		cfg.System.API.Listen = o.APIListen
	}
	if o.Workers > 0 {
		cfg.System.Processing.Workers = o.Workers
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
}

// InitAndRun loads config, applies overrides, builds the pipeline and runs it until ctx ends.
func InitAndRun(ctx context.Context, opts Options) error {
	if opts.ConfigPath == "" {
		opts.ConfigPath = "config/config.yaml"
	}
	cfg, err := collector.LoadYAML(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}
	opts.Override(&cfg)
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	app, err := New(ctx, cfg, opts.ConfigPath)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// App is the assembled ingestion pipeline.
type App struct {
	cfg        collector.RootConfig
	configPath string
	logger     zerolog.Logger

	store   db.Store
	queue   *queue.Queue
	hub     *broadcast.Hub
	nats    *broadcast.NATSPublisher
	bcast   *broadcast.Broadcaster
	batch   *storage.BatchService
	pool    *processing.Pool
	monitor *health.Monitor
	engines *collector.Manager
	snaps   *snapshot.Service
	sched   *shift.Scheduler
	api     *api.Server

	pipeCtx     context.Context
	pipeCancel  context.CancelFunc
	monitorDone chan struct{}

	mu      sync.RWMutex
	configs map[string]collector.ScaleConfig
}

// New opens storage and constructs every component. Nothing runs until Run.
func New(ctx context.Context, cfg collector.RootConfig, configPath string) (*App, error) {
	sys := cfg.System
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger.WithComponent("app"),
		configs:    make(map[string]collector.ScaleConfig),
	}

	store, err := db.Open(ctx, sys.Storage.Driver, sys.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sys.Storage.Driver, err)
	}
	a.store = store

	a.bcast = broadcast.New(logger.WithComponent("broadcast"))
	if sys.Broadcast.WebSocket {
		a.hub = broadcast.NewHub(sys.Broadcast.ClientBuffer, logger.WithComponent("websocket"))
		a.bcast.AddSink(a.hub)
	}
	if sys.Broadcast.NATSURL != "" {
		nc, err := broadcast.ConnectNATS(sys.Broadcast.NATSURL, logger.WithComponent("nats"), nats.RetryOnFailedConnect(true))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.nats = broadcast.NewNATSPublisher(nc, sys.Broadcast.SubjectPrefix)
		a.bcast.AddSink(a.nats)
	}

	// The pipeline outlives the caller's ctx so shutdown can drain it in order.
	a.pipeCtx, a.pipeCancel = context.WithCancel(context.WithoutCancel(ctx))

	a.queue = queue.New(sys.Processing.QueueSize)
	a.batch = storage.NewBatchService(store, storage.Options{
		BatchSize:     sys.Storage.BatchSize,
		FlushInterval: sys.Storage.FlushInterval,
		MaxBuffer:     sys.Storage.MaxBuffer,
		MaxRetries:    sys.Storage.MaxRetries,
		RetryInterval: sys.Storage.RetryInterval,
		Logger:        logger.WithComponent("batch"),
	})
	a.engines = collector.NewManager(a.pipeCtx, a.queue, collector.EngineOptions{
		InitialBackoff: sys.Engine.InitialBackoff,
		MaxBackoff:     sys.Engine.MaxBackoff,
		StopGrace:      sys.Engine.StopGrace,
	}, sys.Engine.StopGrace)

	if !sys.Health.Disabled {
		a.monitor = health.NewMonitor(store, a.engines, health.Options{
			CheckInterval:   sys.Health.CheckInterval,
			StaleMultiplier: sys.Health.StaleMultiplier,
			ZeroChecks:      sys.Health.ZeroChecks,
			DegradedChecks:  sys.Health.DegradedChecks,
			ErrorChecks:     sys.Health.ErrorChecks,
			Publisher:       a.bcast,
			Logger:          logger.WithComponent("health"),
		})
	}

	popts := processing.Options{
		Workers:   sys.Processing.Workers,
		Publisher: a.bcast,
		Persister: a.batch,
		Logger:    logger.WithComponent("processing"),
	}
	if a.monitor != nil {
		popts.Observer = a.monitor
	}
	a.pool = processing.NewPool(a.queue, popts)

	a.snaps = snapshot.NewService(a.engines, store, snapshot.Options{
		Concurrency: sys.Snapshot.Concurrency,
		Logger:      logger.WithComponent("snapshot"),
	})

	loc, err := shift.LoadLocation(sys.Shifts.Timezone)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("shift timezone %q: %w", sys.Shifts.Timezone, err)
	}
	a.sched = shift.NewScheduler(a.snaps, shift.Options{Location: loc, Logger: logger.WithComponent("shift")})

	if sys.API.Listen != "" {
		deps := api.Deps{
			Engines:    a.engines,
			Controller: a,
			Snapshots:  a.snaps,
			Schedule:   a.sched,
			Store:      store,
			Hub:        a.hub,
			Logger:     logger.WithComponent("api"),
		}
		if a.monitor != nil {
			deps.Health = a.monitor
		} else {
			deps.Health = issuesOnly{store}
		}
		a.api = api.NewServer(deps)
	}
	return a, nil
}

// Run starts every component, blocks until ctx ends, then shuts down in pipeline order.
func (a *App) Run(ctx context.Context) error {
	if err := a.batch.StartBatchProcessing(a.pipeCtx); err != nil {
		return err
	}
	a.pool.Start(a.pipeCtx)

	if err := a.seed(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Seeding configuration failed")
	}
	if err := a.ReloadConfig(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Some scales could not be started")
	}
	if err := a.RefreshShifts(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Some shifts could not be scheduled")
	}
	a.sched.Start(a.pipeCtx)

	if a.monitor != nil {
		a.monitorDone = make(chan struct{})
		go func() {
			defer close(a.monitorDone)
			a.monitor.Run(a.pipeCtx)
		}()
	}

	apiErr := make(chan error, 1)
	if a.api != nil {
		go func() { apiErr <- a.api.ListenAndServe(ctx, a.cfg.System.API.Listen) }()
	}

	a.logger.Info().
		Int("scales", len(a.engines.RunningScaleIDs())).
		Str("storage", a.cfg.System.Storage.Driver).
		Msg("Collector running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	return errors.Join(runErr, a.shutdown())
}

// shutdown stops producers before consumers: engines, queue, pool, batch writer,
// then the observers and finally the sinks and the store.
func (a *App) shutdown() error {
	sys := a.cfg.System
	a.logger.Info().Msg("Shutting down")

	a.engines.StopAll(sys.Engine.StopGrace)
	a.queue.Close()
	if !a.pool.Stop(sys.Processing.StopGrace) {
		a.logger.Warn().Int("pending", a.queue.Len()).Msg("Processing pool abandoned events")
	}

	var errs []error
	flushCtx, cancel := context.WithTimeout(context.Background(), sys.Processing.StopGrace+10*time.Second)
	defer cancel()
	if err := a.batch.StopBatchProcessing(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop batch: %w", err))
	}
	if err := a.sched.Stop(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	a.pipeCancel()
	if a.monitorDone != nil {
		<-a.monitorDone
	}

	if a.hub != nil {
		a.hub.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	in, out := a.queue.Counts()
	st := a.batch.Stats()
	a.logger.Info().
		Int64("enqueued", in).
		Int64("dequeued", out).
		Int64("processed", a.pool.Processed()).
		Int64("persisted", st.FlushedEvents).
		Int64("dropped", st.DroppedEvents).
		Msg("Collector stopped")
	return errors.Join(errs...)
}

func (a *App) closeStore() {
	a.pipeCancel()
	if a.nats != nil {
		a.nats.Close()
	}
	_ = a.store.Close()
}

// Engines exposes the engine manager, mainly for tests and embedding programs.
func (a *App) Engines() *collector.Manager { return a.engines }

func (a *App) Store() db.Store { return a.store }

// ScaleConfig returns the loaded configuration of a scale, active or not.
func (a *App) ScaleConfig(_ context.Context, id string) (collector.ScaleConfig, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.configs[id]
	if !ok {
		return collector.ScaleConfig{}, fmt.Errorf("%w: %s", api.ErrUnknownScale, id)
	}
	return c, nil
}

// ReloadConfig re-reads the scale list from the configured source and reconciles engines.
func (a *App) ReloadConfig(ctx context.Context) error {
	cfgs, err := a.loadScales(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.configs = make(map[string]collector.ScaleConfig, len(cfgs))
	for _, c := range cfgs {
		a.configs[c.ID] = c
	}
	a.mu.Unlock()

	err = a.engines.Apply(cfgs)
	a.logger.Info().Int("configured", len(cfgs)).Int("running", len(a.engines.RunningScaleIDs())).Msg("Configuration applied")
	return err
}

// RefreshShifts rebuilds the shift triggers from the configured source.
func (a *App) RefreshShifts(ctx context.Context) error {
	shifts, err := a.loadShifts(ctx)
	if err != nil {
		return err
	}
	return a.sched.Refresh(shifts)
}

func (a *App) loadScales(ctx context.Context) ([]collector.ScaleConfig, error) {
	if a.cfg.Config.Source != "db" {
		if a.configPath != "" {
			fresh, err := collector.LoadYAML(a.configPath)
			if err != nil {
				return nil, fmt.Errorf("reload %s: %w", a.configPath, err)
			}
			return fresh.Scales, nil
		}
		return a.cfg.Scales, nil
	}

	recs, err := a.store.ScaleConfigs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]collector.ScaleConfig, 0, len(recs))
	var errs []error
	for _, r := range recs {
		c, err := collector.FromRecord(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

func (a *App) loadShifts(ctx context.Context) ([]model.Shift, error) {
	if a.cfg.Config.Source != "db" {
		if a.configPath != "" {
			fresh, err := collector.LoadYAML(a.configPath)
			if err != nil {
				return nil, fmt.Errorf("reload %s: %w", a.configPath, err)
			}
			return fresh.Shifts, nil
		}
		return a.cfg.Shifts, nil
	}
	return a.store.Shifts(ctx, true)
}

// seed copies the file's scales and shifts into the store when its tables are empty.
// File-sourced shifts are always upserted so manual readings can reference them.
func (a *App) seed(ctx context.Context) error {
	var errs []error
	seedDB := a.cfg.Config.Seed
	fileSource := a.cfg.Config.Source != "db"

	if len(a.cfg.Shifts) > 0 {
		existing, err := a.store.Shifts(ctx, false)
		switch {
		case err != nil:
			errs = append(errs, err)
		case fileSource || (seedDB && len(existing) == 0):
			errs = append(errs, a.store.UpsertShifts(ctx, a.cfg.Shifts))
		}
	}

	if seedDB && len(a.cfg.Scales) > 0 {
		existing, err := a.store.ScaleConfigs(ctx)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if len(existing) == 0 {
			recs := make([]model.ScaleConfigRecord, 0, len(a.cfg.Scales))
			for _, c := range a.cfg.Scales {
				r, err := c.ToRecord()
				if err != nil {
					errs = append(errs, err)
					continue
				}
				recs = append(recs, r)
			}
			errs = append(errs, a.store.UpsertScaleConfigs(ctx, recs))
			a.logger.Info().Int("scales", len(recs)).Msg("Seeded scale configuration")
		}
	}
	return errors.Join(errs...)
}

// issuesOnly serves the health routes from storage when the monitor is disabled.
type issuesOnly struct{ store db.Store }

func (i issuesOnly) ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error) {
	return i.store.ActiveIssues(ctx, scaleID)
}

func (issuesOnly) CheckScale(_ context.Context, id string) (health.Report, error) {
	return health.Report{}, fmt.Errorf("health monitor disabled: %w: %s", health.ErrUnknownScale, id)
}
