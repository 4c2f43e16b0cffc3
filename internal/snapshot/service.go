// Package snapshot takes manual readings of every active scale, independent of the
// continuous measurement stream.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/model"
)

var ErrUnknownScale = errors.New("unknown scale")

// ErrNoFieldDecoded marks a one-shot read that reached the device but decoded nothing.
var ErrNoFieldDecoded = errors.New("no field decoded")

// Engines is the view of the engine manager the service needs.
type Engines interface {
	RunningConfigs() []collector.ScaleConfig
	Config(id string) (collector.ScaleConfig, bool)
}

type Store interface {
	CurrentState(ctx context.Context, scaleID string) (model.ScaleCurrentState, error)
	SaveManualReadings(ctx context.Context, readings []model.ManualReading) error
}

type Options struct {
	Concurrency int
	Factory     collector.DriverFactory
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Result summarizes one snapshot run.
type Result struct {
	Readings  []model.ManualReading `json:"readings"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
}

type Service struct {
	engines Engines
	store   Store
	opts    Options
	logger  zerolog.Logger
}

func NewService(engines Engines, store Store, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Factory == nil {
		opts.Factory = collector.DefaultDriverFactory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{engines: engines, store: store, opts: opts, logger: opts.Logger}
}

// Snapshot reads every running scale once and stores one reading per scale. Scales that
// could not be read still get a reading carrying the error; the returned error joins them.
func (s *Service) Snapshot(ctx context.Context, rt model.ReadingType, shiftID *uint) (Result, error) {
	return s.run(ctx, s.engines.RunningConfigs(), rt, shiftID)
}

// SnapshotScale reads a single configured scale.
func (s *Service) SnapshotScale(ctx context.Context, scaleID string, rt model.ReadingType) (Result, error) {
	cfg, ok := s.engines.Config(scaleID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownScale, scaleID)
	}
	return s.run(ctx, []collector.ScaleConfig{cfg}, rt, nil)
}

func (s *Service) run(ctx context.Context, cfgs []collector.ScaleConfig, rt model.ReadingType, shiftID *uint) (Result, error) {
	takenAt := s.opts.Now().UTC()

	var (
		mu       sync.Mutex
		readings = make([]model.ManualReading, 0, len(cfgs))
		errs     []error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, cfg := range cfgs {
		g.Go(func() error {
			r, err := s.read(ctx, cfg, rt, shiftID, takenAt)
			mu.Lock()
			defer mu.Unlock()
			readings = append(readings, r)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", cfg.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(readings, func(i, j int) bool { return readings[i].ScaleID < readings[j].ScaleID })
	res := Result{Readings: readings, Failed: len(errs), Succeeded: len(readings) - len(errs)}

	if err := s.store.SaveManualReadings(ctx, readings); err != nil {
		errs = append(errs, fmt.Errorf("save readings: %w", err))
	}
	return res, errors.Join(errs...)
}

// read takes a fresh device reading. Serial lines are held by the running engine, so
// those scales, and any scale whose one-shot read fails, fall back to the current state.
func (s *Service) read(ctx context.Context, cfg collector.ScaleConfig, rt model.ReadingType,
	shiftID *uint, takenAt time.Time) (model.ManualReading, error) {
	var (
		ev      model.MeasurementEvent
		readErr error
	)
	if strings.EqualFold(cfg.Protocol, collector.ProtocolModbusTCP) {
		ev, readErr = collector.ReadOnce(ctx, cfg, s.opts.Factory)
		if readErr == nil && ev.DecodedFields() == 0 {
			readErr = fmt.Errorf("%w: status %s", ErrNoFieldDecoded, ev.Status)
		}
		if readErr == nil {
			return model.NewManualReading(uuid.NewString(), ev, rt, shiftID, takenAt), nil
		}
		s.logger.Warn().Err(readErr).Str("scale_id", cfg.ID).Msg("One-shot read failed, using current state")
	}

	cur, err := s.store.CurrentState(ctx, cfg.ID)
	if err != nil {
		if readErr != nil {
			err = readErr
		}
		r := model.NewManualReading(uuid.NewString(), model.MeasurementEvent{ScaleID: cfg.ID, Status: model.StatusError}, rt, shiftID, takenAt)
		r.ErrorMessage = err.Error()
		return r, err
	}

	r := model.NewManualReading(uuid.NewString(), cur.Event(), rt, shiftID, takenAt)
	if readErr != nil {
		r.ErrorMessage = "from current state: " + readErr.Error()
	}
	return r, nil
}
