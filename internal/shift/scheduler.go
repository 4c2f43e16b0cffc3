// Package shift schedules the readings taken at every shift start and end.
package shift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"scale-ingest/internal/model"
	"scale-ingest/internal/snapshot"
)

var ErrInvalidTime = errors.New("invalid shift time")

type Snapshotter interface {
	Snapshot(ctx context.Context, rt model.ReadingType, shiftID *uint) (snapshot.Result, error)
}

// Trigger is one scheduled shift boundary.
type Trigger struct {
	ShiftID   uint              `json:"shift_id"`
	ShiftCode string            `json:"shift_code"`
	Type      model.ReadingType `json:"reading_type"`
	Spec      string            `json:"spec"`
	Next      time.Time         `json:"next"`
}

type Options struct {
	Location *time.Location
	// Timeout bounds one snapshot run.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type Scheduler struct {
	cron   *cron.Cron
	snap   Snapshotter
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	triggers map[cron.EntryID]Trigger
}

func NewScheduler(snap Snapshotter, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	l := opts.Logger
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(opts.Location),
			cron.WithLogger(cron.PrintfLogger(&l)),
			cron.WithChain(cron.Recover(cron.PrintfLogger(&l))),
		),
		snap:     snap,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      context.Background(),
		triggers: make(map[cron.EntryID]Trigger),
	}
}

// LoadLocation resolves a configured timezone name; "" and "Local" mean the host zone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// Start runs the cron loop. Snapshot runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info().Str("location", s.opts.Location.String()).Msg("Shift scheduler started")
}

// Stop halts scheduling and waits for running snapshots until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh drops every trigger and schedules the start and end of each active shift.
// Shifts with an unparsable time are skipped and reported.
func (s *Scheduler) Refresh(shifts []model.Shift) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.triggers {
		s.cron.Remove(id)
	}
	s.triggers = make(map[cron.EntryID]Trigger)

	var errs []error
	for _, sh := range shifts {
		if !sh.Active {
			continue
		}
		for _, b := range []struct {
			rt model.ReadingType
			at string
		}{{model.ReadingShiftStart, sh.StartTime}, {model.ReadingShiftEnd, sh.EndTime}} {
			spec, err := DailySpec(b.at)
			if err != nil {
				errs = append(errs, fmt.Errorf("shift %s %s: %w", sh.Code, b.rt, err))
				continue
			}
			tr := Trigger{ShiftID: sh.ID, ShiftCode: sh.Code, Type: b.rt, Spec: spec}
			id, err := s.cron.AddFunc(spec, func() { s.fire(tr) })
			if err != nil {
				errs = append(errs, fmt.Errorf("shift %s %s: %w", sh.Code, b.rt, err))
				continue
			}
			s.triggers[id] = tr
		}
	}

	s.logger.Info().Int("shifts", len(shifts)).Int("triggers", len(s.triggers)).Msg("Shift schedule rebuilt")
	return errors.Join(errs...)
}

// Entries lists the scheduled triggers ordered by next run.
func (s *Scheduler) Entries() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Trigger, 0, len(s.triggers))
	for id, tr := range s.triggers {
		e := s.cron.Entry(id)
		if !e.Valid() {
			continue
		}
		tr.Next = e.Next
		if tr.Next.IsZero() {
			tr.Next = e.Schedule.Next(time.Now().In(s.opts.Location))
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ShiftCode < out[j].ShiftCode
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// NextRun reports when tr fires next after t.
func (s *Scheduler) NextRun(tr Trigger, after time.Time) (time.Time, error) {
	sched, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(tr.Spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(s.opts.Location)), nil
}

func (s *Scheduler) fire(tr Trigger) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.opts.Timeout)
	defer cancel()

	shiftID := tr.ShiftID
	res, err := s.snap.Snapshot(ctx, tr.Type, &shiftID)
	log := s.logger.With().Str("shift", tr.ShiftCode).Str("reading_type", string(tr.Type)).Logger()
	if err != nil {
		log.Error().Err(err).Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("Shift snapshot had failures")
		return
	}
	log.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("Shift snapshot taken")
}

// DailySpec converts "HH:MM" or "HH:MM:SS" into a seconds-resolution cron spec.
func DailySpec(at string) (string, error) {
	parts := strings.Split(strings.TrimSpace(at), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTime, at)
	}
	limits := []int{23, 59, 59}
	vals := []int{0, 0, 0}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > limits[i] {
			return "", fmt.Errorf("%w: %q", ErrInvalidTime, at)
		}
		vals[i] = v
	}
	return fmt.Sprintf("%d %d %d * * *", vals[2], vals[1], vals[0]), nil
}
