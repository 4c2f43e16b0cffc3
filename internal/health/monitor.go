// Package health derives scale health from the measurement stream and from periodic
// checks of the current state, and keeps one open issue row per unhealthy scale.
package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/db"
	"scale-ingest/internal/metrics"
	"scale-ingest/internal/model"
)

var ErrUnknownScale = errors.New("unknown scale")

type Store interface {
	CurrentState(ctx context.Context, scaleID string) (model.ScaleCurrentState, error)
	ActiveIssue(ctx context.Context, scaleID string) (*model.ScaleHealthStatus, error)
	ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error)
	UpdateIssue(ctx context.Context, issue *model.ScaleHealthStatus) error
	TransitionIssue(ctx context.Context, resolved, opened *model.ScaleHealthStatus) error
}

// Engines is the view of the engine manager the monitor needs.
type Engines interface {
	Config(id string) (collector.ScaleConfig, bool)
	RunningConfigs() []collector.ScaleConfig
	RuntimeState(id string) (collector.RuntimeState, bool)
}

type Publisher interface {
	PublishHealth(ctx context.Context, tr model.HealthTransition) error
}

type Options struct {
	CheckInterval   time.Duration
	StaleMultiplier int
	ZeroChecks      int
	DegradedChecks  int
	// ErrorChecks is the number of consecutive failed cycles before a read error
	// or lost connection is reported.
	ErrorChecks int
	Publisher   Publisher
	Logger          zerolog.Logger
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 10 * time.Second
	}
	if o.StaleMultiplier <= 0 {
		o.StaleMultiplier = 3
	}
	if o.ZeroChecks <= 0 {
		o.ZeroChecks = 3
	}
	if o.DegradedChecks <= 0 {
		o.DegradedChecks = 3
	}
	if o.ErrorChecks <= 0 {
		o.ErrorChecks = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Report is the outcome of evaluating one scale.
type Report struct {
	ScaleID   string                   `json:"scale_id"`
	Status    model.HealthStatus       `json:"health_status"`
	IssueType model.IssueType          `json:"issue_type"`
	Message   string                   `json:"message,omitempty"`
	CheckedAt time.Time                `json:"checked_at"`
	Issue     *model.ScaleHealthStatus `json:"active_issue,omitempty"`
}

type tracker struct {
	mu sync.Mutex

	loaded    bool
	firstSeen time.Time
	status    model.HealthStatus

	event    model.MeasurementEvent
	hasEvent bool

	zeroCount     int
	degradedCount int
	errorCount    int
}

type Monitor struct {
	store   Store
	engines Engines
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*tracker
}

func NewMonitor(store Store, engines Engines, opts Options) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		store:    store,
		engines:  engines,
		opts:     opts,
		logger:   opts.Logger,
		trackers: make(map[string]*tracker),
	}
}

func (m *Monitor) tracker(id string) *tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[id]
	if !ok {
		t = &tracker{firstSeen: m.opts.Now(), status: model.HealthHealthy}
		m.trackers[id] = t
	}
	return t
}

// Observe feeds one processed event into the scale's health state.
func (m *Monitor) Observe(ctx context.Context, ev model.MeasurementEvent) {
	t := m.tracker(ev.ScaleID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasEvent && ev.LastTime.Before(t.event.LastTime) {
		return
	}
	t.event, t.hasEvent = ev, true

	switch {
	case failed(ev):
		t.errorCount++
	case ev.ReadErrors > 0:
		t.errorCount = 0
		t.degradedCount++
	default:
		t.errorCount = 0
		t.degradedCount = 0
	}
	if !isZero(ev) {
		t.zeroCount = 0
	}

	if _, err := m.evaluate(ctx, ev.ScaleID, t, false); err != nil {
		m.logger.Error().Err(err).Str("scale_id", ev.ScaleID).Msg("Health evaluation failed")
	}
}

// CheckScale evaluates one scale now and returns the result.
func (m *Monitor) CheckScale(ctx context.Context, id string) (Report, error) {
	if _, ok := m.engines.Config(id); !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownScale, id)
	}
	t := m.tracker(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.evaluate(ctx, id, t, true)
}

// CheckAll runs a check for every running scale.
func (m *Monitor) CheckAll(ctx context.Context) error {
	var errs []error
	for _, cfg := range m.engines.RunningConfigs() {
		if _, err := m.CheckScale(ctx, cfg.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run checks all scales every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.opts.CheckInterval).Msg("Health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("Health check cycle had failures")
			}
		}
	}
}

func (m *Monitor) ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error) {
	return m.store.ActiveIssues(ctx, scaleID)
}

// Statuses returns the last evaluated status of every tracked scale.
func (m *Monitor) Statuses() map[string]model.HealthStatus {
	m.mu.Lock()
	trackers := make(map[string]*tracker, len(m.trackers))
	for id, t := range m.trackers {
		trackers[id] = t
	}
	m.mu.Unlock()

	out := make(map[string]model.HealthStatus, len(trackers))
	for id, t := range trackers {
		t.mu.Lock()
		out[id] = t.status
		t.mu.Unlock()
	}
	return out
}

// evaluate must be called with t.mu held.
func (m *Monitor) evaluate(ctx context.Context, id string, t *tracker, periodic bool) (Report, error) {
	now := m.opts.Now()

	if !t.loaded {
		active, err := m.store.ActiveIssue(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if active != nil {
			t.status = active.HealthStatus
		}
		t.loaded = true
	}

	lastUpdate := t.firstSeen
	ev, hasEvent := t.event, t.hasEvent
	if cur, err := m.store.CurrentState(ctx, id); err == nil {
		if !hasEvent || cur.LastTime.After(ev.LastTime) {
			ev, hasEvent = cur.Event(), true
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return Report{}, err
	}
	if hasEvent && ev.LastTime.After(lastUpdate) {
		lastUpdate = ev.LastTime
	}

	// a failed cycle carries no value, so it neither extends nor breaks a zero run
	if periodic && !(hasEvent && failed(ev)) {
		if hasEvent && isZero(ev) {
			t.zeroCount++
		} else {
			t.zeroCount = 0
		}
	}

	status, failures, msg := m.classify(id, t, ev, hasEvent, now.Sub(lastUpdate))
	report := Report{ScaleID: id, Status: status, IssueType: model.IssueFor(status), Message: msg, CheckedAt: now}

	issue, err := m.apply(ctx, id, t, status, failures, msg, primary(ev), now)
	report.Issue = issue
	return report, err
}

func (m *Monitor) classify(id string, t *tracker, ev model.MeasurementEvent, hasEvent bool, age time.Duration) (model.HealthStatus, int, string) {
	cfg, _ := m.engines.Config(id)
	threshold := time.Duration(m.opts.StaleMultiplier) * cfg.PollInterval()
	rt, running := m.engines.RuntimeState(id)

	if age > threshold {
		msg := fmt.Sprintf("no update for %s (threshold %s)", age.Round(time.Millisecond), threshold)
		if running && rt.State == collector.StatePolling {
			return model.HealthNoData, int(age / cfg.PollInterval()), msg
		}
		if rt.LastError != "" {
			msg += ": " + rt.LastError
		}
		return model.HealthConnectionLost, rt.ConsecutiveFailures, msg
	}
	if hasEvent && failed(ev) && t.errorCount >= m.opts.ErrorChecks {
		if running && (rt.State == collector.StateDisconnected || rt.State == collector.StateConnecting) {
			msg := fmt.Sprintf("connection lost after %d failed cycles", t.errorCount)
			if rt.LastError != "" {
				msg += ": " + rt.LastError
			}
			return model.HealthConnectionLost, t.errorCount, msg
		}
		return model.HealthReadError, t.errorCount,
			fmt.Sprintf("read failed with status %s for %d cycles", ev.Status, t.errorCount)
	}
	if t.zeroCount >= m.opts.ZeroChecks {
		return model.HealthStopped, t.zeroCount, fmt.Sprintf("value is zero for %d checks", t.zeroCount)
	}
	if t.degradedCount >= m.opts.DegradedChecks {
		return model.HealthDegraded, t.degradedCount,
			fmt.Sprintf("%d field(s) failing for %d cycles", ev.ReadErrors, t.degradedCount)
	}
	return model.HealthHealthy, 0, ""
}

func (m *Monitor) apply(ctx context.Context, id string, t *tracker, status model.HealthStatus,
	failures int, msg, value string, now time.Time) (*model.ScaleHealthStatus, error) {
	if status == t.status {
		if status == model.HealthHealthy {
			return nil, nil
		}
		active, err := m.store.ActiveIssue(ctx, id)
		if err != nil || active == nil {
			if err == nil {
				// issue row missing while unhealthy: open it
				return m.transition(ctx, id, t, status, failures, msg, value, now)
			}
			return nil, err
		}
		if active.ConsecutiveFailures == failures && active.LastKnownValue == value && active.ErrorMessage == msg {
			return active, nil
		}
		active.ConsecutiveFailures = failures
		active.LastKnownValue = value
		active.ErrorMessage = msg
		active.UpdatedAt = now
		return active, m.store.UpdateIssue(ctx, active)
	}
	return m.transition(ctx, id, t, status, failures, msg, value, now)
}

func (m *Monitor) transition(ctx context.Context, id string, t *tracker, status model.HealthStatus,
	failures int, msg, value string, now time.Time) (*model.ScaleHealthStatus, error) {
	resolved, err := m.store.ActiveIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		if resolved.HealthStatus == status {
			t.status = status
			return resolved, nil
		}
		resolved.Resolve(now)
	}

	var opened *model.ScaleHealthStatus
	if status != model.HealthHealthy {
		opened = &model.ScaleHealthStatus{
			ID:                  uuid.NewString(),
			ScaleID:             id,
			HealthStatus:        status,
			IssueType:           model.IssueFor(status),
			DetectedAt:          now,
			ConsecutiveFailures: failures,
			LastKnownValue:      value,
			ErrorMessage:        msg,
			IsActiveIssue:       true,
			UpdatedAt:           now,
		}
	}
	if resolved == nil && opened == nil {
		t.status = status
		return nil, nil
	}
	if err := m.store.TransitionIssue(ctx, resolved, opened); err != nil {
		return nil, err
	}

	from := t.status
	t.status = status
	metrics.RecordHealthTransition(ctx, string(from), string(status))
	m.logger.Info().Str("scale_id", id).Str("from", string(from)).Str("to", string(status)).
		Str("message", msg).Msg("Health transition")

	if m.opts.Publisher != nil {
		tr := model.HealthTransition{
			ScaleID:   id,
			From:      from,
			To:        status,
			IssueType: model.IssueFor(status),
			Message:   msg,
			At:        now,
		}
		if err := m.opts.Publisher.PublishHealth(ctx, tr); err != nil {
			m.logger.Warn().Err(err).Str("scale_id", id).Msg("Failed to publish health transition")
		}
	}
	return opened, nil
}

// failed reports whether a cycle produced no usable value.
func failed(ev model.MeasurementEvent) bool {
	return ev.Status == model.StatusError || ev.DecodedFields() == 0
}

func primary(ev model.MeasurementEvent) string {
	for _, f := range ev.Fields() {
		if f != nil {
			return f.Value
		}
	}
	return ""
}

// isZero reports whether the primary value is numerically zero.
func isZero(ev model.MeasurementEvent) bool {
	v := strings.TrimSpace(primary(ev))
	if v == "" {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && f == 0
}
