package health

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/db"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
)

type fakeEngines struct {
	mu     sync.Mutex
	cfgs   map[string]collector.ScaleConfig
	states map[string]collector.RuntimeState
}

func newFakeEngines(ids ...string) *fakeEngines {
	f := &fakeEngines{cfgs: map[string]collector.ScaleConfig{}, states: map[string]collector.RuntimeState{}}
	for _, id := range ids {
		f.cfgs[id] = collector.ScaleConfig{ID: id, PollIntervalMs: 1000, Active: true}
		f.states[id] = collector.RuntimeState{ScaleID: id, Running: true, State: collector.StatePolling}
	}
	return f
}

func (f *fakeEngines) Config(id string) (collector.ScaleConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cfgs[id]
	return c, ok
}

func (f *fakeEngines) RunningConfigs() []collector.ScaleConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]collector.ScaleConfig, 0, len(f.cfgs))
	for _, c := range f.cfgs {
		out = append(out, c)
	}
	return out
}

func (f *fakeEngines) RuntimeState(id string) (collector.RuntimeState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeEngines) setState(id string, st collector.State, lastErr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[id]
	s.State, s.LastError = st, lastErr
	f.states[id] = s
}

type transitions struct {
	mu  sync.Mutex
	got []model.HealthTransition
}

func (p *transitions) PublishHealth(_ context.Context, tr model.HealthTransition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, tr)
	return nil
}

func (p *transitions) targets() []model.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.HealthStatus, 0, len(p.got))
	for _, tr := range p.got {
		out = append(out, tr.To)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Monitor, *db.DB, *fakeEngines, *clock, *transitions) {
	t.Helper()
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engines := newFakeEngines("S1")
	clk := &clock{now: t0}
	pub := &transitions{}
	m := NewMonitor(store, engines, Options{
		StaleMultiplier: 3,
		ZeroChecks:      3,
		DegradedChecks:  3,
		ErrorChecks:     2,
		Publisher:       pub,
		Logger:          logger.NewTestLogger(),
		Now:             clk.Now,
	})
	return m, store, engines, clk, pub
}

func reading(at time.Time, weight string) model.MeasurementEvent {
	return model.MeasurementEvent{
		ScaleID:  "S1",
		LastTime: at,
		Status:   model.StatusOK,
		Data1:    &model.DataField{Name: "weight", Value: weight},
	}
}

func TestIssueOpenResolveAndReopen(t *testing.T) {
	m, store, engines, clk, pub := setup(t)
	ctx := context.Background()

	m.Observe(ctx, reading(t0, "5.00"))
	rep, err := m.CheckScale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, rep.Status)

	clk.Set(t0.Add(10 * time.Second))
	rep, err = m.CheckScale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthNoData, rep.Status, "engine still polling, data stale")
	require.NotNil(t, rep.Issue)
	openedID := rep.Issue.ID

	clk.Set(t0.Add(12 * time.Second))
	rep, err = m.CheckScale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, openedID, rep.Issue.ID, "the open row is updated, not duplicated")

	clk.Set(t0.Add(40 * time.Second))
	m.Observe(ctx, reading(t0.Add(40*time.Second), "5.00"))

	hist, err := store.IssueHistory(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].IsActiveIssue)
	assert.Equal(t, int64(30), hist[0].DurationSeconds)
	assert.Equal(t, model.IssueStaleData, hist[0].IssueType)

	engines.setState("S1", collector.StateConnecting, "dial tcp: connection refused")
	clk.Set(t0.Add(50 * time.Second))
	rep, err = m.CheckScale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthConnectionLost, rep.Status)
	assert.Contains(t, rep.Message, "connection refused")
	assert.NotEqual(t, openedID, rep.Issue.ID)

	hist, err = store.IssueHistory(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2, "a new issue after resolution gets a new row")
	active, err := m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.IssueConnectionLost, active[0].IssueType)

	assert.Equal(t, []model.HealthStatus{model.HealthNoData, model.HealthHealthy, model.HealthConnectionLost}, pub.targets())
	assert.Equal(t, model.HealthConnectionLost, m.Statuses()["S1"])
}

func TestZeroValueBecomesStopped(t *testing.T) {
	m, _, _, _, _ := setup(t)
	ctx := context.Background()

	m.Observe(ctx, reading(t0, "0.00"))
	for i := 1; i < 3; i++ {
		rep, err := m.CheckScale(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, model.HealthHealthy, rep.Status, "check %d", i)
	}
	rep, err := m.CheckScale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthStopped, rep.Status)
	assert.Equal(t, model.IssueZeroValue, rep.IssueType)

	m.Observe(ctx, reading(t0.Add(time.Second), "12.50"))
	active, err := m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestIssueTypeChangeClosesAndOpens(t *testing.T) {
	m, store, _, clk, _ := setup(t)
	ctx := context.Background()

	partial := func(sec int) model.MeasurementEvent {
		ev := reading(t0.Add(time.Duration(sec)*time.Second), "3.00")
		ev.ReadErrors = 1
		return ev
	}
	m.Observe(ctx, partial(0))
	m.Observe(ctx, partial(1))
	active, err := m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, active, "two partial cycles are tolerated")

	m.Observe(ctx, partial(2))
	active, err = m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.HealthDegraded, active[0].HealthStatus)

	clk.Set(t0.Add(4 * time.Second))
	m.Observe(ctx, failedCycle(3))
	active, err = m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.HealthDegraded, active[0].HealthStatus, "one failed cycle does not change the issue")

	m.Observe(ctx, failedCycle(4))
	active, err = m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.HealthReadError, active[0].HealthStatus)

	hist, err := store.IssueHistory(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.HealthDegraded, hist[1].HealthStatus)
	assert.False(t, hist[1].IsActiveIssue)
}

func failedCycle(sec int) model.MeasurementEvent {
	return model.MeasurementEvent{ScaleID: "S1", LastTime: t0.Add(time.Duration(sec) * time.Second), Status: model.StatusError, ReadErrors: 1}
}

func TestSingleFailedCycleOpensNoIssue(t *testing.T) {
	m, store, _, clk, pub := setup(t)
	ctx := context.Background()

	m.Observe(ctx, reading(t0, "5.00"))
	clk.Set(t0.Add(time.Second))
	m.Observe(ctx, failedCycle(1))
	rep, err := m.CheckScale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, rep.Status)

	clk.Set(t0.Add(2 * time.Second))
	m.Observe(ctx, reading(t0.Add(2*time.Second), "5.10"))

	hist, err := store.IssueHistory(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Empty(t, hist, "a transient failure leaves no issue row")
	assert.Empty(t, pub.targets())
}

func TestRepeatedFailuresClassifiedByEngineState(t *testing.T) {
	m, store, engines, clk, _ := setup(t)
	ctx := context.Background()

	// engine keeps polling: the device answers but nothing decodes
	m.Observe(ctx, failedCycle(0))
	clk.Set(t0.Add(time.Second))
	m.Observe(ctx, failedCycle(1))
	active, err := m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.HealthReadError, active[0].HealthStatus)
	assert.Equal(t, 2, active[0].ConsecutiveFailures)

	m.Observe(ctx, reading(t0.Add(2*time.Second), "1.00"))

	// transport failures: the engine is reconnecting
	engines.setState("S1", collector.StateDisconnected, "read tcp: connection reset by peer")
	clk.Set(t0.Add(4 * time.Second))
	m.Observe(ctx, failedCycle(3))
	m.Observe(ctx, failedCycle(4))
	active, err = m.ActiveIssues(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.HealthConnectionLost, active[0].HealthStatus)
	assert.Contains(t, active[0].ErrorMessage, "connection reset")

	hist, err := store.IssueHistory(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestCheckUnknownScale(t *testing.T) {
	m, _, _, _, _ := setup(t)
	_, err := m.CheckScale(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownScale)
}

func TestCheckAllAndRun(t *testing.T) {
	m, _, _, clk, pub := setup(t)
	m.opts.CheckInterval = 10 * time.Millisecond

	rep, err := m.CheckScale(context.Background(), "S1")
	require.NoError(t, err)
	require.Equal(t, model.HealthHealthy, rep.Status)

	clk.Set(t0.Add(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(pub.targets()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, model.HealthNoData, pub.targets()[0], "a scale that never reported goes stale")
	require.NoError(t, m.CheckAll(context.Background()))
	assert.Len(t, pub.targets(), 1, "repeated checks do not re-announce the same status")
}
