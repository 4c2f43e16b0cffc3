package collector

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
)

// fakeDriver serves registers from a map and can be told to fail.
type fakeDriver struct {
	mu         sync.Mutex
	regs       map[uint16]uint16
	fieldErr   map[uint16]error
	connectErr error
	// failReads makes the next n reads fail with a transport error.
	failReads int
	connects  int
	closes    int
}

func newFakeDriver(regs ...uint16) *fakeDriver {
	d := &fakeDriver{regs: map[uint16]uint16{}, fieldErr: map[uint16]error{}}
	for i, r := range regs {
		d.regs[uint16(i)] = r
	}
	return d
}

func (d *fakeDriver) Address() string { return "fake:502" }

func (d *fakeDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return d.connectErr
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDriver) ReadRegisters(_ string, address, count uint16) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failReads > 0 {
		d.failReads--
		return nil, errors.New("i/o timeout")
	}
	if err, ok := d.fieldErr[address]; ok {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = d.regs[address+uint16(i)]
	}
	return out, nil
}

func (d *fakeDriver) counts() (connects, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.closes
}

func (d *fakeDriver) factory() DriverFactory {
	return func(ScaleConfig) (Driver, error) { return d, nil }
}

type chanSink chan model.MeasurementEvent

func (s chanSink) Put(ctx context.Context, ev model.MeasurementEvent) error {
	select {
	case s <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func scaleS1(pollMs int) ScaleConfig {
	return ScaleConfig{
		ID:             "S1",
		Name:           "Line 1 hopper",
		Protocol:       ProtocolModbusTCP,
		Connection:     map[string]string{"host": "127.0.0.1", "port": "502", "slave_id": "1"},
		PollIntervalMs: pollMs,
		Active:         true,
		Fields: []FieldConfig{
			{Name: "weight", RegisterAddress: 0, RegisterCount: 2, DataType: "float", Endianness: "big"},
			{Name: "count", RegisterAddress: 2, RegisterCount: 1, DataType: "integer", Endianness: "big"},
		},
	}
}

func testOptions(d *fakeDriver) EngineOptions {
	l := logger.NewTestLogger()
	return EngineOptions{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		StopGrace:      100 * time.Millisecond,
		Factory:        d.factory(),
		Logger:         &l,
	}
}

func TestReadCycleScaleRegisters(t *testing.T) {
	d := newFakeDriver(0x42C8, 0x0000, 0x0005)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	ev, err := readCycle(d, scaleS1(1000), now, logger.NewTestLogger())
	require.NoError(t, err)

	assert.Equal(t, "S1", ev.ScaleID)
	assert.Equal(t, model.StatusOK, ev.Status)
	assert.Equal(t, now, ev.LastTime)
	require.NotNil(t, ev.Data1)
	require.NotNil(t, ev.Data2)
	assert.Equal(t, model.DataField{Name: "weight", Value: "100.00"}, *ev.Data1)
	assert.Equal(t, model.DataField{Name: "count", Value: "5"}, *ev.Data2)
	assert.Nil(t, ev.Data3)
	assert.Zero(t, ev.ReadErrors)
}

func TestReadCycleFieldErrors(t *testing.T) {
	d := newFakeDriver(0x42C8, 0x0000, 0x0005)
	d.fieldErr[2] = &FieldError{Code: "EXC02", Err: errors.New("illegal data address")}

	ev, err := readCycle(d, scaleS1(1000), time.Now(), logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, ev.Status)
	assert.Equal(t, 1, ev.ReadErrors)
	require.NotNil(t, ev.Data1)
	assert.Nil(t, ev.Data2)

	d.fieldErr[0] = &FieldError{Code: "EXC02", Err: errors.New("illegal data address")}
	ev, err = readCycle(d, scaleS1(1000), time.Now(), logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "EXC02", ev.Status)
	assert.Equal(t, 2, ev.ReadErrors)
	assert.Zero(t, ev.DecodedFields())
}

func TestReadCycleDecodeFailureDropsField(t *testing.T) {
	cfg := scaleS1(1000)
	cfg.Fields[1].RegisterCount = 3
	cfg.Fields[1].DataType = "float"

	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	ev, err := readCycle(newFakeDriver(0x42C8, 0, 5, 0, 0), cfg, time.Now(), log)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, ev.Status)
	assert.Equal(t, 1, ev.ReadErrors)
	assert.Nil(t, ev.Data2)
	assert.Contains(t, buf.String(), `"field":"count"`)
	assert.Contains(t, buf.String(), "decode failed")
}

func TestReadCycleTransportFailure(t *testing.T) {
	d := newFakeDriver(0x42C8, 0x0000, 0x0005)
	d.failReads = 1

	ev, err := readCycle(d, scaleS1(1000), time.Now(), logger.NewTestLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, model.StatusError, ev.Status)
	assert.Equal(t, "S1", ev.ScaleID)
}

func TestReconnectBackoffNonDecreasing(t *testing.T) {
	bo := newReconnectBackoff(10*time.Millisecond, 80*time.Millisecond)

	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := bo.NextBackOff()
		if i == 0 {
			assert.Equal(t, 10*time.Millisecond, d)
		}
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
		prev = d
	}
	assert.Equal(t, 80*time.Millisecond, prev)

	bo.Reset()
	assert.Equal(t, 10*time.Millisecond, bo.NextBackOff())
}

func TestEngineRetriesUnreachableDevice(t *testing.T) {
	d := newFakeDriver()
	d.connectErr = errors.New("connection refused")
	sink := make(chanSink, 10)

	e := NewEngine(scaleS1(100), sink, testOptions(d))
	e.Start(context.Background())

	require.Eventually(t, func() bool {
		c, _ := d.counts()
		return c >= 3
	}, 2*time.Second, 5*time.Millisecond)

	st := e.State()
	assert.True(t, st.Running)
	assert.Equal(t, StateConnecting, st.State)
	assert.Greater(t, st.CurrentBackoff, time.Duration(0))
	assert.LessOrEqual(t, st.CurrentBackoff, 20*time.Millisecond)
	assert.GreaterOrEqual(t, st.ConsecutiveFailures, 2)
	assert.Contains(t, st.LastError, "connection refused")

	require.True(t, e.Stop(time.Second))
	assert.Equal(t, StateStopped, e.State().State)
	assert.False(t, e.State().Running)
	assert.Empty(t, sink)
}

func TestEngineBacksOffWhenReadsKeepFailing(t *testing.T) {
	d := newFakeDriver()
	d.failReads = 1 << 30
	sink := make(chanSink, 1000)

	opts := testOptions(d)
	opts.InitialBackoff = 50 * time.Millisecond
	opts.MaxBackoff = time.Second
	e := NewEngine(scaleS1(1000), sink, opts)
	e.Start(context.Background())

	// reconnects at roughly 0, 50 and 150ms
	time.Sleep(300 * time.Millisecond)
	st := e.State()
	require.True(t, e.Stop(time.Second))

	connects, _ := d.counts()
	assert.GreaterOrEqual(t, connects, 2)
	assert.LessOrEqual(t, connects, 5, "connected device with failing reads must not be retried in a tight loop")
	assert.Len(t, sink, connects, "one ERROR event per connection")
	assert.Equal(t, StateDisconnected, st.State)
	assert.GreaterOrEqual(t, st.CurrentBackoff, 100*time.Millisecond)
	for len(sink) > 0 {
		assert.Equal(t, model.StatusError, (<-sink).Status)
	}
}

func TestEnginePollsAndReconnects(t *testing.T) {
	d := newFakeDriver(0x42C8, 0x0000, 0x0005)
	sink := make(chanSink, 100)

	e := NewEngine(scaleS1(100), sink, testOptions(d))
	e.Start(context.Background())
	defer e.Stop(time.Second)

	first := <-sink
	assert.Equal(t, model.StatusOK, first.Status)
	assert.Equal(t, "100.00", first.Data1.Value)

	d.mu.Lock()
	d.failReads = 1
	d.mu.Unlock()

	var sawError bool
	deadline := time.After(3 * time.Second)
	for !sawError {
		select {
		case ev := <-sink:
			sawError = ev.Status == model.StatusError
		case <-deadline:
			t.Fatal("no ERROR event after transport failure")
		}
	}

	select {
	case ev := <-sink:
		assert.Equal(t, model.StatusOK, ev.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not resume after reconnect")
	}

	connects, closes := d.counts()
	assert.GreaterOrEqual(t, connects, 2)
	assert.GreaterOrEqual(t, closes, 1)
	assert.Equal(t, StatePolling, e.State().State)
	assert.Zero(t, e.State().ConsecutiveFailures)
}

func TestEngineStopCompletesBlockedCycle(t *testing.T) {
	d := newFakeDriver(0x42C8, 0x0000, 0x0005)
	sink := make(chanSink) // unbuffered: every Put blocks until received

	e := NewEngine(scaleS1(100), sink, testOptions(d))
	e.Start(context.Background())

	// let the engine block on its first Put
	time.Sleep(50 * time.Millisecond)
	stopped := make(chan bool)
	go func() { stopped <- e.Stop(2 * time.Second) }()

	select {
	case ev := <-sink:
		assert.Equal(t, "S1", ev.ScaleID)
	case <-time.After(time.Second):
		t.Fatal("in-flight event was not handed off during stop")
	}
	assert.True(t, <-stopped)
	_, closes := d.counts()
	assert.Equal(t, 1, closes)
}

func TestReadOnce(t *testing.T) {
	d := newFakeDriver(0x42C8, 0x0000, 0x0005)

	ev, err := ReadOnce(context.Background(), scaleS1(1000), d.factory())
	require.NoError(t, err)
	assert.Equal(t, "100.00", ev.Data1.Value)

	connects, closes := d.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, closes)

	d.connectErr = errors.New("no route to host")
	_, err = ReadOnce(context.Background(), scaleS1(1000), d.factory())
	assert.ErrorIs(t, err, ErrConnection)
}
