package tasks

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scale-ingest/internal/api"
	"scale-ingest/internal/collector"
	"scale-ingest/internal/db"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/simulator"
)

const appConfig = `
system:
  processing:
    workers: 2
    stop_grace: 2s
  engine:
    initial_backoff: 50ms
    max_backoff: 200ms
    stop_grace: 1s
  storage:
    driver: sqlite
    dsn: %s
    batch_size: 10
    flush_interval: 100ms
  health:
    check_interval: 1s
  api:
    listen: 127.0.0.1:0
  shifts:
    timezone: UTC
config:
  source: file
  seed: true
scales:
  - id: S1
    protocol: modbus-tcp
    connection:
      host: %s
      port: %s
      timeout: 500ms
    poll_interval_ms: 100
    active: true
    fields:
      - name: weight
        register_address: 0
        data_type: float
      - name: count
        register_address: 2
        data_type: integer
  - id: S2
    protocol: modbus-tcp
    connection:
      host: 127.0.0.1
      port: 1
    poll_interval_ms: 100
    active: false
    fields:
      - name: weight
        register_address: 0
        data_type: float
shifts:
  - id: 1
    code: CA1
    name: Morning
    start_time: "08:00"
    end_time: "16:00"
    active: true
`

func startFleet(t *testing.T) (host, port string) {
	t.Helper()
	fleet := simulator.NewFleet([]collector.ScaleConfig{{
		ID:         "S1",
		Protocol:   collector.ProtocolModbusTCP,
		Connection: map[string]string{"host": "127.0.0.1", "port": "0"},
		Fields: []collector.FieldConfig{
			{Name: "weight", RegisterAddress: 0, DataType: "float"},
			{Name: "count", RegisterAddress: 2, DataType: "integer"},
		},
	}}, simulator.Options{Interval: 50 * time.Millisecond, Logger: logger.NewTestLogger()})
	require.NoError(t, fleet.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fleet.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	addr, _ := fleet.Addr("S1")
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return host, port
}

func TestAppRunsPipelineEndToEnd(t *testing.T) {
	host, port := startFleet(t)
	dsn := filepath.Join(t.TempDir(), "app.db")

	cfg, err := collector.ParseYAML([]byte(fmt.Sprintf(appConfig, dsn, host, port)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := New(ctx, cfg, "")
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := app.Store().CurrentState(ctx, "S1")
		return err == nil && st.Data1 != nil
	}, 5*time.Second, 50*time.Millisecond, "current state written for S1")

	assert.Equal(t, []string{"S1"}, app.Engines().RunningScaleIDs(), "inactive S2 is not started")

	c, err := app.ScaleConfig(ctx, "S2")
	require.NoError(t, err)
	assert.False(t, c.Active)
	_, err = app.ScaleConfig(ctx, "S9")
	require.ErrorIs(t, err, api.ErrUnknownScale)

	require.Len(t, app.sched.Entries(), 2, "CA1 start and end")

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}

	store, err := db.OpenSQLite(dsn)
	require.NoError(t, err)
	defer store.Close()

	rows, err := store.History(context.Background(), "S1", 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, rows, "history flushed on shutdown")

	shifts, err := store.Shifts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, "CA1", shifts[0].Code)

	recs, err := store.ScaleConfigs(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2, "seeded into empty scale_configs")
}

func TestOptionsEnvAndOverride(t *testing.T) {
	env := map[string]string{
		EnvStorageDriver: "postgres",
		EnvStorageDSN:    "postgres://scales@db/scales",
		EnvWorkers:       "8",
		EnvAPIListen:     ":9090",
	}
	opts := Options{StorageDSN: "explicit.db"}
	opts.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "postgres", opts.StorageDriver)
	assert.Equal(t, "explicit.db", opts.StorageDSN, "flags win over env")
	assert.Equal(t, 8, opts.Workers)

	var cfg collector.RootConfig
	opts.Override(&cfg)
	assert.Equal(t, "postgres", cfg.System.Storage.Driver)
	assert.Equal(t, "explicit.db", cfg.System.Storage.DSN)
	assert.Equal(t, 8, cfg.System.Processing.Workers)
	assert.Equal(t, ":9090", cfg.System.API.Listen)
	assert.Empty(t, cfg.System.Broadcast.NATSURL)
}
