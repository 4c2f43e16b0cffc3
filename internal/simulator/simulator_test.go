package simulator

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/logger"
)

func simScale(id string) collector.ScaleConfig {
	return collector.ScaleConfig{
		ID:             id,
		Protocol:       collector.ProtocolModbusTCP,
		Connection:     map[string]string{"host": "127.0.0.1", "port": "0", "timeout": "500ms"},
		PollIntervalMs: 1000,
		Active:         true,
		Fields: []collector.FieldConfig{
			{Name: "weight", RegisterAddress: 0, DataType: "float"},
			{Name: "count", RegisterAddress: 2, DataType: "integer"},
			{Name: "total", RegisterType: "input", RegisterAddress: 10, DataType: "uint32", Endianness: "little"},
		},
	}
}

// bound returns cfg pointing at the port the fleet actually listens on.
func bound(t *testing.T, f *Fleet, cfg collector.ScaleConfig) collector.ScaleConfig {
	t.Helper()
	addr, ok := f.Addr(cfg.ID)
	require.True(t, ok)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cfg.Connection = map[string]string{"host": host, "port": port, "timeout": "500ms"}
	return cfg
}

func TestServerAnswersReads(t *testing.T) {
	srv := NewServer(logger.NewTestLogger())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close()

	require.NoError(t, srv.SetRegisters(BankHolding, 100, 0x42C8, 0x0000))
	got, err := srv.Registers(BankHolding, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x42C8, 0}, got)

	require.NoError(t, srv.SetRegisters(BankCoil, 5, 1, 0, 1))
	bits, err := srv.Registers(BankCoil, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 0, 1}, bits)

	assert.Error(t, srv.SetRegisters(BankHolding, 65535, 1, 2))
	assert.Error(t, srv.SetRegisters("bogus", 0, 1))
}

func TestHandlePDUExceptions(t *testing.T) {
	srv := NewServer(logger.NewTestLogger())

	assert.Equal(t, []byte{0x86, exceptionIllegalFunction}, srv.handlePDU([]byte{0x06, 0, 0, 0, 1}))
	assert.Equal(t, []byte{0x83, exceptionIllegalDataVal}, srv.handlePDU([]byte{0x03, 0, 0, 0, 0}))
	assert.Equal(t, []byte{0x83, exceptionIllegalDataAddr}, srv.handlePDU([]byte{0x03, 0xFF, 0xFF, 0, 2}))
	assert.Equal(t, []byte{0x83, exceptionIllegalDataVal}, srv.handlePDU([]byte{0x03, 0}))

	resp := srv.handlePDU([]byte{0x03, 0, 0, 0, 2})
	assert.Equal(t, []byte{0x03, 4, 0, 0, 0, 0}, resp)
}

func TestFleetServesModbusDriver(t *testing.T) {
	fleet := NewFleet([]collector.ScaleConfig{
		simScale("S1"),
		{ID: "RTU", Protocol: collector.ProtocolModbusRTU},
	}, Options{Seed: 1, Logger: logger.NewTestLogger()})
	require.NoError(t, fleet.Start())
	defer fleet.Close()

	assert.Equal(t, []string{"S1"}, fleet.IDs(), "only modbus-tcp scales are simulated")

	cfg := bound(t, fleet, simScale("S1"))
	ctx := context.Background()

	ev, err := collector.ReadOnce(ctx, cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, ev.Data1)
	assert.Equal(t, "100.00", ev.Data1.Value)
	assert.Equal(t, "0", ev.Data2.Value)
	assert.Equal(t, "0", ev.Data3.Value)

	fleet.Tick()
	fleet.Tick()
	ev, err = collector.ReadOnce(ctx, cfg, nil)
	require.NoError(t, err)
	w, err := strconv.ParseFloat(ev.Data1.Value, 64)
	require.NoError(t, err)
	assert.InDelta(t, 100, w, 2.01)
	assert.Equal(t, "2", ev.Data2.Value)
	assert.Equal(t, "2", ev.Data3.Value, "little endian words round-trip")

	require.NoError(t, fleet.SetMode("S1", ModeZero))
	ev, err = collector.ReadOnce(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.00", ev.Data1.Value)

	require.NoError(t, fleet.SetMode("S1", ModeOffline))
	_, err = collector.ReadOnce(ctx, cfg, nil)
	require.ErrorIs(t, err, collector.ErrConnection)

	require.NoError(t, fleet.SetMode("S1", ModeNormal))
	ev, err = collector.ReadOnce(ctx, cfg, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "0.00", ev.Data1.Value)

	require.ErrorIs(t, fleet.SetMode("nope", ModeZero), ErrUnknownScale)
}

func TestFrozenModeHoldsRegisters(t *testing.T) {
	fleet := NewFleet([]collector.ScaleConfig{simScale("S1")}, Options{Seed: 2, Logger: logger.NewTestLogger()})
	require.NoError(t, fleet.Start())
	defer fleet.Close()

	fleet.Tick()
	before, err := fleet.Registers("S1", BankHolding, 0, 3)
	require.NoError(t, err)

	require.NoError(t, fleet.SetMode("S1", ModeFrozen))
	fleet.Tick()
	fleet.Tick()
	after, err := fleet.Registers("S1", BankHolding, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEncodeField(t *testing.T) {
	assert.Equal(t, []uint16{0x42C8, 0}, encodeField(collector.FieldConfig{DataType: "float"}, 100, 0))
	assert.Equal(t, []uint16{0, 0x42C8}, encodeField(collector.FieldConfig{DataType: "float", Endianness: "little"}, 100, 0))
	assert.Equal(t, []uint16{1, 2}, encodeField(collector.FieldConfig{DataType: "uint32"}, 0, 1<<16|2))
	assert.Equal(t, []uint16{7, 0, 0}, encodeField(collector.FieldConfig{DataType: "integer", RegisterCount: 3}, 0, 7))
	assert.Equal(t, []uint16{0x5354}, encodeField(collector.FieldConfig{DataType: "string"}, 1, 0))
}
