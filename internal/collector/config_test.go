package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
system:
  processing:
    workers: 2
  storage:
    driver: sqlite
    dsn: /tmp/scales.db
    flush_interval: 500ms
  health:
    check_interval: 5s
logging:
  level: debug
scales:
  - id: S1
    name: Hopper 1
    protocol: modbus-tcp
    connection:
      host: 10.0.0.5
      port: 502
      slave_id: 3
      timeout: 1500
    poll_interval_ms: 1000
    active: true
    fields:
      - name: weight
        register_address: 0
        register_count: 2
        data_type: float
        endianness: big
      - name: count
        register_address: 2
        data_type: integer
shifts:
  - id: 1
    code: CA1
    name: Morning
    start_time: "08:00"
    end_time: "16:00"
    active: true
`

func TestParseYAMLDefaults(t *testing.T) {
	cfg, err := ParseYAML([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.System.Processing.Workers)
	assert.Equal(t, 1000, cfg.System.Processing.QueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.System.Storage.FlushInterval)
	assert.Equal(t, 100, cfg.System.Storage.BatchSize)
	assert.Equal(t, 1000, cfg.System.Storage.MaxBuffer)
	assert.Equal(t, 3, cfg.System.Health.StaleMultiplier)
	assert.Equal(t, 3, cfg.System.Health.ErrorChecks)
	assert.Equal(t, "scales", cfg.System.Broadcast.SubjectPrefix)
	assert.Equal(t, "file", cfg.Config.Source)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.Scales, 1)
	s := cfg.Scales[0]
	require.NoError(t, s.Validate())
	assert.Equal(t, "10.0.0.5", s.Conn("host", ""))
	assert.Equal(t, 3, s.ConnInt("slave_id", 1))
	assert.Equal(t, 1500*time.Millisecond, s.Timeout())
	assert.Equal(t, time.Second, s.PollInterval())
	assert.Equal(t, uint16(1), s.Fields[1].Count())

	require.Len(t, cfg.Shifts, 1)
	assert.Equal(t, "CA1", cfg.Shifts[0].Code)
	assert.Equal(t, "08:00", cfg.Shifts[0].StartTime)
}

func TestParseYAMLRejectsDuplicates(t *testing.T) {
	doc := `
scales:
  - id: S1
  - id: S1
`
	_, err := ParseYAML([]byte(doc))
	assert.ErrorIs(t, err, ErrConfigurationInvalid)

	_, err = ParseYAML([]byte("config:\n  source: etcd\n"))
	assert.Error(t, err)
}

func TestScaleConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ScaleConfig)
	}{
		{"missing id", func(c *ScaleConfig) { c.ID = "" }},
		{"unknown protocol", func(c *ScaleConfig) { c.Protocol = "bacnet" }},
		{"tcp without host", func(c *ScaleConfig) { delete(c.Connection, "host") }},
		{"rtu without port", func(c *ScaleConfig) { c.Protocol = ProtocolModbusRTU }},
		{"zero poll", func(c *ScaleConfig) { c.PollIntervalMs = 0 }},
		{"no fields", func(c *ScaleConfig) { c.Fields = nil }},
		{"six fields", func(c *ScaleConfig) {
			for len(c.Fields) < 6 {
				c.Fields = append(c.Fields, FieldConfig{Name: "x", DataType: "integer"})
			}
		}},
		{"unnamed field", func(c *ScaleConfig) { c.Fields[0].Name = "" }},
		{"bad register type", func(c *ScaleConfig) { c.Fields[0].RegisterType = "eeprom" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := scaleS1(1000)
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrConfigurationInvalid)
		})
	}

	assert.NoError(t, scaleS1(1000).Validate())
}

func TestScaleConfigRecordConversion(t *testing.T) {
	c := scaleS1(750)
	rec, err := c.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, "S1", rec.ScaleID)
	assert.Contains(t, rec.Fields, `"weight"`)

	back, err := FromRecord(rec)
	require.NoError(t, err)
	assert.True(t, c.Equal(back))

	rec.Fields = "{not json"
	_, err = FromRecord(rec)
	assert.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestScaleFrameString(t *testing.T) {
	f := ScaleFrame{Status: "ST", Mode: "GS", Weight: 12.345, Unit: "kg"}
	assert.Equal(t, "ST,GS,+  12.345kg", f.String())

	back, err := ParseScaleFrame(ScaleFrame{Status: "US", Weight: -3.5}.String())
	require.NoError(t, err)
	assert.Equal(t, "US", back.Status)
	assert.Equal(t, "GS", back.Mode)
	assert.InDelta(t, -3.5, back.Weight, 1e-9)
	assert.Equal(t, "kg", back.Unit)
}

func TestParseScaleFrame(t *testing.T) {
	f, err := ParseScaleFrame("ST,GS,+  12.345kg")
	require.NoError(t, err)
	assert.Equal(t, ScaleFrame{Status: "ST", Mode: "GS", Weight: 12.345, Unit: "kg"}, f)

	f, err = ParseScaleFrame("US,NT,-   0.500 kg")
	require.NoError(t, err)
	assert.Equal(t, "US", f.Status)
	assert.InDelta(t, -0.5, f.Weight, 1e-9)

	f, err = ParseScaleFrame("  250.0 ")
	require.NoError(t, err)
	assert.Equal(t, "ST", f.Status)
	assert.InDelta(t, 250.0, f.Weight, 1e-9)

	f, err = ParseScaleFrame("OL,GS,  ------kg")
	require.NoError(t, err)
	assert.Equal(t, "OL", f.Status)

	_, err = ParseScaleFrame("ST,GS,abc")
	assert.Error(t, err)

	regs := ScaleFrame{Status: "ST", Weight: 100}.registers()
	assert.Equal(t, [4]uint16{0x42C8, 0, 1, 0}, regs)
}
