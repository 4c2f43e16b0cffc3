package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scale-ingest/internal/decoder"
	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
)

// Root configuration of the ingestion daemon.
// This mirrors config/config.yaml.

type RootConfig struct {
	System  SystemConfig  `yaml:"system"`
	Config  SourceConfig  `yaml:"config"`
	Logging logger.Config `yaml:"logging"`
	Scales  []ScaleConfig `yaml:"scales"`
	Shifts  []model.Shift `yaml:"shifts"`
}

// SourceConfig selects where scale and shift configuration is read from: file or db.
type SourceConfig struct {
	Source string `yaml:"source"`
	// Seed copies the file's scales and shifts into empty db tables on start.
	Seed bool `yaml:"seed"`
}

type SystemConfig struct {
	Processing struct {
		Workers   int           `yaml:"workers"`
		QueueSize int           `yaml:"queue_size"`
		StopGrace time.Duration `yaml:"stop_grace"`
	} `yaml:"processing"`
	Engine struct {
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		StopGrace      time.Duration `yaml:"stop_grace"`
	} `yaml:"engine"`
	Storage struct {
		Driver        string        `yaml:"driver"` // sqlite | postgres
		DSN           string        `yaml:"dsn"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		MaxBuffer     int           `yaml:"max_buffer"`
		MaxRetries    int           `yaml:"max_retries"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"storage"`
	Health struct {
		Disabled        bool          `yaml:"disabled"`
		CheckInterval   time.Duration `yaml:"check_interval"`
		StaleMultiplier int           `yaml:"stale_multiplier"`
		ZeroChecks      int           `yaml:"zero_checks"`
		DegradedChecks  int           `yaml:"degraded_checks"`
		ErrorChecks     int           `yaml:"error_checks"`
	} `yaml:"health"`
	Broadcast struct {
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
		WebSocket     bool   `yaml:"websocket"`
		ClientBuffer  int    `yaml:"client_buffer"`
	} `yaml:"broadcast"`
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
	Shifts struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"shifts"`
	Snapshot struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"snapshot"`
}

// Protocol codes understood by the default driver factory.
const (
	ProtocolModbusTCP   = "modbus-tcp"
	ProtocolModbusRTU   = "modbus-rtu"
	ProtocolSerialASCII = "serial-ascii"
)

// ScaleConfig is the administration-owned description of one scale.
// It is treated as immutable for the lifetime of the engine started from it.
type ScaleConfig struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Protocol       string            `yaml:"protocol" json:"protocol"`
	Connection     map[string]string `yaml:"connection" json:"connection"`
	PollIntervalMs int               `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	Active         bool              `yaml:"active" json:"active"`
	Fields         []FieldConfig     `yaml:"fields" json:"fields"`
}

type FieldConfig struct {
	Name            string `yaml:"name" json:"name"`
	RegisterType    string `yaml:"register_type" json:"register_type,omitempty"` // holding | input | coil | discrete
	RegisterAddress uint16 `yaml:"register_address" json:"register_address"`
	RegisterCount   uint16 `yaml:"register_count" json:"register_count,omitempty"`
	DataType        string `yaml:"data_type" json:"data_type"`
	Endianness      string `yaml:"endianness" json:"endianness,omitempty"`
}

// Count is the number of registers to read, falling back to the data type's natural width.
func (f FieldConfig) Count() uint16 {
	if f.RegisterCount > 0 {
		return f.RegisterCount
	}
	return decoder.RegisterCount(decoder.ParseDataType(f.DataType))
}

func (f FieldConfig) registerType() string {
	rt := strings.ToLower(strings.TrimSpace(f.RegisterType))
	if rt == "" {
		return "holding"
	}
	return rt
}

// PollInterval returns the configured interval, never below 100ms.
func (c ScaleConfig) PollInterval() time.Duration {
	d := time.Duration(c.PollIntervalMs) * time.Millisecond
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// Conn returns a connection parameter or def when it is unset.
func (c ScaleConfig) Conn(key, def string) string {
	if v, ok := c.Connection[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// ConnInt returns an integer connection parameter or def when it is unset or malformed.
func (c ScaleConfig) ConnInt(key string, def int) int {
	v := c.Conn(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Timeout is the device I/O timeout. Accepts Go durations or plain milliseconds.
func (c ScaleConfig) Timeout() time.Duration {
	v := c.Conn("timeout", "")
	if v == "" {
		return 3 * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 3 * time.Second
}

// Validate checks the configuration; failures wrap ErrConfigurationInvalid.
func (c ScaleConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: scale %q: %s", ErrConfigurationInvalid, c.ID, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(c.ID) == "" {
		return invalid("id is required")
	}
	switch strings.ToLower(c.Protocol) {
	case ProtocolModbusTCP:
		if c.Conn("host", "") == "" {
			return invalid("connection.host is required for %s", c.Protocol)
		}
	case ProtocolModbusRTU, ProtocolSerialASCII:
		if c.Conn("serial_port", "") == "" {
			return invalid("connection.serial_port is required for %s", c.Protocol)
		}
	default:
		return invalid("unsupported protocol %q", c.Protocol)
	}
	if c.PollIntervalMs <= 0 {
		return invalid("poll_interval_ms must be positive")
	}
	if len(c.Fields) == 0 || len(c.Fields) > model.MaxDataFields {
		return invalid("between 1 and %d fields required, got %d", model.MaxDataFields, len(c.Fields))
	}
	for i, f := range c.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return invalid("field %d has no name", i+1)
		}
		switch f.registerType() {
		case "holding", "input", "coil", "discrete":
		default:
			return invalid("field %s: unsupported register type %q", f.Name, f.RegisterType)
		}
		if f.Count() == 0 || f.Count() > 125 {
			return invalid("field %s: register_count out of range", f.Name)
		}
	}
	return nil
}

// Equal reports whether two configurations would produce the same engine.
func (c ScaleConfig) Equal(o ScaleConfig) bool {
	return reflect.DeepEqual(c, o)
}

// ToRecord converts the configuration into its scale_configs row.
func (c ScaleConfig) ToRecord() (model.ScaleConfigRecord, error) {
	conn, err := json.Marshal(c.Connection)
	if err != nil {
		return model.ScaleConfigRecord{}, err
	}
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return model.ScaleConfigRecord{}, err
	}
	return model.ScaleConfigRecord{
		ScaleID:        c.ID,
		Name:           c.Name,
		Protocol:       c.Protocol,
		Connection:     string(conn),
		PollIntervalMs: c.PollIntervalMs,
		Active:         c.Active,
		Fields:         string(fields),
	}, nil
}

// FromRecord rebuilds a configuration from its scale_configs row.
func FromRecord(r model.ScaleConfigRecord) (ScaleConfig, error) {
	c := ScaleConfig{
		ID:             r.ScaleID,
		Name:           r.Name,
		Protocol:       r.Protocol,
		PollIntervalMs: r.PollIntervalMs,
		Active:         r.Active,
	}
	if r.Connection != "" {
		if err := json.Unmarshal([]byte(r.Connection), &c.Connection); err != nil {
			return c, fmt.Errorf("%w: scale %q: connection: %v", ErrConfigurationInvalid, r.ScaleID, err)
		}
	}
	if r.Fields != "" {
		if err := json.Unmarshal([]byte(r.Fields), &c.Fields); err != nil {
			return c, fmt.Errorf("%w: scale %q: fields: %v", ErrConfigurationInvalid, r.ScaleID, err)
		}
	}
	return c, nil
}

func LoadYAML(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, err
	}
	return ParseYAML(b)
}

// ParseYAML decodes a configuration document and applies defaults.
func ParseYAML(b []byte) (RootConfig, error) {
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, err
	}
	applyDefaults(&cfg)
	// Basic validation
	if cfg.Config.Source != "file" && cfg.Config.Source != "db" {
		return RootConfig{}, fmt.Errorf("config.source must be file or db, got %q", cfg.Config.Source)
	}
	if cfg.Config.Source == "file" && len(cfg.Scales) == 0 {
		return RootConfig{}, fmt.Errorf("no scales configured")
	}
	seen := make(map[string]struct{}, len(cfg.Scales))
	for _, s := range cfg.Scales {
		if _, dup := seen[s.ID]; dup {
			return RootConfig{}, fmt.Errorf("%w: duplicate scale id %q", ErrConfigurationInvalid, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return cfg, nil
}

func applyDefaults(cfg *RootConfig) {
	s := &cfg.System
	if s.Processing.Workers <= 0 {
		s.Processing.Workers = 4
	}
	if s.Processing.QueueSize <= 0 {
		s.Processing.QueueSize = 1000
	}
	if s.Processing.StopGrace <= 0 {
		s.Processing.StopGrace = 5 * time.Second
	}
	if s.Engine.InitialBackoff <= 0 {
		s.Engine.InitialBackoff = 500 * time.Millisecond
	}
	if s.Engine.MaxBackoff <= 0 {
		s.Engine.MaxBackoff = 30 * time.Second
	}
	if s.Engine.StopGrace <= 0 {
		s.Engine.StopGrace = 5 * time.Second
	}
	if s.Storage.Driver == "" {
		s.Storage.Driver = "sqlite"
	}
	if s.Storage.DSN == "" && s.Storage.Driver == "sqlite" {
		s.Storage.DSN = "data/scales.db"
	}
	if s.Storage.BatchSize <= 0 {
		s.Storage.BatchSize = 100
	}
	if s.Storage.FlushInterval <= 0 {
		s.Storage.FlushInterval = 2 * time.Second
	}
	if s.Storage.MaxBuffer < s.Storage.BatchSize {
		s.Storage.MaxBuffer = s.Storage.BatchSize * 10
	}
	if s.Storage.MaxRetries <= 0 {
		s.Storage.MaxRetries = 5
	}
	if s.Storage.RetryInterval <= 0 {
		s.Storage.RetryInterval = 200 * time.Millisecond
	}
	if s.Health.CheckInterval <= 0 {
		s.Health.CheckInterval = 10 * time.Second
	}
	if s.Health.StaleMultiplier <= 0 {
		s.Health.StaleMultiplier = 3
	}
	if s.Health.ZeroChecks <= 0 {
		s.Health.ZeroChecks = 3
	}
	if s.Health.DegradedChecks <= 0 {
		s.Health.DegradedChecks = 3
	}
	if s.Health.ErrorChecks <= 0 {
		s.Health.ErrorChecks = 3
	}
	if s.Broadcast.SubjectPrefix == "" {
		s.Broadcast.SubjectPrefix = "scales"
	}
	if s.Broadcast.ClientBuffer <= 0 {
		s.Broadcast.ClientBuffer = 64
	}
	if s.API.Listen == "" {
		s.API.Listen = ":8080"
	}
	if s.Shifts.Timezone == "" {
		s.Shifts.Timezone = "Local"
	}
	if s.Snapshot.Concurrency <= 0 {
		s.Snapshot.Concurrency = 8
	}
	if cfg.Config.Source == "" {
		cfg.Config.Source = "file"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
