package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/decoder"
)

// Mode drives what a simulated scale reports.
type Mode string

const (
	// ModeNormal reports a weight drifting around its base value.
	ModeNormal Mode = "normal"
	// ModeZero reports zero on every numeric field.
	ModeZero Mode = "zero"
	// ModeFrozen keeps the last registers unchanged.
	ModeFrozen Mode = "frozen"
	// ModeOffline closes the listener so polls fail to connect.
	ModeOffline Mode = "offline"
)

var ErrUnknownScale = errors.New("unknown simulated scale")

type Options struct {
	// Interval between register updates.
	Interval time.Duration
	// BaseWeight is the value the weight field drifts around.
	BaseWeight float64
	Seed       uint64
	Logger     zerolog.Logger
}

type scale struct {
	cfg    collector.ScaleConfig
	addr   string
	server *Server
	mode   Mode
	weight float64
	count  uint32
}

// Fleet serves one Modbus TCP slave per configured modbus-tcp scale.
type Fleet struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	rnd    *rand.Rand
	scales map[string]*scale
}

func NewFleet(cfgs []collector.ScaleConfig, opts Options) *Fleet {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BaseWeight <= 0 {
		opts.BaseWeight = 100
	}
	f := &Fleet{
		opts:   opts,
		logger: opts.Logger,
		rnd:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		scales: make(map[string]*scale),
	}
	for _, c := range cfgs {
		if !strings.EqualFold(c.Protocol, collector.ProtocolModbusTCP) {
			f.logger.Info().Str("scale_id", c.ID).Str("protocol", c.Protocol).Msg("protocol not simulated, skipping")
			continue
		}
		f.scales[c.ID] = &scale{
			cfg:    c,
			addr:   net.JoinHostPort(c.Conn("host", "127.0.0.1"), c.Conn("port", "502")),
			mode:   ModeNormal,
			weight: opts.BaseWeight,
		}
	}
	return f
}

// Start binds every scale's listener. Scales that fail to bind are reported and skipped.
func (f *Fleet) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, id := range f.idsLocked() {
		sc := f.scales[id]
		if err := f.listenLocked(sc); err != nil {
			errs = append(errs, fmt.Errorf("scale %s: %w", id, err))
			continue
		}
		f.writeLocked(sc)
	}
	return errors.Join(errs...)
}

func (f *Fleet) listenLocked(sc *scale) error {
	srv := NewServer(f.logger.With().Str("scale_id", sc.cfg.ID).Logger())
	if err := srv.Listen(sc.addr); err != nil {
		return err
	}
	// keep the resolved port so a restart after offline binds the same address
	sc.addr = srv.Addr()
	sc.server = srv
	f.logger.Info().Str("scale_id", sc.cfg.ID).Str("addr", sc.addr).Msg("simulated scale listening")
	return nil
}

// Run updates registers every interval until ctx is done, then closes all listeners.
func (f *Fleet) Run(ctx context.Context) {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()
	defer f.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Tick advances every online scale by one step.
func (f *Fleet) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sc := range f.scales {
		if sc.server == nil || sc.mode == ModeFrozen {
			continue
		}
		if sc.mode == ModeNormal {
			sc.weight = math.Max(0, sc.weight+(f.rnd.Float64()-0.5)*2)
			sc.count++
		}
		f.writeLocked(sc)
	}
}

// SetMode switches a scale's behavior. Leaving ModeOffline re-binds its address.
func (f *Fleet) SetMode(id string, mode Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sc, ok := f.scales[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScale, id)
	}
	prev := sc.mode
	sc.mode = mode

	switch {
	case mode == ModeOffline && sc.server != nil:
		sc.server.Close()
		sc.server = nil
	case mode != ModeOffline && sc.server == nil:
		if err := f.listenLocked(sc); err != nil {
			sc.mode = prev
			return err
		}
	}
	if sc.server != nil {
		f.writeLocked(sc)
	}
	f.logger.Info().Str("scale_id", id).Str("from", string(prev)).Str("to", string(mode)).Msg("simulated scale mode changed")
	return nil
}

// Addr is the address a scale listens on.
func (f *Fleet) Addr(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scales[id]
	if !ok {
		return "", false
	}
	return sc.addr, true
}

// Registers reads back what a scale currently serves.
func (f *Fleet) Registers(id, bank string, address, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scales[id]
	if !ok || sc.server == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScale, id)
	}
	return sc.server.Registers(bank, address, count)
}

func (f *Fleet) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idsLocked()
}

func (f *Fleet) idsLocked() []string {
	ids := make([]string, 0, len(f.scales))
	for id := range f.scales {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Fleet) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sc := range f.scales {
		if sc.server != nil {
			sc.server.Close()
			sc.server = nil
		}
	}
}

// writeLocked encodes the scale's values into each configured field. The first numeric
// field carries the weight, integer fields carry the sample counter.
func (f *Fleet) writeLocked(sc *scale) {
	weight, count := sc.weight, sc.count
	if sc.mode == ModeZero {
		weight, count = 0, 0
	}
	for _, fc := range sc.cfg.Fields {
		words := encodeField(fc, weight, count)
		bank := strings.ToLower(strings.TrimSpace(fc.RegisterType))
		if err := sc.server.SetRegisters(bank, fc.RegisterAddress, words...); err != nil {
			f.logger.Warn().Err(err).Str("scale_id", sc.cfg.ID).Str("field", fc.Name).Msg("set registers failed")
		}
	}
}

func encodeField(fc collector.FieldConfig, weight float64, count uint32) []uint16 {
	n := int(fc.Count())
	e := decoder.ParseEndianness(fc.Endianness)
	var words []uint16
	switch decoder.ParseDataType(fc.DataType) {
	case decoder.TypeFloat:
		words = decoder.EncodeFloat32(float32(weight), e)
	case decoder.TypeInt32, decoder.TypeUint32:
		words = []uint16{uint16(count >> 16), uint16(count)}
		if e == decoder.LittleEndian {
			words[0], words[1] = words[1], words[0]
		}
	case decoder.TypeBoolean:
		words = []uint16{1}
		if weight == 0 {
			words[0] = 0
		}
	case decoder.TypeString:
		words = decoder.EncodeString("ST", n)
	case decoder.TypeInteger, decoder.TypeInt16:
		words = []uint16{uint16(count)}
	default:
		words = []uint16{uint16(math.Round(weight))}
	}
	if len(words) < n {
		words = append(words, make([]uint16, n-len(words))...)
	}
	return words[:n]
}
