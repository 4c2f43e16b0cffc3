package collector

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"scale-ingest/internal/decoder"
	"scale-ingest/internal/utils"
)

// Virtual register map of a serial ASCII scale.
const (
	asciiRegWeight = 0 // float32, two registers
	asciiRegStable = 2
	asciiRegStatus = 3
	asciiRegCount  = 4
)

var errNoFrame = errors.New("no frame received from scale")

// ScaleFrame is one parsed line of a continuous-output serial scale, e.g. "ST,GS,+  12.345kg".
type ScaleFrame struct {
	Status string // ST stable, US unstable, OL overload
	Mode   string // GS gross, NT net
	Weight float64
	Unit   string
}

// ParseScaleFrame parses the common "status,mode,weight unit" frame, also accepting a bare weight.
func ParseScaleFrame(line string) (ScaleFrame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ScaleFrame{}, errors.New("empty frame")
	}

	f := ScaleFrame{Status: "ST"}
	parts := strings.Split(line, ",")
	weightPart := parts[len(parts)-1]
	if len(parts) >= 2 {
		f.Status = strings.ToUpper(strings.TrimSpace(parts[0]))
	}
	if len(parts) >= 3 {
		f.Mode = strings.ToUpper(strings.TrimSpace(parts[1]))
	}
	if f.Status == "OL" {
		return f, nil
	}

	weightPart = strings.TrimSpace(weightPart)
	end := len(weightPart)
	for end > 0 {
		c := weightPart[end-1]
		if (c >= '0' && c <= '9') || c == '.' {
			break
		}
		end--
	}
	f.Unit = strings.ToLower(strings.TrimSpace(weightPart[end:]))
	num := strings.ReplaceAll(weightPart[:end], " ", "")
	w, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return ScaleFrame{}, fmt.Errorf("parse weight %q: %w", weightPart, err)
	}
	f.Weight = w
	return f, nil
}

// String renders the frame the way continuous-output scales send it, without the terminator.
func (f ScaleFrame) String() string {
	status, mode, unit := f.Status, f.Mode, f.Unit
	if status == "" {
		status = "ST"
	}
	if mode == "" {
		mode = "GS"
	}
	if unit == "" {
		unit = "kg"
	}
	sign := "+"
	w := f.Weight
	if w < 0 {
		sign, w = "-", -w
	}
	return fmt.Sprintf("%s,%s,%s%8.3f%s", status, mode, sign, w, unit)
}

func (f ScaleFrame) registers() [asciiRegCount]uint16 {
	var regs [asciiRegCount]uint16
	w := decoder.EncodeFloat32(float32(f.Weight), decoder.BigEndian)
	regs[asciiRegWeight], regs[asciiRegWeight+1] = w[0], w[1]
	switch f.Status {
	case "ST":
		regs[asciiRegStable] = 1
	case "US":
		regs[asciiRegStatus] = 1
	case "OL":
		regs[asciiRegStatus] = 2
	default:
		regs[asciiRegStatus] = 3
	}
	return regs
}

// asciiDriver reads a scale that streams ASCII frames on a serial line.
// A reader goroutine keeps the most recent frame; reads serve it while it is fresh.
type asciiDriver struct {
	params   utils.SerialParams
	maxAge   time.Duration
	openPort func(utils.SerialParams) (io.ReadWriteCloser, error)

	mu      sync.Mutex
	port    io.ReadWriteCloser
	last    ScaleFrame
	lastAt  time.Time
	readErr error
	done    chan struct{}
	first   chan struct{}
}

func newASCIIDriver(cfg ScaleConfig) *asciiDriver {
	timeout := cfg.Timeout()
	return &asciiDriver{
		params: utils.SerialParams{
			Address:  cfg.Conn("serial_port", ""),
			BaudRate: cfg.ConnInt("baud_rate", 9600),
			DataBits: cfg.ConnInt("data_bits", 8),
			StopBits: cfg.ConnInt("stop_bits", 1),
			Parity:   cfg.Conn("parity", "N"),
			Timeout:  timeout,
		},
		maxAge:   timeout,
		openPort: utils.OpenSerial,
	}
}

func (d *asciiDriver) Address() string { return d.params.Address }

// Connect opens the port and waits up to the timeout for the first parsable frame.
func (d *asciiDriver) Connect() error {
	port, err := d.openPort(d.params)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.port = port
	d.readErr = nil
	d.lastAt = time.Time{}
	d.done = make(chan struct{})
	d.first = make(chan struct{})
	done, first := d.done, d.first
	d.mu.Unlock()

	go d.readLoop(port, done)

	t := time.NewTimer(d.maxAge)
	defer t.Stop()
	select {
	case <-first:
		return nil
	case <-done:
	case <-t.C:
	}
	_ = d.Close()
	return errNoFrame
}

func (d *asciiDriver) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	pending := ""
	for {
		n, err := port.Read(buf)
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		if err != nil {
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return
		}
		pending += string(buf[:n])
		if len(pending) > 1024 {
			pending = pending[len(pending)-1024:]
		}
		for {
			frame, rest, ok := utils.PopFrame(pending)
			if !ok {
				break
			}
			pending = rest
			f, err := ParseScaleFrame(frame)
			if err != nil {
				continue
			}
			d.mu.Lock()
			if d.lastAt.IsZero() && d.first != nil {
				close(d.first)
			}
			d.last = f
			d.lastAt = time.Now()
			d.mu.Unlock()
		}
	}
}

func (d *asciiDriver) ReadRegisters(_ string, address, count uint16) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil, ErrNotConnected
	}
	if d.readErr != nil && !errors.Is(d.readErr, io.EOF) {
		return nil, d.readErr
	}
	if d.lastAt.IsZero() || time.Since(d.lastAt) > d.maxAge {
		if d.readErr != nil {
			return nil, d.readErr
		}
		return nil, errNoFrame
	}
	if int(address)+int(count) > asciiRegCount {
		return nil, &FieldError{Code: "EXC02", Err: fmt.Errorf("register %d+%d outside the scale frame", address, count)}
	}
	regs := d.last.registers()
	out := make([]uint16, count)
	copy(out, regs[address:int(address)+int(count)])
	return out, nil
}

// DeviceStatus reports the status code of the latest frame, empty while the scale is stable.
func (d *asciiDriver) DeviceStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.last.Status {
	case "", "ST":
		return ""
	}
	return d.last.Status
}

func (d *asciiDriver) Close() error {
	d.mu.Lock()
	port, done := d.port, d.done
	d.port = nil
	d.mu.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(d.maxAge):
		}
	}
	return err
}
