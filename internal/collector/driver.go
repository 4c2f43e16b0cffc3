package collector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	mb "github.com/goburrow/modbus"
)

// Driver is a connection to one scale that can read register blocks.
// Implementations need not be safe for concurrent use; an engine owns its driver.
type Driver interface {
	Connect() error
	// ReadRegisters returns count 16-bit values starting at address.
	// Coils and discrete inputs are returned as one 0/1 value per bit.
	ReadRegisters(registerType string, address, count uint16) ([]uint16, error)
	Close() error
	Address() string
}

// StatusReporter is implemented by drivers whose device reports its own status code
// alongside the data, e.g. stable/unstable/overload on serial scales.
type StatusReporter interface {
	DeviceStatus() string
}

// DriverFactory builds an unconnected driver for a scale.
type DriverFactory func(cfg ScaleConfig) (Driver, error)

// DefaultDriverFactory picks the driver by protocol code.
func DefaultDriverFactory(cfg ScaleConfig) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Protocol)) {
	case ProtocolModbusTCP, ProtocolModbusRTU:
		return newModbusDriver(cfg)
	case ProtocolSerialASCII:
		return newASCIIDriver(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, cfg.Protocol)
	}
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

type modbusDriver struct {
	handler handlerWithConn
	client  mb.Client
	addr    string
}

// newModbusDriver creates and configures a handler for TCP or RTU based on config.
func newModbusDriver(cfg ScaleConfig) (*modbusDriver, error) {
	timeout := cfg.Timeout()
	slave := byte(cfg.ConnInt("slave_id", 1))

	switch strings.ToLower(cfg.Protocol) {
	case ProtocolModbusTCP:
		address := net.JoinHostPort(cfg.Conn("host", ""), cfg.Conn("port", "502"))
		h := mb.NewTCPClientHandler(address)
		h.Timeout = timeout
		h.SlaveId = slave
		return &modbusDriver{handler: h, addr: address}, nil
	case ProtocolModbusRTU:
		port := cfg.Conn("serial_port", "")
		if port == "" {
			return nil, fmt.Errorf("%w: serial_port is required for RTU", ErrConfigurationInvalid)
		}
		h := mb.NewRTUClientHandler(port)
		h.BaudRate = cfg.ConnInt("baud_rate", 9600)
		h.DataBits = cfg.ConnInt("data_bits", 8)
		h.StopBits = cfg.ConnInt("stop_bits", 1)
		h.Parity = strings.ToUpper(cfg.Conn("parity", "N"))
		h.Timeout = timeout
		h.SlaveId = slave
		return &modbusDriver{handler: h, addr: port}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, cfg.Protocol)
}

func (d *modbusDriver) Address() string { return d.addr }

func (d *modbusDriver) Connect() error {
	if err := d.handler.Connect(); err != nil {
		return err
	}
	d.client = mb.NewClient(d.handler)
	return nil
}

func (d *modbusDriver) Close() error {
	d.client = nil
	return d.handler.Close()
}

func (d *modbusDriver) ReadRegisters(registerType string, address, count uint16) ([]uint16, error) {
	if d.client == nil {
		return nil, ErrNotConnected
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(registerType) {
	case "", "holding":
		data, err = d.client.ReadHoldingRegisters(address, count)
	case "input":
		data, err = d.client.ReadInputRegisters(address, count)
	case "coil":
		data, err = d.client.ReadCoils(address, count)
		if err == nil {
			return unpackBits(data, count), nil
		}
	case "discrete":
		data, err = d.client.ReadDiscreteInputs(address, count)
		if err == nil {
			return unpackBits(data, count), nil
		}
	default:
		return nil, &FieldError{Code: "CONFIG", Err: fmt.Errorf("unsupported register type: %s", registerType)}
	}
	if err != nil {
		return nil, translateModbusError(err)
	}
	if len(data) < int(count)*2 {
		return nil, &FieldError{Code: "SHORT", Err: fmt.Errorf("got %d bytes for %d registers", len(data), count)}
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return regs, nil
}

// translateModbusError keeps exception responses as field errors; everything else is transport.
func translateModbusError(err error) error {
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		return &FieldError{Code: fmt.Sprintf("EXC%02X", mbErr.ExceptionCode), Err: err}
	}
	return err
}

func unpackBits(data []byte, count uint16) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < int(count) && i/8 < len(data); i++ {
		if data[i/8]&(1<<(uint(i)%8)) != 0 {
			out[i] = 1
		}
	}
	return out
}
