package collector

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning       = errors.New("engine already running")
	ErrConfigurationInvalid = errors.New("invalid scale configuration")
	ErrConnection           = errors.New("device connection failed")
	ErrUnsupportedProtocol  = errors.New("unsupported protocol")
	ErrNotConnected         = errors.New("driver not connected")
)

// ConnectionError is a transport level failure talking to a scale.
type ConnectionError struct {
	ScaleID string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("scale %s at %s: %v", e.ScaleID, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// FieldError is a device-reported failure for one read, such as a Modbus exception.
// The connection stays usable.
type FieldError struct {
	Code string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("device error %s: %v", e.Code, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }
