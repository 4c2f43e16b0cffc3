// Package simulator serves simulated scales over Modbus TCP for local runs and tests.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03

	bankSize = 65536
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Register banks addressable by a simulated scale.
const (
	BankHolding  = "holding"
	BankInput    = "input"
	BankCoil     = "coil"
	BankDiscrete = "discrete"
)

// Server is a minimal Modbus TCP slave answering the four read functions.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
}

func NewServer(logger zerolog.Logger) *Server {
	return &Server{
		holding:  make([]uint16, bankSize),
		input:    make([]uint16, bankSize),
		coils:    make([]bool, bankSize),
		discrete: make([]bool, bankSize),
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		logger:   logger,
	}
}

// Listen starts accepting connections on address. Port 0 picks a free port; see Addr.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound listen address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Debug().Err(err).Msg("accept failed")
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)

		// transaction and unit id are echoed back
		out := make([]byte, 7+len(response))
		copy(out, header)
		binary.BigEndian.PutUint16(out[2:4], 0)
		binary.BigEndian.PutUint16(out[4:6], uint16(len(response)+1))
		copy(out[7:], response)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	function := pdu[0]
	var (
		data []byte
		err  error
	)
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.discrete, pdu)
	case functionReadHoldingRegs:
		data, err = s.readRegisters(s.holding, pdu)
	case functionReadInputRegs:
		data, err = s.readRegisters(s.input, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	return append([]byte{function, byte(len(data))}, data...)
}

func (s *Server) readBits(source []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := readRequest(pdu, 2000, len(source))
	if err != nil {
		return nil, err
	}

	result := make([]byte, (quantity+7)/8)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < quantity; i++ {
		if source[start+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := readRequest(pdu, 125, len(source))
	if err != nil {
		return nil, err
	}

	result := make([]byte, quantity*2)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < quantity; i++ {
		binary.BigEndian.PutUint16(result[i*2:], source[start+i])
	}
	return result, nil
}

func readRequest(pdu []byte, maxQty, size int) (start, quantity int, err error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start = int(binary.BigEndian.Uint16(pdu[1:3]))
	quantity = int(binary.BigEndian.Uint16(pdu[3:5]))
	if quantity == 0 || quantity > maxQty {
		return 0, 0, errInvalidQty
	}
	if start+quantity > size {
		return 0, 0, errOutOfRange
	}
	return start, quantity, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops accepting, drops open connections and waits for all goroutines.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

// SetRegisters writes words into a holding or input bank starting at address.
func (s *Server) SetRegisters(bank string, address uint16, words ...uint16) error {
	if int(address)+len(words) > bankSize {
		return fmt.Errorf("address %d+%d: %w", address, len(words), errOutOfRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch bank {
	case BankHolding, "":
		copy(s.holding[address:], words)
	case BankInput:
		copy(s.input[address:], words)
	case BankCoil, BankDiscrete:
		dst := s.coils
		if bank == BankDiscrete {
			dst = s.discrete
		}
		for i, w := range words {
			dst[int(address)+i] = w != 0
		}
	default:
		return fmt.Errorf("unknown register bank %q", bank)
	}
	return nil
}

// Registers reads count words from a bank, bits as 0/1.
func (s *Server) Registers(bank string, address, count uint16) ([]uint16, error) {
	if int(address)+int(count) > bankSize {
		return nil, fmt.Errorf("address %d+%d: %w", address, count, errOutOfRange)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint16, count)
	switch bank {
	case BankHolding, "":
		copy(out, s.holding[address:])
	case BankInput:
		copy(out, s.input[address:])
	case BankCoil, BankDiscrete:
		src := s.coils
		if bank == BankDiscrete {
			src = s.discrete
		}
		for i := range out {
			if src[int(address)+i] {
				out[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("unknown register bank %q", bank)
	}
	return out, nil
}
