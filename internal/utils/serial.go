package utils

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/goburrow/serial"
)

type SerialParams struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

func EnsureSerialDefaults(sp *SerialParams) {
	if sp.BaudRate == 0 {
		sp.BaudRate = 9600
	}
	if sp.DataBits == 0 {
		sp.DataBits = 8
	}
	if sp.StopBits == 0 {
		sp.StopBits = 1
	}
	if sp.Parity == "" {
		sp.Parity = "N"
	}
	if sp.Timeout <= 0 {
		sp.Timeout = 10 * time.Second
	}
}

func OpenSerial(sp SerialParams) (io.ReadWriteCloser, error) {
	EnsureSerialDefaults(&sp)
	sc := &serial.Config{
		Address:  sp.Address,
		BaudRate: sp.BaudRate,
		DataBits: sp.DataBits,
		StopBits: sp.StopBits,
		Parity:   strings.ToUpper(sp.Parity),
		Timeout:  sp.Timeout,
	}
	return serial.Open(sc)
}

// PopFrame splits the first CR/LF terminated frame off buf.
// Consecutive terminators are swallowed; ok is false while no terminator has arrived.
func PopFrame(buf string) (frame, rest string, ok bool) {
	idx := strings.IndexAny(buf, "\r\n")
	if idx < 0 {
		return "", buf, false
	}
	j := idx
	for j < len(buf) && (buf[j] == '\r' || buf[j] == '\n') {
		j++
	}
	return buf[:idx], buf[j:], true
}

type SocatPair struct {
	Link string
	Peer string
}

// BuildSocatPairCmd creates a virtual serial pair, used to run the mock scale locally.
func BuildSocatPairCmd(ctx context.Context, pair SocatPair) *exec.Cmd {
	return exec.CommandContext(ctx, "socat",
		"-d", "-d",
		"pty,raw,echo=0,link="+pair.Link,
		"pty,raw,echo=0,link="+pair.Peer,
	)
}
