// Package decoder converts raw 16-bit register arrays into the string values carried by
// measurement events.
package decoder

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is the declared type of a scale data field.
type DataType string

const (
	TypeInteger DataType = "integer"
	TypeInt16   DataType = "int16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
	TypeString  DataType = "string"
	TypeAuto    DataType = "auto"
)

// Endianness is the word order of multi-register values.
type Endianness string

const (
	BigEndian    Endianness = "big"
	LittleEndian Endianness = "little"
)

var (
	ErrInvalidLength  = errors.New("register count does not match data type")
	ErrEmptyRegisters = errors.New("no registers to decode")
)

// DecodeError reports a field that could not be decoded.
type DecodeError struct {
	DataType DataType
	Count    int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s from %d registers: %v", e.DataType, e.Count, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseDataType normalizes a configured data type. Unknown names decode as auto.
func ParseDataType(s string) DataType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer", "int", "uint16":
		return TypeInteger
	case "int16":
		return TypeInt16
	case "int32":
		return TypeInt32
	case "uint32":
		return TypeUint32
	case "float", "float32", "float64", "double", "real":
		return TypeFloat
	case "boolean", "bool":
		return TypeBoolean
	case "string", "ascii":
		return TypeString
	}
	return TypeAuto
}

// ParseEndianness accepts big/little and the ABCD/CDAB word order notation. Defaults to big.
func ParseEndianness(s string) Endianness {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "little", "le", "cdab", "dcba", "little-endian":
		return LittleEndian
	}
	return BigEndian
}

// RegisterCount is the default number of registers read for dt when none is configured.
func RegisterCount(dt DataType) uint16 {
	switch dt {
	case TypeInt32, TypeUint32, TypeFloat:
		return 2
	}
	return 1
}

// Decode converts regs to its string form according to dt and e.
// Malformed input returns a *DecodeError; Decode never panics.
func Decode(regs []uint16, dt DataType, e Endianness) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = &DecodeError{DataType: dt, Count: len(regs), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if len(regs) == 0 {
		return "", &DecodeError{DataType: dt, Count: 0, Err: ErrEmptyRegisters}
	}

	fail := func() (string, error) {
		return "", &DecodeError{DataType: dt, Count: len(regs), Err: ErrInvalidLength}
	}

	switch dt {
	case TypeInteger:
		switch len(regs) {
		case 1:
			return strconv.FormatUint(uint64(regs[0]), 10), nil
		case 2:
			return strconv.FormatInt(int64(int32(combine32(regs, e))), 10), nil
		}
		return fail()
	case TypeInt16:
		if len(regs) != 1 {
			return fail()
		}
		return strconv.FormatInt(int64(int16(regs[0])), 10), nil
	case TypeInt32:
		if len(regs) != 2 {
			return fail()
		}
		return strconv.FormatInt(int64(int32(combine32(regs, e))), 10), nil
	case TypeUint32:
		if len(regs) != 2 {
			return fail()
		}
		return strconv.FormatUint(uint64(combine32(regs, e)), 10), nil
	case TypeFloat:
		switch len(regs) {
		case 2:
			return formatFloat(float64(math.Float32frombits(combine32(regs, e)))), nil
		case 4:
			return formatFloat(math.Float64frombits(combine64(regs, e))), nil
		}
		return fail()
	case TypeBoolean:
		if regs[0] != 0 {
			return "true", nil
		}
		return "false", nil
	case TypeString:
		return decodeString(regs), nil
	}

	// auto and anything unrecognized
	switch len(regs) {
	case 1:
		return strconv.FormatUint(uint64(regs[0]), 10), nil
	case 2:
		return formatFloat(float64(math.Float32frombits(combine32(regs, e)))), nil
	}
	return fmt.Sprint(regs), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// combine32 joins two registers high word first; little endian swaps the words.
func combine32(regs []uint16, e Endianness) uint32 {
	hi, lo := regs[0], regs[1]
	if e == LittleEndian {
		hi, lo = lo, hi
	}
	return uint32(hi)<<16 | uint32(lo)
}

func combine64(regs []uint16, e Endianness) uint64 {
	var v uint64
	for i := 0; i < 4; i++ {
		w := regs[i]
		if e == LittleEndian {
			w = regs[3-i]
		}
		v = v<<16 | uint64(w)
	}
	return v
}

func decodeString(regs []uint16) string {
	var b strings.Builder
	for _, r := range regs {
		for _, c := range [2]byte{byte(r >> 8), byte(r)} {
			if c != 0 {
				b.WriteByte(c)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// EncodeFloat32 splits f into two registers in the given word order.
func EncodeFloat32(f float32, e Endianness) []uint16 {
	bits := math.Float32bits(f)
	hi, lo := uint16(bits>>16), uint16(bits)
	if e == LittleEndian {
		return []uint16{lo, hi}
	}
	return []uint16{hi, lo}
}

// EncodeString packs s two characters per register, high byte first.
func EncodeString(s string, n int) []uint16 {
	regs := make([]uint16, n)
	for i := 0; i < len(s) && i < n*2; i++ {
		if i%2 == 0 {
			regs[i/2] |= uint16(s[i]) << 8
		} else {
			regs[i/2] |= uint16(s[i])
		}
	}
	return regs
}
