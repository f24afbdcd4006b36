package memory

import (
	"encoding/binary"
	"math"

	"github.com/chazu/telescope/pkg/fault"
)

// DataAccess is raw byte access to a target address space.
type DataAccess interface {
	// ReadBytes fills dst with the bytes starting at addr.
	ReadBytes(addr Address, dst []byte) error
	// WriteBytes stores src starting at addr.
	WriteBytes(addr Address, src []byte) error
}

// Accessor decodes little-endian primitives through a DataAccess. All reads
// take a base address and a byte offset.
type Accessor struct {
	DataAccess
}

// NewAccessor wraps da.
func NewAccessor(da DataAccess) Accessor {
	return Accessor{DataAccess: da}
}

func (a Accessor) read(addr Address, offset int64, n int) ([]byte, error) {
	if a.DataAccess == nil {
		return nil, fault.ErrNoTarget
	}
	buf := make([]byte, n)
	if err := a.ReadBytes(addr.Plus(offset), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInt8 reads a signed byte.
func (a Accessor) ReadInt8(addr Address, offset int64) (int8, error) {
	b, err := a.read(addr, offset, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// ReadShort reads a signed 16-bit value.
func (a Accessor) ReadShort(addr Address, offset int64) (int16, error) {
	b, err := a.read(addr, offset, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

// ReadChar reads an unsigned 16-bit value.
func (a Accessor) ReadChar(addr Address, offset int64) (uint16, error) {
	b, err := a.read(addr, offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt reads a signed 32-bit value.
func (a Accessor) ReadInt(addr Address, offset int64) (int32, error) {
	b, err := a.read(addr, offset, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadLong reads a signed 64-bit value.
func (a Accessor) ReadLong(addr Address, offset int64) (int64, error) {
	b, err := a.read(addr, offset, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadFloat reads an IEEE single.
func (a Accessor) ReadFloat(addr Address, offset int64) (float32, error) {
	v, err := a.ReadInt(addr, offset)
	return math.Float32frombits(uint32(v)), err
}

// ReadDouble reads an IEEE double.
func (a Accessor) ReadDouble(addr Address, offset int64) (float64, error) {
	v, err := a.ReadLong(addr, offset)
	return math.Float64frombits(uint64(v)), err
}

// ReadWord reads a target word.
func (a Accessor) ReadWord(addr Address, offset int64) (uint64, error) {
	v, err := a.ReadLong(addr, offset)
	return uint64(v), err
}

// ReadAddress reads a word and returns it as an address.
func (a Accessor) ReadAddress(addr Address, offset int64) (Address, error) {
	v, err := a.ReadWord(addr, offset)
	return Address(v), err
}

// Indexed returns the offset of element index in an array of width-byte
// elements that starts displacement bytes into an object.
func Indexed(width int, displacement int64, index int64) int64 {
	return displacement + index*int64(width)
}

// ReadIndexed reads a width-byte element as raw little-endian bits.
// Sub-word values are returned zero-extended.
func (a Accessor) ReadIndexed(width int, addr Address, displacement int64, index int64) (uint64, error) {
	b, err := a.read(addr, Indexed(width, displacement, index), width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// WriteWord stores a word.
func (a Accessor) WriteWord(addr Address, offset int64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return a.WriteBytes(addr.Plus(offset), b[:])
}

// WriteIndexed stores the low width bytes of bits.
func (a Accessor) WriteIndexed(width int, addr Address, displacement int64, index int64, bits uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], bits)
	return a.WriteBytes(addr.Plus(Indexed(width, displacement, index)), b[:width])
}
