// Package ndmeta describes n-dimensional array blobs stored in a shared
// pool.
//
// A pool blob is opaque bytes; ndmeta carries the little that is needed to
// reconstruct an array view on the far side - the external ID, an element
// type name, and a shape. Records have a fixed 88-byte binary layout so any
// process can decode them without schema negotiation.
package ndmeta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record capacity limits, matching the fixed wire layout.
const (
	// MaxDTypeLen is the maximum element type name length in bytes.
	MaxDTypeLen = 10

	// MaxShapeDims is the maximum number of array dimensions.
	MaxShapeDims = 8
)

// RecordSize is the fixed encoded size of a Meta in bytes.
const RecordSize = 88

// Record field offsets (bytes from record start).
const (
	offID       = 0x00 // uint64
	offDims     = 0x08 // uint8
	offDTypeLen = 0x09 // uint8
	offDType    = 0x0A // [MaxDTypeLen]byte
	offShape    = 0x18 // [MaxShapeDims]uint64
)

// Encoding errors.
var (
	// ErrDTypeTooLong indicates the element type name exceeds MaxDTypeLen.
	ErrDTypeTooLong = errors.New("ndmeta: dtype too long")
	// ErrTooManyDims indicates the shape exceeds MaxShapeDims dimensions.
	ErrTooManyDims = errors.New("ndmeta: too many dimensions")
	// ErrShortBuffer indicates a decode buffer below RecordSize bytes.
	ErrShortBuffer = errors.New("ndmeta: short buffer")
)

// Meta describes one array blob.
type Meta struct {
	// ID is the blob's external ID in the pool.
	ID uint64

	// DType is the element type name, e.g. "float64" or "i32".
	DType string

	// Shape is the array shape, outermost dimension first.
	Shape []uint64
}

// New builds a Meta, rejecting values that do not fit the wire layout.
func New(id uint64, dtype string, shape []uint64) (Meta, error) {
	if len(dtype) > MaxDTypeLen {
		return Meta{}, fmt.Errorf("dtype %q is %d bytes: %w", dtype, len(dtype), ErrDTypeTooLong)
	}

	if len(shape) > MaxShapeDims {
		return Meta{}, fmt.Errorf("shape has %d dims: %w", len(shape), ErrTooManyDims)
	}

	m := Meta{ID: id, DType: dtype}
	m.Shape = append(m.Shape, shape...)

	return m, nil
}

// ByteCount returns the element count implied by the shape: the product of
// all dimensions, or 0 for an empty shape.
func (m Meta) ByteCount() uint64 {
	if len(m.Shape) == 0 {
		return 0
	}

	count := uint64(1)
	for _, dim := range m.Shape {
		count *= dim
	}

	return count
}

// MarshalBinary encodes the record into a fresh RecordSize-byte slice.
func (m Meta) MarshalBinary() ([]byte, error) {
	if len(m.DType) > MaxDTypeLen {
		return nil, fmt.Errorf("dtype %q is %d bytes: %w", m.DType, len(m.DType), ErrDTypeTooLong)
	}

	if len(m.Shape) > MaxShapeDims {
		return nil, fmt.Errorf("shape has %d dims: %w", len(m.Shape), ErrTooManyDims)
	}

	buf := make([]byte, RecordSize)

	binary.LittleEndian.PutUint64(buf[offID:], m.ID)
	buf[offDims] = uint8(len(m.Shape))
	buf[offDTypeLen] = uint8(len(m.DType))
	copy(buf[offDType:offDType+MaxDTypeLen], m.DType)

	for i, dim := range m.Shape {
		binary.LittleEndian.PutUint64(buf[offShape+8*i:], dim)
	}

	return buf, nil
}

// UnmarshalBinary decodes a record from the first RecordSize bytes of data.
func (m *Meta) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("%d bytes: %w", len(data), ErrShortBuffer)
	}

	dims := int(data[offDims])
	if dims > MaxShapeDims {
		return fmt.Errorf("shape has %d dims: %w", dims, ErrTooManyDims)
	}

	dtypeLen := int(data[offDTypeLen])
	if dtypeLen > MaxDTypeLen {
		return fmt.Errorf("dtype is %d bytes: %w", dtypeLen, ErrDTypeTooLong)
	}

	m.ID = binary.LittleEndian.Uint64(data[offID:])
	m.DType = string(data[offDType : offDType+dtypeLen])

	m.Shape = nil
	for i := range dims {
		m.Shape = append(m.Shape, binary.LittleEndian.Uint64(data[offShape+8*i:]))
	}

	return nil
}
