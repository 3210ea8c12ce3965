package device

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType identifies the numeric type stored in a Buffer.
type DType int

const (
	Float32 DType = iota
	Float16
)

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float16:
		return 2
	}
	panic(fmt.Sprintf("unknown dtype %d", int(d)))
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// ErrFreed is returned when work refers to a Buffer whose
// memory was already released.
var ErrFreed = errors.New("buffer has been freed")

// A Buffer is a contiguous, typed region of device memory.
//
// A Buffer returned by Slice is a view: it shares memory
// with its parent and must not be freed on its own.
type Buffer struct {
	device *Device
	dtype  DType
	f32    []float32
	f16    []float16.Float16
	view   bool
	freed  *bool
}

// Device returns the device owning the memory.
func (b *Buffer) Device() *Device {
	return b.device
}

// DType returns the element type.
func (b *Buffer) DType() DType {
	return b.dtype
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	if b.dtype == Float16 {
		return len(b.f16)
	}
	return len(b.f32)
}

// Bytes returns the size of the buffer in bytes.
func (b *Buffer) Bytes() int {
	return b.Len() * b.dtype.Size()
}

// Freed reports whether the underlying allocation has been
// released.
func (b *Buffer) Freed() bool {
	return *b.freed
}

// Float32 exposes the raw storage of a float32 buffer.
func (b *Buffer) Float32() []float32 {
	if b.dtype != Float32 {
		panic(fmt.Sprintf("Buffer.Float32 called on %s buffer", b.dtype))
	}
	return b.f32
}

// Float16 exposes the raw storage of a float16 buffer.
func (b *Buffer) Float16() []float16.Float16 {
	if b.dtype != Float16 {
		panic(fmt.Sprintf("Buffer.Float16 called on %s buffer", b.dtype))
	}
	return b.f16
}

// Slice returns a view of the elements [begin, end).
func (b *Buffer) Slice(begin, end int) *Buffer {
	if begin < 0 || end < begin || end > b.Len() {
		panic(fmt.Sprintf("slice [%d:%d] out of range for buffer of length %d", begin, end, b.Len()))
	}
	res := &Buffer{device: b.device, dtype: b.dtype, view: true, freed: b.freed}
	if b.dtype == Float16 {
		res.f16 = b.f16[begin:end]
	} else {
		res.f32 = b.f32[begin:end]
	}
	return res
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s[%d] on device %d)", b.dtype, b.Len(), b.device.Index)
}
