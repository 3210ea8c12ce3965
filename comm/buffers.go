package comm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/device"
)

// A Role says whether a fusion buffer is sent from or
// received into.
type Role int

const (
	Send Role = iota
	Recv
)

// A Precision selects the full or reduced buffer pair.
type Precision int

const (
	Full Precision = iota
	Half
)

// DType returns the element type for the precision.
func (p Precision) DType() device.DType {
	if p == Half {
		return device.Float16
	}
	return device.Float32
}

// FusionBuffers is the communicator's arena: one fixed
// capacity device buffer per (role, precision), allocated
// once and never resized.
type FusionBuffers struct {
	capacity int
	device   *device.Device
	slots    [2][2]*device.Buffer
}

// AllocFusionBuffers allocates all four slots on d.
// On failure, whatever was allocated is freed again.
func AllocFusionBuffers(d *device.Device, capacity int) (*FusionBuffers, error) {
	f := &FusionBuffers{capacity: capacity, device: d}
	for _, role := range []Role{Send, Recv} {
		for _, prec := range []Precision{Full, Half} {
			buf, err := d.Alloc(prec.DType(), capacity)
			if err != nil {
				f.Free()
				return nil, errors.Wrap(err, "allocate fusion buffers")
			}
			f.slots[role][prec] = buf
		}
	}
	return f, nil
}

// Capacity returns the number of elements per slot.
func (f *FusionBuffers) Capacity() int {
	return f.capacity
}

// Slot returns the first n elements of a slot.
// It fails with ErrCapacityExceeded if n is too large.
func (f *FusionBuffers) Slot(role Role, prec Precision, n int) (*device.Buffer, error) {
	if n > f.capacity {
		return nil, errors.Wrapf(ErrCapacityExceeded, "%d elements requested, capacity is %d", n, f.capacity)
	}
	buf := f.slots[role][prec]
	if buf == nil {
		return nil, errors.Wrap(ErrNotInitialized, "fusion buffers were freed")
	}
	return buf.Slice(0, n), nil
}

// Free releases every slot. It is safe to call more than
// once and on a partially allocated arena.
func (f *FusionBuffers) Free() error {
	var first error
	for role := range f.slots {
		for prec, buf := range f.slots[role] {
			if buf == nil {
				continue
			}
			if err := f.device.Free(buf); err != nil && first == nil {
				first = err
			}
			f.slots[role][prec] = nil
		}
	}
	return first
}
