// Package tensor provides a minimal named float32 tensor
// backed by simulated device memory.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/device"
)

// A Tensor is a shaped float32 buffer on a device.
type Tensor struct {
	Name  string
	Shape []int

	buf *device.Buffer
}

// New allocates a zero tensor on d.
func New(d *device.Device, name string, shape ...int) (*Tensor, error) {
	size := 1
	for _, x := range shape {
		if x < 0 {
			return nil, errors.Errorf("tensor %s: negative dimension in %v", name, shape)
		}
		size *= x
	}
	buf, err := d.Alloc(device.Float32, size)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %s", name)
	}
	return &Tensor{Name: name, Shape: append([]int{}, shape...), buf: buf}, nil
}

// FromData allocates a tensor holding a copy of data.
func FromData(d *device.Device, name string, data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	t, err := New(d, name, shape...)
	if err != nil {
		return nil, err
	}
	if t.Size() != len(data) {
		t.Free()
		return nil, errors.Errorf("tensor %s: %d values for shape %v", name, len(data), shape)
	}
	copy(t.Data(), data)
	return t, nil
}

// ZerosLike allocates a zero tensor with t's shape on the
// same device.
func ZerosLike(t *Tensor, name string) (*Tensor, error) {
	return New(t.buf.Device(), name, t.Shape...)
}

// Buffer returns the device memory.
func (t *Tensor) Buffer() *device.Buffer {
	return t.buf
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return t.buf.Len()
}

// Data returns the elements. Only read or write them when
// no asynchronous device work refers to the tensor.
func (t *Tensor) Data() []float32 {
	return t.buf.Float32()
}

// Free releases the tensor's memory.
func (t *Tensor) Free() error {
	return t.buf.Device().Free(t.buf)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.Name, t.Shape)
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data() {
		t.Data()[i] *= s
	}
}

// Axpy computes t += alpha*x.
func (t *Tensor) Axpy(alpha float32, x *Tensor) error {
	if x.Size() != t.Size() {
		return errors.Errorf("axpy: %s and %s differ in size", x, t)
	}
	dst := t.Data()
	for i, v := range x.Data() {
		dst[i] += alpha * v
	}
	return nil
}

// Clip clamps every element to [lo, hi].
func (t *Tensor) Clip(lo, hi float32) {
	data := t.Data()
	for i, x := range data {
		if x < lo {
			data[i] = lo
		} else if x > hi {
			data[i] = hi
		}
	}
}

// SameShape reports whether a and b have equal shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i, x := range a.Shape {
		if b.Shape[i] != x {
			return false
		}
	}
	return true
}

// TotalSize sums the sizes of ts.
func TotalSize(ts []*Tensor) int {
	var total int
	for _, t := range ts {
		total += t.Size()
	}
	return total
}

// MaxSize returns the size of the largest tensor in ts.
func MaxSize(ts []*Tensor) int {
	var res int
	for _, t := range ts {
		res = essentials.MaxInt(res, t.Size())
	}
	return res
}
