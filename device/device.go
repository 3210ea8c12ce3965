// Package device simulates an accelerator: typed device
// memory, ordered asynchronous channels (streams) and
// fences used to order work across channels.
//
// All timing is virtual and driven by a simulator.EventLoop.
package device

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const (
	// DefaultCopyRate is the default device-to-device copy
	// bandwidth, in bytes per virtual second.
	DefaultCopyRate = 1e10

	// DefaultConvertRate is the default number of elements
	// per virtual second a precision conversion kernel
	// processes.
	DefaultConvertRate = 1e10
)

// A Device is one simulated accelerator.
type Device struct {
	// Index is the device's ordinal within its host.
	Index int

	// Host is the physical machine the device sits in.
	Host string

	// CopyRate is the copy bandwidth in bytes per virtual
	// second. A zero rate makes copies instantaneous.
	CopyRate float64

	// ConvertRate is the conversion throughput in elements
	// per virtual second. A zero rate makes conversions
	// instantaneous.
	ConvertRate float64

	loop *simulator.EventLoop

	lock      sync.Mutex
	allocated int
	channels  int
}

// New creates a device with default rates.
func New(loop *simulator.EventLoop, host string, index int) *Device {
	return &Device{
		Index:       index,
		Host:        host,
		CopyRate:    DefaultCopyRate,
		ConvertRate: DefaultConvertRate,
		loop:        loop,
	}
}

// NewHost creates count devices on the same host.
func NewHost(loop *simulator.EventLoop, host string, count int) []*Device {
	res := make([]*Device, count)
	for i := range res {
		res[i] = New(loop, host, i)
	}
	return res
}

// Loop returns the event loop driving the device.
func (d *Device) Loop() *simulator.EventLoop {
	return d.loop
}

// Alloc reserves a zeroed buffer of n elements.
func (d *Device) Alloc(dtype DType, n int) (*Buffer, error) {
	if n < 0 {
		return nil, errors.Errorf("alloc %d elements of %s: negative size", n, dtype)
	}
	b := &Buffer{device: d, dtype: dtype, freed: new(bool)}
	switch dtype {
	case Float32:
		b.f32 = make([]float32, n)
	case Float16:
		b.f16 = make([]float16.Float16, n)
	default:
		return nil, errors.Errorf("alloc: unsupported dtype %s", dtype)
	}
	d.lock.Lock()
	d.allocated += b.Bytes()
	d.lock.Unlock()
	return b, nil
}

// Free releases a buffer allocated by Alloc.
//
// Freeing a view or freeing twice is an error.
func (d *Device) Free(b *Buffer) error {
	if b.device != d {
		return errors.Errorf("free %s: buffer belongs to device %d, not %d", b, b.device.Index, d.Index)
	}
	if b.view {
		return errors.Errorf("free %s: cannot free a view", b)
	}
	if *b.freed {
		return errors.Wrapf(ErrFreed, "free %s", b)
	}
	d.lock.Lock()
	d.allocated -= b.Bytes()
	d.lock.Unlock()
	*b.freed = true
	b.f32, b.f16 = nil, nil
	return nil
}

// Allocated returns the number of live allocated bytes.
func (d *Device) Allocated() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.allocated
}

// NewChannel creates a channel and starts its worker.
// The channel must be closed for the event loop to finish.
func (d *Device) NewChannel(name string) *Channel {
	d.lock.Lock()
	d.channels++
	d.lock.Unlock()
	c := &Channel{
		name:   fmt.Sprintf("%s/dev%d/%s", d.Host, d.Index, name),
		device: d,
		queue:  simulator.NewQueue(d.loop),
	}
	d.loop.GoNamed(c.name, c.run)
	klog.V(3).Infof("device: started channel %s", c.name)
	return c
}

// OpenChannels returns the number of channels that have
// not been closed yet.
func (d *Device) OpenChannels() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.channels
}

func (d *Device) channelClosed() {
	d.lock.Lock()
	d.channels--
	d.lock.Unlock()
}

func (d *Device) String() string {
	return fmt.Sprintf("%s/dev%d", d.Host, d.Index)
}
