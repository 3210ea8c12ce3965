package device

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/simulator"
	"k8s.io/klog/v2"
)

// ErrChannelClosed is returned when work is enqueued on a
// channel after Close.
var ErrChannelClosed = errors.New("channel is closed")

// A Channel is an ordered queue of asynchronous device
// work, like a CUDA stream.
// Work on one channel runs strictly in enqueue order; work
// on different channels only runs in a defined order when
// ordered with a Fence.
//
// The first failure poisons the channel: later work is
// skipped and every Fence recorded afterwards carries the
// error.
type Channel struct {
	name   string
	device *Device
	queue  *simulator.Queue

	lock   sync.Mutex
	err    error
	closed bool
}

type channelWork struct {
	fn func(h *simulator.Handle) error

	// always marks bookkeeping work (fences) that must run
	// on a poisoned channel too.
	always bool
	stop   bool
}

// Name returns the channel's label.
func (c *Channel) Name() string {
	return c.name
}

// Device returns the device the channel runs on.
func (c *Channel) Device() *Device {
	return c.device
}

// Err returns the sticky error, if any work has failed.
func (c *Channel) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Enqueue schedules fn to run after all previously
// enqueued work on the channel.
//
// It returns immediately. The error is non-nil only if the
// channel is closed or already poisoned.
func (c *Channel) Enqueue(h *simulator.Handle, fn func(h *simulator.Handle) error) error {
	return c.push(h, &channelWork{fn: fn})
}

// Record returns a Fence that completes once all work
// enqueued so far has finished.
func (c *Channel) Record(h *simulator.Handle) *Fence {
	f := newFence(c.device.loop)
	err := c.push(h, &channelWork{
		always: true,
		fn: func(h *simulator.Handle) error {
			f.complete(h, c.Err())
			return nil
		},
	})
	if err != nil {
		f.complete(h, err)
	}
	return f
}

// After makes all work enqueued from now on wait for f.
// Only this channel waits; the caller does not block.
//
// If f carries an error, the channel is poisoned with it.
func (c *Channel) After(h *simulator.Handle, f *Fence) error {
	return c.push(h, &channelWork{
		always: true,
		fn: func(h *simulator.Handle) error {
			return f.Wait(h)
		},
	})
}

// Synchronize blocks the caller until all enqueued work
// has finished, returning the channel's sticky error.
func (c *Channel) Synchronize(h *simulator.Handle) error {
	return c.Record(h).Wait(h)
}

// Close stops the worker once queued work is drained.
// Closing twice is a no-op.
func (c *Channel) Close(h *simulator.Handle) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	c.lock.Unlock()
	c.queue.Push(h, &channelWork{stop: true})
}

func (c *Channel) push(h *simulator.Handle, w *channelWork) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return errors.Wrap(ErrChannelClosed, c.name)
	}
	err := c.err
	c.lock.Unlock()
	if err != nil && !w.always {
		return err
	}
	c.queue.Push(h, w)
	return nil
}

func (c *Channel) run(h *simulator.Handle) {
	for {
		w := c.queue.Pop(h).(*channelWork)
		if w.stop {
			c.device.channelClosed()
			klog.V(3).Infof("device: channel %s stopped", c.name)
			return
		}
		if !w.always && c.Err() != nil {
			continue
		}
		if err := w.fn(h); err != nil {
			c.lock.Lock()
			if c.err == nil {
				c.err = errors.Wrapf(err, "channel %s", c.name)
				klog.V(1).Infof("device: channel %s poisoned: %v", c.name, err)
			}
			c.lock.Unlock()
		}
	}
}

// A Fence is a one-shot completion signal recorded on a
// Channel. Other channels, or the host, can wait on it.
type Fence struct {
	loop *simulator.EventLoop

	lock    sync.Mutex
	done    bool
	err     error
	waiters []*simulator.EventStream
}

func newFence(loop *simulator.EventLoop) *Fence {
	return &Fence{loop: loop}
}

// Wait blocks h until the fence completes and returns the
// error of the channel that recorded it.
func (f *Fence) Wait(h *simulator.Handle) error {
	f.lock.Lock()
	if f.done {
		f.lock.Unlock()
		return f.err
	}
	stream := h.Stream()
	f.waiters = append(f.waiters, stream)
	f.lock.Unlock()
	h.Poll(stream)
	return f.Err()
}

// Err returns the fence's error once it is done.
func (f *Fence) Err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.err
}

func (f *Fence) complete(h *simulator.Handle, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.err = err
	for _, w := range f.waiters {
		h.Schedule(w, nil, 0)
	}
	f.waiters = nil
}
