package comm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/device"
	"k8s.io/klog/v2"
)

// A Tensor is anything backed by a float32 device buffer.
// The communicator only touches the buffer for the duration
// of a call and its asynchronous work.
type Tensor interface {
	Buffer() *device.Buffer
}

// Synch sums t across the group, in place.
//
// The call only enqueues work; call Wait before reading or
// writing t again.
func (c *Communicator) Synch(t Tensor) error {
	if err := c.synch([]Tensor{t}, Full); err != nil {
		return fatal("Synch", 1, err)
	}
	return nil
}

// FusedSynch sums a batch of tensors with a single
// reduction. The tensors are packed back to back into the
// send buffer, so their total size must fit the capacity.
func (c *Communicator) FusedSynch(ts []Tensor) error {
	if err := c.synch(ts, Full); err != nil {
		return fatal("FusedSynch", 1, err)
	}
	return nil
}

// SynchHalf is like Synch, but the data travels and is
// summed in float16.
func (c *Communicator) SynchHalf(t Tensor) error {
	if err := c.synch([]Tensor{t}, Half); err != nil {
		return fatal("SynchHalf", 1, err)
	}
	return nil
}

// FusedSynchHalf is like FusedSynch, but the data travels
// and is summed in float16.
func (c *Communicator) FusedSynchHalf(ts []Tensor) error {
	if err := c.synch(ts, Half); err != nil {
		return fatal("FusedSynchHalf", 1, err)
	}
	return nil
}

// Wait blocks until every previously issued sync has
// finished and its results are in the tensors.
// With nothing outstanding it returns right away.
func (c *Communicator) Wait() error {
	if err := c.usable(); err != nil {
		return fatal("Wait", 1, err)
	}
	if c.lastCopyOut == nil {
		return nil
	}
	if err := c.lastCopyOut.Wait(c.handle); err != nil {
		c.failed = err
		return fatal("Wait", 1, err)
	}
	return nil
}

// Err returns the error that broke the communicator, if
// any.
func (c *Communicator) Err() error {
	return c.failed
}

func (c *Communicator) usable() error {
	if c.failed != nil {
		return errors.Wrap(c.failed, "communicator already failed")
	}
	if c.destroyed || c.group == nil || c.buffers == nil {
		return ErrNotInitialized
	}
	return nil
}

// synch enqueues copy-in, reduce and copy-out for a batch.
// Any failure marks the communicator as failed.
func (c *Communicator) synch(ts []Tensor, prec Precision) error {
	if err := c.usable(); err != nil {
		return err
	}
	total, err := batchSize(ts)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	if err := c.enqueueSynch(ts, total, prec); err != nil {
		c.failed = err
		return err
	}
	return nil
}

func batchSize(ts []Tensor) (int, error) {
	var total int
	for i, t := range ts {
		if t == nil || t.Buffer() == nil {
			return 0, errors.Errorf("tensor %d has no buffer", i)
		}
		buf := t.Buffer()
		if buf.DType() != device.Float32 {
			return 0, errors.Errorf("tensor %d is %s, expected %s", i, buf.DType(), device.Float32)
		}
		if buf.Freed() {
			return 0, errors.Wrapf(device.ErrFreed, "tensor %d", i)
		}
		total += buf.Len()
	}
	return total, nil
}

func (c *Communicator) enqueueSynch(ts []Tensor, total int, prec Precision) error {
	h := c.handle
	ch := c.channels

	send, err := c.buffers.Slot(Send, Full, total)
	if err != nil {
		return err
	}
	recv, err := c.buffers.Slot(Recv, Full, total)
	if err != nil {
		return err
	}
	reduceSend, reduceRecv := send, recv
	if prec == Half {
		if reduceSend, err = c.buffers.Slot(Send, Half, total); err != nil {
			return err
		}
		if reduceRecv, err = c.buffers.Slot(Recv, Half, total); err != nil {
			return err
		}
	}
	klog.V(2).Infof("comm: %s enqueue %d tensors, %d x %s", c.Ranks, len(ts), total, prec.DType())

	// Copy in. The previous reduction may still be reading
	// the send buffer.
	if c.lastReduce != nil {
		if err := ch.CopyIn.After(h, c.lastReduce); err != nil {
			return err
		}
	}
	var offset int
	for _, t := range ts {
		src := t.Buffer()
		dst := send.Slice(offset, offset+src.Len())
		if err := device.CopyAsync(h, ch.CopyIn, dst, src); err != nil {
			return errors.Wrap(err, "copy in")
		}
		offset += src.Len()
	}
	if prec == Half {
		conv := device.PrecisionConverter{Channel: ch.CopyIn}
		if err := conv.Narrow(h, reduceSend, send); err != nil {
			return err
		}
	}
	copiedIn := ch.CopyIn.Record(h)

	// Reduce, once the inputs are in place and the previous
	// copy-out is done with the receive buffer.
	if err := ch.Reduce.After(h, copiedIn); err != nil {
		return err
	}
	if c.lastCopyOut != nil {
		if err := ch.Reduce.After(h, c.lastCopyOut); err != nil {
			return err
		}
	}
	if err := c.group.AllReduce(h, reduceSend, reduceRecv, total, ch.Reduce); err != nil {
		return errors.Wrap(err, "allreduce")
	}
	c.lastReduce = ch.Reduce.Record(h)

	// Copy out.
	if err := ch.CopyOut.After(h, c.lastReduce); err != nil {
		return err
	}
	if prec == Half {
		conv := device.PrecisionConverter{Channel: ch.CopyOut}
		if err := conv.Widen(h, recv, reduceRecv); err != nil {
			return err
		}
	}
	offset = 0
	for _, t := range ts {
		dst := t.Buffer()
		src := recv.Slice(offset, offset+dst.Len())
		if err := device.CopyAsync(h, ch.CopyOut, dst, src); err != nil {
			return errors.Wrap(err, "copy out")
		}
		offset += dst.Len()
	}
	c.lastCopyOut = ch.CopyOut.Record(h)
	return nil
}

// drain waits for every channel to go idle.
func (c *Communicator) drain() error {
	var first error
	for _, ch := range []*device.Channel{c.channels.CopyIn, c.channels.Reduce, c.channels.CopyOut} {
		if ch == nil {
			continue
		}
		if err := ch.Synchronize(c.handle); err != nil && first == nil {
			first = err
		}
	}
	return first
}
