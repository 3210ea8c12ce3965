// Package distopt wraps an Optimizer for data-parallel
// training: gradients are summed across the process group
// with a comm.Communicator, averaged, then applied.
package distopt

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/comm"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/tensor"
	"k8s.io/klog/v2"
)

// DefaultThreshold is the default fusion threshold in
// elements. Half of comm.DefaultCapacity, so a fused bucket
// always fits.
const DefaultThreshold = 2097152

// Options tune the gradient bucketing.
type Options struct {
	// Threshold is the bucket size in elements. Gradients
	// larger than this are synchronized on their own;
	// smaller ones are fused until a bucket exceeds it.
	Threshold int

	// Clipping clamps gradients to [-ClipValue, ClipValue]
	// before the half-precision sync.
	Clipping  bool
	ClipValue float32
}

// A ParamGrad pairs a parameter with its gradient.
type ParamGrad struct {
	Param *tensor.Tensor
	Grad  *tensor.Tensor
}

// DistOpt is a distributed wrapper around an Optimizer.
// Every member of the group must call its methods in the
// same order with identically shaped tensors.
type DistOpt struct {
	Opt       Optimizer
	Comm      *comm.Communicator
	WorldSize int
	Options   Options

	// partial is the 1-based partition that the next
	// BackwardAndPartialUpdate synchronizes.
	partial int
}

// New wraps opt around a communicator.
func New(c *comm.Communicator, opt Optimizer, opts Options) *DistOpt {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ClipValue == 0 {
		opts.ClipValue = 100
	}
	if 2*opts.Threshold > c.Capacity() {
		klog.Warningf("distopt: threshold %d exceeds half the fusion capacity %d; large buckets will not be fused",
			opts.Threshold, c.Capacity())
	}
	return &DistOpt{Opt: opt, Comm: c, WorldSize: c.Ranks.Size, Options: opts}
}

// AllReduce sums t across the group asynchronously.
// A tensor larger than the fusion capacity is synchronized
// in capacity-sized pieces.
func (d *DistOpt) AllReduce(t *tensor.Tensor) error {
	for _, p := range pieces(t, d.Comm.Capacity()) {
		if err := d.Comm.Synch(p); err != nil {
			return err
		}
	}
	return nil
}

// FusedAllReduce sums ts across the group with one
// reduction, or one tensor at a time if they do not fit the
// fusion buffers together.
func (d *DistOpt) FusedAllReduce(ts []*tensor.Tensor) error {
	if tensor.TotalSize(ts) > d.Comm.Capacity() {
		return eachTensor(ts, d.AllReduce)
	}
	return d.Comm.FusedSynch(commTensors(ts))
}

// AllReduceHalf is AllReduce in half precision.
func (d *DistOpt) AllReduceHalf(t *tensor.Tensor) error {
	for _, p := range pieces(t, d.Comm.Capacity()) {
		if err := d.Comm.SynchHalf(p); err != nil {
			return err
		}
	}
	return nil
}

// FusedAllReduceHalf is FusedAllReduce in half precision.
func (d *DistOpt) FusedAllReduceHalf(ts []*tensor.Tensor) error {
	if tensor.TotalSize(ts) > d.Comm.Capacity() {
		return eachTensor(ts, d.AllReduceHalf)
	}
	return d.Comm.FusedSynchHalf(commTensors(ts))
}

// Wait blocks until outstanding reductions finish.
func (d *DistOpt) Wait() error {
	return d.Comm.Wait()
}

// Update averages a summed gradient and applies it.
func (d *DistOpt) Update(param, grad *tensor.Tensor) error {
	grad.Scale(1 / float32(d.WorldSize))
	return d.Opt.Update(param, grad)
}

// BackwardAndUpdate synchronizes every gradient, fusing
// small ones, then averages and applies them.
func (d *DistOpt) BackwardAndUpdate(pgs []ParamGrad) error {
	return d.syncAndUpdate(pgs, d.AllReduce, d.FusedAllReduce)
}

// BackwardAndUpdateHalf is BackwardAndUpdate with the
// gradients travelling in half precision, optionally
// clipped first to keep them in the float16 range.
func (d *DistOpt) BackwardAndUpdateHalf(pgs []ParamGrad) error {
	if d.Options.Clipping {
		for _, pg := range pgs {
			pg.Grad.Clip(-d.Options.ClipValue, d.Options.ClipValue)
		}
	}
	return d.syncAndUpdate(pgs, d.AllReduceHalf, d.FusedAllReduceHalf)
}

func (d *DistOpt) syncAndUpdate(pgs []ParamGrad, single func(*tensor.Tensor) error,
	fused func([]*tensor.Tensor) error) error {
	grads := make([]*tensor.Tensor, len(pgs))
	for i, pg := range pgs {
		grads[i] = pg.Grad
	}
	buckets := Buckets(grads, d.Options.Threshold)
	klog.V(2).Infof("distopt: %d gradients (%d elements, largest %d) in %d buckets", len(grads),
		tensor.TotalSize(grads), tensor.MaxSize(grads), len(buckets))
	for _, b := range buckets {
		var err error
		if b.Fused {
			err = fused(b.Tensors)
		} else {
			err = single(b.Tensors[0])
		}
		if err != nil {
			return err
		}
	}
	if err := d.Wait(); err != nil {
		return err
	}
	for _, pg := range pgs {
		if err := d.Update(pg.Param, pg.Grad); err != nil {
			return errors.Wrapf(err, "update %s", pg.Param)
		}
	}
	return nil
}

// BackwardAndPartialUpdate applies every gradient locally,
// then synchronizes and averages the parameters of one
// bucket. Successive calls rotate through the buckets, so
// replicas converge once per cycle.
func (d *DistOpt) BackwardAndPartialUpdate(pgs []ParamGrad) error {
	params := make([]*tensor.Tensor, len(pgs))
	for i, pg := range pgs {
		if err := d.Opt.Update(pg.Param, pg.Grad); err != nil {
			return errors.Wrapf(err, "update %s", pg.Param)
		}
		params[i] = pg.Param
	}

	buckets := Buckets(params, d.Options.Threshold)
	if len(buckets) == 0 {
		return nil
	}
	d.partial++
	b := buckets[d.partial-1]
	klog.V(2).Infof("distopt: partial update of bucket %d/%d", d.partial, len(buckets))
	if d.partial == len(buckets) {
		d.partial = 0
	}

	var err error
	if b.Fused {
		err = d.FusedAllReduce(b.Tensors)
	} else {
		err = d.AllReduce(b.Tensors[0])
	}
	if err != nil {
		return err
	}
	if err := d.Wait(); err != nil {
		return err
	}
	for _, p := range b.Tensors {
		p.Scale(1 / float32(d.WorldSize))
	}
	return nil
}

// A Bucket is a group of tensors reduced by one call.
type Bucket struct {
	Tensors []*tensor.Tensor

	// Fused is false for a tensor above the threshold,
	// which is synchronized on its own.
	Fused bool
}

// Buckets groups ts in order: tensors larger than
// threshold get their own bucket, the rest accumulate
// until their total exceeds threshold. Leftovers form a
// final bucket.
func Buckets(ts []*tensor.Tensor, threshold int) []Bucket {
	var res []Bucket
	var acc int
	var cur []*tensor.Tensor
	for _, t := range ts {
		if t.Size() > threshold {
			res = append(res, Bucket{Tensors: []*tensor.Tensor{t}})
			continue
		}
		cur = append(cur, t)
		acc += t.Size()
		if acc > threshold {
			res = append(res, Bucket{Tensors: cur, Fused: true})
			cur = nil
			acc = 0
		}
	}
	if len(cur) > 0 {
		res = append(res, Bucket{Tensors: cur, Fused: true})
	}
	return res
}

// A piece is a contiguous range of a tensor's memory,
// synchronized like a tensor of its own.
type piece struct {
	buf *device.Buffer
}

func (p piece) Buffer() *device.Buffer {
	return p.buf
}

// pieces splits t into views of at most n elements.
func pieces(t *tensor.Tensor, n int) []comm.Tensor {
	size := t.Size()
	if n <= 0 || size <= n {
		return []comm.Tensor{t}
	}
	var res []comm.Tensor
	for lo := 0; lo < size; lo += n {
		res = append(res, piece{buf: t.Buffer().Slice(lo, essentials.MinInt(lo+n, size))})
	}
	return res
}

func eachTensor(ts []*tensor.Tensor, f func(t *tensor.Tensor) error) error {
	for _, t := range ts {
		if err := f(t); err != nil {
			return err
		}
	}
	return nil
}

func commTensors(ts []*tensor.Tensor) []comm.Tensor {
	res := make([]comm.Tensor, len(ts))
	for i, t := range ts {
		res[i] = t
	}
	return res
}
