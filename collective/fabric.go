package collective

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/procgroup"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// A Fabric is a simulated Transport. Reductions travel over
// a simulator.Network between the nodes of the members and
// are carried out by an allreduce.Allreducer.
//
// Group rank i always runs on Nodes[i].
type Fabric struct {
	Loop    *simulator.EventLoop
	Network simulator.Network
	Nodes   []*simulator.Node
	Reducer allreduce.Allreducer

	lock   sync.Mutex
	groups map[procgroup.Identity]*fabricGroup
}

// NewFabric creates a fabric for the given nodes.
func NewFabric(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	reducer allreduce.Allreducer) *Fabric {
	return &Fabric{
		Loop:    loop,
		Network: network,
		Nodes:   nodes,
		Reducer: reducer,
		groups:  map[procgroup.Identity]*fabricGroup{},
	}
}

// NewWorldFabric creates a fabric spanning every process
// in a World.
func NewWorldFabric(w *procgroup.World, reducer allreduce.Allreducer) *Fabric {
	return NewFabric(w.Loop, w.Network, w.Nodes, reducer)
}

type fabricGroup struct {
	size    int
	members []bool
	live    int
	ops     map[int]*fabricOp
}

// fabricOp is the shared state of one collective call,
// identified by its sequence number within the group.
type fabricOp struct {
	count   int
	dtype   device.DType
	ports   []*simulator.Port
	fetched int
}

// NewGroup implements Transport.
func (f *Fabric) NewGroup(id procgroup.Identity, rank, size int, dev *device.Device) (Group, error) {
	if id.IsZero() {
		return nil, errors.New("new group: zero identity")
	}
	if size < 1 || size > len(f.Nodes) {
		return nil, errors.Errorf("new group %s: size %d out of range [1, %d]", id, size, len(f.Nodes))
	}
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("new group %s: rank %d out of range for size %d", id, rank, size)
	}
	if dev == nil {
		return nil, errors.Errorf("new group %s: rank %d has no device", id, rank)
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	g, ok := f.groups[id]
	if !ok {
		g = &fabricGroup{size: size, members: make([]bool, size), ops: map[int]*fabricOp{}}
		f.groups[id] = g
	}
	if g.size != size {
		return nil, errors.Errorf("new group %s: size %d disagrees with size %d of other members",
			id, size, g.size)
	}
	if g.members[rank] {
		return nil, errors.Errorf("new group %s: rank %d joined twice", id, rank)
	}
	g.members[rank] = true
	g.live++
	klog.V(1).Infof("collective: rank %d/%d joined group %s on %s", rank, size, id, dev)
	return &fabricHandle{fabric: f, id: id, rank: rank, size: size, device: dev}, nil
}

// op returns the shared state for call seq, checking that
// every member agrees on its shape.
func (f *Fabric) op(id procgroup.Identity, seq, count int, dtype device.DType) (*fabricOp, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, errors.Wrapf(ErrGroupDestroyed, "call %d", seq)
	}
	op, ok := g.ops[seq]
	if !ok {
		op = &fabricOp{count: count, dtype: dtype, ports: make([]*simulator.Port, g.size)}
		for i := range op.ports {
			op.ports[i] = f.Nodes[i].Port(f.Loop)
		}
		g.ops[seq] = op
	}
	if op.count != count || op.dtype != dtype {
		return nil, errors.Wrapf(ErrShapeMismatch, "call %d: %d x %s vs %d x %s",
			seq, count, dtype, op.count, op.dtype)
	}
	op.fetched++
	if op.fetched == g.size {
		delete(g.ops, seq)
	}
	return op, nil
}

func (f *Fabric) leave(id procgroup.Identity, rank int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	g, ok := f.groups[id]
	if !ok || !g.members[rank] {
		return errors.Wrapf(ErrGroupDestroyed, "group %s rank %d", id, rank)
	}
	g.members[rank] = false
	g.live--
	if g.live == 0 {
		delete(f.groups, id)
	}
	return nil
}

type fabricHandle struct {
	fabric *Fabric
	id     procgroup.Identity
	rank   int
	size   int
	device *device.Device

	lock      sync.Mutex
	seq       int
	destroyed bool
}

func (g *fabricHandle) Rank() int {
	return g.rank
}

func (g *fabricHandle) Size() int {
	return g.size
}

func (g *fabricHandle) Device() *device.Device {
	return g.device
}

func (g *fabricHandle) AllReduce(h *simulator.Handle, send, recv *device.Buffer, count int,
	ch *device.Channel) error {
	if send.DType() != recv.DType() {
		return errors.Errorf("allreduce: send is %s but recv is %s", send.DType(), recv.DType())
	}
	if count < 0 || count > send.Len() || count > recv.Len() {
		return errors.Errorf("allreduce: count %d does not fit buffers of %d and %d",
			count, send.Len(), recv.Len())
	}
	fn, err := reduceFn(send.DType())
	if err != nil {
		return err
	}

	g.lock.Lock()
	if g.destroyed {
		g.lock.Unlock()
		return errors.Wrapf(ErrGroupDestroyed, "allreduce on rank %d", g.rank)
	}
	seq := g.seq
	g.seq++
	g.lock.Unlock()

	dtype := send.DType()
	klog.V(3).Infof("collective: rank %d enqueued allreduce %d (%d x %s)", g.rank, seq, count, dtype)
	return ch.Enqueue(h, func(h *simulator.Handle) error {
		if send.Freed() || recv.Freed() {
			return errors.Wrapf(device.ErrFreed, "allreduce %d on rank %d", seq, g.rank)
		}
		op, err := g.fabric.op(g.id, seq, count, dtype)
		if err != nil {
			return err
		}
		comms := &collcomm.Comms{
			Handle:   h,
			Port:     op.ports[g.rank],
			Ports:    op.ports,
			Network:  g.fabric.Network,
			ElemSize: dtype.Size(),
		}
		data := readFloat64(send.Slice(0, count))
		var res []float64
		if e := exceptions.Try(func() { res = g.fabric.Reducer.Allreduce(comms, data, fn) }); e != nil {
			return errors.Errorf("allreduce %d on rank %d failed: %v", seq, g.rank, e)
		}
		writeFloat64(recv.Slice(0, count), res)
		return nil
	})
}

func (g *fabricHandle) Destroy() error {
	g.lock.Lock()
	if g.destroyed {
		g.lock.Unlock()
		return errors.Wrapf(ErrGroupDestroyed, "destroy rank %d", g.rank)
	}
	g.destroyed = true
	g.lock.Unlock()
	return g.fabric.leave(g.id, g.rank)
}

func reduceFn(dtype device.DType) (collcomm.ReduceFn, error) {
	switch dtype {
	case device.Float32:
		return collcomm.Float32Sum, nil
	case device.Float16:
		return collcomm.HalfSum, nil
	}
	return nil, errors.Errorf("allreduce: unsupported dtype %s", dtype)
}

func readFloat64(b *device.Buffer) []float64 {
	res := make([]float64, b.Len())
	if b.DType() == device.Float16 {
		for i, x := range b.Float16() {
			res[i] = float64(x.Float32())
		}
	} else {
		for i, x := range b.Float32() {
			res[i] = float64(x)
		}
	}
	return res
}

func writeFloat64(b *device.Buffer, vec []float64) {
	if b.DType() == device.Float16 {
		dst := b.Float16()
		for i, x := range vec {
			dst[i] = float16.Fromfloat32(float32(x))
		}
	} else {
		dst := b.Float32()
		for i, x := range vec {
			dst[i] = float32(x)
		}
	}
}
