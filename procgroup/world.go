package procgroup

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/simulator"
)

// A HostSpec describes one simulated machine.
type HostSpec struct {
	Name    string
	Procs   int
	Devices int
}

// A World is a simulated cluster: hosts with devices, one
// network node per process, and a launcher that runs every
// process in its own Goroutine on the event loop.
type World struct {
	Name    string
	Loop    *simulator.EventLoop
	Network simulator.Network

	// Nodes holds one network node per global rank.
	Nodes []*simulator.Node

	hosts   []string
	devices map[string][]*device.Device
	ports   []*simulator.Port
}

// NewWorld creates a World whose network is built by
// makeNetwork from the process nodes.
// If makeNetwork is nil, a RandomNetwork is used.
func NewWorld(loop *simulator.EventLoop, specs []HostSpec,
	makeNetwork func(nodes []*simulator.Node) simulator.Network) *World {
	w := &World{
		Name:    uuid.NewString(),
		Loop:    loop,
		devices: map[string][]*device.Device{},
	}
	for _, spec := range specs {
		w.devices[spec.Name] = device.NewHost(loop, spec.Name, spec.Devices)
		for i := 0; i < spec.Procs; i++ {
			w.hosts = append(w.hosts, spec.Name)
			w.Nodes = append(w.Nodes, simulator.NewHostNode(spec.Name))
		}
	}
	for _, node := range w.Nodes {
		w.ports = append(w.ports, node.Port(loop))
	}
	if makeNetwork == nil {
		w.Network = simulator.RandomNetwork{}
	} else {
		w.Network = makeNetwork(w.Nodes)
	}
	return w
}

// NewSingleHostWorld creates a World with n processes and
// n devices on one host.
func NewSingleHostWorld(loop *simulator.EventLoop, n int) *World {
	return NewWorld(loop, []HostSpec{{Name: "host0", Procs: n, Devices: n}}, nil)
}

// Size returns the number of processes.
func (w *World) Size() int {
	return len(w.Nodes)
}

// Devices returns the devices installed on a host.
func (w *World) Devices(host string) []*device.Device {
	return w.devices[host]
}

// Spawn starts every process, calling f in its own
// Goroutine with that process's view of the world.
// Run the loop afterwards to drive them.
func (w *World) Spawn(f func(p *Process)) {
	for rank := range w.Nodes {
		rank := rank
		w.Loop.GoNamed(fmt.Sprintf("rank-%d", rank), func(h *simulator.Handle) {
			f(&Process{
				Handle:  h,
				World:   w,
				rank:    rank,
				pending: map[int][]byte{},
			})
		})
	}
}

// A Process is one simulated member of a World. It
// implements Discovery over the world's network.
type Process struct {
	Handle *simulator.Handle
	World  *World

	rank int

	lock        sync.Mutex
	initialized bool
	finalized   bool
	seq         int
	pending     map[int][]byte
}

type bcastMessage struct {
	seq  int
	data []byte
}

// Host returns the host the process runs on.
func (p *Process) Host() string {
	return p.World.hosts[p.rank]
}

// Devices returns the devices on the process's host.
func (p *Process) Devices() []*device.Device {
	return p.World.Devices(p.Host())
}

// Initialize marks the process as a group member.
func (p *Process) Initialize() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.finalized {
		return errors.New("initialize: process was finalized")
	}
	if p.initialized {
		return errors.New("initialize: already initialized")
	}
	p.initialized = true
	return nil
}

// Rank returns the process's global rank.
func (p *Process) Rank() int {
	return p.rank
}

// Size returns the number of processes in the world.
func (p *Process) Size() int {
	return p.World.Size()
}

// Broadcast implements Discovery.Broadcast.
func (p *Process) Broadcast(buf []byte, root int) error {
	p.lock.Lock()
	if !p.initialized || p.finalized {
		p.lock.Unlock()
		return errors.Wrap(ErrNotInitialized, "broadcast")
	}
	seq := p.seq
	p.seq++
	p.lock.Unlock()

	if root < 0 || root >= p.Size() {
		return errors.Wrapf(ErrRootOutOfRange, "broadcast from root %d in group of %d", root, p.Size())
	}

	ports := p.World.ports
	if root == p.rank {
		msgs := make([]*simulator.Message, 0, len(ports)-1)
		for i, port := range ports {
			if i == p.rank {
				continue
			}
			msgs = append(msgs, &simulator.Message{
				Source:  ports[p.rank],
				Dest:    port,
				Message: &bcastMessage{seq: seq, data: append([]byte{}, buf...)},
				Size:    float64(len(buf)),
			})
		}
		if len(msgs) > 0 {
			p.World.Network.Send(p.Handle, msgs...)
		}
		return nil
	}

	data := p.recv(seq)
	if len(data) != len(buf) {
		return errors.Errorf("broadcast %d: received %d bytes into a %d byte buffer", seq, len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

// recv waits for broadcast number seq, stashing any later
// broadcasts that overtake it on the network.
func (p *Process) recv(seq int) []byte {
	if data, ok := p.pending[seq]; ok {
		delete(p.pending, seq)
		return data
	}
	port := p.World.ports[p.rank]
	for {
		msg := port.Recv(p.Handle).Message.(*bcastMessage)
		if msg.seq == seq {
			return msg.data
		}
		p.pending[msg.seq] = msg.data
	}
}

// Finalize ends the process's membership.
func (p *Process) Finalize() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.initialized {
		return errors.Wrap(ErrNotInitialized, "finalize")
	}
	if p.finalized {
		return errors.New("finalize: already finalized")
	}
	p.finalized = true
	return nil
}
