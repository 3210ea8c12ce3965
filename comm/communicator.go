// Package comm implements the gradient-synchronization
// communicator: a process binds to one device, allocates
// fixed fusion buffers, joins a communication group and
// then repeatedly sums tensors across the group.
//
// Synchronization calls are asynchronous. They enqueue
// copy, conversion and reduction work on the device's
// channels and return; Wait blocks until it is done.
//
// Every error returned by a Communicator is a *FatalError.
// Callers are expected to hand it to Check (or an
// equivalent boundary) rather than carry on.
package comm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collective"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/procgroup"
	"github.com/unixpickle/gradsync/simulator"
	"k8s.io/klog/v2"
)

// Env is what a process provides to build a Communicator.
type Env struct {
	// Handle is the calling process's Goroutine handle.
	// Wait and the setup broadcasts block on it.
	Handle *simulator.Handle

	// Discovery is only needed by the bootstrap path.
	Discovery procgroup.Discovery

	// Devices lists the devices on the process's host.
	Devices []*device.Device

	// Transport forms the communication group.
	Transport collective.Transport
}

// ProcessEnv builds an Env for a simulated process.
func ProcessEnv(p *procgroup.Process, t collective.Transport) Env {
	return Env{
		Handle:    p.Handle,
		Discovery: p,
		Devices:   p.Devices(),
		Transport: t,
	}
}

// Channels are the device queues a Communicator owns.
type Channels struct {
	Reduce  *device.Channel
	CopyIn  *device.Channel
	CopyOut *device.Channel
}

func (c *Channels) close(h *simulator.Handle) {
	for _, ch := range []*device.Channel{c.Reduce, c.CopyIn, c.CopyOut} {
		if ch != nil {
			ch.Close(h)
		}
	}
}

// A Communicator synchronizes tensors across a process
// group. It is bound to a single process and device, and
// calls on it must not overlap.
type Communicator struct {
	Ranks    procgroup.RankContext
	Identity procgroup.Identity

	handle    *simulator.Handle
	discovery procgroup.Discovery
	device    *device.Device
	channels  Channels
	buffers   *FusionBuffers
	group     collective.Group

	// lastReduce and lastCopyOut guard fusion buffer reuse:
	// the next copy-in must not overwrite a send buffer that
	// is still being reduced, and the next reduction must
	// not overwrite a receive buffer still being copied out.
	lastReduce  *device.Fence
	lastCopyOut *device.Fence

	failed    error
	destroyed bool
}

// New is the bootstrap path. It resolves the ranks, has
// rank 0 generate and broadcast the group identity, binds
// the device matching the local rank and joins the group.
// Every member must call New together.
//
// The Communicator owns env.Discovery and finalizes it in
// Destroy.
func New(env Env, cfg Config) (*Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fatal("New", 1, err)
	}
	if env.Discovery == nil {
		return nil, fatal("New", 1, errors.New("bootstrap needs a rank discovery service"))
	}
	ranks, err := procgroup.Resolve(env.Discovery)
	if err != nil {
		return nil, fatal("New", 1, err)
	}
	c := &Communicator{Ranks: ranks, handle: env.Handle, discovery: env.Discovery}
	c.Identity, err = procgroup.SetupIdentity(env.Discovery, ranks)
	if err != nil {
		c.Destroy()
		return nil, fatal("New", 1, err)
	}
	if err := c.setup(env, cfg, ranks.Local); err != nil {
		c.Destroy()
		return nil, fatal("New", 1, err)
	}
	return c, nil
}

// NewExplicit is the explicit path: the caller supplies the
// device, the topology and an identity it has already
// distributed.
func NewExplicit(env Env, ecfg ExplicitConfig, cfg Config) (*Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fatal("NewExplicit", 1, err)
	}
	ranks, err := ecfg.RankContext()
	if err != nil {
		return nil, fatal("NewExplicit", 1, err)
	}
	c := &Communicator{Ranks: ranks, Identity: ecfg.Identity, handle: env.Handle}
	if err := c.setup(env, cfg, ecfg.Device); err != nil {
		c.Destroy()
		return nil, fatal("NewExplicit", 1, err)
	}
	return c, nil
}

// setup binds the device, creates the channels and
// buffers, then joins the group.
func (c *Communicator) setup(env Env, cfg Config, deviceIndex int) error {
	cfg = cfg.withDefaults()
	if env.Handle == nil {
		return errors.New("setup: no process handle")
	}
	if deviceIndex < 0 || deviceIndex >= len(env.Devices) {
		return errors.Errorf("bind device %d: host has %d devices", deviceIndex, len(env.Devices))
	}
	if env.Transport == nil {
		return errors.New("setup: no collective transport")
	}
	c.device = env.Devices[deviceIndex]
	cfg.applyRates(c.device)

	c.channels = Channels{
		Reduce:  c.device.NewChannel("reduce"),
		CopyIn:  c.device.NewChannel("copy-in"),
		CopyOut: c.device.NewChannel("copy-out"),
	}

	var err error
	c.buffers, err = AllocFusionBuffers(c.device, cfg.Capacity)
	if err != nil {
		return err
	}

	c.group, err = env.Transport.NewGroup(c.Identity, c.Ranks.Global, c.Ranks.Size, c.device)
	if err != nil {
		return errors.Wrap(err, "create communication group")
	}
	klog.V(1).Infof("comm: %s bound to %s with capacity %d", c.Ranks, c.device, cfg.Capacity)
	return nil
}

// Device returns the bound device.
func (c *Communicator) Device() *device.Device {
	return c.device
}

// Capacity returns the fusion buffer capacity in elements.
func (c *Communicator) Capacity() int {
	if c.buffers == nil {
		return 0
	}
	return c.buffers.Capacity()
}

// Destroy waits for outstanding work, then releases the
// channels, the fusion buffers and the group, in that
// order. It is safe on a partially constructed or already
// destroyed Communicator.
func (c *Communicator) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true

	var errs []error
	if c.failed == nil && c.group != nil {
		// A failed group may never finish its work, so only
		// drain a healthy one.
		errs = append(errs, c.drain())
	}
	if c.handle != nil {
		c.channels.close(c.handle)
	}
	if c.buffers != nil {
		errs = append(errs, c.buffers.Free())
		c.buffers = nil
	}
	if c.group != nil {
		errs = append(errs, c.group.Destroy())
		c.group = nil
	}
	if c.discovery != nil {
		errs = append(errs, c.discovery.Finalize())
		c.discovery = nil
	}
	for _, err := range errs {
		if err != nil {
			klog.Warningf("comm: %s destroy: %v", c.Ranks, err)
			return errors.Wrap(err, "destroy communicator")
		}
	}
	return nil
}
