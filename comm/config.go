package comm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/procgroup"
)

// DefaultCapacity is the default fusion buffer size in
// elements (16 MiB of float32).
const DefaultCapacity = 4194304

// Config controls a Communicator.
// Zero fields take the values from DefaultConfig.
type Config struct {
	// Capacity is the largest number of elements a single
	// call may synchronize.
	Capacity int

	// Algorithm names the reduction algorithm used by
	// simulated fabrics built from this config; see
	// allreduce.Names.
	Algorithm string

	// Granularity tunes the "stream" algorithm.
	Granularity int

	// CopyRate and ConvertRate override the bound device's
	// rates when positive.
	CopyRate    float64
	ConvertRate float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:    DefaultCapacity,
		Algorithm:   "tree",
		Granularity: 1,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = def.Capacity
	}
	if c.Algorithm == "" {
		c.Algorithm = def.Algorithm
	}
	if c.Granularity == 0 {
		c.Granularity = def.Granularity
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Capacity < 0 {
		return errors.Errorf("config: negative capacity %d", c.Capacity)
	}
	if c.Granularity < 0 {
		return errors.Errorf("config: negative granularity %d", c.Granularity)
	}
	if c.CopyRate < 0 || c.ConvertRate < 0 {
		return errors.New("config: negative device rate")
	}
	if _, err := allreduce.ByName(c.Algorithm, c.Granularity); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// Allreducer builds the configured reduction algorithm.
func (c Config) Allreducer() (allreduce.Allreducer, error) {
	c = c.withDefaults()
	return allreduce.ByName(c.Algorithm, c.Granularity)
}

func (c Config) applyRates(d *device.Device) {
	if c.CopyRate > 0 {
		d.CopyRate = c.CopyRate
	}
	if c.ConvertRate > 0 {
		d.ConvertRate = c.ConvertRate
	}
}

// ExplicitConfig describes a communicator whose group was
// set up by the caller, for callers that run several
// communicators or custom topologies.
type ExplicitConfig struct {
	// Device is the device index on this node, which is
	// also the process's local rank.
	Device int

	// DevicesPerNode is the number of devices (and
	// processes) on each node.
	DevicesPerNode int

	// NodeIndex numbers this node; the global rank is
	// NodeIndex*DevicesPerNode + Device.
	NodeIndex int

	// Identity must already be shared by every member.
	Identity procgroup.Identity

	// TotalRanks is the group size. Zero means
	// DevicesPerNode.
	TotalRanks int
}

// RankContext derives the member's ranks.
func (e ExplicitConfig) RankContext() (procgroup.RankContext, error) {
	if e.DevicesPerNode < 1 {
		return procgroup.RankContext{}, errors.Errorf("explicit config: %d devices per node", e.DevicesPerNode)
	}
	if e.Device < 0 || e.Device >= e.DevicesPerNode {
		return procgroup.RankContext{}, errors.Errorf("explicit config: device %d out of range for %d devices per node",
			e.Device, e.DevicesPerNode)
	}
	if e.NodeIndex < 0 {
		return procgroup.RankContext{}, errors.Errorf("explicit config: negative node index %d", e.NodeIndex)
	}
	if e.Identity.IsZero() {
		return procgroup.RankContext{}, errors.New("explicit config: missing group identity")
	}
	size := e.TotalRanks
	if size == 0 {
		size = e.DevicesPerNode
	}
	ctx := procgroup.RankContext{
		Global: e.NodeIndex*e.DevicesPerNode + e.Device,
		Size:   size,
		Local:  e.Device,
	}
	return ctx, ctx.Validate()
}
