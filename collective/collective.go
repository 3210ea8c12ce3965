// Package collective is the collective-communication
// transport a communicator delegates reductions to, much
// like NCCL: groups are formed from a shared identity and
// reductions are enqueued on device channels.
package collective

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/procgroup"
	"github.com/unixpickle/gradsync/simulator"
)

var (
	// ErrShapeMismatch means members of a group issued the
	// same collective call with different element counts or
	// types.
	ErrShapeMismatch = errors.New("collective shape mismatch across group members")

	// ErrGroupDestroyed is returned for calls on a destroyed
	// group handle.
	ErrGroupDestroyed = errors.New("communication group has been destroyed")
)

// A Transport forms communication groups.
type Transport interface {
	// NewGroup joins the group named by id as the given rank,
	// using dev for this member's buffers.
	NewGroup(id procgroup.Identity, rank, size int, dev *device.Device) (Group, error)
}

// A Group is one member's handle on a communication group.
// It owns no tensor data.
type Group interface {
	Rank() int
	Size() int
	Device() *device.Device

	// AllReduce enqueues an elementwise sum of the first
	// count elements of send across the group into recv, on
	// the channel ch. It returns once the work is enqueued.
	//
	// Every member must issue matching calls in the same
	// order, or the group deadlocks.
	AllReduce(h *simulator.Handle, send, recv *device.Buffer, count int, ch *device.Channel) error

	// Destroy releases the handle.
	Destroy() error
}
