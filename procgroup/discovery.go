// Package procgroup resolves who a process is within its
// process group: its ranks, the node it lives on, and the
// shared group identity that binds every member together.
package procgroup

import (
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrNotInitialized is returned by discovery calls made
	// before Initialize or after Finalize.
	ErrNotInitialized = errors.New("rank discovery is not initialized")

	// ErrRootOutOfRange is returned when a broadcast names a
	// root that is not a member of the group.
	ErrRootOutOfRange = errors.New("broadcast root out of range")

	// ErrNotRoot is returned when a non-root process tries to
	// generate the group identity.
	ErrNotRoot = errors.New("only rank 0 may generate the group identity")
)

// Discovery is the rank-discovery service a process uses to
// learn its place in the group, in the spirit of MPI.
type Discovery interface {
	// Initialize must be called once before any other method.
	Initialize() error

	// Rank returns this process's global rank.
	Rank() int

	// Size returns the number of processes in the group.
	Size() int

	// Broadcast copies buf on the root process into buf on
	// every other process. Every member must call it with a
	// buffer of the same length; non-roots block until the
	// data arrives.
	Broadcast(buf []byte, root int) error

	// Finalize releases the service.
	Finalize() error
}

// HostNamer is implemented by Discovery services that know
// the name of the machine the process runs on.
type HostNamer interface {
	Host() string
}

// HostOf returns the host a process runs on, falling back
// to the operating system's host name.
func HostOf(d Discovery) (string, error) {
	if namer, ok := d.(HostNamer); ok {
		return namer.Host(), nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", errors.Wrap(err, "look up host name")
	}
	return host, nil
}
