// Package allreduce implements algorithms for summing
// vectors across many different connected Nodes.
//
// These algorithms are the reduction primitive that the
// collective fabric delegates to; the communicator never
// sees which one is in use.
package allreduce

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
)

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across nodes.
//
// It is not safe to call Allreduce() multiple times in a
// row with the same Comms object.
// A new set of ports must be used every time to avoid
// interference.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn) []float64
}

var registry = map[string]func(granularity int) Allreducer{
	"naive": func(int) Allreducer { return NaiveAllreducer{} },
	"tree":  func(int) Allreducer { return TreeAllreducer{} },
	"stream": func(granularity int) Allreducer {
		return StreamAllreducer{Granularity: granularity}
	},
}

// Names lists the algorithms known to ByName, sorted.
func Names() []string {
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName looks up an algorithm.
//
// The granularity only matters for "stream".
func ByName(name string, granularity int) (Allreducer, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown allreduce algorithm %q (known: %v)", name, Names())
	}
	return ctor(granularity), nil
}
