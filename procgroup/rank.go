package procgroup

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// A RankContext records where a process sits in its group.
// It is resolved once and never changes.
type RankContext struct {
	// Global is the rank within the whole group.
	Global int

	// Size is the number of processes in the group.
	Size int

	// Local is the rank among processes on the same host.
	// It selects which device the process binds to.
	Local int
}

// Validate checks the rank invariants.
func (r RankContext) Validate() error {
	if r.Size < 1 {
		return errors.Errorf("invalid rank context %v: size must be at least 1", r)
	}
	if r.Global < 0 || r.Global >= r.Size {
		return errors.Errorf("invalid rank context %v: global rank out of range", r)
	}
	if r.Local < 0 || r.Local > r.Global {
		return errors.Errorf("invalid rank context %v: local rank out of range", r)
	}
	return nil
}

func (r RankContext) String() string {
	return fmt.Sprintf("rank %d/%d (local %d)", r.Global, r.Size, r.Local)
}

// Resolve initializes d and works out the RankContext.
//
// The local rank is found by having every rank broadcast a
// hash of its host name in turn; a process's local rank is
// the number of lower ranks on the same host.
// Resolve is collective: every member must call it.
//
// If Resolve fails after initializing d, it finalizes d.
func Resolve(d Discovery) (_ RankContext, err error) {
	if err := d.Initialize(); err != nil {
		return RankContext{}, errors.Wrap(err, "initialize rank discovery")
	}
	defer func() {
		if err != nil {
			if ferr := d.Finalize(); ferr != nil {
				klog.Warningf("procgroup: finalize after failed resolve: %v", ferr)
			}
		}
	}()
	ctx := RankContext{Global: d.Rank(), Size: d.Size()}
	if err := ctx.Validate(); err != nil {
		return RankContext{}, err
	}

	host, err := HostOf(d)
	if err != nil {
		return RankContext{}, err
	}
	mine := hostHash(host)
	for root := 0; root < ctx.Size; root++ {
		buf := make([]byte, 8)
		if root == ctx.Global {
			binary.LittleEndian.PutUint64(buf, mine)
		}
		if err := d.Broadcast(buf, root); err != nil {
			return RankContext{}, errors.Wrapf(err, "exchange host of rank %d", root)
		}
		if root < ctx.Global && binary.LittleEndian.Uint64(buf) == mine {
			ctx.Local++
		}
	}
	klog.V(1).Infof("procgroup: resolved %s on host %s", ctx, host)
	return ctx, nil
}

func hostHash(host string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(host))
	return h.Sum64()
}
