package procgroup

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// IdentitySize is the number of bytes in an Identity.
const IdentitySize = 16

// An Identity is the opaque token that binds processes
// into one communication group. Rank 0 generates it and
// every other member receives a copy by broadcast.
type Identity [IdentitySize]byte

// GenerateIdentity creates a fresh random identity.
// Only the process with global rank 0 may call it.
func GenerateIdentity(ctx RankContext) (Identity, error) {
	if ctx.Global != 0 {
		return Identity{}, errors.Wrapf(ErrNotRoot, "%s", ctx)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return Identity{}, errors.Wrap(err, "generate group identity")
	}
	return Identity(id), nil
}

// BroadcastIdentity sends id from rank 0 to every member and
// returns the identity every member now shares.
// Non-roots pass the zero Identity and block until the
// root's copy arrives.
func BroadcastIdentity(d Discovery, id Identity) (Identity, error) {
	buf := make([]byte, IdentitySize)
	copy(buf, id[:])
	if err := d.Broadcast(buf, 0); err != nil {
		return Identity{}, errors.Wrap(err, "broadcast group identity")
	}
	var res Identity
	copy(res[:], buf)
	return res, nil
}

// SetupIdentity generates the identity on rank 0 and
// distributes it to the whole group.
func SetupIdentity(d Discovery, ctx RankContext) (Identity, error) {
	var id Identity
	if ctx.Global == 0 {
		var err error
		id, err = GenerateIdentity(ctx)
		if err != nil {
			return Identity{}, err
		}
	}
	id, err := BroadcastIdentity(d, id)
	if err != nil {
		return Identity{}, err
	}
	klog.V(1).Infof("procgroup: %s joined group %s", ctx, id)
	return id, nil
}

// IsZero reports whether the identity was never set.
func (i Identity) IsZero() bool {
	return i == Identity{}
}

func (i Identity) String() string {
	return uuid.UUID(i).String()
}
