package collective

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/procgroup"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/x448/float16"
)

var testIdentity = procgroup.Identity{1, 2, 3}

func TestFabricAllReduce(t *testing.T) {
	for _, name := range allreduce.Names() {
		for _, dtype := range []device.DType{device.Float32, device.Float16} {
			t.Run(fmt.Sprintf("%s/%s", name, dtype), func(t *testing.T) {
				reducer, err := allreduce.ByName(name, 2)
				require.NoError(t, err)
				testFabricAllReduce(t, reducer, dtype)
			})
		}
	}
}

func testFabricAllReduce(t *testing.T, reducer allreduce.Allreducer, dtype device.DType) {
	const n = 5
	loop := simulator.NewEventLoop()
	world := procgroup.NewSingleHostWorld(loop, n)
	fabric := NewWorldFabric(world, reducer)
	results := make([][]float32, n)

	world.Spawn(func(p *procgroup.Process) {
		h := p.Handle
		dev := p.Devices()[p.Rank()]
		group, err := fabric.NewGroup(testIdentity, p.Rank(), n, dev)
		require.NoError(t, err)
		ch := dev.NewChannel("reduce")
		defer ch.Close(h)

		send, _ := dev.Alloc(dtype, 10)
		recv, _ := dev.Alloc(dtype, 10)
		for i := 0; i < 6; i++ {
			x := float32(p.Rank()*10 + i)
			if dtype == device.Float16 {
				send.Float16()[i] = float16.Fromfloat32(x)
			} else {
				send.Float32()[i] = x
			}
		}
		require.NoError(t, group.AllReduce(h, send, recv, 6, ch))
		require.NoError(t, ch.Synchronize(h))
		require.NoError(t, group.Destroy())

		res := make([]float32, 10)
		for i := range res {
			if dtype == device.Float16 {
				res[i] = recv.Float16()[i].Float32()
			} else {
				res[i] = recv.Float32()[i]
			}
		}
		results[p.Rank()] = res
	})
	require.NoError(t, loop.Run())

	for rank, res := range results {
		for i := 0; i < 6; i++ {
			// sum over ranks of rank*10+i
			assert.Equal(t, float32(100+5*i), res[i], "rank %d element %d", rank, i)
		}
		for i := 6; i < 10; i++ {
			assert.Equal(t, float32(0), res[i], "elements past count must be untouched")
		}
	}
	assert.Empty(t, fabric.groups, "groups should be released")
}

func TestFabricShapeMismatch(t *testing.T) {
	loop := simulator.NewEventLoop()
	world := procgroup.NewSingleHostWorld(loop, 2)
	fabric := NewWorldFabric(world, allreduce.NaiveAllreducer{})
	errs := make([]error, 2)

	world.Spawn(func(p *procgroup.Process) {
		h := p.Handle
		dev := p.Devices()[p.Rank()]
		group, err := fabric.NewGroup(testIdentity, p.Rank(), 2, dev)
		require.NoError(t, err)
		ch := dev.NewChannel("reduce")
		defer ch.Close(h)
		buf, _ := dev.Alloc(device.Float32, 8)
		require.NoError(t, group.AllReduce(h, buf, buf, 3+p.Rank(), ch))
		errs[p.Rank()] = ch.Synchronize(h)
	})
	err := loop.Run()

	var mismatches int
	for _, e := range errs {
		if errors.Is(e, ErrShapeMismatch) {
			mismatches++
		}
	}
	assert.Equal(t, 1, mismatches, "errors: %v", errs)

	// The member that got there first waits forever.
	var deadlock *simulator.DeadlockError
	assert.True(t, errors.As(err, &deadlock), "expected deadlock, got %v", err)
}

func TestFabricNewGroupErrors(t *testing.T) {
	loop := simulator.NewEventLoop()
	world := procgroup.NewSingleHostWorld(loop, 2)
	fabric := NewWorldFabric(world, allreduce.TreeAllreducer{})
	dev := world.Devices("host0")[0]

	_, err := fabric.NewGroup(procgroup.Identity{}, 0, 2, dev)
	assert.Error(t, err, "zero identity")
	_, err = fabric.NewGroup(testIdentity, 0, 3, dev)
	assert.Error(t, err, "larger than the fabric")
	_, err = fabric.NewGroup(testIdentity, 2, 2, dev)
	assert.Error(t, err, "rank out of range")
	_, err = fabric.NewGroup(testIdentity, 0, 2, nil)
	assert.Error(t, err, "no device")

	g, err := fabric.NewGroup(testIdentity, 0, 2, dev)
	require.NoError(t, err)
	_, err = fabric.NewGroup(testIdentity, 0, 2, dev)
	assert.Error(t, err, "joined twice")
	_, err = fabric.NewGroup(testIdentity, 1, 1, dev)
	assert.Error(t, err, "size disagreement")

	require.NoError(t, g.Destroy())
	assert.True(t, errors.Is(g.Destroy(), ErrGroupDestroyed))
	assert.Equal(t, 2, g.Size())
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, dev, g.Device())
}

func TestFabricAllReduceValidation(t *testing.T) {
	loop := simulator.NewEventLoop()
	world := procgroup.NewSingleHostWorld(loop, 1)
	fabric := NewWorldFabric(world, allreduce.NaiveAllreducer{})
	world.Spawn(func(p *procgroup.Process) {
		h := p.Handle
		dev := p.Devices()[0]
		g, err := fabric.NewGroup(testIdentity, 0, 1, dev)
		require.NoError(t, err)
		ch := dev.NewChannel("reduce")
		defer ch.Close(h)

		full, _ := dev.Alloc(device.Float32, 4)
		half, _ := dev.Alloc(device.Float16, 4)
		assert.Error(t, g.AllReduce(h, full, half, 4, ch), "dtype mismatch")
		assert.Error(t, g.AllReduce(h, full, full, 5, ch), "count too large")

		require.NoError(t, g.Destroy())
		err = g.AllReduce(h, full, full, 4, ch)
		assert.True(t, errors.Is(err, ErrGroupDestroyed))
	})
	require.NoError(t, loop.Run())
}
