package comm

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/collective"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/procgroup"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/unixpickle/gradsync/tensor"
)

func testConfig(capacity int) Config {
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	return cfg
}

func TestSynchTwoProcesses(t *testing.T) {
	for _, algo := range allreduce.Names() {
		t.Run(algo, func(t *testing.T) {
			world := procgroup.NewSingleHostWorld(simulator.NewEventLoop(), 2)
			cfg := testConfig(16)
			cfg.Algorithm = algo
			results := make([][]float32, 2)
			err := RunWorld(world, cfg, func(c *Communicator) error {
				scale := float32(1)
				if c.Ranks.Global == 1 {
					scale = 10
				}
				x := must.M1(tensor.FromData(c.Device(), "x", []float32{scale, 2 * scale, 3 * scale, 4 * scale}))
				if err := c.Synch(x); err != nil {
					return err
				}
				if err := c.Wait(); err != nil {
					return err
				}
				results[c.Ranks.Global] = append([]float32{}, x.Data()...)
				return x.Free()
			})
			require.NoError(t, err)
			for _, res := range results {
				assert.Equal(t, []float32{11, 22, 33, 44}, res)
			}
		})
	}
}

func TestFusedMatchesSynch(t *testing.T) {
	const n = 3
	sizes := []int{3, 5, 1, 4}
	world := procgroup.NewSingleHostWorld(simulator.NewEventLoop(), n)
	fused := make([][][]float32, n)
	single := make([][][]float32, n)

	makeTensors := func(c *Communicator) []Tensor {
		var res []Tensor
		for i, size := range sizes {
			data := make([]float32, size)
			for j := range data {
				data[j] = float32(c.Ranks.Global*100 + i*10 + j)
			}
			res = append(res, must.M1(tensor.FromData(c.Device(), fmt.Sprint(i), data)))
		}
		return res
	}
	readTensors := func(ts []Tensor) [][]float32 {
		var res [][]float32
		for _, x := range ts {
			res = append(res, append([]float32{}, x.(*tensor.Tensor).Data()...))
		}
		return res
	}

	err := RunWorld(world, testConfig(13), func(c *Communicator) error {
		a := makeTensors(c)
		if err := c.FusedSynch(a); err != nil {
			return err
		}
		b := makeTensors(c)
		for _, x := range b {
			if err := c.Synch(x); err != nil {
				return err
			}
		}
		if err := c.Wait(); err != nil {
			return err
		}
		fused[c.Ranks.Global] = readTensors(a)
		single[c.Ranks.Global] = readTensors(b)
		return nil
	})
	require.NoError(t, err)

	for rank := 0; rank < n; rank++ {
		assert.Equal(t, single[rank], fused[rank], "rank %d", rank)
		for i, size := range sizes {
			for j := 0; j < size; j++ {
				// Sum over ranks of rank*100 + i*10 + j.
				expected := float32(300 + n*(i*10+j))
				assert.Equal(t, expected, fused[rank][i][j])
			}
		}
	}
}

func TestFusedCapacity(t *testing.T) {
	run := func(capacity int) error {
		world := procgroup.NewSingleHostWorld(simulator.NewEventLoop(), 2)
		return RunWorld(world, testConfig(capacity), func(c *Communicator) error {
			x := must.M1(tensor.New(c.Device(), "x", 3))
			y := must.M1(tensor.New(c.Device(), "y", 5))
			if err := c.FusedSynch([]Tensor{x, y}); err != nil {
				return err
			}
			return c.Wait()
		})
	}
	require.NoError(t, run(8))

	err := run(7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded), "unexpected error: %v", err)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "FusedSynch", fe.Op)
	assert.True(t, strings.HasPrefix(fe.Location, "comm_test.go:"), "location %q", fe.Location)
}

func TestSynchHalf(t *testing.T) {
	const n = 3
	world := procgroup.NewSingleHostWorld(simulator.NewEventLoop(), n)
	input := func(rank, i int) float32 {
		return 1 + float32(math.Sin(float64(rank*7+i)))/3
	}
	results := make([][][]float32, n)
	err := RunWorld(world, testConfig(32), func(c *Communicator) error {
		var ts []*tensor.Tensor
		for _, size := range []int{10, 6, 7} {
			data := make([]float32, size)
			for i := range data {
				data[i] = input(c.Ranks.Global, i)
			}
			ts = append(ts, must.M1(tensor.FromData(c.Device(), "g", data)))
		}
		if err := c.SynchHalf(ts[0]); err != nil {
			return err
		}
		if err := c.FusedSynchHalf([]Tensor{ts[1], ts[2]}); err != nil {
			return err
		}
		if err := c.Wait(); err != nil {
			return err
		}
		for _, x := range ts {
			results[c.Ranks.Global] = append(results[c.Ranks.Global], x.Data())
		}
		return nil
	})
	require.NoError(t, err)

	for rank, res := range results {
		for _, vec := range res {
			for i, actual := range vec {
				var expected float64
				for r := 0; r < n; r++ {
					expected += float64(input(r, i))
				}
				assert.InDelta(t, expected, actual, expected*math.Pow(2, -8), "rank %d element %d", rank, i)
			}
		}
		assert.Equal(t, res[0], results[0][0], "ranks must agree exactly")
	}
}

// TestBackToBack issues several syncs without waiting in
// between, so the fusion buffers are reused while earlier
// work is still in flight.
func TestBackToBack(t *testing.T) {
	const n = 4
	world := procgroup.NewSingleHostWorld(simulator.NewEventLoop(), n)
	cfg := testConfig(64)
	cfg.CopyRate = 100
	cfg.ConvertRate = 50
	results := make([][][]float32, n)
	err := RunWorld(world, cfg, func(c *Communicator) error {
		var ts []*tensor.Tensor
		for i := 0; i < 6; i++ {
			data := make([]float32, 8+i)
			for j := range data {
				data[j] = float32(c.Ranks.Global + i*j)
			}
			x := must.M1(tensor.FromData(c.Device(), "x", data))
			ts = append(ts, x)
			var err error
			switch i % 3 {
			case 0:
				err = c.Synch(x)
			case 1:
				err = c.SynchHalf(x)
			default:
				err = c.FusedSynch([]Tensor{x})
			}
			if err != nil {
				return err
			}
		}
		if err := c.Wait(); err != nil {
			return err
		}
		for _, x := range ts {
			results[c.Ranks.Global] = append(results[c.Ranks.Global], x.Data())
		}
		return nil
	})
	require.NoError(t, err)
	for _, res := range results {
		for i, vec := range res {
			for j, x := range vec {
				assert.Equal(t, float32(0+1+2+3+n*i*j), x, "tensor %d element %d", i, j)
			}
		}
	}
}

func TestWaitIdle(t *testing.T) {
	world := procgroup.NewSingleHostWorld(simulator.NewEventLoop(), 2)
	cfg := testConfig(4)
	cfg.CopyRate = 10
	err := RunWorld(world, cfg, func(c *Communicator) error {
		start := world.Loop.Time()
		require.NoError(t, c.Wait())
		assert.Equal(t, start, world.Loop.Time(), "idle wait took time")

		x := must.M1(tensor.New(c.Device(), "x", 4))
		require.NoError(t, c.Synch(x))
		assert.Equal(t, start, world.Loop.Time(), "synch must not block")
		require.NoError(t, c.Wait())
		assert.Greater(t, world.Loop.Time(), start)

		done := world.Loop.Time()
		require.NoError(t, c.Wait())
		assert.Equal(t, done, world.Loop.Time())
		require.NoError(t, c.FusedSynch(nil), "empty batch")
		return c.Wait()
	})
	require.NoError(t, err)
}

func TestMultiHostBootstrap(t *testing.T) {
	world := procgroup.NewWorld(simulator.NewEventLoop(), []procgroup.HostSpec{
		{Name: "a", Procs: 2, Devices: 2},
		{Name: "b", Procs: 3, Devices: 3},
	}, func(nodes []*simulator.Node) simulator.Network {
		return simulator.NewUniformNetwork(nodes, 1e6, 0.01)
	})
	ranks := make([]procgroup.RankContext, world.Size())
	ids := make([]procgroup.Identity, world.Size())
	results := make([][]float32, world.Size())
	err := RunWorld(world, testConfig(8), func(c *Communicator) error {
		ranks[c.Ranks.Global] = c.Ranks
		ids[c.Ranks.Global] = c.Identity
		if c.Device().Index != c.Ranks.Local {
			return errors.Errorf("rank %s bound to %s", c.Ranks, c.Device())
		}
		x := must.M1(tensor.FromData(c.Device(), "x", []float32{1, float32(c.Ranks.Global)}))
		if err := c.Synch(x); err != nil {
			return err
		}
		if err := c.Wait(); err != nil {
			return err
		}
		results[c.Ranks.Global] = append([]float32{}, x.Data()...)
		return x.Free()
	})
	require.NoError(t, err)

	for i, ctx := range ranks {
		assert.Equal(t, []int{0, 1, 0, 1, 2}[i], ctx.Local)
		assert.Equal(t, 5, ctx.Size)
		assert.Equal(t, ids[0], ids[i])
		assert.Equal(t, []float32{5, 10}, results[i])
	}
	for _, host := range []string{"a", "b"} {
		for _, d := range world.Devices(host) {
			assert.Equal(t, 0, d.Allocated(), "%s leaked memory", d)
			assert.Equal(t, 0, d.OpenChannels(), "%s leaked channels", d)
		}
	}
}

func TestExplicitPath(t *testing.T) {
	world := procgroup.NewWorld(simulator.NewEventLoop(), []procgroup.HostSpec{
		{Name: "a", Procs: 2, Devices: 2},
		{Name: "b", Procs: 2, Devices: 2},
	}, nil)
	fabric := collective.NewWorldFabric(world, allreduce.TreeAllreducer{})
	id := procgroup.Identity{9, 9, 9}
	results := make([][]float32, world.Size())
	world.Spawn(func(p *procgroup.Process) {
		local := p.Rank() % 2
		env := Env{Handle: p.Handle, Devices: p.Devices(), Transport: fabric}
		c, err := NewExplicit(env, ExplicitConfig{
			Device:         local,
			DevicesPerNode: 2,
			NodeIndex:      p.Rank() / 2,
			Identity:       id,
			TotalRanks:     4,
		}, testConfig(4))
		require.NoError(t, err)
		assert.Equal(t, p.Rank(), c.Ranks.Global)
		assert.Equal(t, local, c.Ranks.Local)
		assert.Equal(t, id, c.Identity)
		assert.Equal(t, 4, c.Capacity())

		x := must.M1(tensor.FromData(c.Device(), "x", []float32{float32(p.Rank())}))
		require.NoError(t, c.Synch(x))
		require.NoError(t, c.Wait())
		results[p.Rank()] = x.Data()
		require.NoError(t, c.Destroy())
	})
	require.NoError(t, world.Loop.Run())
	for _, res := range results {
		assert.Equal(t, []float32{6}, res)
	}
}

func TestExplicitConfigRanks(t *testing.T) {
	id := procgroup.Identity{1}
	ctx, err := ExplicitConfig{Device: 1, DevicesPerNode: 4, NodeIndex: 2, Identity: id, TotalRanks: 12}.RankContext()
	require.NoError(t, err)
	assert.Equal(t, procgroup.RankContext{Global: 9, Size: 12, Local: 1}, ctx)

	ctx, err = ExplicitConfig{Device: 3, DevicesPerNode: 4, Identity: id}.RankContext()
	require.NoError(t, err)
	assert.Equal(t, 4, ctx.Size, "size defaults to devices per node")

	for _, bad := range []ExplicitConfig{
		{Device: 0, DevicesPerNode: 0, Identity: id},
		{Device: 4, DevicesPerNode: 4, Identity: id},
		{Device: 0, DevicesPerNode: 2, NodeIndex: -1, Identity: id},
		{Device: 0, DevicesPerNode: 2},
		{Device: 1, DevicesPerNode: 2, NodeIndex: 1, Identity: id, TotalRanks: 3},
	} {
		_, err := bad.RankContext()
		assert.Error(t, err, "%+v", bad)
	}
}

type failingDiscovery struct{}

func (failingDiscovery) Initialize() error           { return errors.New("no launcher") }
func (failingDiscovery) Rank() int                   { return 0 }
func (failingDiscovery) Size() int                   { return 1 }
func (failingDiscovery) Broadcast([]byte, int) error { return errors.New("no launcher") }
func (failingDiscovery) Finalize() error             { return nil }

type fakeTransport struct {
	err   error
	group collective.Group
}

func (f *fakeTransport) NewGroup(id procgroup.Identity, rank, size int, dev *device.Device) (collective.Group, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.group, nil
}

// brokenGroup accepts calls but every reduction fails on
// the device, like a transport reporting an error code.
type brokenGroup struct {
	dev       *device.Device
	destroyed int
}

func (b *brokenGroup) Rank() int              { return 0 }
func (b *brokenGroup) Size() int              { return 1 }
func (b *brokenGroup) Device() *device.Device { return b.dev }
func (b *brokenGroup) Destroy() error         { b.destroyed++; return nil }

func (b *brokenGroup) AllReduce(h *simulator.Handle, send, recv *device.Buffer, count int,
	ch *device.Channel) error {
	return ch.Enqueue(h, func(h *simulator.Handle) error {
		return errors.New("link down")
	})
}

func runProcess(t *testing.T, devices int, f func(h *simulator.Handle, devs []*device.Device)) {
	loop := simulator.NewEventLoop()
	devs := device.NewHost(loop, "host0", devices)
	loop.Go(func(h *simulator.Handle) {
		f(h, devs)
	})
	require.NoError(t, loop.Run())
	for _, d := range devs {
		assert.Equal(t, 0, d.Allocated(), "%s leaked memory", d)
		assert.Equal(t, 0, d.OpenChannels(), "%s leaked channels", d)
	}
}

func TestSetupFailures(t *testing.T) {
	runProcess(t, 1, func(h *simulator.Handle, devs []*device.Device) {
		env := Env{Handle: h, Discovery: failingDiscovery{}, Devices: devs, Transport: &fakeTransport{}}
		_, err := New(env, testConfig(4))
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.Contains(t, err.Error(), "no launcher")

		env.Discovery = nil
		_, err = New(env, testConfig(4))
		assert.True(t, IsFatal(err), "bootstrap without discovery")

		_, err = New(env, Config{Capacity: -1})
		assert.True(t, IsFatal(err), "bad config")

		ecfg := ExplicitConfig{Device: 1, DevicesPerNode: 2, Identity: procgroup.Identity{1}}
		_, err = NewExplicit(env, ecfg, testConfig(4))
		assert.True(t, IsFatal(err), "device index beyond the host's devices")

		env.Transport = &fakeTransport{err: errors.New("no route to peer")}
		ecfg.Device = 0
		_, err = NewExplicit(env, ecfg, testConfig(4))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no route to peer")
		assert.Equal(t, "NewExplicit", err.(*FatalError).Op)
	})
}

func TestTransportFailure(t *testing.T) {
	runProcess(t, 1, func(h *simulator.Handle, devs []*device.Device) {
		group := &brokenGroup{dev: devs[0]}
		env := Env{Handle: h, Devices: devs, Transport: &fakeTransport{group: group}}
		ecfg := ExplicitConfig{DevicesPerNode: 1, Identity: procgroup.Identity{1}}
		c, err := NewExplicit(env, ecfg, testConfig(4))
		require.NoError(t, err)

		x := must.M1(tensor.FromData(devs[0], "x", []float32{1, 2}))
		require.NoError(t, c.Synch(x), "failures are asynchronous")
		err = c.Wait()
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.Contains(t, err.Error(), "link down")
		assert.Equal(t, []float32{1, 2}, x.Data(), "copy-out must not run after a failed reduction")

		err = c.Synch(x)
		assert.True(t, IsFatal(err))
		assert.Equal(t, "Synch", err.(*FatalError).Op)
		assert.Error(t, c.Err())

		require.NoError(t, c.Destroy())
		assert.Equal(t, 1, group.destroyed)
		require.NoError(t, x.Free())
	})
}

func TestDestroy(t *testing.T) {
	runProcess(t, 1, func(h *simulator.Handle, devs []*device.Device) {
		fabric := collective.NewFabric(devs[0].Loop(), simulator.RandomNetwork{},
			[]*simulator.Node{simulator.NewNode()}, allreduce.TreeAllreducer{})
		env := Env{Handle: h, Devices: devs, Transport: fabric}
		ecfg := ExplicitConfig{DevicesPerNode: 1, Identity: procgroup.Identity{2}}
		c, err := NewExplicit(env, ecfg, testConfig(4))
		require.NoError(t, err)

		x := must.M1(tensor.FromData(devs[0], "x", []float32{3}))
		require.NoError(t, c.Synch(x))
		require.NoError(t, c.Destroy(), "destroy drains outstanding work")
		assert.Equal(t, []float32{3}, x.Data())
		require.NoError(t, c.Destroy())
		assert.Equal(t, 0, c.Capacity())

		err = c.Synch(x)
		assert.True(t, errors.Is(err, ErrNotInitialized))
		assert.True(t, errors.Is(c.Wait(), ErrNotInitialized))
		require.NoError(t, x.Free())
	})
}

func TestCheck(t *testing.T) {
	var exited []error
	oldExit := ExitFunc
	ExitFunc = func(err error) {
		exited = append(exited, err)
	}
	defer func() {
		ExitFunc = oldExit
	}()

	Check(nil)
	assert.Empty(t, exited)

	err := fatal("Synch", 0, ErrCapacityExceeded)
	Check(err)
	require.Len(t, exited, 1)
	assert.Equal(t, err, exited[0])
	assert.Contains(t, fmt.Sprintf("%+v", err), "Synch failed at comm_test.go:")
	assert.Same(t, err, fatal("Wait", 0, err), "fatal errors pass through unchanged")
	assert.Equal(t, ErrCapacityExceeded, errors.Cause(err))
}
