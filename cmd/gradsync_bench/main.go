// Command gradsync_bench measures the virtual time of the
// four synchronization paths across reduction algorithms
// and simulated clusters, printing a markdown table.
package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/comm"
	"github.com/unixpickle/gradsync/procgroup"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/unixpickle/gradsync/tensor"
	"k8s.io/klog/v2"
)

// RunInfo describes a specific cluster configuration.
type RunInfo struct {
	Hosts        int
	ProcsPerHost int
	Latency      float64
	Rate         float64
	LocalRate    float64
}

// World creates the simulated cluster. Processes on one
// host share a local link; hosts talk through their NICs.
func (r *RunInfo) World() *procgroup.World {
	var specs []procgroup.HostSpec
	for i := 0; i < r.Hosts; i++ {
		specs = append(specs, procgroup.HostSpec{
			Name:    fmt.Sprintf("host%d", i),
			Procs:   r.ProcsPerHost,
			Devices: r.ProcsPerHost,
		})
	}
	return procgroup.NewWorld(simulator.NewEventLoop(), specs, func(nodes []*simulator.Node) simulator.Network {
		return simulator.NewHostNetwork(nodes, r.LocalRate, r.Rate, r.Latency)
	})
}

// A Path is one of the communicator's sync operations.
type Path struct {
	Name  string
	Fused bool
	Run   func(c *comm.Communicator, ts []*tensor.Tensor) error
}

var paths = []Path{
	{"Synch", false, func(c *comm.Communicator, ts []*tensor.Tensor) error {
		return c.Synch(ts[0])
	}},
	{"FusedSynch", true, func(c *comm.Communicator, ts []*tensor.Tensor) error {
		return c.FusedSynch(commTensors(ts))
	}},
	{"SynchHalf", false, func(c *comm.Communicator, ts []*tensor.Tensor) error {
		return c.SynchHalf(ts[0])
	}},
	{"FusedSynchHalf", true, func(c *comm.Communicator, ts []*tensor.Tensor) error {
		return c.FusedSynchHalf(commTensors(ts))
	}},
}

func main() {
	var algorithms string
	var sizes string
	var fuse int
	var granularity int
	klog.InitFlags(nil)
	flag.StringVar(&algorithms, "algorithms", strings.Join(allreduce.Names(), ","),
		"comma-separated reduction algorithms")
	flag.StringVar(&sizes, "sizes", "10,10000,1000000", "comma-separated element counts")
	flag.IntVar(&fuse, "fuse", 8, "number of tensors a fused path splits the elements into")
	flag.IntVar(&granularity, "granularity", 1, "granularity of the stream algorithm")
	flag.Parse()

	runs := []RunInfo{
		{Hosts: 1, ProcsPerHost: 2, Latency: 0.1, Rate: 1e6, LocalRate: 1e8},
		{Hosts: 2, ProcsPerHost: 8, Latency: 1e-3, Rate: 1e6, LocalRate: 1e8},
		{Hosts: 4, ProcsPerHost: 4, Latency: 1e-4, Rate: 1e9, LocalRate: 1e10},
	}
	vecSizes := parseInts(sizes)

	// Markdown table header.
	fmt.Print("| Hosts | Procs | Latency | NIC rate | Size | Algorithm ")
	for _, path := range paths {
		fmt.Printf("| %s ", path.Name)
	}
	fmt.Println("|")
	for i := 0; i < 6+len(paths); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, size := range vecSizes {
			for _, algo := range strings.Split(algorithms, ",") {
				fmt.Printf(
					"| %d | %d | %s | %s | %d | %s ",
					runInfo.Hosts,
					runInfo.Hosts*runInfo.ProcsPerHost,
					strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
					strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
					size,
					algo,
				)
				cfg := comm.DefaultConfig()
				cfg.Algorithm = algo
				cfg.Granularity = granularity
				cfg.Capacity = size
				for _, path := range paths {
					fmt.Printf("| %f ", timePath(runInfo, cfg, path, size, fuse))
				}
				fmt.Println("|")
			}
		}
	}
}

// timePath returns the virtual time rank 0 spends issuing
// one call on path and waiting for it.
func timePath(r RunInfo, cfg comm.Config, path Path, size, fuse int) float64 {
	world := r.World()
	var elapsed float64
	comm.Check(comm.RunWorld(world, cfg, func(c *comm.Communicator) error {
		var ts []*tensor.Tensor
		if path.Fused {
			for _, n := range split(size, fuse) {
				ts = append(ts, must.M1(tensor.New(c.Device(), "grad", n)))
			}
		} else {
			ts = append(ts, must.M1(tensor.New(c.Device(), "grad", size)))
		}
		start := world.Loop.Time()
		if err := path.Run(c, ts); err != nil {
			return err
		}
		if err := c.Wait(); err != nil {
			return err
		}
		if c.Ranks.Global == 0 {
			elapsed = world.Loop.Time() - start
		}
		for _, t := range ts {
			must.M(t.Free())
		}
		return nil
	}))
	return elapsed
}

// split divides size into at most n nearly equal parts.
func split(size, n int) []int {
	if n > size {
		n = size
	}
	var res []int
	for i := 0; i < n; i++ {
		res = append(res, (size*(i+1))/n-(size*i)/n)
	}
	return res
}

func parseInts(s string) []int {
	var res []int
	for _, field := range strings.Split(s, ",") {
		res = append(res, must.M1(strconv.Atoi(strings.TrimSpace(field))))
	}
	return res
}

func commTensors(ts []*tensor.Tensor) []comm.Tensor {
	res := make([]comm.Tensor, len(ts))
	for i, t := range ts {
		res[i] = t
	}
	return res
}
