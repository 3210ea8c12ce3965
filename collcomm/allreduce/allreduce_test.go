package allreduce

import (
	"testing"

	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/simulator"
)

func TestNaiveAllreducer(t *testing.T) {
	RunAllreducerTests(t, NaiveAllreducer{})
}

func TestTreeAllreducer(t *testing.T) {
	RunAllreducerTests(t, TreeAllreducer{})
}

func TestStreamAllreducer(t *testing.T) {
	RunAllreducerTests(t, StreamAllreducer{})
	RunAllreducerTests(t, StreamAllreducer{Granularity: 3})
}

func TestByName(t *testing.T) {
	for _, name := range Names() {
		reducer, err := ByName(name, 2)
		if err != nil {
			t.Fatal(err)
		}
		if reducer == nil {
			t.Errorf("nil reducer for %s", name)
		}
	}
	if _, err := ByName("butterfly", 0); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

// TestHalfWireSize checks that half-width elements take
// half as long to cross a bandwidth-bound network.
func TestHalfWireSize(t *testing.T) {
	elapsed := func(elemSize int) float64 {
		loop := simulator.NewEventLoop()
		nodes := []*simulator.Node{simulator.NewNode(), simulator.NewNode()}
		network := simulator.NewUniformNetwork(nodes, 1e3, 0)
		collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
			c.ElemSize = elemSize
			NaiveAllreducer{}.Allreduce(c, make([]float64, 1000), collcomm.Sum)
		})
		if err := loop.Run(); err != nil {
			t.Fatal(err)
		}
		return loop.Time()
	}
	full, half := elapsed(4), elapsed(2)
	if half >= full*0.6 {
		t.Errorf("half precision took %f but full took %f", half, full)
	}
}
