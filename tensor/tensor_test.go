package tensor

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/device"
	"github.com/unixpickle/gradsync/simulator"
)

func TestTensorOps(t *testing.T) {
	d := device.New(simulator.NewEventLoop(), "host0", 0)
	x := must.M1(FromData(d, "x", []float32{1, -2, 3, -4}, 2, 2))
	y := must.M1(ZerosLike(x, "y"))
	assert.Equal(t, 4, x.Size())
	assert.True(t, SameShape(x, y))
	assert.Equal(t, "x[2 2]", x.String())

	require.NoError(t, y.Axpy(2, x))
	assert.Equal(t, []float32{2, -4, 6, -8}, y.Data())
	y.Scale(0.5)
	assert.Equal(t, []float32{1, -2, 3, -4}, y.Data())
	y.Clip(-2.5, 2.5)
	assert.Equal(t, []float32{1, -2, 2.5, -2.5}, y.Data())

	z := must.M1(New(d, "z", 3))
	assert.Error(t, y.Axpy(1, z))
	assert.False(t, SameShape(x, z))
	assert.Equal(t, 7, TotalSize([]*Tensor{x, z}))
	assert.Equal(t, 4, MaxSize([]*Tensor{x, z}))

	for _, ten := range []*Tensor{x, y, z} {
		require.NoError(t, ten.Free())
	}
	assert.Equal(t, 0, d.Allocated())
}

func TestTensorErrors(t *testing.T) {
	d := device.New(simulator.NewEventLoop(), "host0", 0)
	_, err := New(d, "bad", 2, -1)
	assert.Error(t, err)
	_, err = FromData(d, "short", []float32{1, 2, 3}, 2, 2)
	assert.Error(t, err)
	assert.Equal(t, 0, d.Allocated(), "failed tensors must not leak")
}
