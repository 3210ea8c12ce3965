package collcomm

import (
	"github.com/unixpickle/gradsync/simulator"
	"github.com/x448/float16"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	return roundedSum(h, vecs, nil)
}

// Float32Sum is like Sum, but it rounds every partial sum
// to single precision, the way a device accumulating in
// float32 would.
func Float32Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	return roundedSum(h, vecs, func(x float64) float64 {
		return float64(float32(x))
	})
}

// HalfSum is like Sum, but every partial sum is rounded to
// the nearest IEEE half-precision value.
// Accumulated rounding error is the price paid for halving
// the bytes on the wire.
func HalfSum(h *simulator.Handle, vecs ...[]float64) []float64 {
	return roundedSum(h, vecs, RoundHalf)
}

// RoundHalf rounds x to the nearest float16 value.
func RoundHalf(x float64) float64 {
	return float64(float16.Fromfloat32(float32(x)).Float32())
}

func roundedSum(h *simulator.Handle, vecs [][]float64, round func(float64) float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			res[i] += x
			if round != nil {
				res[i] = round(res[i])
			}
		}
	}

	// Simulate computation time.
	h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))

	return res
}
