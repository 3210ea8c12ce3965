package device

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/x448/float16"
)

// CopyAsync enqueues a copy of src into dst on ch.
//
// The buffers may live on different devices (a peer copy).
// Type or length mismatches are reported immediately and
// nothing is enqueued.
func CopyAsync(h *simulator.Handle, ch *Channel, dst, src *Buffer) error {
	if dst.DType() != src.DType() {
		return errors.Errorf("copy %s <- %s: dtype mismatch", dst, src)
	}
	if dst.Len() != src.Len() {
		return errors.Errorf("copy %s <- %s: length mismatch", dst, src)
	}
	return ch.Enqueue(h, func(h *simulator.Handle) error {
		if dst.Freed() || src.Freed() {
			return errors.Wrapf(ErrFreed, "copy %s <- %s", dst, src)
		}
		if rate := ch.device.CopyRate; rate > 0 {
			h.Sleep(float64(src.Bytes()) / rate)
		}
		if src.dtype == Float16 {
			copy(dst.f16, src.f16)
		} else {
			copy(dst.f32, src.f32)
		}
		return nil
	})
}

// A PrecisionConverter narrows and widens buffers between
// float32 and float16 on a channel, rounding to nearest
// even like the device's conversion instructions.
type PrecisionConverter struct {
	// Channel is where conversions are enqueued.
	Channel *Channel
}

// Narrow enqueues dst[i] = half(src[i]).
func (p PrecisionConverter) Narrow(h *simulator.Handle, dst, src *Buffer) error {
	if dst.DType() != Float16 || src.DType() != Float32 || dst.Len() != src.Len() {
		return errors.Errorf("narrow %s <- %s: need float16 <- float32 of equal length", dst, src)
	}
	return p.Channel.Enqueue(h, func(h *simulator.Handle) error {
		if dst.Freed() || src.Freed() {
			return errors.Wrapf(ErrFreed, "narrow %s <- %s", dst, src)
		}
		p.sleep(h, src.Len())
		NarrowSlice(dst.f16, src.f32)
		return nil
	})
}

// Widen enqueues dst[i] = float32(src[i]).
func (p PrecisionConverter) Widen(h *simulator.Handle, dst, src *Buffer) error {
	if dst.DType() != Float32 || src.DType() != Float16 || dst.Len() != src.Len() {
		return errors.Errorf("widen %s <- %s: need float32 <- float16 of equal length", dst, src)
	}
	return p.Channel.Enqueue(h, func(h *simulator.Handle) error {
		if dst.Freed() || src.Freed() {
			return errors.Wrapf(ErrFreed, "widen %s <- %s", dst, src)
		}
		p.sleep(h, src.Len())
		WidenSlice(dst.f32, src.f16)
		return nil
	})
}

func (p PrecisionConverter) sleep(h *simulator.Handle, n int) {
	if rate := p.Channel.device.ConvertRate; rate > 0 {
		h.Sleep(float64(n) / rate)
	}
}

// NarrowSlice converts src into dst element by element.
func NarrowSlice(dst []float16.Float16, src []float32) {
	for i, x := range src {
		dst[i] = float16.Fromfloat32(x)
	}
}

// WidenSlice converts src into dst element by element.
func WidenSlice(dst []float32, src []float16.Float16) {
	for i, x := range src {
		dst[i] = x.Float32()
	}
}
