package dsp

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// Sample is the element type a filter can run over.
type Sample interface {
	~float32 | ~complex64
}

func realTap(v float64) float32      { return float32(v) }
func complexTap(v float64) complex64 { return complex(float32(v), 0) }

type tapSet[T Sample] struct {
	raw []float64
	rev []T // reversed so the inner loop walks forward in memory
}

// FIR is a direct-form FIR filter with optional integer decimation or
// interpolation. Taps are replaced atomically: a block is always filtered with
// a single tap set, and a new set takes effect at the next block.
type FIR[T Sample] struct {
	decim  int
	interp int
	conv   func(float64) T
	taps   atomic.Pointer[tapSet[T]]

	hist  []T
	ntaps int
	work  []T
	out   []T
}

// NewFloatFIR builds a real filter. Exactly one of decim and interp may
// exceed one.
func NewFloatFIR(taps []float64, decim, interp int) (*FIR[float32], error) {
	return newFIR(taps, decim, interp, realTap)
}

// NewComplexFIR builds a filter over complex samples with real taps.
func NewComplexFIR(taps []float64, decim, interp int) (*FIR[complex64], error) {
	return newFIR(taps, decim, interp, complexTap)
}

func newFIR[T Sample](taps []float64, decim, interp int, conv func(float64) T) (*FIR[T], error) {
	if decim < 1 || interp < 1 {
		return nil, fmt.Errorf("%w: decimation %d and interpolation %d must be at least 1", ErrInvalidConfig, decim, interp)
	}
	if decim > 1 && interp > 1 {
		return nil, fmt.Errorf("%w: use a resampler for rational rate changes", ErrInvalidConfig)
	}
	f := &FIR[T]{decim: decim, interp: interp, conv: conv}
	if err := f.SetTaps(taps); err != nil {
		return nil, err
	}
	return f, nil
}

// SetTaps swaps in a new tap set. It may be called from any goroutine.
func (f *FIR[T]) SetTaps(taps []float64) error {
	if len(taps) == 0 {
		return fmt.Errorf("%w: empty tap set", ErrInvalidConfig)
	}
	ts := &tapSet[T]{raw: append([]float64(nil), taps...), rev: make([]T, len(taps))}
	for i, v := range taps {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: tap %d is not finite", ErrInvalidConfig, i)
		}
		ts.rev[len(taps)-1-i] = f.conv(v)
	}
	f.taps.Store(ts)
	return nil
}

// Taps returns a copy of the active taps.
func (f *FIR[T]) Taps() []float64 {
	return append([]float64(nil), f.taps.Load().raw...)
}

// Decimation returns the decimation factor.
func (f *FIR[T]) Decimation() int { return f.decim }

// Interpolation returns the interpolation factor.
func (f *FIR[T]) Interpolation() int { return f.interp }

// Rate implements pipeline.Stage.
func (f *FIR[T]) Rate() pipeline.Rate {
	return pipeline.Rate{Interp: f.interp, Decim: f.decim}
}

// Reset clears the filter history.
func (f *FIR[T]) Reset() {
	clear(f.hist)
}

// resize keeps the newest history samples when the tap count changes.
func (f *FIR[T]) resize(n int) {
	if n == f.ntaps {
		return
	}
	hist := make([]T, n-1)
	keep := min(len(f.hist), len(hist))
	copy(hist[len(hist)-keep:], f.hist[len(f.hist)-keep:])
	f.hist = hist
	f.ntaps = n
}

// Process filters one block. With decimation M the block length must be a
// multiple of M and each output is aligned to the newest input of its group.
// With interpolation L every input yields L outputs. The returned slice is
// reused by the next call.
func (f *FIR[T]) Process(in []T) ([]T, error) {
	if len(in)%f.decim != 0 {
		return nil, fmt.Errorf("%w: block of %d samples is not a multiple of decimation %d", ErrInvalidConfig, len(in), f.decim)
	}
	ts := f.taps.Load()
	n := len(ts.rev)
	f.resize(n)

	f.work = append(append(f.work[:0], f.hist...), in...)
	f.out = f.out[:0]
	switch {
	case f.interp > 1:
		f.interpolate(ts.rev, len(in))
	default:
		for i := f.decim - 1; i < len(in); i += f.decim {
			f.out = append(f.out, dot(ts.rev, f.work[i:i+n]))
		}
	}
	copy(f.hist, f.work[len(f.work)-(n-1):])
	return f.out, nil
}

// interpolate evaluates the zero-stuffed convolution by polyphase: output
// phase p of input i only touches taps p, p+L, p+2L, ...
func (f *FIR[T]) interpolate(rev []T, count int) {
	n := len(rev)
	l := f.interp
	for i := 0; i < count; i++ {
		newest := i + n - 1
		for p := 0; p < l; p++ {
			var acc T
			// tap k = p + m*l sits at rev[n-1-k]
			for k, m := p, 0; k < n; k, m = k+l, m+1 {
				acc += rev[n-1-k] * f.work[newest-m]
			}
			f.out = append(f.out, acc)
		}
	}
}

func dot[T Sample](a, b []T) T {
	var acc T
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}
