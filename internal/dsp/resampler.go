package dsp

import (
	"fmt"

	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// ResamplerKaiserBeta shapes the anti-imaging/anti-aliasing prototype.
const ResamplerKaiserBeta = 7.0

// ResamplerTaps designs the prototype low-pass for an L/M resampler. The
// filter runs at L times the input rate, has a DC gain of L to undo the
// zero-stuffing loss, and centres its transition band on the narrower of the
// two Nyquist limits.
func ResamplerTaps(interp, decim int, fractionalBW float64) ([]float64, error) {
	if interp < 1 || decim < 1 {
		return nil, fmt.Errorf("%w: resampling ratio %d/%d", ErrInvalidConfig, interp, decim)
	}
	if !(fractionalBW > 0 && fractionalBW < 0.5) {
		return nil, fmt.Errorf("%w: fractional bandwidth %.6g outside (0, 0.5)", ErrInvalidConfig, fractionalBW)
	}
	const halfband = 0.5
	rate := float64(interp) / float64(decim)
	var trans, mid float64
	if rate >= 1 {
		trans = halfband - fractionalBW
		mid = halfband - trans/2
	} else {
		trans = rate * (halfband - fractionalBW)
		mid = rate*halfband - trans/2
	}
	return LowPass(float64(interp), float64(interp), mid, trans, WindowKaiser, ResamplerKaiserBeta)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Resampler converts the sample rate by L/M with a polyphase filter. The
// fractional position between calls is carried as an integer phase index, so
// arbitrary block boundaries give the same output as a single long block.
type Resampler[T Sample] struct {
	interp int
	decim  int
	// phases[p][m] = h[p + m*L], reversed per phase for a forward dot product
	phases [][]T
	taps   []float64
	span   int

	hist  []T
	work  []T
	out   []T
	phase int // next output phase in [0, L)
	skip  int // inputs to consume before the next output
}

// NewFloatResampler builds a real L/M resampler. Nil taps selects the default
// Kaiser design with the given fractional bandwidth.
func NewFloatResampler(interp, decim int, taps []float64, fractionalBW float64) (*Resampler[float32], error) {
	return newResampler(interp, decim, taps, fractionalBW, realTap)
}

// NewComplexResampler builds a complex L/M resampler.
func NewComplexResampler(interp, decim int, taps []float64, fractionalBW float64) (*Resampler[complex64], error) {
	return newResampler(interp, decim, taps, fractionalBW, complexTap)
}

func newResampler[T Sample](interp, decim int, taps []float64, fractionalBW float64, conv func(float64) T) (*Resampler[T], error) {
	if interp < 1 || decim < 1 {
		return nil, fmt.Errorf("%w: resampling ratio %d/%d", ErrInvalidConfig, interp, decim)
	}
	if taps == nil {
		// supplied taps are designed for the ratio as given; only reduce our own
		g := gcd(interp, decim)
		interp, decim = interp/g, decim/g
		var err error
		if taps, err = ResamplerTaps(interp, decim, fractionalBW); err != nil {
			return nil, err
		}
	}
	if len(taps) == 0 {
		return nil, fmt.Errorf("%w: empty tap set", ErrInvalidConfig)
	}
	span := (len(taps) + interp - 1) / interp
	r := &Resampler[T]{
		interp: interp,
		decim:  decim,
		taps:   append([]float64(nil), taps...),
		span:   span,
		phases: make([][]T, interp),
		hist:   make([]T, span-1),
	}
	for p := range r.phases {
		ph := make([]T, span)
		for m := 0; m < span; m++ {
			if k := p + m*interp; k < len(taps) {
				ph[span-1-m] = conv(taps[k])
			}
		}
		r.phases[p] = ph
	}
	return r, nil
}

// Ratio returns the reduced interpolation and decimation factors.
func (r *Resampler[T]) Ratio() (interp, decim int) { return r.interp, r.decim }

// Rate implements pipeline.Stage. A block of any length is accepted; the
// output count depends on the carried phase unless one factor is 1.
func (r *Resampler[T]) Rate() pipeline.Rate {
	return pipeline.Rate{Interp: r.interp, Decim: r.decim, Variable: r.interp > 1 && r.decim > 1}
}

// Taps returns the prototype filter.
func (r *Resampler[T]) Taps() []float64 { return append([]float64(nil), r.taps...) }

// Delay returns the prototype group delay in output samples at the
// interpolated rate.
func (r *Resampler[T]) Delay() int { return GroupDelay(r.taps) }

// Process resamples one block. The returned slice is reused by the next call.
func (r *Resampler[T]) Process(in []T) ([]T, error) {
	r.work = append(append(r.work[:0], r.hist...), in...)
	r.out = r.out[:0]
	i := r.skip
	for i < len(in) {
		r.out = append(r.out, dot(r.phases[r.phase], r.work[i:i+r.span]))
		r.phase += r.decim
		for r.phase >= r.interp {
			r.phase -= r.interp
			i++
		}
	}
	r.skip = i - len(in)
	copy(r.hist, r.work[len(r.work)-(r.span-1):])
	return r.out, nil
}

// Reset clears history and phase.
func (r *Resampler[T]) Reset() {
	clear(r.hist)
	r.phase, r.skip = 0, 0
}
