package dsp

import (
	"fmt"
	"math"
)

const (
	// InterpTaps is the length of every fractional-delay filter.
	InterpTaps = 8
	// InterpPhases is the number of fractional steps per sample.
	InterpPhases = 128
)

// InterpBank holds InterpPhases+1 windowed-sinc fractional-delay filters.
// Filter p evaluates the signal at n + p/InterpPhases from the eight samples
// n-3 .. n+4. Phase 0 reproduces sample n exactly and phase InterpPhases
// reproduces n+1.
type InterpBank struct {
	phases [InterpPhases + 1][InterpTaps]float32
}

// InterpHistory is how many samples before the evaluated index a caller must
// keep available.
const InterpHistory = InterpTaps/2 - 1

// NewInterpBank builds the filter bank.
func NewInterpBank() *InterpBank {
	b := &InterpBank{}
	const half = InterpTaps / 2
	for p := 0; p <= InterpPhases; p++ {
		mu := float64(p) / InterpPhases
		var taps [InterpTaps]float64
		sum := 0.0
		for j := 0; j < InterpTaps; j++ {
			x := float64(j-InterpHistory) - mu
			w := 0.0
			if math.Abs(x) < half {
				w = 0.5 * (1 + math.Cos(math.Pi*x/half))
			}
			taps[j] = sinc(x) * w
			sum += taps[j]
		}
		for j := range taps {
			b.phases[p][j] = float32(taps[j] / sum)
		}
	}
	return b
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func phaseIndex(mu float64) (int, error) {
	if mu < 0 || mu > 1 || math.IsNaN(mu) {
		return 0, fmt.Errorf("%w: fractional offset %.6g outside [0, 1]", ErrInvalidConfig, mu)
	}
	return int(math.Round(mu * InterpPhases)), nil
}

// Real evaluates x at n+mu, where x[0] is sample n-3 (so the slice must hold
// at least InterpTaps samples).
func (b *InterpBank) Real(x []float32, mu float64) (float32, error) {
	if len(x) < InterpTaps {
		return 0, fmt.Errorf("%w: need %d samples, got %d", ErrInvalidConfig, InterpTaps, len(x))
	}
	p, err := phaseIndex(mu)
	if err != nil {
		return 0, err
	}
	h := &b.phases[p]
	var acc float32
	for j := 0; j < InterpTaps; j++ {
		acc += h[j] * x[j]
	}
	return acc, nil
}

// Complex is Real for complex samples.
func (b *InterpBank) Complex(x []complex64, mu float64) (complex64, error) {
	if len(x) < InterpTaps {
		return 0, fmt.Errorf("%w: need %d samples, got %d", ErrInvalidConfig, InterpTaps, len(x))
	}
	p, err := phaseIndex(mu)
	if err != nil {
		return 0, err
	}
	h := &b.phases[p]
	var re, im float32
	for j := 0; j < InterpTaps; j++ {
		re += h[j] * real(x[j])
		im += h[j] * imag(x[j])
	}
	return complex(re, im), nil
}
