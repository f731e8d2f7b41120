package dsp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrInvalidConfig reports a filter design parameter outside its domain.
	ErrInvalidConfig = errors.New("dsp: invalid configuration")
	// ErrDegenerate reports a design whose taps cannot be normalised.
	ErrDegenerate = errors.New("dsp: degenerate design")
)

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// TapCount returns the number of taps a windowed-sinc design needs to reach
// the window's attenuation across the given transition width. The result is
// always odd so the filter has an integer group delay.
func TapCount(fs, transition float64, window WindowType, beta float64) (int, error) {
	if !finitePositive(fs) || !finitePositive(transition) {
		return 0, fmt.Errorf("%w: sample rate %.6g and transition %.6g must be positive", ErrInvalidConfig, fs, transition)
	}
	n := int(window.Attenuation(beta) * fs / (22 * transition))
	if n%2 == 0 {
		n++
	}
	return n, nil
}

func checkBand(fs, cutoff, transition float64) error {
	if !finitePositive(fs) {
		return fmt.Errorf("%w: sample rate %.6g", ErrInvalidConfig, fs)
	}
	if !finitePositive(cutoff) || cutoff >= fs/2 {
		return fmt.Errorf("%w: cutoff %.6g outside (0, %.6g)", ErrInvalidConfig, cutoff, fs/2)
	}
	if !finitePositive(transition) {
		return fmt.Errorf("%w: transition width %.6g", ErrInvalidConfig, transition)
	}
	return nil
}

// LowPass designs a windowed-sinc low-pass filter with unity-times-gain
// response at DC.
func LowPass(gain, fs, cutoff, transition float64, window WindowType, beta float64) ([]float64, error) {
	if err := checkBand(fs, cutoff, transition); err != nil {
		return nil, err
	}
	n, err := TapCount(fs, transition, window, beta)
	if err != nil {
		return nil, err
	}
	win := window.Build(n, beta)
	m := (n - 1) / 2
	fwT0 := 2 * math.Pi * cutoff / fs
	taps := make([]float64, n)
	for k := -m; k <= m; k++ {
		if k == 0 {
			taps[k+m] = fwT0 / math.Pi * win[k+m]
			continue
		}
		taps[k+m] = math.Sin(float64(k)*fwT0) / (float64(k) * math.Pi) * win[k+m]
	}
	// response at DC
	fmax := floats.Sum(taps)
	if fmax == 0 {
		return nil, ErrDegenerate
	}
	floats.Scale(gain/fmax, taps)
	return taps, nil
}

// HighPass designs a windowed-sinc high-pass filter normalised to the given
// gain at Nyquist.
func HighPass(gain, fs, cutoff, transition float64, window WindowType, beta float64) ([]float64, error) {
	if err := checkBand(fs, cutoff, transition); err != nil {
		return nil, err
	}
	n, err := TapCount(fs, transition, window, beta)
	if err != nil {
		return nil, err
	}
	win := window.Build(n, beta)
	m := (n - 1) / 2
	fwT0 := 2 * math.Pi * cutoff / fs
	taps := make([]float64, n)
	for k := -m; k <= m; k++ {
		if k == 0 {
			taps[k+m] = (1 - fwT0/math.Pi) * win[k+m]
			continue
		}
		taps[k+m] = -math.Sin(float64(k)*fwT0) / (float64(k) * math.Pi) * win[k+m]
	}
	// response at Nyquist
	fmax := taps[m]
	for k := 1; k <= m; k++ {
		fmax += 2 * taps[m+k] * math.Cos(float64(k)*math.Pi)
	}
	if fmax == 0 {
		return nil, ErrDegenerate
	}
	floats.Scale(gain/fmax, taps)
	return taps, nil
}

// RRC designs a root-raised-cosine pulse for the given symbol rate and
// excess bandwidth alpha in (0, 1]. An even ntaps is rounded up to odd. The
// taps sum to gain.
func RRC(gain, fs, symbolRate, alpha float64, ntaps int) ([]float64, error) {
	switch {
	case !finitePositive(fs):
		return nil, fmt.Errorf("%w: sample rate %.6g", ErrInvalidConfig, fs)
	case !finitePositive(symbolRate):
		return nil, fmt.Errorf("%w: symbol rate %.6g", ErrInvalidConfig, symbolRate)
	case !(alpha > 0 && alpha <= 1):
		return nil, fmt.Errorf("%w: excess bandwidth %.6g outside (0, 1]", ErrInvalidConfig, alpha)
	case ntaps <= 0:
		return nil, fmt.Errorf("%w: tap count %d", ErrInvalidConfig, ntaps)
	}
	ntaps |= 1
	spb := fs / symbolRate
	taps := make([]float64, ntaps)
	for i := range taps {
		xindx := float64(i - ntaps/2)
		x1 := math.Pi * xindx / spb
		x2 := 4 * alpha * xindx / spb
		x3 := x2*x2 - 1

		var num, den float64
		if math.Abs(x3) >= 1e-6 {
			if i != ntaps/2 {
				num = math.Cos((1+alpha)*x1) + math.Sin((1-alpha)*x1)/(4*alpha*xindx/spb)
			} else {
				num = math.Cos((1+alpha)*x1) + (1-alpha)*math.Pi/(4*alpha)
			}
			den = x3 * math.Pi
		} else {
			// x = +-T/(4 alpha): the closed form is 0/0, use its limit
			if alpha == 1 {
				taps[i] = -1
				continue
			}
			lo := (1 - alpha) * x1
			hi := (1 + alpha) * x1
			num = math.Sin(hi)*(1+alpha)*math.Pi -
				math.Cos(lo)*((1-alpha)*math.Pi*spb)/(4*alpha*xindx) +
				math.Sin(lo)*spb*spb/(4*alpha*xindx*xindx)
			den = -32 * math.Pi * alpha * alpha * xindx / spb
		}
		taps[i] = 4 * alpha * num / den
	}
	scale := floats.Sum(taps)
	if scale == 0 || math.IsNaN(scale) {
		return nil, ErrDegenerate
	}
	floats.Scale(gain/scale, taps)
	return taps, nil
}

// GroupDelay returns the delay in samples of a linear-phase filter.
func GroupDelay(taps []float64) int { return (len(taps) - 1) / 2 }
