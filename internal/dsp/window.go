package dsp

import (
	"fmt"
	"math"
	"strings"
)

// WindowType selects the taper used by the windowed-sinc filter designs.
type WindowType int

const (
	WindowHamming WindowType = iota
	WindowHann
	WindowBlackman
	WindowRectangular
	WindowKaiser
	WindowBlackmanHarris
)

func (w WindowType) String() string {
	switch w {
	case WindowHamming:
		return "hamming"
	case WindowHann:
		return "hann"
	case WindowBlackman:
		return "blackman"
	case WindowRectangular:
		return "rectangular"
	case WindowKaiser:
		return "kaiser"
	case WindowBlackmanHarris:
		return "blackman-harris"
	default:
		return "unknown"
	}
}

// ParseWindow converts a window name to a WindowType.
func ParseWindow(s string) (WindowType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hamming", "":
		return WindowHamming, nil
	case "hann", "hanning":
		return WindowHann, nil
	case "blackman":
		return WindowBlackman, nil
	case "rect", "rectangular":
		return WindowRectangular, nil
	case "kaiser":
		return WindowKaiser, nil
	case "blackman-harris", "blackmanharris":
		return WindowBlackmanHarris, nil
	default:
		return 0, fmt.Errorf("unsupported window %q", s)
	}
}

// Attenuation returns the approximate stopband attenuation in dB achieved by
// the window; beta is only used for Kaiser.
func (w WindowType) Attenuation(beta float64) float64 {
	switch w {
	case WindowHann:
		return 44
	case WindowBlackman:
		return 74
	case WindowRectangular:
		return 21
	case WindowKaiser:
		return beta/0.1102 + 8.7
	case WindowBlackmanHarris:
		return 92
	default:
		return 53
	}
}

// Build returns the window of length n.
func (w WindowType) Build(n int, beta float64) []float64 {
	switch w {
	case WindowHann:
		return Hann(n)
	case WindowBlackman:
		return Blackman(n)
	case WindowRectangular:
		return Rectangular(n)
	case WindowKaiser:
		return Kaiser(n, beta)
	case WindowBlackmanHarris:
		return BlackmanHarris(n)
	default:
		return Hamming(n)
	}
}

// cosineWindow evaluates sum_k (-1)^k a[k] cos(2 pi k i/(n-1)).
func cosineWindow(n int, a ...float64) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	if n == 1 {
		win[0] = 1
		return win
	}
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * float64(i) / float64(n-1)
		sign := 1.0
		for k, ak := range a {
			win[i] += sign * ak * math.Cos(float64(k)*x)
			sign = -sign
		}
	}
	return win
}

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 { return cosineWindow(n, 0.54, 0.46) }

// Hann returns a Hann window of length n.
func Hann(n int) []float64 { return cosineWindow(n, 0.5, 0.5) }

// Blackman returns a Blackman window of length n.
func Blackman(n int) []float64 { return cosineWindow(n, 0.42, 0.5, 0.08) }

// BlackmanHarris returns the 4-term Blackman-Harris window, used for display
// spectra where leakage matters more than resolution.
func BlackmanHarris(n int) []float64 {
	return cosineWindow(n, 0.35875, 0.48829, 0.14128, 0.01168)
}

// Rectangular returns a window of ones.
func Rectangular(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 1
	}
	return win
}

// Kaiser returns a Kaiser window of length n with shape parameter beta.
func Kaiser(n int, beta float64) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	if n == 1 {
		win[0] = 1
		return win
	}
	denom := besselI0(beta)
	for i := 0; i < n; i++ {
		r := 2*float64(i)/float64(n-1) - 1
		win[i] = besselI0(beta*math.Sqrt(1-r*r)) / denom
	}
	return win
}

// besselI0 is the zeroth-order modified Bessel function of the first kind,
// summed from its power series until terms drop below 1e-12 of the total.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	half := x / 2
	for k := 1; k < 500; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < 1e-12*sum {
			break
		}
	}
	return sum
}

// ApplyWindow multiplies the input complex samples with the provided window.
// The window length must match the input length.
func ApplyWindow(samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*window[i], float64(imag(v))*window[i])
	}
	return out
}
