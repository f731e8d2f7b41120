package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Spectrum computes display power spectra of complex baseband blocks. The
// Blackman-Harris window and the FFT plan are built once.
type Spectrum struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
}

// NewSpectrum creates a spectrum estimator for blocks of the given size.
func NewSpectrum(size int) *Spectrum {
	s := &Spectrum{}
	s.resize(size)
	return s
}

func (s *Spectrum) resize(size int) {
	if size < 1 {
		size = 1
	}
	s.size = size
	s.window = BlackmanHarris(size)
	s.windowSum = floats.Sum(s.window)
	s.fft = fourier.NewCmplxFFT(size)
}

// Size returns the FFT length.
func (s *Spectrum) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// PowerDB returns the DC-centred power spectrum in dB relative to a
// full-scale (unit amplitude) tone. Only the newest Size samples are used;
// shorter blocks are zero-padded at the front.
func (s *Spectrum) PowerDB(samples []complex64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := make([]complex64, s.size)
	if len(samples) >= s.size {
		copy(block, samples[len(samples)-s.size:])
	} else {
		copy(block[s.size-len(samples):], samples)
	}
	coeffs := s.fft.Coefficients(nil, ApplyWindow(block, s.window))
	shifted := FFTShift(coeffs)
	db := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v) / s.windowSum
		if mag == 0 {
			db[i] = math.Inf(-1)
			continue
		}
		db[i] = 20 * math.Log10(mag)
	}
	return db
}

// BinFrequencies returns the centre frequency of every bin of PowerDB for
// the given sample rate, from -fs/2 upwards.
func (s *Spectrum) BinFrequencies(sampleRate float64) []float64 {
	n := s.Size()
	out := make([]float64, n)
	for i := range out {
		out[i] = (float64(i) - float64(n/2)) * sampleRate / float64(n)
	}
	return out
}

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := (n + 1) / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// Occupancy summarises a spectrum for the status feed.
type Occupancy struct {
	PeakBin   int
	PeakDB    float64
	NoiseDB   float64
	SNRDB     float64
	Available bool
}

// binRange clamps [start,end) to [0,n).
// If the resulting interval is empty, it returns (0,0).
func binRange(n, start, end int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	start = max(start, 0)
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// Occupy finds the strongest bin of db within [start,end) and estimates its
// SNR against the mean of the other bins, excluding the peak and its
// immediate neighbours.
func Occupy(db []float64, start, end int) Occupancy {
	s, e := binRange(len(db), start, end)
	if s == e {
		return Occupancy{}
	}
	occ := Occupancy{PeakDB: math.Inf(-1)}
	for i := s; i < e; i++ {
		if db[i] > occ.PeakDB {
			occ.PeakDB = db[i]
			occ.PeakBin = i
		}
	}
	if math.IsInf(occ.PeakDB, -1) {
		return Occupancy{}
	}
	var sum float64
	var count int
	for i := s; i < e; i++ {
		if i >= occ.PeakBin-1 && i <= occ.PeakBin+1 {
			continue
		}
		if v := db[i]; !math.IsInf(v, 0) && !math.IsNaN(v) {
			sum += v
			count++
		}
	}
	occ.Available = true
	if count == 0 {
		occ.NoiseDB = occ.PeakDB
		return occ
	}
	occ.NoiseDB = sum / float64(count)
	occ.SNRDB = occ.PeakDB - occ.NoiseDB
	return occ
}
