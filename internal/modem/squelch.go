// Package modem holds the 4FSK-specific stages: squelch, frequency
// demodulator and modulator, symbol timing recovery, the symbol mapper and
// slicer, the channel simulator and the sync-word detector.
package modem

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rjboer/dmrmodem/internal/dsp"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

var (
	// ErrInvalidConfig reports a parameter outside its domain.
	ErrInvalidConfig = dsp.ErrInvalidConfig
	// ErrDegenerate reports parameters that would produce NaN or Inf gains.
	ErrDegenerate = dsp.ErrDegenerate
)

// SquelchConfig configures the power gate.
type SquelchConfig struct {
	// ThresholdDB is the gate level in dB relative to unit power.
	ThresholdDB float64
	// Alpha is the single-pole averager coefficient in (0, 1]; 1 tracks
	// instantaneous power.
	Alpha float64
	// HysteresisDB opens the gate at threshold+h and closes it at threshold-h.
	HysteresisDB float64
	// HoldSamples keeps the gate open this many samples after power drops
	// below the close level.
	HoldSamples int
}

// DefaultSquelchConfig mirrors the receiver defaults.
func DefaultSquelchConfig() SquelchConfig {
	return SquelchConfig{ThresholdDB: -35, Alpha: 1, HysteresisDB: 1, HoldSamples: 64}
}

type squelchLevels struct {
	thresholdDB float64
	open        float64 // linear power
	close       float64
}

// Squelch zeroes complex samples while the smoothed input power is below
// the threshold. Output cadence is always preserved.
type Squelch struct {
	alpha float64
	hyst  float64
	hold  int

	levels  atomic.Pointer[squelchLevels]
	open    atomic.Bool
	powerDB atomic.Uint64

	avg      float64
	holdLeft int
	out      []complex64
}

// NewSquelch validates cfg and returns a closed gate.
func NewSquelch(cfg SquelchConfig) (*Squelch, error) {
	if !(cfg.Alpha > 0 && cfg.Alpha <= 1) {
		return nil, fmt.Errorf("%w: squelch alpha %.6g outside (0, 1]", ErrInvalidConfig, cfg.Alpha)
	}
	if cfg.HysteresisDB < 0 || math.IsNaN(cfg.HysteresisDB) || math.IsInf(cfg.HysteresisDB, 0) {
		return nil, fmt.Errorf("%w: squelch hysteresis %.6g", ErrInvalidConfig, cfg.HysteresisDB)
	}
	if cfg.HoldSamples < 0 {
		return nil, fmt.Errorf("%w: squelch hold %d", ErrInvalidConfig, cfg.HoldSamples)
	}
	s := &Squelch{alpha: cfg.Alpha, hyst: cfg.HysteresisDB, hold: cfg.HoldSamples}
	if err := s.SetThreshold(cfg.ThresholdDB); err != nil {
		return nil, err
	}
	s.powerDB.Store(math.Float64bits(math.Inf(-1)))
	return s, nil
}

// SetThreshold changes the gate level. The next sample is compared against
// the new level; the power average and gate state are untouched.
func (s *Squelch) SetThreshold(db float64) error {
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return fmt.Errorf("%w: squelch threshold %.6g", ErrInvalidConfig, db)
	}
	s.levels.Store(&squelchLevels{
		thresholdDB: db,
		open:        math.Pow(10, (db+s.hyst)/10),
		close:       math.Pow(10, (db-s.hyst)/10),
	})
	return nil
}

// Threshold returns the active threshold in dB.
func (s *Squelch) Threshold() float64 { return s.levels.Load().thresholdDB }

// Open reports whether the gate is passing samples.
func (s *Squelch) Open() bool { return s.open.Load() }

// PowerDB returns the smoothed input power at the end of the last block.
func (s *Squelch) PowerDB() float64 { return math.Float64frombits(s.powerDB.Load()) }

// Rate implements pipeline.Stage.
func (s *Squelch) Rate() pipeline.Rate { return pipeline.OneToOne }

// Process implements pipeline.Stage.
func (s *Squelch) Process(in []complex64) ([]complex64, error) {
	s.out = s.out[:0]
	open := s.open.Load()
	for _, x := range in {
		re, im := float64(real(x)), float64(imag(x))
		s.avg += s.alpha * (re*re + im*im - s.avg)
		lv := s.levels.Load()
		switch {
		case !open && s.avg > lv.open:
			open = true
			s.holdLeft = s.hold
		case open && s.avg < lv.close:
			if s.holdLeft > 0 {
				s.holdLeft--
			} else {
				open = false
			}
		case open:
			s.holdLeft = s.hold
		}
		if open {
			s.out = append(s.out, x)
		} else {
			s.out = append(s.out, 0)
		}
	}
	s.open.Store(open)
	s.powerDB.Store(math.Float64bits(10 * math.Log10(s.avg)))
	return s.out, nil
}
