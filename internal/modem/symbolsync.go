package modem

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rjboer/dmrmodem/internal/dsp"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// SymbolSyncConfig configures timing recovery.
type SymbolSyncConfig struct {
	// SamplesPerSymbol is the nominal symbol period T0 in input samples.
	SamplesPerSymbol float64
	// LoopBandwidth is the normalised loop bandwidth.
	LoopBandwidth float64
	// Damping is the loop damping factor.
	Damping float64
	// LoopGain scales the integral (period tracking) path. Zero tracks
	// phase only.
	LoopGain float64
	// MaxDeviation bounds the period estimate to T0 +- MaxDeviation samples.
	MaxDeviation float64
	// History is the initial capacity of the interpolation buffer in input
	// samples. It is validated against MinHistory and zero selects that
	// minimum. It does not bound retention: Process keeps exactly the
	// samples the next early point still needs.
	History int
}

// DefaultSymbolSyncConfig returns the receiver defaults for 5 samples per
// symbol.
func DefaultSymbolSyncConfig() SymbolSyncConfig {
	return SymbolSyncConfig{
		SamplesPerSymbol: 5,
		LoopBandwidth:    0.04,
		Damping:          1,
		LoopGain:         0.12,
		MaxDeviation:     1,
	}
}

// MinHistory is the shortest interpolation history that covers the
// filter span plus an early-to-late window at the widest allowed period.
func MinHistory(samplesPerSymbol, maxDeviation float64) int {
	return dsp.InterpTaps + 2*int(math.Ceil(samplesPerSymbol+maxDeviation))
}

func (c SymbolSyncConfig) validate() error {
	t0, dev := c.SamplesPerSymbol, c.MaxDeviation
	if math.IsNaN(t0) || math.IsInf(t0, 0) || t0 < 1 {
		return fmt.Errorf("%w: samples per symbol %.6g", ErrInvalidConfig, t0)
	}
	if dev < 0 || math.IsNaN(dev) || t0-dev < 1 {
		return fmt.Errorf("%w: period deviation %.6g leaves less than one sample per symbol", ErrInvalidConfig, dev)
	}
	if c.History != 0 && c.History < MinHistory(t0, dev) {
		return fmt.Errorf("%w: interpolation history %d shorter than %d", ErrInvalidConfig, c.History, MinHistory(t0, dev))
	}
	return nil
}

// Measurement is the per-symbol state reported to an observer.
type Measurement struct {
	Symbol float32
	Error  float64
	Period float64
	Mu     float64
}

// magAlpha smooths the |mid| estimate used to normalise the detector.
const magAlpha = 1.0 / 64

type syncTuning struct {
	gains   dsp.LoopGains
	cfg     SymbolSyncConfig
	retuned bool // nominal period changed; reset the period estimate
}

// SymbolSync recovers the symbol clock of a matched-filtered real stream with
// an early-late detector, a 128-phase interpolator and a PI loop, emitting
// one on-time sample per symbol.
type SymbolSync struct {
	bank *dsp.InterpBank

	mu      sync.Mutex // serialises tuning writers
	pending atomic.Pointer[syncTuning]

	cfg    SymbolSyncConfig
	loop   *dsp.PILoop
	buf    []float32
	next   float64 // next symbol instant as an index into buf
	avgMag float64
	last   Measurement

	observer atomic.Pointer[func(Measurement)]
	out      []float32
}

// NewSymbolSync validates cfg and returns a recovery stage.
func NewSymbolSync(cfg SymbolSyncConfig) (*SymbolSync, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	gains, err := dsp.DesignLoop(cfg.LoopBandwidth, cfg.Damping, cfg.LoopGain)
	if err != nil {
		return nil, err
	}
	if cfg.History == 0 {
		cfg.History = MinHistory(cfg.SamplesPerSymbol, cfg.MaxDeviation)
	}
	s := &SymbolSync{
		bank: dsp.NewInterpBank(),
		cfg:  cfg,
		buf:  make([]float32, 0, cfg.History),
	}
	t0 := cfg.SamplesPerSymbol
	s.loop = dsp.NewPILoop(gains, t0, t0-cfg.MaxDeviation, t0+cfg.MaxDeviation)
	s.next = s.firstInstant()
	s.pending.Store(&syncTuning{gains: gains, cfg: cfg})
	return s, nil
}

func (s *SymbolSync) firstInstant() float64 {
	return float64(dsp.InterpHistory) + s.cfg.SamplesPerSymbol/2
}

// SetObserver installs fn to be called with every recovered symbol. Pass nil
// to remove it. fn runs on the pipeline goroutine and must not block.
func (s *SymbolSync) SetObserver(fn func(Measurement)) {
	if fn == nil {
		s.observer.Store(nil)
		return
	}
	s.observer.Store(&fn)
}

// SetLoopGain changes the integral-path weighting. Phase, period and
// history are kept; the new gain applies to errors from the next block.
func (s *SymbolSync) SetLoopGain(gain float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.pending.Load()
	gains, err := dsp.DesignLoop(cur.cfg.LoopBandwidth, cur.cfg.Damping, gain)
	if err != nil {
		return err
	}
	next := *cur
	next.cfg.LoopGain = gain
	next.gains = gains
	s.pending.Store(&next)
	return nil
}

// LoopGain returns the configured loop gain.
func (s *SymbolSync) LoopGain() float64 { return s.pending.Load().cfg.LoopGain }

// SetSamplesPerSymbol retunes the nominal period after a sample-rate or baud
// change. The period estimate restarts at the new nominal value; the symbol
// phase is kept.
func (s *SymbolSync) SetSamplesPerSymbol(t0 float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.pending.Load()
	cfg := cur.cfg
	cfg.SamplesPerSymbol = t0
	cfg.History = 0
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.History = max(cur.cfg.History, MinHistory(t0, cfg.MaxDeviation))
	s.pending.Store(&syncTuning{gains: cur.gains, cfg: cfg, retuned: true})
	return nil
}

// SamplesPerSymbol returns the configured nominal period.
func (s *SymbolSync) SamplesPerSymbol() float64 { return s.pending.Load().cfg.SamplesPerSymbol }

// Rate implements pipeline.Stage.
func (s *SymbolSync) Rate() pipeline.Rate { return pipeline.Rate{Interp: 1, Decim: 1, Variable: true} }

// Last returns the measurement of the most recent symbol. It must only be
// called from the goroutine running Process.
func (s *SymbolSync) Last() Measurement { return s.last }

func (s *SymbolSync) applyTuning() {
	t := s.pending.Load()
	if t.retuned {
		s.mu.Lock()
		// re-check under the lock so a concurrent retune is not lost
		if t = s.pending.Load(); t.retuned {
			s.cfg = t.cfg
			t0 := t.cfg.SamplesPerSymbol
			s.loop.Reset(t0, t0-t.cfg.MaxDeviation, t0+t.cfg.MaxDeviation)
			// a longer period moves the early point back; keep it inside the history
			s.next = max(s.next, float64(dsp.InterpHistory)+t0/2)
			cleared := *t
			cleared.retuned = false
			s.pending.Store(&cleared)
		}
		s.mu.Unlock()
	}
	s.cfg.LoopGain = t.cfg.LoopGain
	s.loop.SetGains(t.gains)
}

// Process implements pipeline.Stage. The output count depends on the
// recovered clock; the fractional sampling instant carries across blocks.
func (s *SymbolSync) Process(in []float32) ([]float32, error) {
	s.applyTuning()
	s.out = s.out[:0]
	s.buf = append(s.buf, in...)

	half := s.cfg.SamplesPerSymbol / 2
	lookahead := dsp.InterpTaps - dsp.InterpHistory // samples needed after n
	var observe func(Measurement)
	if fn := s.observer.Load(); fn != nil {
		observe = *fn
	}

	for {
		late := s.next + half
		if int(late)+lookahead >= len(s.buf) {
			break
		}
		early, err := s.sample(s.next - half)
		if err != nil {
			return nil, err
		}
		mid, err := s.sample(s.next)
		if err != nil {
			return nil, err
		}
		lateV, err := s.sample(late)
		if err != nil {
			return nil, err
		}

		if s.avgMag == 0 {
			s.avgMag = math.Abs(float64(mid))
		} else {
			s.avgMag += magAlpha * (math.Abs(float64(mid)) - s.avgMag)
		}
		e := 0.0
		if s.avgMag > 1e-9 {
			e = float64(lateV-early) / (2 * s.avgMag)
			if mid < 0 {
				e = -e
			}
			e = math.Max(-1, math.Min(1, e))
		}

		period := s.loop.Advance(e)
		s.last = Measurement{
			Symbol: mid,
			Error:  e,
			Period: s.loop.Integrator(),
			Mu:     s.next - math.Floor(s.next),
		}
		if observe != nil {
			observe(s.last)
		}
		s.out = append(s.out, mid)
		s.next += period
	}

	// drop samples no longer reachable by the next early point
	if drop := int(s.next-half) - dsp.InterpHistory - 1; drop > 0 {
		drop = min(drop, len(s.buf))
		s.buf = append(s.buf[:0], s.buf[drop:]...)
		s.next -= float64(drop)
	}
	return s.out, nil
}

// sample interpolates buf at fractional index t.
func (s *SymbolSync) sample(t float64) (float32, error) {
	n := int(math.Floor(t))
	return s.bank.Real(s.buf[n-dsp.InterpHistory:], t-float64(n))
}

// Reset restarts acquisition: history, phase and period estimate.
func (s *SymbolSync) Reset() {
	s.buf = s.buf[:0]
	s.avgMag = 0
	s.next = s.firstInstant()
	t0 := s.cfg.SamplesPerSymbol
	s.loop.Reset(t0, t0-s.cfg.MaxDeviation, t0+s.cfg.MaxDeviation)
}
