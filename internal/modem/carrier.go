package modem

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rjboer/dmrmodem/internal/dsp"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// CarrierSyncConfig configures the carrier frequency tracker.
type CarrierSyncConfig struct {
	// SampleRate of the complex input in Hz.
	SampleRate float64
	// Window is the number of samples averaged into one frequency
	// measurement.
	Window int
	// LoopGain is the share of each measured residual folded into the
	// frequency estimate, in (0, 1].
	LoopGain float64
	// MaxOffset bounds the correction to +-MaxOffset Hz.
	MaxOffset float64
}

// DefaultCarrierSyncConfig tracks within 3 kHz at the default radio rate
// with a one millisecond measurement window.
func DefaultCarrierSyncConfig() CarrierSyncConfig {
	return CarrierSyncConfig{
		SampleRate: 1.536e6,
		Window:     1536,
		LoopGain:   0.02,
		MaxOffset:  3000,
	}
}

// Validate reports settings the tracker cannot run with.
func (c CarrierSyncConfig) Validate() error {
	if !(c.SampleRate > 0) || math.IsInf(c.SampleRate, 0) {
		return fmt.Errorf("%w: carrier sync sample rate %.6g", ErrDegenerate, c.SampleRate)
	}
	if c.Window < 2 {
		return fmt.Errorf("%w: carrier sync window %d", ErrInvalidConfig, c.Window)
	}
	if !(c.LoopGain > 0) || c.LoopGain > 1 {
		return fmt.Errorf("%w: carrier loop gain %.6g not in (0, 1]", ErrInvalidConfig, c.LoopGain)
	}
	if !(c.MaxOffset > 0) || c.MaxOffset >= c.SampleRate/2 {
		return fmt.Errorf("%w: carrier offset bound %.6g Hz at %.6g Hz", ErrInvalidConfig, c.MaxOffset, c.SampleRate)
	}
	return nil
}

// radians converts Hz to radians per sample.
func (c CarrierSyncConfig) radians(hz float64) float64 { return 2 * math.Pi * hz / c.SampleRate }

type carrierTuning struct {
	cfg   CarrierSyncConfig
	scale float64 // applied to the frequency estimate on a rate change
}

// CarrierSync removes a carrier frequency offset ahead of the discriminator.
// Every Window samples the mean phase step of the corrected signal, the
// argument of the summed x[n]·conj(x[n-1]), is measured and fed to a PI loop
// whose integrator steers an NCO. Gated (all-zero) windows leave the estimate
// untouched.
type CarrierSync struct {
	mu      sync.Mutex
	pending atomic.Pointer[carrierTuning]
	offset  atomic.Uint64 // float64 bits, Hz

	cfg   CarrierSyncConfig
	loop  *dsp.PILoop
	freq  float64 // radians per sample
	phase float64
	prev  complex128
	acc   complex128
	count int
	out   []complex64
}

// NewCarrierSync validates cfg and returns a tracker starting at zero offset.
func NewCarrierSync(cfg CarrierSyncConfig) (*CarrierSync, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &CarrierSync{cfg: cfg}
	bound := cfg.radians(cfg.MaxOffset)
	c.loop = dsp.NewPILoop(dsp.LoopGains{Ki: cfg.LoopGain}, 0, -bound, bound)
	c.pending.Store(&carrierTuning{cfg: cfg})
	return c, nil
}

// SetSampleRate follows a radio rate change. The window keeps its span in
// time and the offset estimate in Hz is kept, so the loop does not have to
// pull in again.
func (c *CarrierSync) SetSampleRate(hz float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.pending.Load()
	cfg := cur.cfg
	cfg.SampleRate = hz
	if hz > 0 && !math.IsInf(hz, 0) {
		cfg.Window = max(2, int(math.Round(float64(cfg.Window)*hz/cur.cfg.SampleRate)))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	scale := cur.scale
	if scale == 0 {
		scale = 1
	}
	c.pending.Store(&carrierTuning{cfg: cfg, scale: scale * cur.cfg.SampleRate / hz})
	return nil
}

// SampleRate returns the configured input rate.
func (c *CarrierSync) SampleRate() float64 { return c.pending.Load().cfg.SampleRate }

// Window returns the configured measurement window in samples.
func (c *CarrierSync) Window() int { return c.pending.Load().cfg.Window }

// Offset returns the tracked carrier offset in Hz. It is safe to call from
// any goroutine.
func (c *CarrierSync) Offset() float64 { return math.Float64frombits(c.offset.Load()) }

// Rate implements pipeline.Stage.
func (c *CarrierSync) Rate() pipeline.Rate { return pipeline.OneToOne }

func (c *CarrierSync) applyTuning() {
	t := c.pending.Load()
	if t.scale == 0 {
		return
	}
	c.mu.Lock()
	if t = c.pending.Load(); t.scale != 0 {
		c.cfg = t.cfg
		bound := t.cfg.radians(t.cfg.MaxOffset)
		c.freq *= t.scale
		c.loop.Reset(c.loop.Integrator()*t.scale, -bound, bound)
		c.pending.Store(&carrierTuning{cfg: t.cfg})
	}
	c.mu.Unlock()
}

// Process implements pipeline.Stage.
func (c *CarrierSync) Process(in []complex64) ([]complex64, error) {
	c.applyTuning()
	c.out = c.out[:0]
	for _, x := range in {
		sin, cos := math.Sincos(-c.phase)
		y := complex128(x) * complex(cos, sin)
		c.out = append(c.out, complex64(y))

		c.acc += y * complex(real(c.prev), -imag(c.prev))
		c.prev = y
		c.count++
		if c.count >= c.cfg.Window {
			if c.acc != 0 {
				c.freq = c.loop.Advance(math.Atan2(imag(c.acc), real(c.acc)))
			}
			c.acc, c.count = 0, 0
		}

		c.phase += c.freq
		if c.phase > math.Pi {
			c.phase -= 2 * math.Pi
		} else if c.phase < -math.Pi {
			c.phase += 2 * math.Pi
		}
	}
	c.offset.Store(math.Float64bits(c.freq * c.cfg.SampleRate / (2 * math.Pi)))
	return c.out, nil
}

// Reset returns the tracker to zero offset.
func (c *CarrierSync) Reset() {
	bound := c.cfg.radians(c.cfg.MaxOffset)
	c.loop.Reset(0, -bound, bound)
	c.freq, c.phase, c.prev, c.acc, c.count = 0, 0, 0, 0, 0
	c.offset.Store(0)
}
