package modem

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"sync/atomic"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rjboer/dmrmodem/internal/dsp"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// ChannelConfig describes the impairments applied by Channel. The zero
// values of Delay, FrequencyOffset and NoiseVoltage disable them.
type ChannelConfig struct {
	// Gain multiplies every sample.
	Gain complex128
	// Delay prepends this many zero samples.
	Delay int
	// FrequencyOffset rotates the signal by this many cycles per sample.
	FrequencyOffset float64
	// Epsilon is the ratio of receiver to transmitter sample clocks; 1 keeps
	// the timing untouched.
	Epsilon float64
	// Taps is the multipath impulse response; nil means a single unit tap.
	Taps []complex128
	// NoiseVoltage is the RMS amplitude of added complex white noise.
	NoiseVoltage float64
	// Seed makes the noise reproducible.
	Seed uint64
}

// DefaultChannelConfig is the identity channel.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{Gain: 1, Epsilon: 1}
}

func (c ChannelConfig) validate() error {
	if cmplx.IsNaN(c.Gain) || cmplx.IsInf(c.Gain) {
		return fmt.Errorf("%w: channel gain %v", ErrInvalidConfig, c.Gain)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: channel delay %d", ErrInvalidConfig, c.Delay)
	}
	if math.IsNaN(c.FrequencyOffset) || math.Abs(c.FrequencyOffset) >= 0.5 {
		return fmt.Errorf("%w: frequency offset %.6g outside (-0.5, 0.5)", ErrInvalidConfig, c.FrequencyOffset)
	}
	if !(c.Epsilon > 0.5 && c.Epsilon < 2) {
		return fmt.Errorf("%w: timing ratio %.6g outside (0.5, 2)", ErrInvalidConfig, c.Epsilon)
	}
	if c.NoiseVoltage < 0 || math.IsNaN(c.NoiseVoltage) || math.IsInf(c.NoiseVoltage, 0) {
		return fmt.Errorf("%w: noise voltage %.6g", ErrInvalidConfig, c.NoiseVoltage)
	}
	for i, t := range c.Taps {
		if cmplx.IsNaN(t) || cmplx.IsInf(t) {
			return fmt.Errorf("%w: multipath tap %d", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Channel applies gain, delay, clock offset, multipath, noise and a
// frequency offset to a complex stream, in that order.
type Channel struct {
	cfg  ChannelConfig
	bank *dsp.InterpBank
	taps []complex64

	noise  atomic.Uint64 // float64 bits
	offset atomic.Uint64 // float64 bits, cycles per sample
	normal distuv.Normal

	delayLine []complex64
	resampBuf []complex64
	resampPos float64
	mpHist    []complex64
	phase     float64

	stage []complex64
	out   []complex64
}

// NewChannel validates cfg and returns the impairment stage.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	taps := cfg.Taps
	if len(taps) == 0 {
		taps = []complex128{1}
	}
	c := &Channel{
		cfg:       cfg,
		bank:      dsp.NewInterpBank(),
		delayLine: make([]complex64, cfg.Delay),
		resampBuf: make([]complex64, dsp.InterpHistory),
		resampPos: dsp.InterpHistory,
		mpHist:    make([]complex64, len(taps)-1),
		normal: distuv.Normal{
			Mu:  0,
			Src: rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
		},
	}
	// taps stored reversed for a forward dot product
	c.taps = make([]complex64, len(taps))
	for i, t := range taps {
		c.taps[len(taps)-1-i] = complex64(t)
	}
	c.noise.Store(math.Float64bits(cfg.NoiseVoltage))
	c.offset.Store(math.Float64bits(cfg.FrequencyOffset))
	return c, nil
}

// SetNoiseVoltage changes the noise level from the next block.
func (c *Channel) SetNoiseVoltage(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: noise voltage %.6g", ErrInvalidConfig, v)
	}
	c.noise.Store(math.Float64bits(v))
	return nil
}

// SetFrequencyOffset changes the rotation from the next block.
func (c *Channel) SetFrequencyOffset(cycles float64) error {
	if math.IsNaN(cycles) || math.Abs(cycles) >= 0.5 {
		return fmt.Errorf("%w: frequency offset %.6g outside (-0.5, 0.5)", ErrInvalidConfig, cycles)
	}
	c.offset.Store(math.Float64bits(cycles))
	return nil
}

// Rate implements pipeline.Stage. A clock offset makes the stage variable.
func (c *Channel) Rate() pipeline.Rate {
	if c.cfg.Epsilon != 1 {
		return pipeline.Rate{Interp: 1, Decim: 1, Variable: true}
	}
	return pipeline.OneToOne
}

// Process implements pipeline.Stage.
func (c *Channel) Process(in []complex64) ([]complex64, error) {
	x := in
	if d := len(c.delayLine); d > 0 {
		c.stage = append(append(c.stage[:0], c.delayLine...), in...)
		x = c.stage[:len(in)]
		copy(c.delayLine, c.stage[len(in):])
	}
	if c.cfg.Epsilon != 1 {
		var err error
		if x, err = c.resample(x); err != nil {
			return nil, err
		}
	}
	c.out = c.out[:0]
	gain := complex64(c.cfg.Gain)
	sigma := math.Float64frombits(c.noise.Load()) / math.Sqrt2
	step := 2 * math.Pi * math.Float64frombits(c.offset.Load())
	c.normal.Sigma = sigma

	n := len(c.taps)
	work := append(c.mpHist[:len(c.mpHist):len(c.mpHist)], x...)
	for i := range x {
		var acc complex64
		for k, t := range c.taps {
			acc += t * work[i+k]
		}
		y := acc * gain
		if sigma > 0 {
			y += complex(float32(c.normal.Rand()), float32(c.normal.Rand()))
		}
		if step != 0 {
			s, co := math.Sincos(c.phase)
			y *= complex(float32(co), float32(s))
			c.phase = math.Remainder(c.phase+step, 2*math.Pi)
		}
		c.out = append(c.out, y)
	}
	c.mpHist = append(c.mpHist[:0], work[len(work)-(n-1):]...)
	return c.out, nil
}

// resample evaluates the input at multiples of Epsilon samples.
func (c *Channel) resample(x []complex64) ([]complex64, error) {
	c.resampBuf = append(c.resampBuf, x...)
	var out []complex64
	lookahead := dsp.InterpTaps - dsp.InterpHistory
	for int(c.resampPos)+lookahead < len(c.resampBuf) {
		n := int(c.resampPos)
		v, err := c.bank.Complex(c.resampBuf[n-dsp.InterpHistory:], c.resampPos-float64(n))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		c.resampPos += c.cfg.Epsilon
	}
	if drop := int(c.resampPos) - dsp.InterpHistory; drop > 0 {
		c.resampBuf = append(c.resampBuf[:0], c.resampBuf[drop:]...)
		c.resampPos -= float64(drop)
	}
	return out, nil
}
