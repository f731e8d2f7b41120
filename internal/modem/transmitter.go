package modem

import (
	"fmt"
	"math"

	"github.com/rjboer/dmrmodem/internal/dsp"
)

// TransmitterConfig describes the 4FSK waveform generator.
type TransmitterConfig struct {
	// SampleRate is the shaping filter output rate. It must be an integer
	// multiple of BaudRate.
	SampleRate float64
	BaudRate   float64
	Deviation  float64
	Rolloff    float64
	Taps       int
	// Scale is the outer symbol level handed to the shaping filter.
	Scale float64
	// Upsample is the integer ratio from SampleRate to the radio rate; 1
	// leaves the signal at SampleRate.
	Upsample int
	// FractionalBW is the upsampler passband as a fraction of its input rate.
	FractionalBW float64
}

// DefaultTransmitterConfig matches the receiver defaults: 24 kHz shaping,
// 4800 baud, 2.5 kHz deviation, 1.536 MHz radio rate.
func DefaultTransmitterConfig() TransmitterConfig {
	return TransmitterConfig{
		SampleRate:   24000,
		BaudRate:     4800,
		Deviation:    2500,
		Rolloff:      0.8,
		Taps:         64,
		Scale:        0.8,
		Upsample:     64,
		FractionalBW: 0.4,
	}
}

// SamplesPerSymbol returns SampleRate/BaudRate, or an error if it is not a
// whole number.
func (c TransmitterConfig) SamplesPerSymbol() (int, error) {
	if !(c.BaudRate > 0) || !(c.SampleRate > 0) {
		return 0, fmt.Errorf("%w: sample rate %.6g and baud rate %.6g", ErrInvalidConfig, c.SampleRate, c.BaudRate)
	}
	sps := c.SampleRate / c.BaudRate
	if r := math.Round(sps); r < 2 || math.Abs(sps-r) > 1e-9 {
		return 0, fmt.Errorf("%w: %.6g samples per symbol must be a whole number of at least 2", ErrInvalidConfig, sps)
	}
	return int(math.Round(sps)), nil
}

// Transmitter chains the mapper, the RRC shaping interpolator, the FM
// modulator and the radio-rate upsampler. The stages are exported so a
// pipeline can run them as separate nodes; Modulate runs them in one call.
type Transmitter struct {
	Mapper    *Mapper
	Shaper    *dsp.FIR[float32]
	FM        *FMMod
	Upsampler *dsp.Resampler[complex64] // nil when Upsample is 1

	cfg TransmitterConfig
	sps int
}

// NewTransmitter validates cfg and designs the shaping and upsampling
// filters.
func NewTransmitter(cfg TransmitterConfig) (*Transmitter, error) {
	sps, err := cfg.SamplesPerSymbol()
	if err != nil {
		return nil, err
	}
	if cfg.Upsample < 1 {
		return nil, fmt.Errorf("%w: upsample factor %d", ErrInvalidConfig, cfg.Upsample)
	}
	mapper, err := NewMapper(cfg.Scale)
	if err != nil {
		return nil, err
	}
	// gain sps keeps each polyphase branch at unity, so symbol peaks sit at
	// Scale times the level
	taps, err := dsp.RRC(float64(sps), cfg.SampleRate, cfg.BaudRate, cfg.Rolloff, cfg.Taps)
	if err != nil {
		return nil, fmt.Errorf("shaping filter: %w", err)
	}
	shaper, err := dsp.NewFloatFIR(taps, 1, sps)
	if err != nil {
		return nil, err
	}
	// modulate at the shaping rate, then upsample the unit-magnitude carrier
	fm, err := NewFMMod(cfg.SampleRate, cfg.Deviation)
	if err != nil {
		return nil, err
	}
	t := &Transmitter{Mapper: mapper, Shaper: shaper, FM: fm, cfg: cfg, sps: sps}
	if cfg.Upsample > 1 {
		t.Upsampler, err = dsp.NewComplexResampler(cfg.Upsample, 1, nil, cfg.FractionalBW)
		if err != nil {
			return nil, fmt.Errorf("upsampler: %w", err)
		}
	}
	return t, nil
}

// Config returns the validated configuration.
func (t *Transmitter) Config() TransmitterConfig { return t.cfg }

// SamplesPerSymbol returns the shaping interpolation factor.
func (t *Transmitter) SamplesPerSymbol() int { return t.sps }

// RadioRate is the output sample rate.
func (t *Transmitter) RadioRate() float64 { return t.cfg.SampleRate * float64(t.cfg.Upsample) }

// SamplesPerByte is the number of radio-rate samples one payload byte
// produces.
func (t *Transmitter) SamplesPerByte() int { return SymbolsPerByte * t.sps * t.cfg.Upsample }

// Modulate turns packed payload bytes into radio-rate I/Q. Filter state
// carries across calls. The result is only valid until the next call.
func (t *Transmitter) Modulate(data []byte) ([]complex64, error) {
	symbols, err := t.Mapper.Process(data)
	if err != nil {
		return nil, err
	}
	shaped, err := t.Shaper.Process(symbols)
	if err != nil {
		return nil, err
	}
	iq, err := t.FM.Process(shaped)
	if err != nil {
		return nil, err
	}
	if t.Upsampler == nil {
		return iq, nil
	}
	return t.Upsampler.Process(iq)
}

// Reset clears all filter and phase state.
func (t *Transmitter) Reset() {
	t.Shaper.Reset()
	if t.Upsampler != nil {
		t.Upsampler.Reset()
	}
	t.FM.Reset()
}
