package sdr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rjboer/dmrmodem/internal/modem"
)

// MockReferenceGain is the receiver gain at which the simulated carrier has
// unit amplitude.
const MockReferenceGain = 30.0

// MockConfig describes the simulated station.
type MockConfig struct {
	Transmitter modem.TransmitterConfig
	// TransmitFrequency is the carrier frequency of the simulated station.
	TransmitFrequency float64
	// Payload is sent back to back; nil selects modem.TestBurst2.
	Payload []byte
	// IdleBytes of carrier-off time follow every payload.
	IdleBytes    int
	NoiseVoltage float64
	Seed         uint64
	// Realtime paces Read to the configured sample rate.
	Realtime bool
}

// DefaultMockConfig places a transmitter of the default waveform on the
// default receive frequency.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		Transmitter:       modem.DefaultTransmitterConfig(),
		TransmitFrequency: 441e6,
		Seed:              1,
	}
}

// MockSDR simulates a 4FSK station heard through a noisy channel. Tuning
// away from the transmit frequency shows up as a frequency offset, a sample
// rate change regenerates the waveform at the new rate.
type MockSDR struct {
	mu      sync.Mutex
	cfg     Config
	mock    MockConfig
	tx      *modem.Transmitter
	channel *modem.Channel
	stale   bool
	closed  bool

	pending []complex64
	pos     int // byte index into payload plus idle
	idle    []byte

	started  time.Time
	produced uint64
}

// NewMock returns a simulated source. cfg supplies the initial radio
// settings; a zero SampleRate selects the transmitter's radio rate.
func NewMock(cfg Config, mock MockConfig) (*MockSDR, error) {
	if mock.Payload == nil {
		mock.Payload = modem.TestBurst2
	}
	if len(mock.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", modem.ErrInvalidConfig)
	}
	if mock.IdleBytes < 0 {
		return nil, fmt.Errorf("%w: idle bytes %d", modem.ErrInvalidConfig, mock.IdleBytes)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = mock.Transmitter.SampleRate * float64(mock.Transmitter.Upsample)
	}
	if cfg.CenterFrequency == 0 {
		cfg.CenterFrequency = mock.TransmitFrequency
	}
	m := &MockSDR{cfg: cfg, mock: mock, idle: make([]byte, mock.IdleBytes)}
	if err := m.rebuild(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MockSDR) upsample(rate float64) (int, error) {
	base := m.mock.Transmitter.SampleRate
	up := math.Round(rate / base)
	if up < 1 || math.Abs(rate-up*base) > 1e-6*rate {
		return 0, fmt.Errorf("%w: mock sample rate %.6g is not a multiple of %.6g", ErrUnsupported, rate, base)
	}
	return int(up), nil
}

// offset returns the carrier offset in cycles per sample for cfg.
func (m *MockSDR) offset(cfg Config) (float64, error) {
	tuned := cfg.CenterFrequency * (1 + cfg.CorrectionPPM*1e-6)
	cycles := (m.mock.TransmitFrequency - tuned) / cfg.SampleRate
	if math.Abs(cycles) >= 0.5 {
		return 0, fmt.Errorf("%w: station %.0f Hz outside the %.0f Hz band at %.0f Hz", ErrUnsupported, m.mock.TransmitFrequency, cfg.SampleRate, tuned)
	}
	return cycles, nil
}

func (m *MockSDR) rebuild(cfg Config) error {
	up, err := m.upsample(cfg.SampleRate)
	if err != nil {
		return err
	}
	cycles, err := m.offset(cfg)
	if err != nil {
		return err
	}
	txCfg := m.mock.Transmitter
	txCfg.Upsample = up
	tx, err := modem.NewTransmitter(txCfg)
	if err != nil {
		return err
	}
	chCfg := modem.DefaultChannelConfig()
	chCfg.FrequencyOffset = cycles
	chCfg.NoiseVoltage = m.mock.NoiseVoltage
	chCfg.Seed = m.mock.Seed
	ch, err := modem.NewChannel(chCfg)
	if err != nil {
		return err
	}
	m.tx, m.channel = tx, ch
	m.pending = m.pending[:0]
	m.stale = false
	m.started, m.produced = time.Time{}, 0
	return nil
}

// SetSampleRate switches the simulated waveform to a new rate, which must be
// a multiple of the transmitter's shaping rate.
func (m *MockSDR) SetSampleRate(hz float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.cfg
	next.SampleRate = hz
	if _, err := m.upsample(hz); err != nil {
		return err
	}
	if _, err := m.offset(next); err != nil {
		return err
	}
	m.cfg = next
	m.stale = true
	return nil
}

// SetFrequency retunes; the station moves within the band accordingly.
func (m *MockSDR) SetFrequency(hz float64) error {
	return m.retune(func(c *Config) { c.CenterFrequency = hz })
}

// SetFrequencyCorrection applies an oscillator correction in ppm.
func (m *MockSDR) SetFrequencyCorrection(ppm float64) error {
	return m.retune(func(c *Config) { c.CorrectionPPM = ppm })
}

func (m *MockSDR) retune(apply func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.cfg
	apply(&next)
	cycles, err := m.offset(next)
	if err != nil {
		return err
	}
	if !m.stale {
		if err := m.channel.SetFrequencyOffset(cycles); err != nil {
			return err
		}
	}
	m.cfg = next
	return nil
}

// SetGain scales the received carrier relative to MockReferenceGain.
func (m *MockSDR) SetGain(db float64) error {
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return fmt.Errorf("%w: gain %v", modem.ErrInvalidConfig, db)
	}
	m.mu.Lock()
	m.cfg.Gain = db
	m.mu.Unlock()
	return nil
}

// Settings returns the current radio settings.
func (m *MockSDR) Settings() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Close ends the stream; later reads return ErrClosed.
func (m *MockSDR) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Read fills dst with simulated samples.
func (m *MockSDR) Read(ctx context.Context, dst []complex64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.stale {
		if err := m.rebuild(m.cfg); err != nil {
			m.mu.Unlock()
			return 0, err
		}
	}
	for len(m.pending) < len(dst) {
		if err := m.generate(); err != nil {
			m.mu.Unlock()
			return 0, err
		}
	}
	n := copy(dst, m.pending)
	m.pending = append(m.pending[:0], m.pending[n:]...)
	amp := float32(math.Pow(10, (m.cfg.Gain-MockReferenceGain)/20))
	for i := range dst[:n] {
		dst[i] *= complex(amp, 0)
	}
	rate := m.cfg.SampleRate
	realtime := m.mock.Realtime
	if m.started.IsZero() {
		m.started = time.Now()
	}
	m.produced += uint64(n)
	due := m.started.Add(time.Duration(float64(m.produced) / rate * float64(time.Second)))
	m.mu.Unlock()

	if realtime {
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return n, nil
}

// generate appends one payload or idle byte worth of channel output.
func (m *MockSDR) generate() error {
	total := len(m.mock.Payload) + len(m.idle)
	var (
		iq  []complex64
		err error
	)
	if m.pos < len(m.mock.Payload) {
		iq, err = m.tx.Modulate(m.mock.Payload[m.pos : m.pos+1])
		if err != nil {
			return err
		}
	} else {
		iq = make([]complex64, m.tx.SamplesPerByte())
	}
	m.pos = (m.pos + 1) % total
	out, err := m.channel.Process(iq)
	if err != nil {
		return err
	}
	m.pending = append(m.pending, out...)
	return nil
}
