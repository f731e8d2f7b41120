package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/dmrmodem/internal/config"
	"github.com/rjboer/dmrmodem/internal/dsp"
	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// DefaultChunkBytes is how many payload bytes the harness source hands out
// per read. One byte expands to thousands of radio-rate samples, so reads
// are kept small to bound the blocks downstream.
const DefaultChunkBytes = 4

// HarnessOptions selects what the modem harness transmits.
type HarnessOptions struct {
	// Payload is sent back to back; nil selects modem.TestBurst2.
	Payload []byte
	// Bursts ends the stream after this many payloads; zero runs until
	// stopped.
	Bursts int
	// ChunkBytes is the source read size; zero selects DefaultChunkBytes.
	ChunkBytes int
	// Realtime paces the payload to the configured baud rate.
	Realtime bool
}

// payloadSource repeats a payload a fixed number of times.
type payloadSource struct {
	payload []byte
	bursts  int
	chunk   int

	pos  int
	sent int

	// pacing
	byteRate float64
	started  time.Time
	produced int
}

func (s *payloadSource) Read(ctx context.Context, dst []byte) (int, error) {
	if s.bursts > 0 && s.sent >= s.bursts {
		return 0, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := min(len(dst), s.chunk, len(s.payload)-s.pos)
	copy(dst, s.payload[s.pos:s.pos+n])
	s.pos += n
	if s.pos == len(s.payload) {
		s.pos = 0
		s.sent++
	}
	if s.byteRate > 0 {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		s.produced += n
		due := s.started.Add(time.Duration(float64(s.produced) / s.byteRate * float64(time.Second)))
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return n, ctx.Err()
			case <-t.C:
			}
		}
	}
	return n, nil
}

// Harness runs the complete transmit chain through a simulated channel into
// the demodulator and timing recovery:
//
//	payload -> mapper -> RRC shaper -> FM -> upsampler -> channel
//	        -> channel low-pass (decimate) -> [carrier sync]
//	        -> quadrature demod -> RRC -> samples / symbol sync -> symbols
type Harness struct {
	logger logging.Logger
	cfg    config.Config
	opts   HarnessOptions

	tx      *modem.Transmitter
	channel *modem.Channel
	lowPass *dsp.FIR[complex64]
	carrier *modem.CarrierSync
	demod   *modem.QuadDemod
	matched *dsp.FIR[float32]
	symsync *modem.SymbolSync

	mu          sync.Mutex
	sampleSinks []symbolSink
	symbolSinks []symbolSink
	pipe        *pipeline.Pipeline
}

// NewHarness designs every stage from cfg.
func NewHarness(cfg config.Config, opts HarnessOptions, logger logging.Logger) (*Harness, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Payload == nil {
		opts.Payload = modem.TestBurst2
	}
	if len(opts.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", modem.ErrInvalidConfig)
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	if opts.Bursts < 0 {
		return nil, fmt.Errorf("%w: burst count %d", modem.ErrInvalidConfig, opts.Bursts)
	}
	h := &Harness{logger: logger.With(logging.F("subsystem", "harness")), cfg: cfg, opts: opts}

	m := cfg.Modem
	decim := cfg.Decimation()
	if decim < 1 {
		return nil, fmt.Errorf("%w: radio rate %v over baseband %v", modem.ErrInvalidConfig, cfg.Radio.SampleRate, m.SampleRate)
	}
	baseband := float64(m.SampleRate)
	radio := baseband * float64(decim)

	var err error
	h.tx, err = modem.NewTransmitter(modem.TransmitterConfig{
		SampleRate:   baseband,
		BaudRate:     m.BaudRate,
		Deviation:    float64(m.Deviation),
		Rolloff:      m.TXRolloff,
		Taps:         m.TXTaps,
		Scale:        m.SlicerScale,
		Upsample:     decim,
		FractionalBW: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("transmitter: %w", err)
	}

	chCfg := modem.DefaultChannelConfig()
	chCfg.NoiseVoltage = cfg.Channel.NoiseVoltage
	chCfg.FrequencyOffset = float64(cfg.Channel.FrequencyOffset) / radio
	chCfg.Epsilon = cfg.Channel.Epsilon
	chCfg.Delay = cfg.Channel.Delay
	chCfg.Seed = cfg.Channel.Seed
	if h.channel, err = modem.NewChannel(chCfg); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}

	lpTaps := []float64{1}
	if decim > 1 {
		lpTaps, err = dsp.LowPass(1, radio, baseband/2, float64(m.ChannelTransition), dsp.WindowHamming, 0)
		if err != nil {
			return nil, fmt.Errorf("channel filter: %w", err)
		}
	}
	if h.lowPass, err = dsp.NewComplexFIR(lpTaps, decim, 1); err != nil {
		return nil, fmt.Errorf("channel filter: %w", err)
	}
	if cfg.Carrier.Enabled {
		if h.carrier, err = modem.NewCarrierSync(carrierConfig(cfg, baseband)); err != nil {
			return nil, fmt.Errorf("carrier sync: %w", err)
		}
	}
	if h.demod, err = modem.NewQuadDemod(baseband, float64(m.Deviation)); err != nil {
		return nil, fmt.Errorf("demodulator: %w", err)
	}
	rxTaps, err := dsp.RRC(1, baseband, m.BaudRate, m.Rolloff, m.MatchedTaps)
	if err != nil {
		return nil, fmt.Errorf("matched filter: %w", err)
	}
	if h.matched, err = dsp.NewFloatFIR(rxTaps, 1, 1); err != nil {
		return nil, err
	}
	h.symsync, err = modem.NewSymbolSync(modem.SymbolSyncConfig{
		SamplesPerSymbol: cfg.SamplesPerSymbol(),
		LoopBandwidth:    cfg.Timing.LoopBandwidth,
		Damping:          cfg.Timing.Damping,
		LoopGain:         cfg.Timing.LoopGain,
		MaxDeviation:     cfg.Timing.MaxDeviation,
	})
	if err != nil {
		return nil, fmt.Errorf("timing recovery: %w", err)
	}
	return h, nil
}

// CarrierOffset returns the tracked carrier offset in Hz, or zero without
// carrier tracking.
func (h *Harness) CarrierOffset() float64 {
	if h.carrier == nil {
		return 0
	}
	return h.carrier.Offset()
}

// Transmitter exposes the transmit stages.
func (h *Harness) Transmitter() *modem.Transmitter { return h.tx }

// AddSampleSink attaches a consumer of the matched-filter output, ahead of
// timing recovery. It must be called before Run.
func (h *Harness) AddSampleSink(name string, sink pipeline.Sink[float32]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pipe != nil {
		return pipeline.ErrStarted
	}
	h.sampleSinks = append(h.sampleSinks, symbolSink{name: name, sink: sink})
	return nil
}

// AddSymbolSink attaches a consumer of the recovered symbols. It must be
// called before Run.
func (h *Harness) AddSymbolSink(name string, sink pipeline.Sink[float32]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pipe != nil {
		return pipeline.ErrStarted
	}
	h.symbolSinks = append(h.symbolSinks, symbolSink{name: name, sink: sink})
	return nil
}

func (h *Harness) wire() (*pipeline.Pipeline, error) {
	p := pipeline.New(h.logger, pipeline.Options{BlockSize: h.cfg.Radio.BlockSize})

	src := &payloadSource{payload: h.opts.Payload, bursts: h.opts.Bursts, chunk: h.opts.ChunkBytes}
	if h.opts.Realtime {
		src.byteRate = h.cfg.Modem.BaudRate / modem.SymbolsPerByte
	}
	bytes, err := pipeline.AddSource[byte](p, "payload", src)
	if err != nil {
		return nil, err
	}
	levels, err := pipeline.Connect[byte, float32](p, "mapper", bytes, h.tx.Mapper)
	if err != nil {
		return nil, err
	}
	shaped, err := pipeline.Connect[float32, float32](p, "shaper", levels, h.tx.Shaper)
	if err != nil {
		return nil, err
	}
	iq, err := pipeline.Connect[float32, complex64](p, "fm-mod", shaped, h.tx.FM)
	if err != nil {
		return nil, err
	}
	if h.tx.Upsampler != nil {
		if iq, err = pipeline.Connect[complex64, complex64](p, "upsampler", iq, h.tx.Upsampler); err != nil {
			return nil, err
		}
	}
	air, err := pipeline.Connect[complex64, complex64](p, "channel", iq, h.channel)
	if err != nil {
		return nil, err
	}
	baseband, err := pipeline.Connect[complex64, complex64](p, "channel-filter", air, h.lowPass)
	if err != nil {
		return nil, err
	}
	if h.carrier != nil {
		if baseband, err = pipeline.Connect[complex64, complex64](p, "carrier-sync", baseband, h.carrier); err != nil {
			return nil, err
		}
	}
	freq, err := pipeline.Connect[complex64, float32](p, "demod", baseband, h.demod)
	if err != nil {
		return nil, err
	}
	samples, err := pipeline.Connect[float32, float32](p, "matched-filter", freq, h.matched)
	if err != nil {
		return nil, err
	}
	for _, s := range h.sampleSinks {
		if err := pipeline.AddSink(p, s.name, samples, s.sink); err != nil {
			return nil, err
		}
	}
	symbols, err := pipeline.Connect[float32, float32](p, "symbol-sync", samples, h.symsync)
	if err != nil {
		return nil, err
	}
	for _, s := range h.symbolSinks {
		if err := pipeline.AddSink(p, s.name, symbols, s.sink); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run builds the pipeline and blocks until the payload is exhausted, Stop is
// called or ctx ends.
func (h *Harness) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.pipe != nil {
		h.mu.Unlock()
		return pipeline.ErrStarted
	}
	p, err := h.wire()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("wire pipeline: %w", err)
	}
	h.pipe = p
	h.mu.Unlock()

	h.logger.Info("harness starting",
		logging.F("radio_rate", humanize.SIWithDigits(h.tx.RadioRate(), 3, "Hz")),
		logging.F("samples_per_byte", h.tx.SamplesPerByte()),
		logging.F("payload_bytes", len(h.opts.Payload)),
		logging.F("bursts", h.opts.Bursts))

	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		p.Stop()
		<-p.Done()
		return ctx.Err()
	case <-p.Done():
		return p.Wait()
	}
}

// Stop ends the payload stream; Run returns after the chain drains.
func (h *Harness) Stop() {
	h.mu.Lock()
	p := h.pipe
	h.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Nodes returns per-stage counters of the running pipeline.
func (h *Harness) Nodes() []pipeline.NodeStats {
	h.mu.Lock()
	p := h.pipe
	h.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Stats()
}
