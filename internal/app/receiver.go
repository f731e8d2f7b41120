// Package app assembles the signal chains: the 4FSK receiver fed by a radio
// source and the modem harness that loops the transmitter through a
// simulated channel into the same demodulator.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/dmrmodem/internal/config"
	"github.com/rjboer/dmrmodem/internal/dsp"
	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/pipeline"
	"github.com/rjboer/dmrmodem/internal/sdr"
	"github.com/rjboer/dmrmodem/internal/telemetry"
)

// ErrNotInitialized is returned by Run before Init succeeded.
var ErrNotInitialized = errors.New("app: receiver not initialized")

// floorDB replaces -Inf power readings, which JSON cannot carry.
const floorDB = -200.0

func clampDB(db float64) float64 {
	if math.IsNaN(db) || db < floorDB {
		return floorDB
	}
	return db
}

type symbolSink struct {
	name string
	sink pipeline.Sink[float32]
}

// Receiver wires a sample source through the 4FSK receive chain:
//
//	radio -> squelch -> [carrier sync] -> quadrature demod
//	      -> channel low-pass (decimate) -> DC block -> matched RRC
//	      -> symbol timing recovery -> sinks
//
// Tunables are applied as transactions while the chain runs.
type Receiver struct {
	source   sdr.Source
	reporter telemetry.Reporter
	logger   logging.Logger

	// mu serialises tunable transactions and guards cfg.
	mu    sync.Mutex
	cfg   config.Config
	decim int

	squelch  *modem.Squelch
	carrier  *modem.CarrierSync // nil unless carrier tracking is enabled
	demod    *modem.QuadDemod
	lowPass  *dsp.FIR[float32]
	highPass *dsp.FIR[float32]
	matched  *dsp.FIR[float32]
	symsync  *modem.SymbolSync
	detector *modem.SyncDetector

	rfProbe  *pipeline.Probe[complex64]
	symProbe *pipeline.Probe[float32]
	spectrum *dsp.Spectrum

	sinks        []symbolSink
	syncHandlers []func(modem.SyncEvent)
	pipe         *pipeline.Pipeline

	interval        atomic.Int64 // time.Duration
	intervalChanged chan struct{}

	measMu   sync.Mutex
	meas     modem.Measurement
	symbols  atomic.Uint64
	lastSync atomic.Pointer[modem.SyncEvent]
}

// NewReceiver builds an unwired receiver. cfg is expected to be validated.
func NewReceiver(source sdr.Source, reporter telemetry.Reporter, logger logging.Logger, cfg config.Config) *Receiver {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Receiver{
		source:          source,
		reporter:        reporter,
		logger:          logger.With(logging.F("subsystem", "receiver")),
		cfg:             cfg,
		decim:           cfg.Decimation(),
		intervalChanged: make(chan struct{}, 1),
	}
	r.interval.Store(int64(cfg.Telemetry.UpdateInterval))
	return r
}

// AddSymbolSink attaches a consumer of the recovered symbol stream. It must
// be called before Init.
func (r *Receiver) AddSymbolSink(name string, sink pipeline.Sink[float32]) error {
	if r.pipe != nil {
		return pipeline.ErrStarted
	}
	r.sinks = append(r.sinks, symbolSink{name: name, sink: sink})
	return nil
}

// OnSync registers fn for every detected sync word. It must be called before
// Init; fn runs on the detector goroutine.
func (r *Receiver) OnSync(fn func(modem.SyncEvent)) {
	r.syncHandlers = append(r.syncHandlers, fn)
}

// receiveFilters is one consistent set of receive-side designs.
type receiveFilters struct {
	lowPass  []float64
	highPass []float64
	matched  []float64
	sps      float64
}

// designReceiveFilters computes every filter that depends on the sample
// rates, baud rate or deviation. Nothing is applied.
func designReceiveFilters(cfg config.Config, radio, baseband float64) (receiveFilters, error) {
	var f receiveFilters
	m := cfg.Modem
	if !(m.BaudRate > 0) || math.IsInf(m.BaudRate, 0) {
		return f, fmt.Errorf("%w: baud rate %.6g", modem.ErrDegenerate, m.BaudRate)
	}
	if !(m.Deviation > 0) || math.IsInf(float64(m.Deviation), 0) {
		return f, fmt.Errorf("%w: deviation %.6g", modem.ErrDegenerate, float64(m.Deviation))
	}
	f.sps = baseband / m.BaudRate
	if f.sps < 1 || f.sps-cfg.Timing.MaxDeviation < 1 {
		return f, fmt.Errorf("%w: %.6g samples per symbol at %s / %.0f baud", modem.ErrInvalidConfig, f.sps, humanize.SIWithDigits(baseband, 3, "Hz"), m.BaudRate)
	}

	var err error
	// the channel filter must stop short of the decimated Nyquist rate
	cutoff := math.Min(float64(m.ChannelCutoff), 0.25*baseband)
	f.lowPass, err = dsp.LowPass(1, radio, cutoff, float64(m.ChannelTransition), dsp.WindowHamming, 0)
	if err != nil {
		return f, fmt.Errorf("channel filter: %w", err)
	}
	f.highPass = []float64{1}
	if hp := float64(m.HighPass); hp > 0 {
		f.highPass, err = dsp.HighPass(1, baseband, hp, math.Min(200, hp), dsp.WindowBlackman, 0)
		if err != nil {
			return f, fmt.Errorf("dc block: %w", err)
		}
	}
	f.matched, err = dsp.RRC(1, baseband, m.BaudRate, m.Rolloff, m.MatchedTaps)
	if err != nil {
		return f, fmt.Errorf("matched filter: %w", err)
	}
	return f, nil
}

// carrierConfig maps the carrier settings onto a tracker at radio Hz.
func carrierConfig(cfg config.Config, radio float64) modem.CarrierSyncConfig {
	c := cfg.Carrier
	return modem.CarrierSyncConfig{
		SampleRate: radio,
		Window:     int(math.Round(c.Window.Seconds() * radio)),
		LoopGain:   c.LoopGain,
		MaxOffset:  float64(c.MaxOffset),
	}
}

// Init configures the source and builds the pipeline.
func (r *Receiver) Init(ctx context.Context) error {
	if r.pipe != nil {
		return pipeline.ErrStarted
	}
	cfg := r.cfg
	if r.decim < 1 {
		return fmt.Errorf("%w: radio rate %v over baseband %v", modem.ErrInvalidConfig, cfg.Radio.SampleRate, cfg.Modem.SampleRate)
	}
	radio, baseband := float64(cfg.Radio.SampleRate), float64(cfg.Modem.SampleRate)

	filters, err := designReceiveFilters(cfg, radio, baseband)
	if err != nil {
		return err
	}
	if cfg.Carrier.Enabled {
		if err := carrierConfig(cfg, radio).Validate(); err != nil {
			return fmt.Errorf("carrier sync: %w", err)
		}
	}

	if err := r.configureSource(); err != nil {
		return fmt.Errorf("configure source: %w", err)
	}

	r.squelch, err = modem.NewSquelch(modem.SquelchConfig{
		ThresholdDB:  cfg.Squelch.ThresholdDB,
		Alpha:        cfg.Squelch.Alpha,
		HysteresisDB: cfg.Squelch.HysteresisDB,
		HoldSamples:  cfg.Squelch.HoldSamples,
	})
	if err != nil {
		return fmt.Errorf("squelch: %w", err)
	}
	if cfg.Carrier.Enabled {
		if r.carrier, err = modem.NewCarrierSync(carrierConfig(cfg, radio)); err != nil {
			return fmt.Errorf("carrier sync: %w", err)
		}
	}
	if r.demod, err = modem.NewQuadDemod(radio, float64(cfg.Modem.Deviation)); err != nil {
		return fmt.Errorf("demodulator: %w", err)
	}
	if r.lowPass, err = dsp.NewFloatFIR(filters.lowPass, r.decim, 1); err != nil {
		return fmt.Errorf("channel filter: %w", err)
	}
	if r.highPass, err = dsp.NewFloatFIR(filters.highPass, 1, 1); err != nil {
		return fmt.Errorf("dc block: %w", err)
	}
	if r.matched, err = dsp.NewFloatFIR(filters.matched, 1, 1); err != nil {
		return fmt.Errorf("matched filter: %w", err)
	}
	r.symsync, err = modem.NewSymbolSync(modem.SymbolSyncConfig{
		SamplesPerSymbol: filters.sps,
		LoopBandwidth:    cfg.Timing.LoopBandwidth,
		Damping:          cfg.Timing.Damping,
		LoopGain:         cfg.Timing.LoopGain,
		MaxDeviation:     cfg.Timing.MaxDeviation,
	})
	if err != nil {
		return fmt.Errorf("timing recovery: %w", err)
	}
	r.symsync.SetObserver(r.observe)
	if r.detector, err = modem.NewSyncDetector(modem.DefaultSyncConfig(), r.handleSync); err != nil {
		return fmt.Errorf("sync detector: %w", err)
	}

	r.rfProbe = pipeline.NewProbe[complex64](2)
	r.symProbe = pipeline.NewProbe[float32](8)
	r.spectrum = dsp.NewSpectrum(cfg.Telemetry.SpectrumSize)

	if err := r.wire(); err != nil {
		return fmt.Errorf("wire pipeline: %w", err)
	}

	r.logger.Info("receiver initialized",
		logging.F("radio_rate", humanize.SIWithDigits(radio, 3, "Hz")),
		logging.F("baseband_rate", humanize.SIWithDigits(baseband, 3, "Hz")),
		logging.F("decimation", r.decim),
		logging.F("carrier_sync", r.carrier != nil),
		logging.F("samples_per_symbol", filters.sps),
		logging.F("channel_taps", len(filters.lowPass)),
		logging.F("matched_taps", len(filters.matched)))
	return nil
}

// configureSource pushes the radio settings. Settings a backend cannot
// honour are logged and skipped.
func (r *Receiver) configureSource() error {
	radio := r.cfg.Radio
	steps := []struct {
		name  string
		apply func() error
	}{
		{"sample rate", func() error { return r.source.SetSampleRate(float64(radio.SampleRate)) }},
		{"frequency", func() error { return r.source.SetFrequency(float64(radio.CenterFrequency)) }},
		{"gain", func() error { return r.source.SetGain(radio.Gain) }},
		{"frequency correction", func() error { return r.source.SetFrequencyCorrection(radio.CorrectionPPM) }},
	}
	for _, s := range steps {
		err := s.apply()
		switch {
		case err == nil:
		case errors.Is(err, sdr.ErrUnsupported):
			r.logger.Warn("source ignored setting", logging.F("setting", s.name), logging.F("error", err))
		default:
			return fmt.Errorf("set %s: %w", s.name, err)
		}
	}
	return nil
}

func (r *Receiver) wire() error {
	p := pipeline.New(r.logger, pipeline.Options{BlockSize: r.cfg.Radio.BlockSize})

	rf, err := pipeline.AddSource[complex64](p, "radio", r.source)
	if err != nil {
		return err
	}
	if err := pipeline.Tap(p, rf, r.rfProbe); err != nil {
		return err
	}
	gated, err := pipeline.Connect[complex64, complex64](p, "squelch", rf, r.squelch)
	if err != nil {
		return err
	}
	if r.carrier != nil {
		if gated, err = pipeline.Connect[complex64, complex64](p, "carrier-sync", gated, r.carrier); err != nil {
			return err
		}
	}
	freq, err := pipeline.Connect[complex64, float32](p, "demod", gated, r.demod)
	if err != nil {
		return err
	}
	baseband, err := pipeline.Connect[float32, float32](p, "channel-filter", freq, r.lowPass)
	if err != nil {
		return err
	}
	blocked, err := pipeline.Connect[float32, float32](p, "dc-block", baseband, r.highPass)
	if err != nil {
		return err
	}
	shaped, err := pipeline.Connect[float32, float32](p, "matched-filter", blocked, r.matched)
	if err != nil {
		return err
	}
	symbols, err := pipeline.Connect[float32, float32](p, "symbol-sync", shaped, r.symsync)
	if err != nil {
		return err
	}
	if err := pipeline.Tap(p, symbols, r.symProbe); err != nil {
		return err
	}
	if err := pipeline.AddSink[float32](p, "sync-detector", symbols, r.detector); err != nil {
		return err
	}
	for _, s := range r.sinks {
		if err := pipeline.AddSink(p, s.name, symbols, s.sink); err != nil {
			return err
		}
	}
	r.pipe = p
	return nil
}

func (r *Receiver) observe(m modem.Measurement) {
	r.symbols.Add(1)
	r.measMu.Lock()
	r.meas = m
	r.measMu.Unlock()
}

func (r *Receiver) handleSync(ev modem.SyncEvent) {
	r.lastSync.Store(&ev)
	r.logger.Debug("sync word",
		logging.F("kind", ev.Kind.String()),
		logging.F("data", ev.Data),
		logging.F("index", ev.Index),
		logging.F("score", ev.Score))
	for _, fn := range r.syncHandlers {
		fn(ev)
	}
}

// Run starts the pipeline and reports telemetry every update interval until
// the stream ends or ctx is canceled.
func (r *Receiver) Run(ctx context.Context) error {
	if r.pipe == nil {
		return ErrNotInitialized
	}
	if err := r.pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	ticker := time.NewTicker(r.UpdateInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.pipe.Stop()
			<-r.pipe.Done()
			r.report()
			return ctx.Err()
		case <-r.pipe.Done():
			r.report()
			err := r.pipe.Wait()
			r.logger.Info("receiver stopped",
				logging.F("symbols", humanize.Comma(int64(r.symbols.Load()))),
				logging.F("sync_hits", r.detector.Hits()))
			return err
		case <-r.intervalChanged:
			ticker.Reset(r.UpdateInterval())
		case <-ticker.C:
			r.report()
		}
	}
}

// Stop ends the stream at the next block boundary. Run returns once the
// chain has drained.
func (r *Receiver) Stop() {
	if r.pipe != nil {
		r.pipe.Stop()
	}
}

// Status returns a snapshot of the receiver state.
func (r *Receiver) Status() telemetry.Status {
	s := telemetry.Status{Timestamp: time.Now(), Symbols: r.symbols.Load()}
	if r.squelch != nil {
		s.SquelchOpen = r.squelch.Open()
		s.PowerDB = clampDB(r.squelch.PowerDB())
	}
	r.measMu.Lock()
	m := r.meas
	r.measMu.Unlock()
	s.Symbol, s.TimingError, s.Period, s.Mu = float64(m.Symbol), m.Error, m.Period, m.Mu
	if r.carrier != nil {
		s.CarrierOffset = r.carrier.Offset()
	}
	if r.detector != nil {
		s.SyncHits = r.detector.Hits()
	}
	if ev := r.lastSync.Load(); ev != nil {
		s.LastSync = &telemetry.SyncInfo{Kind: ev.Kind.String(), Data: ev.Data, Index: ev.Index, Score: ev.Score}
	}
	return s
}

func (r *Receiver) report() {
	if r.reporter != nil {
		r.reporter.Report(r.Status())
	}
}

// Spectrum implements telemetry.Controller with the newest RF block.
func (r *Receiver) Spectrum() (telemetry.SpectrumSnapshot, bool) {
	if r.rfProbe == nil {
		return telemetry.SpectrumSnapshot{}, false
	}
	block := r.rfProbe.Latest()
	if len(block) == 0 {
		return telemetry.SpectrumSnapshot{}, false
	}
	r.mu.Lock()
	radio, center := float64(r.cfg.Radio.SampleRate), float64(r.cfg.Radio.CenterFrequency)
	r.mu.Unlock()

	power := r.spectrum.PowerDB(block)
	for i, v := range power {
		power[i] = clampDB(v)
	}
	snap := telemetry.SpectrumSnapshot{
		Timestamp:       time.Now(),
		CenterFrequency: center,
		Frequencies:     r.spectrum.BinFrequencies(radio),
		PowerDB:         power,
	}
	if occ := dsp.Occupy(power, 0, 0); occ.Available {
		snap.PeakFrequency = center + snap.Frequencies[occ.PeakBin]
		snap.PeakDB, snap.SNRDB = occ.PeakDB, occ.SNRDB
	}
	return snap, true
}

// RecentSymbols implements telemetry.Controller with the newest symbol block.
func (r *Receiver) RecentSymbols() []float32 {
	if r.symProbe == nil {
		return nil
	}
	return r.symProbe.Latest()
}

// Nodes implements telemetry.Controller.
func (r *Receiver) Nodes() []pipeline.NodeStats {
	if r.pipe == nil {
		return nil
	}
	return r.pipe.Stats()
}
