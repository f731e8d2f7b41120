package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/dmrmodem/internal/config"
	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/pipeline"
	"github.com/rjboer/dmrmodem/internal/sdr"
	"github.com/rjboer/dmrmodem/internal/telemetry"
)

type recordingReporter struct {
	mu       sync.Mutex
	statuses []telemetry.Status
}

func (r *recordingReporter) Report(s telemetry.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recordingReporter) last() (telemetry.Status, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return telemetry.Status{}, 0
	}
	return r.statuses[len(r.statuses)-1], len(r.statuses)
}

func newMockReceiver(t *testing.T, payload []byte) (*Receiver, *sdr.MockSDR, *recordingReporter) {
	t.Helper()
	mockCfg := sdr.DefaultMockConfig()
	mockCfg.Payload = payload
	return newMockReceiverWith(t, config.Default(), mockCfg)
}

func newMockReceiverWith(t *testing.T, cfg config.Config, mockCfg sdr.MockConfig) (*Receiver, *sdr.MockSDR, *recordingReporter) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	mock, err := sdr.NewMock(sdr.Config{}, mockCfg)
	require.NoError(t, err)
	reporter := &recordingReporter{}
	return NewReceiver(mock, reporter, logging.Discard(), cfg), mock, reporter
}

// randomPayload is n bytes with every dibit equally likely, so the symbol
// stream carries no DC of its own.
func randomPayload(n int, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.Uint32())
	}
	return out
}

// collectSymbols runs r until want symbols arrived and returns them.
func collectSymbols(t *testing.T, r *Receiver, want int) []float32 {
	t.Helper()
	symbols := pipeline.NewCollector[float32](want)
	require.NoError(t, r.AddSymbolSink("collector", symbols))
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	require.NoError(t, r.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return symbols.Len() >= want }, 80*time.Second, 10*time.Millisecond)
	r.Stop()
	require.NoError(t, <-done)
	return symbols.Samples()
}

// dibits slices recovered symbols at the default transmit scale.
func dibits(t *testing.T, symbols []float32) []byte {
	t.Helper()
	slicer, err := modem.NewSlicer(config.Default().Modem.SlicerScale)
	require.NoError(t, err)
	out := make([]byte, len(symbols))
	for i, v := range symbols {
		out[i] = slicer.Decide(v)
	}
	return out
}

// repeated unpacks bursts copies of payload.
func repeated(payload []byte, bursts int) []byte {
	var out []byte
	for range bursts {
		out = append(out, modem.Unpack(payload)...)
	}
	return out
}

// bestAlignment finds the delay d minimising mismatches of got[k] against
// sent[k-d] over k >= from.
func bestAlignment(sent, got []byte, from, maxDelay int) (delay, errs int) {
	errs = len(got) + 1
	for d := 0; d <= maxDelay; d++ {
		e := 0
		for k := from; k < len(got) && k-d < len(sent); k++ {
			if got[k] != sent[k-d] {
				e++
			}
		}
		if e < errs {
			delay, errs = d, e
		}
	}
	return delay, errs
}

func TestReceiverRecoversMockStation(t *testing.T) {
	// the test burst is mostly one symbol level, which a DC block would
	// strip along with any offset
	cfg := config.Default()
	cfg.Modem.HighPass = 0
	mockCfg := sdr.DefaultMockConfig()
	mockCfg.Payload = modem.TestBurst2
	r, _, reporter := newMockReceiverWith(t, cfg, mockCfg)
	symbols := pipeline.NewCollector[float32](1600)
	require.NoError(t, r.AddSymbolSink("collector", symbols))

	var (
		mu     sync.Mutex
		events []modem.SyncEvent
	)
	r.OnSync(func(ev modem.SyncEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, r.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return symbols.Len() >= 1600 }, 50*time.Second, 10*time.Millisecond)
	r.Stop()
	require.NoError(t, <-done)

	got := dibits(t, symbols.Samples())
	sent := repeated(modem.TestBurst2, 12)
	delay, errs := bestAlignment(sent, got, 300, 60)
	if errs != 0 {
		t.Fatalf("%d dibit errors at best delay %d", errs, delay)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events, "expected the BS data sync word")
	for _, ev := range events {
		assert.Equal(t, modem.SyncBS, ev.Kind)
		assert.True(t, ev.Data)
	}
	// one sync word per burst once the loop has settled
	if len(events) >= 2 {
		last, prev := events[len(events)-1], events[len(events)-2]
		assert.Equal(t, uint64(len(modem.TestBurst2)*modem.SymbolsPerByte), last.Index-prev.Index)
	}

	status, n := reporter.last()
	require.Positive(t, n, "expected at least the final report")
	assert.True(t, status.SquelchOpen)
	assert.Greater(t, status.PowerDB, -3.0)
	assert.Positive(t, status.SyncHits)
	require.NotNil(t, status.LastSync)
	assert.Equal(t, "bs", status.LastSync.Kind)
	assert.GreaterOrEqual(t, status.Symbols, uint64(1600))
}

func TestReceiverRemovesStationOffset(t *testing.T) {
	const want = 4000
	payload := randomPayload(200, 3)
	symbolsPerBurst := len(payload) * modem.SymbolsPerByte

	cases := []struct {
		name    string
		offset  float64
		carrier bool
	}{
		{"on frequency", 0, false},
		{"800 Hz high, dc block", 800, false},
		{"1.2 kHz low, dc block", -1200, false},
		{"800 Hz high, carrier sync", 800, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Carrier.Enabled = tc.carrier
			mockCfg := sdr.DefaultMockConfig()
			mockCfg.Payload = payload
			mockCfg.TransmitFrequency = float64(cfg.Radio.CenterFrequency) + tc.offset
			r, _, _ := newMockReceiverWith(t, cfg, mockCfg)

			got := dibits(t, collectSymbols(t, r, want))
			// the dc block alone delays the stream by about eighty symbols
			from := symbolsPerBurst + symbolsPerBurst/2
			delay, errs := bestAlignment(repeated(payload, want/symbolsPerBurst+2), got, from, 250)
			if limit := (len(got) - from) / 200; errs > limit {
				t.Fatalf("%d dibit errors at best delay %d, want at most %d", errs, delay, limit)
			}

			names := make([]string, 0)
			for _, n := range r.Nodes() {
				names = append(names, n.Name)
			}
			assert.Equal(t, tc.carrier, slices.Contains(names, "carrier-sync"))
			if tc.carrier {
				assert.InDelta(t, tc.offset, r.Status().CarrierOffset, 300)
			} else {
				assert.Zero(t, r.Status().CarrierOffset)
			}
		})
	}
}

func TestCarrierSyncFollowsRateChange(t *testing.T) {
	cfg := config.Default()
	cfg.Carrier.Enabled = true
	r, _, _ := newMockReceiverWith(t, cfg, sdr.DefaultMockConfig())
	require.NoError(t, r.Init(context.Background()))
	require.NotNil(t, r.carrier)
	assert.Equal(t, 1536, r.carrier.Window())

	require.NoError(t, r.SetSampleRate(12e3))
	assert.Equal(t, 768e3, r.carrier.SampleRate())
	assert.Equal(t, 768, r.carrier.Window())

	assert.ErrorIs(t, r.SetSampleRate(24.1e3), sdr.ErrUnsupported)
	assert.Equal(t, 768e3, r.carrier.SampleRate())
}

func TestReceiverRejectsBadCarrierSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Carrier.Enabled = true
	cfg.Carrier.LoopGain = 0
	mock, err := sdr.NewMock(sdr.Config{}, sdr.DefaultMockConfig())
	require.NoError(t, err)
	r := NewReceiver(mock, nil, logging.Discard(), cfg)
	assert.ErrorIs(t, r.Init(context.Background()), modem.ErrInvalidConfig)
}

func TestReceiverRunBeforeInit(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	if err := r.Run(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := r.SetSquelch(-20); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from a tunable, got %v", err)
	}
}

func TestReceiverRejectsSinksAfterInit(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	require.NoError(t, r.Init(context.Background()))
	err := r.AddSymbolSink("late", pipeline.NewCollector[float32](0))
	assert.ErrorIs(t, err, pipeline.ErrStarted)
	assert.ErrorIs(t, r.Init(context.Background()), pipeline.ErrStarted)
}

func TestReceiverRejectsNonIntegerDecimation(t *testing.T) {
	cfg := config.Default()
	cfg.Radio.SampleRate = 10e3
	mock, err := sdr.NewMock(sdr.Config{}, sdr.DefaultMockConfig())
	require.NoError(t, err)
	r := NewReceiver(mock, nil, logging.Discard(), cfg)
	assert.ErrorIs(t, r.Init(context.Background()), modem.ErrInvalidConfig)
}

func TestReceiverStopsOnContextCancel(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Status().Symbols > 0 }, 20*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("receiver did not stop after cancel")
	}
}

func TestSampleRateRoundTripRestoresTaps(t *testing.T) {
	r, mock, _ := newMockReceiver(t, nil)
	require.NoError(t, r.Init(context.Background()))

	lowPass, matched, sps := r.lowPass.Taps(), r.matched.Taps(), r.symsync.SamplesPerSymbol()

	require.NoError(t, r.SetSampleRate(12e3))
	assert.Equal(t, 768e3, mock.Settings().SampleRate, "the radio rate follows at the fixed decimation")
	assert.InDelta(t, 2.5, r.symsync.SamplesPerSymbol(), 1e-12)
	assert.NotEqual(t, matched, r.matched.Taps())
	cfg := r.Config()
	assert.Equal(t, 12e3, float64(cfg.Modem.SampleRate))
	assert.Equal(t, 768e3, float64(cfg.Radio.SampleRate))

	require.NoError(t, r.SetRadioSampleRate(1536e3))
	assert.Equal(t, lowPass, r.lowPass.Taps())
	assert.Equal(t, matched, r.matched.Taps())
	assert.Equal(t, sps, r.symsync.SamplesPerSymbol())
	assert.Equal(t, config.Default().Modem.SampleRate, r.Config().Modem.SampleRate)
}

func TestRejectedChangesLeaveReceiverUntouched(t *testing.T) {
	r, mock, _ := newMockReceiver(t, nil)
	require.NoError(t, r.Init(context.Background()))

	before := r.Config()
	lowPass, highPass, matched := r.lowPass.Taps(), r.highPass.Taps(), r.matched.Taps()
	gain := r.demod.Gain()

	cases := []struct {
		name   string
		change func() error
		want   error
	}{
		{"baud zero", func() error { return r.SetBaudRate(0) }, modem.ErrDegenerate},
		{"baud too fast for the loop", func() error { return r.SetBaudRate(20e3) }, modem.ErrInvalidConfig},
		{"deviation negative", func() error { return r.SetDeviation(-1) }, modem.ErrDegenerate},
		{"rate the source cannot produce", func() error { return r.SetSampleRate(24.1e3) }, sdr.ErrUnsupported},
		{"rate zero", func() error { return r.SetSampleRate(0) }, modem.ErrDegenerate},
		{"station out of band", func() error { return r.SetCenterFrequency(500e6) }, sdr.ErrUnsupported},
		{"negative loop gain", func() error { return r.SetLoopGain(-0.1) }, modem.ErrInvalidConfig},
		{"zero update interval", func() error { return r.SetUpdateInterval(0) }, modem.ErrInvalidConfig},
	}
	for _, tc := range cases {
		err := tc.change()
		assert.ErrorIs(t, err, tc.want, tc.name)
		assert.Equal(t, before, r.Config(), tc.name)
	}
	assert.Equal(t, lowPass, r.lowPass.Taps())
	assert.Equal(t, highPass, r.highPass.Taps())
	assert.Equal(t, matched, r.matched.Taps())
	assert.Equal(t, gain, r.demod.Gain())
	assert.Equal(t, 1.536e6, mock.Settings().SampleRate)
}

func TestDeviationRescalesDemodulator(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	require.NoError(t, r.Init(context.Background()))
	gain := r.demod.Gain()

	require.NoError(t, r.SetDeviation(1250))
	assert.InDelta(t, 2*gain, r.demod.Gain(), 1e-9*gain)
	assert.Equal(t, 1250.0, float64(r.Config().Modem.Deviation))
}

func TestApplyRunsEachChangeSeparately(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	require.NoError(t, r.Init(context.Background()))

	squelch, baud, interval := -20.0, 0.0, 250.0
	settings, err := r.Apply(telemetry.SettingsUpdate{
		SquelchDB:        &squelch,
		BaudRate:         &baud,
		UpdateIntervalMS: &interval,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baudRate")
	assert.ErrorIs(t, err, modem.ErrDegenerate)

	assert.Equal(t, -20.0, settings.SquelchDB)
	assert.Equal(t, 4800.0, settings.BaudRate)
	assert.Equal(t, 250.0, settings.UpdateIntervalMS)
	assert.Equal(t, -20.0, r.squelch.Threshold())
	assert.Equal(t, 250*time.Millisecond, r.UpdateInterval())

	settings, err = r.Apply(telemetry.SettingsUpdate{})
	require.NoError(t, err)
	assert.Equal(t, r.Settings(), settings)
}

func TestSettingsReflectConfig(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	require.NoError(t, r.Init(context.Background()))
	s := r.Settings()
	assert.Equal(t, telemetry.Settings{
		SquelchDB:        -35,
		LoopGain:         0.12,
		UpdateIntervalMS: 10,
		SampleRate:       24e3,
		RadioSampleRate:  1.536e6,
		Deviation:        2500,
		CenterFrequency:  441e6,
		BaudRate:         4800,
	}, s)

	require.NoError(t, r.SetLoopGain(0.05))
	assert.Equal(t, 0.05, r.Settings().LoopGain)
	assert.Equal(t, 0.05, r.symsync.LoopGain())
}

func TestTelemetryEndpointsServeReceiver(t *testing.T) {
	r, _, _ := newMockReceiver(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return len(r.RecentSymbols()) > 0 }, 20*time.Second, 5*time.Millisecond)

	snap, ok := r.Spectrum()
	require.True(t, ok)
	assert.Len(t, snap.PowerDB, config.Default().Telemetry.SpectrumSize)
	assert.Len(t, snap.Frequencies, len(snap.PowerDB))
	assert.Equal(t, 441e6, snap.CenterFrequency)
	for _, v := range snap.PowerDB {
		require.GreaterOrEqual(t, v, floorDB)
	}
	// the station sits on the tuned frequency
	assert.InDelta(t, 441e6, snap.PeakFrequency, 10e3)
	assert.Greater(t, snap.SNRDB, 20.0)

	names := make([]string, 0)
	for _, n := range r.Nodes() {
		names = append(names, n.Name)
	}
	assert.Subset(t, names, []string{"radio", "squelch", "demod", "channel-filter", "dc-block", "matched-filter", "symbol-sync", "sync-detector"})

	r.Stop()
	require.NoError(t, <-done)
}

func TestUpdateIntervalChangeReachesRunLoop(t *testing.T) {
	r, _, reporter := newMockReceiver(t, nil)
	cfg := r.Config()
	cfg.Telemetry.UpdateInterval = time.Hour
	r = NewReceiver(r.source, reporter, logging.Discard(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Init(ctx))
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, r.SetUpdateInterval(5*time.Millisecond))
	require.Eventually(t, func() bool {
		_, n := reporter.last()
		return n >= 3
	}, 10*time.Second, 5*time.Millisecond)

	r.Stop()
	require.NoError(t, <-done)
}
