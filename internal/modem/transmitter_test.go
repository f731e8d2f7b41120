package modem

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/dmrmodem/internal/dsp"
)

func TestTransmitterSamplesPerSymbol(t *testing.T) {
	cfg := DefaultTransmitterConfig()
	sps, err := cfg.SamplesPerSymbol()
	require.NoError(t, err)
	assert.Equal(t, 5, sps)

	for _, tc := range []struct {
		rate, baud float64
	}{
		{24000, 0},
		{0, 4800},
		{24000, 5000},
		{4800, 4800},
	} {
		cfg.SampleRate, cfg.BaudRate = tc.rate, tc.baud
		_, err := cfg.SamplesPerSymbol()
		assert.ErrorIs(t, err, ErrInvalidConfig, "rate %v baud %v", tc.rate, tc.baud)
	}

	cfg = DefaultTransmitterConfig()
	cfg.Upsample = 0
	_, err = NewTransmitter(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTransmitterRates(t *testing.T) {
	tx, err := NewTransmitter(DefaultTransmitterConfig())
	require.NoError(t, err)
	assert.Equal(t, 1.536e6, tx.RadioRate())
	assert.Equal(t, 4*5*64, tx.SamplesPerByte())
	require.NotNil(t, tx.Upsampler)

	iq, err := tx.Modulate(TestBurst2[:4])
	require.NoError(t, err)
	assert.Len(t, iq, 4*tx.SamplesPerByte())
}

func TestTransmitterOutputIsConstantEnvelope(t *testing.T) {
	cfg := DefaultTransmitterConfig()
	cfg.Upsample = 1
	tx, err := NewTransmitter(cfg)
	require.NoError(t, err)
	assert.Nil(t, tx.Upsampler)

	iq, err := tx.Modulate(TestBurst)
	require.NoError(t, err)
	require.Len(t, iq, len(TestBurst)*tx.SamplesPerByte())
	for i, v := range iq {
		if m := math.Hypot(float64(real(v)), float64(imag(v))); math.Abs(m-1) > 1e-5 {
			t.Fatalf("sample %d magnitude %.6f", i, m)
		}
	}
}

func TestTransmitterResetReplaysWaveform(t *testing.T) {
	tx, err := NewTransmitter(DefaultTransmitterConfig())
	require.NoError(t, err)
	first, err := tx.Modulate(TestBurst[:8])
	require.NoError(t, err)
	first = append([]complex64(nil), first...)

	_, err = tx.Modulate(TestBurst[8:])
	require.NoError(t, err)
	tx.Reset()

	again, err := tx.Modulate(TestBurst[:8])
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

// TestTransmitterLevelsSurviveDemodulation demodulates the baseband waveform
// with a matched filter and checks every symbol decision at the best
// sampling phase.
func TestTransmitterLevelsSurviveDemodulation(t *testing.T) {
	cfg := DefaultTransmitterConfig()
	cfg.Upsample = 1
	tx, err := NewTransmitter(cfg)
	require.NoError(t, err)

	payload := append(append([]byte{}, TestBurst...), TestBurst...)
	iq, err := tx.Modulate(payload)
	require.NoError(t, err)

	demod, err := NewQuadDemod(cfg.SampleRate, cfg.Deviation)
	require.NoError(t, err)
	fm, err := demod.Process(iq)
	require.NoError(t, err)
	taps, err := dsp.RRC(1, cfg.SampleRate, cfg.BaudRate, cfg.Rolloff, cfg.Taps)
	require.NoError(t, err)
	matched, err := dsp.NewFloatFIR(taps, 1, 1)
	require.NoError(t, err)
	y, err := matched.Process(fm)
	require.NoError(t, err)

	slicer, err := NewSlicer(cfg.Scale)
	require.NoError(t, err)
	sps := tx.SamplesPerSymbol()
	sent := Unpack(payload)

	bestErrs := len(sent)
	for phase := 0; phase < sps; phase++ {
		got := make([]byte, 0, len(y)/sps)
		for i := phase; i < len(y); i += sps {
			got = append(got, slicer.Decide(y[i]))
		}
		if _, errs := alignment(sent, got, 40, 30); errs < bestErrs {
			bestErrs = errs
		}
	}
	assert.Zero(t, bestErrs)
}
