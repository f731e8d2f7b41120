package modem

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQuadDemodToneAtDeviation(t *testing.T) {
	const rate, dev = 24000.0, 2500.0
	q, err := NewQuadDemod(rate, dev)
	require.NoError(t, err)
	assert.InDelta(t, rate/(2*math.Pi*dev), q.Gain(), 1e-12)

	for _, f := range []float64{dev, -dev, dev / 2} {
		in := make([]complex64, 200)
		for i := range in {
			s, c := math.Sincos(2 * math.Pi * f / rate * float64(i))
			in[i] = complex(float32(c), float32(s))
		}
		q, _ := NewQuadDemod(rate, dev)
		out, err := q.Process(in)
		require.NoError(t, err)
		for _, v := range out[1:] {
			assert.InDelta(t, f/dev, v, 1e-4)
		}
	}
}

func TestQuadDemodCarriesPreviousSample(t *testing.T) {
	q, err := NewQuadDemod(8, 1)
	require.NoError(t, err)
	_, err = q.Process([]complex64{1})
	require.NoError(t, err)
	// a quarter turn in one sample
	out, err := q.Process([]complex64{1i})
	require.NoError(t, err)
	assert.InDelta(t, 8/(2*math.Pi)*math.Pi/2, out[0], 1e-6)
}

func TestFMRoundTripIsBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rate := rapid.Float64Range(8000, 192000).Draw(rt, "rate")
		dev := rapid.Float64Range(rate/64, rate/4).Draw(rt, "deviation")
		levels := rapid.SliceOfN(rapid.Float32Range(-1, 1), 2, 300).Draw(rt, "levels")

		mod, err := NewFMMod(rate, dev)
		if err != nil {
			rt.Fatalf("mod: %v", err)
		}
		demod, err := NewQuadDemod(rate, dev)
		if err != nil {
			rt.Fatalf("demod: %v", err)
		}
		iq, _ := mod.Process(levels)
		for i, v := range iq {
			if m := math.Hypot(float64(real(v)), float64(imag(v))); math.Abs(m-1) > 1e-5 {
				rt.Fatalf("sample %d magnitude %v", i, m)
			}
		}
		out, _ := demod.Process(iq)
		// the first output compares against the zero initial sample
		for i := 1; i < len(out); i++ {
			if math.Abs(float64(out[i])) > 1+1e-4 {
				rt.Fatalf("output %d = %v exceeds the deviation bound", i, out[i])
			}
			if math.Abs(float64(out[i]-levels[i])) > 1e-3 {
				rt.Fatalf("output %d = %v, sent %v", i, out[i], levels[i])
			}
		}
	})
}

func TestFMModPhaseStaysWrapped(t *testing.T) {
	m, err := NewFMMod(48000, 12000)
	require.NoError(t, err)
	in := make([]float32, 100000)
	for i := range in {
		in[i] = 1
	}
	out, err := m.Process(in)
	require.NoError(t, err)
	assert.LessOrEqual(t, math.Abs(m.phase), math.Pi)
	// a quarter turn per sample returns to the start every four samples
	last := out[len(out)-1]
	ref := out[len(out)-5]
	assert.InDelta(t, real(ref), real(last), 1e-4)
	assert.InDelta(t, imag(ref), imag(last), 1e-4)
}

func TestFMConfigurationRejectsDegenerateValues(t *testing.T) {
	for _, c := range []struct{ rate, dev float64 }{
		{0, 2500}, {24000, 0}, {-1, 1}, {math.Inf(1), 1}, {24000, math.NaN()},
	} {
		_, err := NewQuadDemod(c.rate, c.dev)
		require.ErrorIs(t, err, ErrDegenerate)
		_, err = NewFMMod(c.rate, c.dev)
		require.ErrorIs(t, err, ErrDegenerate)
	}

	q, err := NewQuadDemod(24000, 2500)
	require.NoError(t, err)
	before := q.Gain()
	require.Error(t, q.Configure(24000, 0))
	assert.Equal(t, before, q.Gain())
	require.NoError(t, q.Configure(48000, 2500))
	assert.InDelta(t, 2*before, q.Gain(), 1e-9)
}
