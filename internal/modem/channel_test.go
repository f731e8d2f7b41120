package modem

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/dmrmodem/internal/pipeline"
)

func TestChannelIdentity(t *testing.T) {
	c, err := NewChannel(DefaultChannelConfig())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OneToOne, c.Rate())
	in := tone(300, 0.7, 0)
	out, err := c.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestChannelDelayAndGainKeepCadence(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.Delay = 7
	cfg.Gain = complex(0, 2)
	c, err := NewChannel(cfg)
	require.NoError(t, err)

	in := tone(40, 1, 0)
	var out []complex64
	for _, n := range []int{3, 10, 27} {
		y, err := c.Process(in[:n])
		require.NoError(t, err)
		require.Len(t, y, n)
		out = append(out, y...)
		in = in[n:]
	}
	ref := tone(40, 1, 0)
	for i := 0; i < 7; i++ {
		assert.Zero(t, out[i])
	}
	for i := 7; i < 40; i++ {
		want := ref[i-7] * complex64(cfg.Gain)
		assert.InDelta(t, real(want), real(out[i]), 1e-6)
		assert.InDelta(t, imag(want), imag(out[i]), 1e-6)
	}
}

func TestChannelFrequencyOffsetRotates(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.FrequencyOffset = 0.01
	c, err := NewChannel(cfg)
	require.NoError(t, err)
	in := make([]complex64, 500)
	for i := range in {
		in[i] = 1
	}
	out, err := c.Process(in)
	require.NoError(t, err)
	for i := 1; i < len(out); i++ {
		step := cmplx.Phase(complex128(out[i] * complex(real(out[i-1]), -imag(out[i-1]))))
		require.InDelta(t, 2*math.Pi*0.01, step, 1e-5)
	}

	require.NoError(t, c.SetFrequencyOffset(0))
	out, _ = c.Process(in[:2])
	assert.InDelta(t, 0, cmplx.Phase(complex128(out[1]*complex(real(out[0]), -imag(out[0])))), 1e-6)
	require.ErrorIs(t, c.SetFrequencyOffset(0.6), ErrInvalidConfig)
}

func TestChannelNoiseIsSeededAtVoltage(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.NoiseVoltage = 0.5
	cfg.Seed = 42
	a, err := NewChannel(cfg)
	require.NoError(t, err)
	b, err := NewChannel(cfg)
	require.NoError(t, err)

	zeros := make([]complex64, 20000)
	outA, _ := a.Process(zeros)
	outA = append([]complex64(nil), outA...)
	outB, _ := b.Process(zeros)
	assert.Equal(t, outA, outB)

	var power float64
	for _, v := range outA {
		power += float64(real(v)*real(v) + imag(v)*imag(v))
	}
	power /= float64(len(outA))
	assert.InDelta(t, 0.25, power, 0.01)

	require.NoError(t, a.SetNoiseVoltage(0))
	quiet, _ := a.Process(zeros[:10])
	for _, v := range quiet {
		assert.Zero(t, v)
	}
}

func TestChannelMultipath(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.Taps = []complex128{1, 0, 0.5i}
	c, err := NewChannel(cfg)
	require.NoError(t, err)
	out, err := c.Process([]complex64{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []complex64{1, 0}, out)
	out, err = c.Process([]complex64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []complex64{0.5i, 0}, out)
}

func TestChannelClockOffsetChangesRate(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.Epsilon = 1.25
	c, err := NewChannel(cfg)
	require.NoError(t, err)
	assert.True(t, c.Rate().Variable)

	// a slow ramp is reproduced at the stretched instants
	in := make([]complex64, 1000)
	for i := range in {
		in[i] = complex(float32(math.Sin(0.01*float64(i))), 0)
	}
	var out []complex64
	for i := 0; i < len(in); i += 100 {
		y, err := c.Process(in[i : i+100])
		require.NoError(t, err)
		out = append(out, y...)
	}
	assert.InDelta(t, 1000/1.25, len(out), 8)
	// the first outputs lean on the zero history before the stream
	for k := 4; k < len(out); k++ {
		v := out[k]
		want := math.Sin(0.01 * 1.25 * float64(k))
		require.InDelta(t, want, real(v), 2e-3, "output %d", k)
	}
}

func TestChannelConfigErrors(t *testing.T) {
	mutations := []func(*ChannelConfig){
		func(c *ChannelConfig) { c.Delay = -1 },
		func(c *ChannelConfig) { c.FrequencyOffset = 0.5 },
		func(c *ChannelConfig) { c.Epsilon = 0 },
		func(c *ChannelConfig) { c.NoiseVoltage = -0.1 },
		func(c *ChannelConfig) { c.Gain = cmplx.NaN() },
		func(c *ChannelConfig) { c.Taps = []complex128{cmplx.Inf()} },
	}
	for i, m := range mutations {
		cfg := DefaultChannelConfig()
		m(&cfg)
		_, err := NewChannel(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}
}
