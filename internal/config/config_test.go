package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hz.tools/rf"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("dmrrx", nil, noEnv, Default())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Radio.SampleRate != 1536*rf.KHz || cfg.Modem.SampleRate != 24*rf.KHz || cfg.Modem.BaudRate != 4800 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	assert.Equal(t, 64, cfg.Decimation())
	assert.Equal(t, 5.0, cfg.SamplesPerSymbol())
	assert.Equal(t, -35.0, cfg.Squelch.ThresholdDB)
	assert.Equal(t, 0.12, cfg.Timing.LoopGain)
	assert.Equal(t, 10*time.Millisecond, cfg.Telemetry.UpdateInterval)
	assert.Equal(t, rf.Hz(100), cfg.Modem.HighPass, "DC removal is on by default")
	assert.False(t, cfg.Carrier.Enabled)
}

func TestParseCarrierSettings(t *testing.T) {
	lookup := envMap(map[string]string{"DMR_CARRIER_SYNC": "true", "DMR_CARRIER_GAIN": "0.05"})
	cfg, err := Parse("dmrrx", []string{"--carrier-window", "2ms", "--carrier-max-offset", "1500", "--highpass", "0"}, lookup, Default())
	require.NoError(t, err)
	assert.Equal(t, CarrierConfig{Enabled: true, Window: 2 * time.Millisecond, LoopGain: 0.05, MaxOffset: 1500}, cfg.Carrier)
	assert.Zero(t, cfg.Modem.HighPass)

	_, err = Parse("dmrrx", []string{"--carrier-sync", "--carrier-gain", "2"}, noEnv, Default())
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse("dmrrx", []string{"--carrier-gain", "2"}, noEnv, Default())
	assert.NoError(t, err, "a disabled tracker is not validated")
}

func TestParseEnvThenFlags(t *testing.T) {
	lookup := envMap(map[string]string{
		"DMR_SQUELCH":         "-50",
		"DMR_TED_GAIN":        "0.2",
		"DMR_BACKEND":         "file",
		"DMR_IQ_FILE":         "capture.cf32",
		"DMR_UPDATE_INTERVAL": "50ms",
		"DMR_ADVERTISE":       "true",
		"DMR_BAUD":            "not-a-number",
	})
	cfg, err := Parse("dmrrx", []string{"--squelch", "-40", "--deviation=2749"}, lookup, Default())
	require.NoError(t, err)
	assert.Equal(t, -40.0, cfg.Squelch.ThresholdDB, "flag wins over env")
	assert.Equal(t, 0.2, cfg.Timing.LoopGain)
	assert.Equal(t, "file", cfg.Radio.Backend)
	assert.Equal(t, "capture.cf32", cfg.Radio.File)
	assert.Equal(t, 50*time.Millisecond, cfg.Telemetry.UpdateInterval)
	assert.True(t, cfg.Sink.Advertise)
	assert.Equal(t, rf.Hz(2749), cfg.Modem.Deviation)
	assert.Equal(t, 4800.0, cfg.Modem.BaudRate, "unparsable env keeps the default")
}

func TestLoadYAMLUnderOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rx.yaml")
	doc := `
radio:
  centerFrequency: 446000000
  sampleRate: 960000
modem:
  sampleRate: 48000
  highPass: 300
squelch:
  thresholdDb: -20
telemetry:
  updateInterval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Parse("dmrrx", []string{"--config", path}, envMap(map[string]string{"DMR_SQUELCH": "-25"}), Default())
	require.NoError(t, err)
	assert.Equal(t, 446*rf.MHz, cfg.Radio.CenterFrequency)
	assert.Equal(t, 20, cfg.Decimation())
	assert.Equal(t, 10.0, cfg.SamplesPerSymbol())
	assert.Equal(t, rf.Hz(300), cfg.Modem.HighPass)
	assert.Equal(t, -25.0, cfg.Squelch.ThresholdDB)
	assert.Equal(t, 250*time.Millisecond, cfg.Telemetry.UpdateInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 4800.0, cfg.Modem.BaudRate)

	_, err = Parse("dmrrx", nil, envMap(map[string]string{"DMR_CONFIG": filepath.Join(t.TempDir(), "missing.yaml")}), Default())
	require.Error(t, err)
}

func TestValidateRejectsDegenerateSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":        func(c *Config) { c.Radio.Backend = "pluto" },
		"file":           func(c *Config) { c.Radio.Backend = "file" },
		"zero baud":      func(c *Config) { c.Modem.BaudRate = 0 },
		"zero deviation": func(c *Config) { c.Modem.Deviation = 0 },
		"rolloff":        func(c *Config) { c.Modem.Rolloff = 1.5 },
		"ratio":          func(c *Config) { c.Radio.SampleRate = 1_000_000 },
		"cutoff":         func(c *Config) { c.Modem.ChannelCutoff = 0 },
		"sps":            func(c *Config) { c.Modem.BaudRate = 20000 },
		"alpha":          func(c *Config) { c.Squelch.Alpha = 0 },
		"epsilon":        func(c *Config) { c.Channel.Epsilon = 3 },
		"interval":       func(c *Config) { c.Telemetry.UpdateInterval = 0 },
		"highpass":       func(c *Config) { c.Modem.HighPass = 12 * rf.KHz },
		"carrier window": func(c *Config) { c.Carrier.Enabled, c.Carrier.Window = true, time.Microsecond },
		"carrier bound":  func(c *Config) { c.Carrier.Enabled, c.Carrier.MaxOffset = true, 20 * rf.KHz },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse("dmrrx", []string{"--no-such-flag"}, noEnv, Default())
	require.Error(t, err)
}

func TestParseWithRegistersExtraFlags(t *testing.T) {
	var bursts int
	cfg, err := ParseWith("dmrmodem", []string{"--bursts", "12", "--noise", "0.1"}, noEnv, Default(), func(fs *pflag.FlagSet) {
		fs.IntVar(&bursts, "bursts", 0, "bursts to send")
	})
	require.NoError(t, err)
	assert.Equal(t, 12, bursts)
	assert.Equal(t, 0.1, cfg.Channel.NoiseVoltage)
}
