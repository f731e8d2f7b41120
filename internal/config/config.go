// Package config loads receiver and harness settings from a YAML file,
// DMR_* environment variables and command-line flags, in that order of
// precedence (flags win).
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"hz.tools/rf"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DMR_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid value")

// Config is the complete set of settings for the receiver and the modem
// harness.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Radio     RadioConfig     `yaml:"radio"`
	Modem     ModemConfig     `yaml:"modem"`
	Squelch   SquelchConfig   `yaml:"squelch"`
	Timing    TimingConfig    `yaml:"timing"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	Channel   ChannelConfig   `yaml:"channel"`
	Sink      SinkConfig      `yaml:"sink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RadioConfig describes the sample source.
type RadioConfig struct {
	// Backend is "mock" or "file".
	Backend string `yaml:"backend"`
	// File is the cf32 capture read by the file backend.
	File string `yaml:"file"`
	// Loop replays the capture forever.
	Loop            bool    `yaml:"loop"`
	CenterFrequency rf.Hz   `yaml:"centerFrequency"`
	SampleRate      rf.Hz   `yaml:"sampleRate"`
	Gain            float64 `yaml:"gain"`
	// CorrectionPPM is the oscillator frequency correction.
	CorrectionPPM float64 `yaml:"correctionPpm"`
	// BlockSize is the number of samples requested per source read.
	BlockSize int `yaml:"blockSize"`
}

// ModemConfig holds the 4FSK waveform and the receive filter parameters.
type ModemConfig struct {
	// SampleRate is the baseband rate after the channel filter decimates.
	SampleRate rf.Hz   `yaml:"sampleRate"`
	BaudRate   float64 `yaml:"baudRate"`
	Deviation  rf.Hz   `yaml:"deviation"`
	// Rolloff is the receive matched filter excess bandwidth.
	Rolloff     float64 `yaml:"rolloff"`
	MatchedTaps int     `yaml:"matchedTaps"`
	// TXRolloff and TXTaps shape the harness transmitter.
	TXRolloff float64 `yaml:"txRolloff"`
	TXTaps    int     `yaml:"txTaps"`
	// ChannelCutoff and ChannelTransition design the decimating low-pass.
	ChannelCutoff     rf.Hz `yaml:"channelCutoff"`
	ChannelTransition rf.Hz `yaml:"channelTransition"`
	// HighPass removes DC after decimation, the residue of a carrier
	// offset; zero disables it.
	HighPass    rf.Hz   `yaml:"highPass"`
	SlicerScale float64 `yaml:"slicerScale"`
}

type SquelchConfig struct {
	ThresholdDB  float64 `yaml:"thresholdDb"`
	Alpha        float64 `yaml:"alpha"`
	HysteresisDB float64 `yaml:"hysteresisDb"`
	HoldSamples  int     `yaml:"holdSamples"`
}

// TimingConfig tunes symbol timing recovery.
type TimingConfig struct {
	LoopBandwidth float64 `yaml:"loopBandwidth"`
	Damping       float64 `yaml:"damping"`
	LoopGain      float64 `yaml:"loopGain"`
	MaxDeviation  float64 `yaml:"maxDeviation"`
}

// CarrierConfig tunes the optional carrier frequency tracker ahead of the
// discriminator.
type CarrierConfig struct {
	Enabled bool `yaml:"enabled"`
	// Window is the span averaged into one frequency measurement.
	Window    time.Duration `yaml:"window"`
	LoopGain  float64       `yaml:"loopGain"`
	MaxOffset rf.Hz         `yaml:"maxOffset"`
}

// ChannelConfig impairs the harness signal between modulator and receiver.
type ChannelConfig struct {
	NoiseVoltage float64 `yaml:"noiseVoltage"`
	// FrequencyOffset is in Hz at the radio sample rate.
	FrequencyOffset rf.Hz   `yaml:"frequencyOffset"`
	Epsilon         float64 `yaml:"epsilon"`
	Delay           int     `yaml:"delay"`
	Seed            uint64  `yaml:"seed"`
}

// SinkConfig selects where recovered symbols go.
type SinkConfig struct {
	// ZMQ is a PUSH endpoint; empty disables it.
	ZMQ string `yaml:"zmq"`
	// File receives the raw float32 stream; empty disables it.
	File string `yaml:"file"`
	// Advertise announces the ZMQ endpoint over mDNS.
	Advertise bool   `yaml:"advertise"`
	Instance  string `yaml:"instance"`
}

type TelemetryConfig struct {
	// WebAddr serves the status API; empty logs to stdout instead.
	WebAddr        string        `yaml:"webAddr"`
	UpdateInterval time.Duration `yaml:"updateInterval"`
	HistoryLimit   int           `yaml:"historyLimit"`
	SpectrumSize   int           `yaml:"spectrumSize"`
}

// StorageConfig enables the SQLite symbol recorder.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Default returns the stock receiver settings: 1.536 MHz radio rate,
// 24 kHz baseband, 4800 baud, 2.5 kHz deviation.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Radio: RadioConfig{
			Backend:         "mock",
			CenterFrequency: 441 * rf.MHz,
			SampleRate:      1536 * rf.KHz,
			Gain:            30,
			BlockSize:       8192,
		},
		Modem: ModemConfig{
			SampleRate:        24 * rf.KHz,
			BaudRate:          4800,
			Deviation:         2500,
			Rolloff:           0.8,
			MatchedTaps:       64,
			TXRolloff:         0.8,
			TXTaps:            64,
			ChannelCutoff:     6 * rf.KHz,
			ChannelTransition: 2 * rf.KHz,
			HighPass:          100,
			SlicerScale:       0.8,
		},
		Squelch: SquelchConfig{ThresholdDB: -35, Alpha: 1, HysteresisDB: 1, HoldSamples: 64},
		Timing:  TimingConfig{LoopBandwidth: 0.04, Damping: 1, LoopGain: 0.12, MaxDeviation: 1},
		Carrier: CarrierConfig{Window: time.Millisecond, LoopGain: 0.02, MaxOffset: 3 * rf.KHz},
		Channel: ChannelConfig{Epsilon: 1, Seed: 1},
		Sink:    SinkConfig{ZMQ: "tcp://127.0.0.1:55000", Instance: "dmrmodem"},
		Telemetry: TelemetryConfig{
			UpdateInterval: 10 * time.Millisecond,
			HistoryLimit:   500,
			SpectrumSize:   1024,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Decimation is the integer ratio between the radio and baseband rates.
func (c Config) Decimation() int {
	if c.Modem.SampleRate <= 0 {
		return 0
	}
	return int(math.Round(float64(c.Radio.SampleRate / c.Modem.SampleRate)))
}

// SamplesPerSymbol is the nominal symbol period at the baseband rate.
func (c Config) SamplesPerSymbol() float64 {
	return float64(c.Modem.SampleRate) / c.Modem.BaudRate
}

func positive(v float64) bool { return v > 0 && !math.IsInf(v, 0) }

// Validate rejects settings the signal chain cannot be built from.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	m, r := c.Modem, c.Radio
	check(r.Backend == "mock" || r.Backend == "file", "radio.backend %q (want mock or file)", r.Backend)
	check(r.Backend != "file" || r.File != "", "radio.file required by the file backend")
	check(positive(float64(r.SampleRate)), "radio.sampleRate %v", r.SampleRate)
	check(r.BlockSize > 0, "radio.blockSize %d", r.BlockSize)
	check(positive(float64(m.SampleRate)), "modem.sampleRate %v", m.SampleRate)
	check(positive(m.BaudRate), "modem.baudRate %v", m.BaudRate)
	check(positive(float64(m.Deviation)), "modem.deviation %v", m.Deviation)
	check(m.Rolloff > 0 && m.Rolloff <= 1, "modem.rolloff %v outside (0, 1]", m.Rolloff)
	check(m.TXRolloff > 0 && m.TXRolloff <= 1, "modem.txRolloff %v outside (0, 1]", m.TXRolloff)
	check(m.MatchedTaps > 0 && m.TXTaps > 0, "modem tap counts must be positive")
	check(positive(m.SlicerScale), "modem.slicerScale %v", m.SlicerScale)
	check(m.HighPass >= 0 && m.HighPass < m.SampleRate/2, "modem.highPass %v", m.HighPass)
	if positive(float64(r.SampleRate)) && positive(float64(m.SampleRate)) {
		d := c.Decimation()
		check(d >= 1 && math.Abs(float64(r.SampleRate)-float64(d)*float64(m.SampleRate)) < 1e-6*float64(r.SampleRate),
			"radio.sampleRate %v is not an integer multiple of modem.sampleRate %v", r.SampleRate, m.SampleRate)
		check(m.ChannelCutoff > 0 && m.ChannelCutoff < r.SampleRate/2, "modem.channelCutoff %v", m.ChannelCutoff)
		check(positive(float64(m.ChannelTransition)), "modem.channelTransition %v", m.ChannelTransition)
		if positive(m.BaudRate) {
			check(c.SamplesPerSymbol()-c.Timing.MaxDeviation >= 1, "fewer than one sample per symbol at %v / %v baud", m.SampleRate, m.BaudRate)
		}
	}
	check(c.Squelch.Alpha > 0 && c.Squelch.Alpha <= 1, "squelch.alpha %v outside (0, 1]", c.Squelch.Alpha)
	check(c.Squelch.HysteresisDB >= 0, "squelch.hysteresisDb %v", c.Squelch.HysteresisDB)
	check(c.Squelch.HoldSamples >= 0, "squelch.holdSamples %d", c.Squelch.HoldSamples)
	check(positive(c.Timing.LoopBandwidth) && positive(c.Timing.Damping), "timing loop bandwidth and damping must be positive")
	check(c.Timing.LoopGain >= 0 && c.Timing.MaxDeviation >= 0, "timing loop gain and max deviation must not be negative")
	if cr := c.Carrier; cr.Enabled {
		check(cr.Window > 0 && cr.Window.Seconds()*float64(m.SampleRate) >= 2, "carrier.window %v spans fewer than two baseband samples", cr.Window)
		check(cr.LoopGain > 0 && cr.LoopGain <= 1, "carrier.loopGain %v outside (0, 1]", cr.LoopGain)
		check(cr.MaxOffset > 0 && cr.MaxOffset < m.SampleRate/2, "carrier.maxOffset %v", cr.MaxOffset)
	}
	check(c.Channel.Epsilon > 0.5 && c.Channel.Epsilon < 2, "channel.epsilon %v outside (0.5, 2)", c.Channel.Epsilon)
	check(c.Channel.NoiseVoltage >= 0 && c.Channel.Delay >= 0, "channel noise and delay must not be negative")
	check(c.Telemetry.UpdateInterval > 0, "telemetry.updateInterval %v", c.Telemetry.UpdateInterval)
	check(c.Telemetry.HistoryLimit > 0, "telemetry.historyLimit %d", c.Telemetry.HistoryLimit)
	check(c.Telemetry.SpectrumSize > 0, "telemetry.spectrumSize %d", c.Telemetry.SpectrumSize)
	return errors.Join(errs...)
}

// Parse layers environment overrides and then flags over base. lookup is
// normally os.LookupEnv. A -config flag names a YAML file loaded before the
// overrides are applied.
func Parse(name string, args []string, lookup func(string) (string, bool), base Config) (Config, error) {
	return ParseWith(name, args, lookup, base, nil)
}

// ParseWith is Parse for commands with flags of their own; extra registers
// them on the same set before parsing.
func ParseWith(name string, args []string, lookup func(string) (string, bool), base Config, extra func(*pflag.FlagSet)) (Config, error) {
	path := configPath(args, lookup)
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		base = loaded
	}
	cfg := base
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	Bind(fs, &cfg, lookup)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configPath(args []string, lookup func(string) (string, bool)) string {
	path := envString(lookup, EnvPrefix+"CONFIG", "")
	for i, a := range args {
		switch {
		case a == "--config":
			if i+1 < len(args) {
				path = args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		}
	}
	return path
}

func hzVar(v *rf.Hz) *float64 { return (*float64)(v) }

// Bind registers every setting on fs with its current value, after
// environment overrides, as the default.
func Bind(fs *pflag.FlagSet, cfg *Config, lookup func(string) (string, bool)) {
	env := func(key string) string { return EnvPrefix + key }

	fs.StringVar(&cfg.Log.Level, "log-level", envString(lookup, env("LOG_LEVEL"), cfg.Log.Level), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.Log.Format, "log-format", envString(lookup, env("LOG_FORMAT"), cfg.Log.Format), "Log format (text|json)")

	fs.StringVar(&cfg.Radio.Backend, "backend", envString(lookup, env("BACKEND"), cfg.Radio.Backend), "Sample source (mock|file)")
	fs.StringVar(&cfg.Radio.File, "iq-file", envString(lookup, env("IQ_FILE"), cfg.Radio.File), "cf32 capture read by the file backend")
	fs.BoolVar(&cfg.Radio.Loop, "loop", envBool(lookup, env("LOOP"), cfg.Radio.Loop), "Replay the capture forever")
	fs.Float64Var(hzVar(&cfg.Radio.CenterFrequency), "center-freq", envFloat(lookup, env("CENTER_FREQ"), float64(cfg.Radio.CenterFrequency)), "Center frequency in Hz")
	fs.Float64Var(hzVar(&cfg.Radio.SampleRate), "radio-rate", envFloat(lookup, env("RADIO_RATE"), float64(cfg.Radio.SampleRate)), "Radio sample rate in Hz")
	fs.Float64Var(&cfg.Radio.Gain, "gain", envFloat(lookup, env("GAIN"), cfg.Radio.Gain), "Receiver gain in dB")
	fs.Float64Var(&cfg.Radio.CorrectionPPM, "ppm", envFloat(lookup, env("PPM"), cfg.Radio.CorrectionPPM), "Frequency correction in ppm")
	fs.IntVar(&cfg.Radio.BlockSize, "block-size", envInt(lookup, env("BLOCK_SIZE"), cfg.Radio.BlockSize), "Samples per source read")

	fs.Float64Var(hzVar(&cfg.Modem.SampleRate), "sample-rate", envFloat(lookup, env("SAMPLE_RATE"), float64(cfg.Modem.SampleRate)), "Baseband sample rate in Hz")
	fs.Float64Var(&cfg.Modem.BaudRate, "baud", envFloat(lookup, env("BAUD"), cfg.Modem.BaudRate), "Symbol rate")
	fs.Float64Var(hzVar(&cfg.Modem.Deviation), "deviation", envFloat(lookup, env("DEVIATION"), float64(cfg.Modem.Deviation)), "Peak FM deviation in Hz")
	fs.Float64Var(&cfg.Modem.Rolloff, "rolloff", envFloat(lookup, env("ROLLOFF"), cfg.Modem.Rolloff), "Matched filter excess bandwidth")
	fs.Float64Var(hzVar(&cfg.Modem.HighPass), "highpass", envFloat(lookup, env("HIGHPASS"), float64(cfg.Modem.HighPass)), "High-pass cutoff in Hz (0 disables)")
	fs.BoolVar(&cfg.Carrier.Enabled, "carrier-sync", envBool(lookup, env("CARRIER_SYNC"), cfg.Carrier.Enabled), "Track and remove the carrier offset before demodulation")
	fs.DurationVar(&cfg.Carrier.Window, "carrier-window", envDuration(lookup, env("CARRIER_WINDOW"), cfg.Carrier.Window), "Carrier frequency measurement window")
	fs.Float64Var(&cfg.Carrier.LoopGain, "carrier-gain", envFloat(lookup, env("CARRIER_GAIN"), cfg.Carrier.LoopGain), "Carrier loop gain")
	fs.Float64Var(hzVar(&cfg.Carrier.MaxOffset), "carrier-max-offset", envFloat(lookup, env("CARRIER_MAX_OFFSET"), float64(cfg.Carrier.MaxOffset)), "Largest carrier offset corrected in Hz")
	fs.Float64Var(&cfg.Modem.SlicerScale, "slicer-scale", envFloat(lookup, env("SLICER_SCALE"), cfg.Modem.SlicerScale), "Outer symbol level expected by the slicer")

	fs.Float64Var(&cfg.Squelch.ThresholdDB, "squelch", envFloat(lookup, env("SQUELCH"), cfg.Squelch.ThresholdDB), "Squelch threshold in dB")
	fs.Float64Var(&cfg.Timing.LoopGain, "ted-gain", envFloat(lookup, env("TED_GAIN"), cfg.Timing.LoopGain), "Timing loop gain")
	fs.Float64Var(&cfg.Timing.LoopBandwidth, "loop-bw", envFloat(lookup, env("LOOP_BW"), cfg.Timing.LoopBandwidth), "Timing loop bandwidth")

	fs.Float64Var(&cfg.Channel.NoiseVoltage, "noise", envFloat(lookup, env("NOISE"), cfg.Channel.NoiseVoltage), "Harness channel noise voltage")
	fs.Float64Var(hzVar(&cfg.Channel.FrequencyOffset), "freq-offset", envFloat(lookup, env("FREQ_OFFSET"), float64(cfg.Channel.FrequencyOffset)), "Harness channel frequency offset in Hz")
	fs.Float64Var(&cfg.Channel.Epsilon, "epsilon", envFloat(lookup, env("EPSILON"), cfg.Channel.Epsilon), "Harness channel timing ratio")

	fs.StringVar(&cfg.Sink.ZMQ, "zmq", envString(lookup, env("ZMQ"), cfg.Sink.ZMQ), "ZeroMQ PUSH endpoint (empty disables)")
	fs.StringVar(&cfg.Sink.File, "out", envString(lookup, env("OUT"), cfg.Sink.File), "Raw float32 symbol file (empty disables)")
	fs.BoolVar(&cfg.Sink.Advertise, "advertise", envBool(lookup, env("ADVERTISE"), cfg.Sink.Advertise), "Announce the ZeroMQ endpoint over mDNS")

	fs.StringVar(&cfg.Telemetry.WebAddr, "web-addr", envString(lookup, env("WEB_ADDR"), cfg.Telemetry.WebAddr), "Telemetry HTTP address (empty logs to stdout)")
	fs.DurationVar(&cfg.Telemetry.UpdateInterval, "update-interval", envDuration(lookup, env("UPDATE_INTERVAL"), cfg.Telemetry.UpdateInterval), "Display update interval")
	fs.StringVar(&cfg.Storage.Path, "record", envString(lookup, env("RECORD"), cfg.Storage.Path), "SQLite symbol recording (empty disables)")
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if v, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key string, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}
