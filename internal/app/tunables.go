package app

import (
	"errors"
	"fmt"
	"math"
	"time"

	"hz.tools/rf"

	"github.com/rjboer/dmrmodem/internal/config"
	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/telemetry"
)

// Each setter below is one transaction: every dependent design is computed
// and validated first, the source is asked to follow, and only then are the
// new taps and gains swapped into the running stages. A rejected change
// leaves the receiver as it was.

func (r *Receiver) initialized() error {
	if r.pipe == nil {
		return ErrNotInitialized
	}
	return nil
}

// SetSquelch changes the squelch threshold in dB.
func (r *Receiver) SetSquelch(db float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	if err := r.squelch.SetThreshold(db); err != nil {
		return err
	}
	r.cfg.Squelch.ThresholdDB = db
	r.logger.Info("squelch threshold changed", logging.F("threshold_db", db))
	return nil
}

// SetLoopGain changes the timing loop gain without disturbing lock.
func (r *Receiver) SetLoopGain(gain float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	if math.IsNaN(gain) || math.IsInf(gain, 0) || gain < 0 {
		return fmt.Errorf("%w: loop gain %.6g", modem.ErrInvalidConfig, gain)
	}
	if err := r.symsync.SetLoopGain(gain); err != nil {
		return err
	}
	r.cfg.Timing.LoopGain = gain
	r.logger.Info("timing loop gain changed", logging.F("loop_gain", gain))
	return nil
}

// SetUpdateInterval changes how often telemetry is reported.
func (r *Receiver) SetUpdateInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: update interval %v", modem.ErrInvalidConfig, d)
	}
	r.mu.Lock()
	r.cfg.Telemetry.UpdateInterval = d
	r.mu.Unlock()
	r.interval.Store(int64(d))
	select {
	case r.intervalChanged <- struct{}{}:
	default:
	}
	return nil
}

// UpdateInterval returns the telemetry period.
func (r *Receiver) UpdateInterval() time.Duration { return time.Duration(r.interval.Load()) }

// SetSampleRate changes the baseband rate. The radio rate follows at the
// fixed decimation ratio.
func (r *Receiver) SetSampleRate(hz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	if !(hz > 0) || math.IsInf(hz, 0) {
		return fmt.Errorf("%w: sample rate %.6g", modem.ErrDegenerate, hz)
	}
	return r.retune(func(c *config.Config) {
		c.Modem.SampleRate = rf.Hz(hz)
		c.Radio.SampleRate = rf.Hz(hz * float64(r.decim))
	}, true)
}

// SetRadioSampleRate changes the radio rate. The baseband rate follows at
// the fixed decimation ratio.
func (r *Receiver) SetRadioSampleRate(hz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	if !(hz > 0) || math.IsInf(hz, 0) {
		return fmt.Errorf("%w: radio sample rate %.6g", modem.ErrDegenerate, hz)
	}
	return r.retune(func(c *config.Config) {
		c.Radio.SampleRate = rf.Hz(hz)
		c.Modem.SampleRate = rf.Hz(hz / float64(r.decim))
	}, true)
}

// SetDeviation changes the expected peak deviation, which rescales the
// demodulator.
func (r *Receiver) SetDeviation(hz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	return r.retune(func(c *config.Config) { c.Modem.Deviation = rf.Hz(hz) }, false)
}

// SetBaudRate changes the symbol rate, which redesigns the matched filter
// and renominates the timing loop.
func (r *Receiver) SetBaudRate(baud float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	return r.retune(func(c *config.Config) { c.Modem.BaudRate = baud }, false)
}

// SetCenterFrequency retunes the source.
func (r *Receiver) SetCenterFrequency(hz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initialized(); err != nil {
		return err
	}
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz < 0 {
		return fmt.Errorf("%w: center frequency %.6g", modem.ErrInvalidConfig, hz)
	}
	if err := r.source.SetFrequency(hz); err != nil {
		return fmt.Errorf("set frequency: %w", err)
	}
	r.cfg.Radio.CenterFrequency = rf.Hz(hz)
	r.logger.Info("center frequency changed", logging.F("center_freq", float64(r.cfg.Radio.CenterFrequency)))
	return nil
}

// retune runs a rate, baud or deviation transaction. r.mu must be held.
func (r *Receiver) retune(change func(*config.Config), rateChange bool) error {
	next := r.cfg
	change(&next)
	radio, baseband := float64(next.Radio.SampleRate), float64(next.Modem.SampleRate)

	filters, err := designReceiveFilters(next, radio, baseband)
	if err != nil {
		return err
	}
	if r.carrier != nil && rateChange {
		if err := carrierConfig(next, radio).Validate(); err != nil {
			return fmt.Errorf("carrier sync: %w", err)
		}
	}
	if rateChange {
		if err := r.source.SetSampleRate(radio); err != nil {
			return fmt.Errorf("set sample rate: %w", err)
		}
	}

	// commit
	var carrier error
	if r.carrier != nil && rateChange {
		carrier = r.carrier.SetSampleRate(radio)
	}
	if err := errors.Join(
		carrier,
		r.lowPass.SetTaps(filters.lowPass),
		r.highPass.SetTaps(filters.highPass),
		r.matched.SetTaps(filters.matched),
		r.symsync.SetSamplesPerSymbol(filters.sps),
		r.demod.Configure(radio, float64(next.Modem.Deviation)),
	); err != nil {
		// the designs were validated above, so this is a programming error
		return fmt.Errorf("apply receive filters: %w", err)
	}
	r.cfg = next
	r.logger.Info("receive chain retuned",
		logging.F("radio_rate", radio),
		logging.F("baseband_rate", baseband),
		logging.F("baud", next.Modem.BaudRate),
		logging.F("deviation", float64(next.Modem.Deviation)),
		logging.F("samples_per_symbol", filters.sps))
	return nil
}

// Config returns the settings currently in effect.
func (r *Receiver) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Settings implements telemetry.Controller.
func (r *Receiver) Settings() telemetry.Settings {
	cfg := r.Config()
	return telemetry.Settings{
		SquelchDB:        cfg.Squelch.ThresholdDB,
		LoopGain:         cfg.Timing.LoopGain,
		UpdateIntervalMS: float64(r.UpdateInterval()) / float64(time.Millisecond),
		SampleRate:       float64(cfg.Modem.SampleRate),
		RadioSampleRate:  float64(cfg.Radio.SampleRate),
		Deviation:        float64(cfg.Modem.Deviation),
		CenterFrequency:  float64(cfg.Radio.CenterFrequency),
		BaudRate:         cfg.Modem.BaudRate,
	}
}

// Apply implements telemetry.Controller. Every field present in u is its
// own transaction; failures are collected and the rest still apply.
func (r *Receiver) Apply(u telemetry.SettingsUpdate) (telemetry.Settings, error) {
	var errs []error
	step := func(name string, v *float64, set func(float64) error) {
		if v == nil {
			return
		}
		if err := set(*v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("squelchDb", u.SquelchDB, r.SetSquelch)
	step("loopGain", u.LoopGain, r.SetLoopGain)
	step("updateIntervalMs", u.UpdateIntervalMS, func(ms float64) error {
		return r.SetUpdateInterval(time.Duration(ms * float64(time.Millisecond)))
	})
	step("sampleRate", u.SampleRate, r.SetSampleRate)
	step("radioSampleRate", u.RadioSampleRate, r.SetRadioSampleRate)
	step("deviation", u.Deviation, r.SetDeviation)
	step("centerFrequency", u.CenterFrequency, r.SetCenterFrequency)
	step("baudRate", u.BaudRate, r.SetBaudRate)
	return r.Settings(), errors.Join(errs...)
}

var _ telemetry.Controller = (*Receiver)(nil)
