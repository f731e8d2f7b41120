// Command dmrrx receives 4FSK symbols from a radio source and pushes them to
// a ZeroMQ consumer, a raw file and an optional SQLite recording.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rjboer/dmrmodem/internal/app"
	"github.com/rjboer/dmrmodem/internal/config"
	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/mdns"
	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/sdr"
	"github.com/rjboer/dmrmodem/internal/sink"
	"github.com/rjboer/dmrmodem/internal/storage"
	"github.com/rjboer/dmrmodem/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dmrrx: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, w), nil
}

// transmitterFor describes the simulated station so that it matches what the
// receiver expects.
func transmitterFor(cfg config.Config) modem.TransmitterConfig {
	tx := modem.DefaultTransmitterConfig()
	tx.SampleRate = float64(cfg.Modem.SampleRate)
	tx.BaudRate = cfg.Modem.BaudRate
	tx.Deviation = float64(cfg.Modem.Deviation)
	tx.Rolloff = cfg.Modem.TXRolloff
	tx.Taps = cfg.Modem.TXTaps
	tx.Scale = cfg.Modem.SlicerScale
	tx.Upsample = cfg.Decimation()
	return tx
}

func selectBackend(cfg config.Config) (sdr.Source, error) {
	radio := sdr.Config{
		SampleRate:      float64(cfg.Radio.SampleRate),
		CenterFrequency: float64(cfg.Radio.CenterFrequency),
		Gain:            cfg.Radio.Gain,
		CorrectionPPM:   cfg.Radio.CorrectionPPM,
	}
	switch cfg.Radio.Backend {
	case "mock":
		mock := sdr.DefaultMockConfig()
		mock.Transmitter = transmitterFor(cfg)
		mock.TransmitFrequency = radio.CenterFrequency
		mock.NoiseVoltage = cfg.Channel.NoiseVoltage
		mock.Seed = cfg.Channel.Seed
		mock.Realtime = true
		return sdr.NewMock(radio, mock)
	case "file":
		if cfg.Radio.File == "" {
			return nil, errors.New("file backend needs --iq-file")
		}
		return sdr.OpenFile(cfg.Radio.File, cfg.Radio.Loop, radio)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Radio.Backend)
	}
}

// outputs owns everything attached to the symbol stream.
type outputs struct {
	closers []func() error
}

func (o *outputs) add(fn func() error) { o.closers = append(o.closers, fn) }

// Close releases the outputs in reverse order of creation.
func (o *outputs) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i]())
	}
	return errors.Join(errs...)
}

func openOutputs(ctx context.Context, cfg config.Config, rx *app.Receiver, logger logging.Logger) (_ *outputs, err error) {
	out := &outputs{}
	defer func() {
		if err != nil {
			_ = out.Close()
		}
	}()

	if cfg.Sink.ZMQ != "" {
		push, err := sink.NewPush(ctx, cfg.Sink.ZMQ, logger)
		if err != nil {
			return nil, err
		}
		out.add(push.Close)
		if err := rx.AddSymbolSink("zmq", push); err != nil {
			return nil, err
		}
		if cfg.Sink.Advertise {
			port, err := push.Port()
			if err != nil {
				return nil, fmt.Errorf("advertise: %w", err)
			}
			ad, err := mdns.Advertise(cfg.Sink.Instance, port, []string{
				"baud=" + strconv.FormatFloat(cfg.Modem.BaudRate, 'f', -1, 64),
				"format=f32le",
			})
			if err != nil {
				return nil, err
			}
			out.add(func() error { ad.Shutdown(); return nil })
			logger.Info("symbol sink advertised", logging.F("instance", cfg.Sink.Instance), logging.F("port", port))
		}
	}

	if cfg.Sink.File != "" {
		f, err := os.Create(cfg.Sink.File)
		if err != nil {
			return nil, fmt.Errorf("create symbol file: %w", err)
		}
		w := sink.NewWriter(f)
		out.add(w.Close)
		if err := rx.AddSymbolSink("file", w); err != nil {
			return nil, err
		}
	}

	if cfg.Storage.Path != "" {
		store := storage.NewSqliteStore(cfg.Storage.Path)
		rec, err := storage.NewRecorder(ctx, store, cfg.Radio.Backend, cfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open recording: %w", err)
		}
		out.add(rec.Close)
		if err := rx.AddSymbolSink("recorder", rec); err != nil {
			return nil, err
		}
		rx.OnSync(rec.RecordSync)
		logger.Info("recording symbols", logging.F("path", cfg.Storage.Path), logging.F("session", rec.SessionID()))
	}
	return out, nil
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer) (err error) {
	cfg, err := config.Parse("dmrrx", args, lookup, config.Default())
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	source, err := selectBackend(cfg)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}
	defer source.Close()

	var (
		hub      *telemetry.Hub
		reporter telemetry.Reporter
	)
	if cfg.Telemetry.WebAddr != "" {
		hub = telemetry.NewHub(cfg.Telemetry.HistoryLimit, logger)
		reporter = hub
	} else {
		reporter = telemetry.NewStdoutReporter(logger, time.Second)
	}

	rx := app.NewReceiver(source, reporter, logger, cfg)
	out, err := openOutputs(ctx, cfg, rx, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Close()) }()

	if err := rx.Init(ctx); err != nil {
		return fmt.Errorf("init receiver: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if hub != nil {
		hub.SetController(rx)
		web := telemetry.NewWebServer(cfg.Telemetry.WebAddr, hub, logger)
		webCtx, stopWeb := context.WithCancel(gctx)
		defer stopWeb()
		g.Go(func() error { return web.Start(webCtx) })
		g.Go(func() error {
			defer stopWeb()
			return rx.Run(gctx)
		})
	} else {
		g.Go(func() error { return rx.Run(gctx) })
	}
	logger.Info("receiver running", logging.F("backend", cfg.Radio.Backend))
	return g.Wait()
}
