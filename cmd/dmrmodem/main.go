// Command dmrmodem loops the 4FSK transmitter through a simulated channel
// into the receiver and streams the recovered symbols like dmrrx does.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/rjboer/dmrmodem/internal/app"
	"github.com/rjboer/dmrmodem/internal/config"
	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/mdns"
	"github.com/rjboer/dmrmodem/internal/sink"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dmrmodem: %v\n", err)
		os.Exit(1)
	}
}

type harnessFlags struct {
	bursts     int
	payload    string
	realtime   bool
	samplesOut string
}

func parseArgs(args []string, lookup func(string) (string, bool)) (config.Config, harnessFlags, error) {
	var hf harnessFlags
	cfg, err := config.ParseWith("dmrmodem", args, lookup, config.Default(), func(fs *pflag.FlagSet) {
		fs.IntVar(&hf.bursts, "bursts", 0, "Payload repetitions to send (0 runs until interrupted)")
		fs.StringVar(&hf.payload, "payload", "", "File whose bytes are sent instead of the test burst")
		fs.BoolVar(&hf.realtime, "realtime", false, "Pace the payload to the baud rate")
		fs.StringVar(&hf.samplesOut, "samples-out", "", "Raw float32 file for the matched filter output")
	})
	if err != nil {
		return config.Config{}, harnessFlags{}, err
	}
	if hf.bursts < 0 {
		return config.Config{}, harnessFlags{}, fmt.Errorf("%w: --bursts %d", config.ErrInvalid, hf.bursts)
	}
	return cfg, hf, nil
}

func createWriter(path string) (*sink.Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return sink.NewWriter(f), nil
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer) (err error) {
	cfg, hf, err := parseArgs(args, lookup)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, stderr)
	logging.SetDefault(logger)

	opts := app.HarnessOptions{Bursts: hf.bursts, Realtime: hf.realtime}
	if hf.payload != "" {
		if opts.Payload, err = os.ReadFile(hf.payload); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}
	h, err := app.NewHarness(cfg, opts, logger)
	if err != nil {
		return err
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i]())
		}
	}()

	if cfg.Sink.ZMQ != "" {
		push, err := sink.NewPush(ctx, cfg.Sink.ZMQ, logger)
		if err != nil {
			return err
		}
		closers = append(closers, push.Close)
		if err := h.AddSymbolSink("zmq", push); err != nil {
			return err
		}
		if cfg.Sink.Advertise {
			port, err := push.Port()
			if err != nil {
				return fmt.Errorf("advertise: %w", err)
			}
			ad, err := mdns.Advertise(cfg.Sink.Instance, port, []string{"format=f32le", "source=harness"})
			if err != nil {
				return err
			}
			closers = append(closers, func() error { ad.Shutdown(); return nil })
		}
	}
	if cfg.Sink.File != "" {
		w, err := createWriter(cfg.Sink.File)
		if err != nil {
			return fmt.Errorf("create symbol file: %w", err)
		}
		closers = append(closers, w.Close)
		if err := h.AddSymbolSink("file", w); err != nil {
			return err
		}
	}
	if hf.samplesOut != "" {
		w, err := createWriter(hf.samplesOut)
		if err != nil {
			return fmt.Errorf("create sample file: %w", err)
		}
		closers = append(closers, w.Close)
		if err := h.AddSampleSink("samples", w); err != nil {
			return err
		}
	}

	if err := h.Run(ctx); err != nil {
		return err
	}
	for _, n := range h.Nodes() {
		logger.Debug("node totals",
			logging.F("node", n.Name),
			logging.F("in", humanize.Comma(int64(n.In))),
			logging.F("out", humanize.Comma(int64(n.Out))))
	}
	logger.Info("harness finished", logging.F("bursts", hf.bursts))
	return nil
}
