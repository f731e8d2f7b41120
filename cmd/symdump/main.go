// Command symdump connects to a symbol push socket and prints what arrives.
// Without --endpoint it browses mDNS for an advertised sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rjboer/dmrmodem/internal/mdns"
	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/sink"
)

type options struct {
	endpoint string
	timeout  time.Duration
	count    int
	dibits   bool
	scale    float64
	perLine  int
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("symdump", pflag.ContinueOnError)
	fs.StringVar(&o.endpoint, "endpoint", "", "ZeroMQ push endpoint (empty browses mDNS)")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Second, "mDNS browse timeout")
	fs.IntVar(&o.count, "count", 0, "Stop after this many symbols (0 runs until interrupted)")
	fs.BoolVar(&o.dibits, "dibits", false, "Print sliced dibits instead of soft symbols")
	fs.Float64Var(&o.scale, "slicer-scale", 0.8, "Outer symbol level for --dibits")
	fs.IntVar(&o.perLine, "per-line", 16, "Symbols per output line")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.count < 0 || o.perLine < 1 {
		return options{}, fmt.Errorf("invalid --count %d or --per-line %d", o.count, o.perLine)
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "symdump: %v\n", err)
		os.Exit(1)
	}
}

// discover picks the first advertised sink and lists the others on w.
func discover(ctx context.Context, timeout time.Duration, w io.Writer) (string, error) {
	start := time.Now()
	hosts, err := mdns.Discover(ctx, timeout)
	if err != nil {
		return "", err
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("no %s services found in %s", mdns.Service, time.Since(start).Truncate(time.Millisecond))
	}
	var endpoint string
	for i, h := range hosts {
		ep, err := h.Endpoint()
		if err != nil {
			continue
		}
		fmt.Fprintf(w, " #%d %s (%s) %s %v\n", i+1, h.Instance, h.Hostname, ep, h.TXT)
		if endpoint == "" {
			endpoint = ep
		}
	}
	if endpoint == "" {
		return "", errors.New("no discovered sink has an address")
	}
	return endpoint, nil
}

// printer formats symbols perLine to a row.
type printer struct {
	w       io.Writer
	slicer  *modem.Slicer
	perLine int
	col     int
}

func (p *printer) print(v float32) {
	sep := " "
	if p.col == 0 {
		sep = ""
	}
	if p.slicer != nil {
		fmt.Fprintf(p.w, "%s%d", sep, p.slicer.Decide(v))
	} else {
		fmt.Fprintf(p.w, "%s%0.04f", sep, v)
	}
	p.col++
	if p.col == p.perLine {
		fmt.Fprintln(p.w)
		p.col = 0
	}
}

func (p *printer) finish() {
	if p.col != 0 {
		fmt.Fprintln(p.w)
		p.col = 0
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseOptions(args)
	if err != nil {
		return err
	}
	if o.endpoint == "" {
		if o.endpoint, err = discover(ctx, o.timeout, stderr); err != nil {
			return err
		}
	}
	pr := &printer{w: stdout, perLine: o.perLine}
	if o.dibits {
		if pr.slicer, err = modem.NewSlicer(o.scale); err != nil {
			return err
		}
	}

	pull, err := sink.DialPull(ctx, o.endpoint)
	if err != nil {
		return err
	}
	defer pull.Close()
	fmt.Fprintf(stderr, "reading symbols from %s\n", o.endpoint)

	defer pr.finish()
	var (
		buf  []float32
		seen int
	)
	for {
		buf, err = pull.Recv(buf[:0])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		for _, v := range buf {
			pr.print(v)
			seen++
			if o.count > 0 && seen == o.count {
				return nil
			}
		}
	}
}
