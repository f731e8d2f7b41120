package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/stream"
)

var (
	// ErrStarted is returned when wiring or starting a running pipeline.
	ErrStarted = errors.New("pipeline: already started")
	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = errors.New("pipeline: not started")
	// ErrRate reports a fixed-rate stage returning the wrong number of samples.
	ErrRate = errors.New("pipeline: stage output does not match its rate")
)

const (
	DefaultBlockSize    = 4096
	DefaultEdgeCapacity = 4 * DefaultBlockSize
)

// Options tunes block and edge sizing.
type Options struct {
	// BlockSize is the number of samples a node pulls from its input edge
	// per invocation (rounded down to the stage's decimation quantum).
	BlockSize int
	// EdgeCapacity bounds every edge, in samples.
	EdgeCapacity int
}

// NodeStats counts the samples that crossed one node.
type NodeStats struct {
	Name   string `json:"name"`
	In     uint64 `json:"in"`
	Out    uint64 `json:"out"`
	Blocks uint64 `json:"blocks"`
}

type node struct {
	name   string
	source bool
	run    func(ctx context.Context) error
	in     atomic.Uint64
	out    atomic.Uint64
	blocks atomic.Uint64
}

// Pipeline owns the nodes and edges of one signal graph.
type Pipeline struct {
	logger logging.Logger
	opts   Options

	mu       sync.Mutex
	nodes    []*node
	names    map[string]struct{}
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	srcStop  context.CancelFunc
	done     chan struct{}
	err      error
}

// New creates an empty pipeline.
func New(logger logging.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.EdgeCapacity <= 0 {
		opts.EdgeCapacity = DefaultEdgeCapacity
	}
	return &Pipeline{
		logger: logger.With(logging.F("subsystem", "pipeline")),
		opts:   opts,
		names:  make(map[string]struct{}),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Port is the output of a source or stage. Every consumer attached to a port
// receives every block it produces.
type Port[T any] struct {
	p      *Pipeline
	name   string
	edges  []*stream.Buffer[T]
	probes []*Probe[T]
}

// Name returns the producing node's name.
func (o *Port[T]) Name() string { return o.name }

func (o *Port[T]) emit(ctx context.Context, block []T) error {
	for _, e := range o.edges {
		if err := e.Write(ctx, block); err != nil {
			return err
		}
	}
	for _, pr := range o.probes {
		pr.Offer(block)
	}
	return nil
}

func (o *Port[T]) close() {
	for _, e := range o.edges {
		e.Close()
	}
}

func (o *Port[T]) attach(quantum int) (*stream.Buffer[T], error) {
	capacity := max(o.p.opts.EdgeCapacity, 2*quantum, o.p.opts.BlockSize)
	edge, err := stream.NewBuffer[T](capacity)
	if err != nil {
		return nil, err
	}
	o.edges = append(o.edges, edge)
	return edge, nil
}

func (p *Pipeline) register(n *node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrStarted
	}
	if n.name == "" {
		return errors.New("pipeline: node name required")
	}
	if _, dup := p.names[n.name]; dup {
		return fmt.Errorf("pipeline: duplicate node name %q", n.name)
	}
	p.names[n.name] = struct{}{}
	p.nodes = append(p.nodes, n)
	return nil
}

func (p *Pipeline) owns(name string, other *Pipeline) error {
	if other != p {
		return fmt.Errorf("pipeline: port %q belongs to another pipeline", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrStarted
	}
	return nil
}

// AddSource registers the single producer of a stream.
func AddSource[T any](p *Pipeline, name string, src Source[T]) (*Port[T], error) {
	out := &Port[T]{p: p, name: name}
	n := &node{name: name, source: true}
	n.run = func(ctx context.Context) error {
		defer out.close()
		srcCtx := p.sourceContext(ctx)
		buf := make([]T, p.opts.BlockSize)
		for {
			if p.stopping() {
				return nil
			}
			c, err := src.Read(srcCtx, buf)
			if c > 0 {
				n.out.Add(uint64(c))
				n.blocks.Add(1)
				if werr := out.emit(ctx, buf[:c]); werr != nil {
					return fmt.Errorf("source %s: %w", name, werr)
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				return nil
			case p.stopping() && errors.Is(err, context.Canceled):
				return nil
			default:
				return fmt.Errorf("source %s: %w", name, err)
			}
		}
	}
	if err := p.register(n); err != nil {
		return nil, err
	}
	return out, nil
}

// Connect feeds the output of from into stage and returns the stage's port.
func Connect[In, Out any](p *Pipeline, name string, from *Port[In], stage Stage[In, Out]) (*Port[Out], error) {
	if err := p.owns(from.name, from.p); err != nil {
		return nil, err
	}
	rate := stage.Rate()
	quantum := rate.decim()
	if rate.Variable {
		quantum = 1
	}
	edge, err := from.attach(quantum)
	if err != nil {
		return nil, err
	}
	out := &Port[Out]{p: p, name: name}
	blockSize := max(p.opts.BlockSize-p.opts.BlockSize%quantum, quantum)

	n := &node{name: name}
	n.run = func(ctx context.Context) error {
		defer out.close()
		buf := make([]In, blockSize)
		for {
			c, err := edge.Read(ctx, buf, quantum)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("stage %s: %w", name, err)
			}
			n.in.Add(uint64(c))
			res, err := stage.Process(buf[:c])
			if err != nil {
				return fmt.Errorf("stage %s: %w", name, err)
			}
			if !rate.Variable {
				if want := c / rate.decim() * rate.interp(); len(res) != want {
					return fmt.Errorf("stage %s: %w: got %d samples, want %d", name, ErrRate, len(res), want)
				}
			}
			n.blocks.Add(1)
			if len(res) == 0 {
				continue
			}
			n.out.Add(uint64(len(res)))
			if err := out.emit(ctx, res); err != nil {
				return fmt.Errorf("stage %s: %w", name, err)
			}
		}
	}
	if err := p.register(n); err != nil {
		return nil, err
	}
	return out, nil
}

// Tap attaches a lossy probe to a port. It never blocks the producer.
func Tap[T any](p *Pipeline, from *Port[T], probe *Probe[T]) error {
	if err := p.owns(from.name, from.p); err != nil {
		return err
	}
	from.probes = append(from.probes, probe)
	return nil
}

// AddSink terminates a branch.
func AddSink[T any](p *Pipeline, name string, from *Port[T], sink Sink[T]) error {
	if err := p.owns(from.name, from.p); err != nil {
		return err
	}
	edge, err := from.attach(1)
	if err != nil {
		return err
	}
	n := &node{name: name}
	n.run = func(ctx context.Context) error {
		buf := make([]T, p.opts.BlockSize)
		for {
			c, err := edge.Read(ctx, buf, 1)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("sink %s: %w", name, err)
			}
			n.in.Add(uint64(c))
			n.blocks.Add(1)
			if err := sink.Consume(ctx, buf[:c]); err != nil {
				return fmt.Errorf("sink %s: %w", name, err)
			}
		}
	}
	return p.register(n)
}

// Start launches one goroutine per node. A node error cancels the others.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrStarted
	}
	if len(p.nodes) == 0 {
		return errors.New("pipeline: no nodes")
	}
	p.started = true

	g, gctx := errgroup.WithContext(ctx)
	srcCtx, srcStop := context.WithCancel(gctx)
	p.srcStop = srcStop
	select {
	case <-p.stopCh:
		srcStop()
	default:
	}

	for _, n := range p.nodes {
		g.Go(func() error {
			runCtx := gctx
			if n.source {
				runCtx = withSourceContext(gctx, srcCtx)
			}
			err := n.run(runCtx)
			p.logger.Debug("node halted",
				logging.F("node", n.name),
				logging.F("in", humanize.Comma(int64(n.in.Load()))),
				logging.F("out", humanize.Comma(int64(n.out.Load()))))
			return err
		})
	}
	p.logger.Info("pipeline started", logging.F("nodes", len(p.nodes)))

	go func() {
		err := g.Wait()
		srcStop()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("pipeline halted", logging.F("error", err))
		} else {
			p.logger.Info("pipeline halted")
		}
		close(p.done)
	}()
	return nil
}

// Stop asks the source to end the stream at its next block boundary. The
// remaining stages drain and exit. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		stop := p.srcStop
		p.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

// Wait blocks until every node has halted and returns the first fatal error.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once every node has halted.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stats returns per-node sample counters.
func (p *Pipeline) Stats() []NodeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NodeStats, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, NodeStats{Name: n.name, In: n.in.Load(), Out: n.out.Load(), Blocks: n.blocks.Load()})
	}
	return out
}

func (p *Pipeline) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

type sourceCtxKey struct{}

// withSourceContext carries the stoppable read context alongside the group
// context, so a source can be interrupted by Stop while its final writes still
// complete.
func withSourceContext(parent, src context.Context) context.Context {
	return context.WithValue(parent, sourceCtxKey{}, src)
}

func (p *Pipeline) sourceContext(ctx context.Context) context.Context {
	if src, ok := ctx.Value(sourceCtxKey{}).(context.Context); ok {
		return src
	}
	return ctx
}
