// Package pipeline runs a fixed graph of sample-processing stages, one
// goroutine per node, connected by bounded FIFO edges.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Rate declares how many output samples a stage produces per input sample.
// A fixed-rate stage is always handed a multiple of Decim input samples and
// must return exactly len(in)/Decim*Interp outputs. Variable stages (timing
// recovery, resamplers with a carried fractional phase) may return any count.
type Rate struct {
	Interp   int
	Decim    int
	Variable bool
}

// OneToOne is the rate of a sample-for-sample stage.
var OneToOne = Rate{Interp: 1, Decim: 1}

func (r Rate) interp() int {
	if r.Interp < 1 {
		return 1
	}
	return r.Interp
}

func (r Rate) decim() int {
	if r.Decim < 1 {
		return 1
	}
	return r.Decim
}

func (r Rate) String() string {
	if r.Variable {
		return "variable"
	}
	return fmt.Sprintf("%d/%d", r.interp(), r.decim())
}

// Stage transforms one block of input samples into output samples. The
// returned slice may alias stage-owned memory and is only valid until the next
// call. Stages must not retain the input slice.
type Stage[In, Out any] interface {
	Process(in []In) ([]Out, error)
	Rate() Rate
}

// Source produces samples. Read fills dst and returns the count written;
// io.EOF ends the stream.
type Source[T any] interface {
	Read(ctx context.Context, dst []T) (int, error)
}

// Sink consumes samples at the end of a branch.
type Sink[T any] interface {
	Consume(ctx context.Context, block []T) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc[T any] func(ctx context.Context, block []T) error

// Consume calls f.
func (f SinkFunc[T]) Consume(ctx context.Context, block []T) error { return f(ctx, block) }

type mapStage[In, Out any] struct {
	fn  func(In) Out
	out []Out
}

// Map returns a one-to-one stage applying fn to every sample.
func Map[In, Out any](fn func(In) Out) Stage[In, Out] {
	return &mapStage[In, Out]{fn: fn}
}

func (m *mapStage[In, Out]) Rate() Rate { return OneToOne }

func (m *mapStage[In, Out]) Process(in []In) ([]Out, error) {
	m.out = m.out[:0]
	for _, v := range in {
		m.out = append(m.out, m.fn(v))
	}
	return m.out, nil
}

// SliceSource replays a fixed slice of samples, optionally forever.
type SliceSource[T any] struct {
	data   []T
	repeat bool
	pos    int
}

// NewSliceSource returns a source over a copy of data.
func NewSliceSource[T any](data []T, repeat bool) *SliceSource[T] {
	return &SliceSource[T]{data: append([]T(nil), data...), repeat: repeat}
}

// Read implements Source.
func (s *SliceSource[T]) Read(ctx context.Context, dst []T) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(dst) {
		if s.pos == len(s.data) {
			if !s.repeat {
				break
			}
			s.pos = 0
		}
		c := copy(dst[n:], s.data[s.pos:])
		s.pos += c
		n += c
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Collector is a sink accumulating everything it receives, safe for
// concurrent inspection.
type Collector[T any] struct {
	mu    sync.Mutex
	data  []T
	limit int
}

// NewCollector returns a collector keeping at most limit samples (0 means
// unbounded). Once full, further samples are ignored.
func NewCollector[T any](limit int) *Collector[T] {
	return &Collector[T]{limit: limit}
}

// Consume implements Sink.
func (c *Collector[T]) Consume(_ context.Context, block []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 {
		room := c.limit - len(c.data)
		if room <= 0 {
			return nil
		}
		block = block[:min(room, len(block))]
	}
	c.data = append(c.data, block...)
	return nil
}

// Samples returns a copy of the collected samples.
func (c *Collector[T]) Samples() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.data...)
}

// Len returns the number of collected samples.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
