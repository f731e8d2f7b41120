// Package stream provides the bounded sample FIFO used as the edge between
// two pipeline stages.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned when writing to a closed buffer.
var ErrClosed = errors.New("stream: buffer closed")

// Buffer is a fixed-capacity ring buffer carrying one sample type between a
// single producer and a single consumer. Writes block while the buffer is
// full and reads block while it holds fewer samples than requested, which is
// the backpressure mechanism of the pipeline. Sample order is preserved and
// nothing is ever dropped.
type Buffer[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	ring     []T
	head     int // next read index
	size     int
	closed   bool
	written  uint64
	read     uint64
}

// NewBuffer allocates a buffer holding up to capacity samples.
func NewBuffer[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("stream: capacity must be positive, got %d", capacity)
	}
	b := &Buffer[T]{ring: make([]T, capacity)}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b, nil
}

// Cap returns the buffer capacity in samples.
func (b *Buffer[T]) Cap() int { return len(b.ring) }

// Len returns the number of buffered samples.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Counters returns the total number of samples written and read so far.
func (b *Buffer[T]) Counters() (written, read uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written, b.read
}

// Write appends every sample of src, blocking while the buffer is full. It
// returns early with ctx.Err() when the context is canceled, or ErrClosed if
// the buffer was closed.
func (b *Buffer[T]) Write(ctx context.Context, src []T) error {
	stop := b.wakeOnDone(ctx)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(src) > 0 {
		for b.size == len(b.ring) && !b.closed && ctx.Err() == nil {
			b.notFull.Wait()
		}
		if b.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n := b.push(src)
		src = src[n:]
		b.notEmpty.Signal()
	}
	return nil
}

func (b *Buffer[T]) push(src []T) int {
	free := len(b.ring) - b.size
	n := min(free, len(src))
	tail := (b.head + b.size) % len(b.ring)
	first := min(n, len(b.ring)-tail)
	copy(b.ring[tail:tail+first], src[:first])
	copy(b.ring[:n-first], src[first:n])
	b.size += n
	b.written += uint64(n)
	return n
}

// Read fills dst with a whole number of quantum-sized groups of samples. It
// blocks until at least one group is available, then returns as many groups
// as fit in dst. Once the buffer is closed and fewer than quantum samples
// remain, the remainder is discarded and io.EOF is returned.
func (b *Buffer[T]) Read(ctx context.Context, dst []T, quantum int) (int, error) {
	if quantum <= 0 {
		quantum = 1
	}
	if len(dst) < quantum {
		return 0, fmt.Errorf("stream: destination of %d samples smaller than quantum %d", len(dst), quantum)
	}
	if quantum > len(b.ring) {
		return 0, fmt.Errorf("stream: quantum %d exceeds capacity %d", quantum, len(b.ring))
	}
	stop := b.wakeOnDone(ctx)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size < quantum && !b.closed && ctx.Err() == nil {
		b.notEmpty.Wait()
	}
	if b.size < quantum {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b.size = 0
		return 0, io.EOF
	}
	n := min(len(dst), b.size)
	n -= n % quantum
	first := min(n, len(b.ring)-b.head)
	copy(dst[:first], b.ring[b.head:b.head+first])
	copy(dst[first:n], b.ring[:n-first])
	b.head = (b.head + n) % len(b.ring)
	b.size -= n
	b.read += uint64(n)
	b.notFull.Broadcast()
	return n, nil
}

// Close marks the end of the stream. Buffered samples remain readable.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// wakeOnDone wakes blocked callers when ctx ends so they can observe it.
func (b *Buffer[T]) wakeOnDone(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	unregister := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	return func() { unregister() }
}
