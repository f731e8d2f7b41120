package pipeline

import (
	"sync"
	"sync/atomic"
)

// Probe is a lossy side branch holding the most recent blocks of a stream.
// When full, the oldest block is discarded, so a slow reader (a display, the
// telemetry hub) never stalls the stage feeding it.
type Probe[T any] struct {
	mu      sync.Mutex
	blocks  [][]T
	depth   int
	dropped atomic.Uint64
	offered atomic.Uint64
}

// NewProbe returns a probe retaining up to depth blocks.
func NewProbe[T any](depth int) *Probe[T] {
	if depth < 1 {
		depth = 1
	}
	return &Probe[T]{depth: depth}
}

// Offer stores a copy of block, evicting the oldest one when full.
func (p *Probe[T]) Offer(block []T) {
	if len(block) == 0 {
		return
	}
	cp := append([]T(nil), block...)
	p.mu.Lock()
	if len(p.blocks) == p.depth {
		p.blocks[0] = nil
		p.blocks = p.blocks[1:]
		p.dropped.Add(1)
	}
	p.blocks = append(p.blocks, cp)
	p.mu.Unlock()
	p.offered.Add(1)
}

// Take removes and returns every retained block, oldest first.
func (p *Probe[T]) Take() [][]T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.blocks
	p.blocks = nil
	return out
}

// Latest returns a copy of the newest block without consuming it.
func (p *Probe[T]) Latest() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.blocks) == 0 {
		return nil
	}
	return append([]T(nil), p.blocks[len(p.blocks)-1]...)
}

// Dropped reports how many blocks were evicted unread.
func (p *Probe[T]) Dropped() uint64 { return p.dropped.Load() }

// Offered reports how many blocks were offered in total.
func (p *Probe[T]) Offered() uint64 { return p.offered.Load() }
