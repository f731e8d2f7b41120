package modem

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// SyncWordSymbols is the length of a DMR sync word in symbols.
const SyncWordSymbols = 24

// SyncKind names a sync word family.
type SyncKind int

const (
	SyncBS SyncKind = iota
	SyncMS
	SyncTS1
	SyncTS2
)

func (k SyncKind) String() string {
	switch k {
	case SyncBS:
		return "bs"
	case SyncMS:
		return "ms"
	case SyncTS1:
		return "ts1"
	case SyncTS2:
		return "ts2"
	default:
		return fmt.Sprintf("SyncKind(%d)", int(k))
	}
}

// syncPatterns hold the voice sync words as outer-level signs; a data sync
// word is the negation. Entry order follows SyncKind.
var syncPatterns = [...][SyncWordSymbols]int8{
	SyncBS: { // 755FD7DF75F7
		+1, -1, +1, +1, +1, +1, -1, -1, -1, +1, +1, -1,
		-1, +1, -1, -1, +1, -1, +1, +1, -1, -1, +1, -1,
	},
	SyncMS: { // 7F7D5DD57DFD
		+1, -1, -1, -1, +1, -1, -1, +1, +1, +1, -1, +1,
		-1, +1, +1, +1, +1, -1, -1, +1, -1, -1, -1, +1,
	},
	SyncTS1: { // 5D577F7757FF
		+1, +1, -1, +1, +1, +1, +1, -1, +1, -1, -1, -1,
		+1, -1, +1, -1, +1, +1, +1, -1, -1, -1, -1, -1,
	},
	SyncTS2: { // 7DFFD5F55D5F
		+1, -1, -1, +1, -1, -1, -1, -1, -1, +1, +1, +1,
		-1, -1, +1, +1, +1, +1, -1, +1, +1, +1, -1, -1,
	},
}

// SyncPattern returns the sync word of kind k in units of the outer level.
func SyncPattern(k SyncKind, data bool) []float32 {
	out := make([]float32, SyncWordSymbols)
	for i, v := range syncPatterns[k] {
		out[i] = float32(v)
		if data {
			out[i] = -out[i]
		}
	}
	return out
}

// SyncEvent reports one detected sync word.
type SyncEvent struct {
	Kind SyncKind
	// Data is true for the data form (negated voice pattern).
	Data bool
	// Index is the stream position of the first symbol of the word.
	Index uint64
	// Score is the normalised correlation in [-1, 1]; its sign follows Data.
	Score float64
}

// SyncConfig configures the detector.
type SyncConfig struct {
	// Threshold is the minimum |normalised correlation| in (0, 1].
	Threshold float64
	// MaxImbalance bounds |mean| / mean|x| over the window. Every sync word
	// has as many positive as negative symbols.
	MaxImbalance float64
}

// DefaultSyncConfig returns the detector defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{Threshold: 0.9, MaxImbalance: 0.25}
}

// SyncDetector searches a soft symbol stream for the BS, MS and direct-mode
// sync words. After a hit the next SyncWordSymbols-1 positions are skipped.
type SyncDetector struct {
	cfg SyncConfig

	window  [SyncWordSymbols]float32
	filled  int
	head    int // next write slot, also the oldest symbol once filled
	pos     uint64
	holdoff int

	hits    atomic.Uint64
	onSync  func(SyncEvent)
	pending []SyncEvent
}

// NewSyncDetector validates cfg. onSync may be nil when only Detect is used.
func NewSyncDetector(cfg SyncConfig, onSync func(SyncEvent)) (*SyncDetector, error) {
	if !(cfg.Threshold > 0 && cfg.Threshold <= 1) {
		return nil, fmt.Errorf("%w: sync threshold %.6g outside (0, 1]", ErrInvalidConfig, cfg.Threshold)
	}
	if !(cfg.MaxImbalance >= 0) || math.IsInf(cfg.MaxImbalance, 0) {
		return nil, fmt.Errorf("%w: sync imbalance %.6g", ErrInvalidConfig, cfg.MaxImbalance)
	}
	return &SyncDetector{cfg: cfg, onSync: onSync}, nil
}

// Hits returns the number of sync words found so far.
func (d *SyncDetector) Hits() uint64 { return d.hits.Load() }

// Detect feeds symbols and returns the sync words completed within them. The
// returned slice is reused by the next call.
func (d *SyncDetector) Detect(symbols []float32) []SyncEvent {
	d.pending = d.pending[:0]
	for _, s := range symbols {
		d.window[d.head] = s
		d.head = (d.head + 1) % SyncWordSymbols
		d.pos++
		if d.filled < SyncWordSymbols {
			d.filled++
		}
		if d.holdoff > 0 {
			d.holdoff--
			continue
		}
		if d.filled < SyncWordSymbols {
			continue
		}
		if ev, ok := d.match(); ok {
			d.pending = append(d.pending, ev)
			d.hits.Add(1)
			d.holdoff = SyncWordSymbols - 1
		}
	}
	return d.pending
}

func (d *SyncDetector) match() (SyncEvent, bool) {
	var sum, abs, energy float64
	for _, v := range d.window {
		x := float64(v)
		sum += x
		abs += math.Abs(x)
		energy += x * x
	}
	if energy == 0 || math.Abs(sum) > d.cfg.MaxImbalance*abs {
		return SyncEvent{}, false
	}
	norm := math.Sqrt(energy * SyncWordSymbols)

	best := SyncEvent{}
	for k, pat := range syncPatterns {
		var acc float64
		for i, p := range pat {
			acc += float64(p) * float64(d.window[(d.head+i)%SyncWordSymbols])
		}
		score := acc / norm
		if math.Abs(score) > math.Abs(best.Score) {
			best = SyncEvent{Kind: SyncKind(k), Data: score < 0, Score: score}
		}
	}
	if math.Abs(best.Score) < d.cfg.Threshold {
		return SyncEvent{}, false
	}
	best.Index = d.pos - SyncWordSymbols
	return best, true
}

// Consume implements pipeline.Sink, reporting every hit to the callback.
func (d *SyncDetector) Consume(_ context.Context, block []float32) error {
	for _, ev := range d.Detect(block) {
		if d.onSync != nil {
			d.onSync(ev)
		}
	}
	return nil
}

// Reset clears the search window and position.
func (d *SyncDetector) Reset() {
	d.window = [SyncWordSymbols]float32{}
	d.filled, d.head, d.pos, d.holdoff = 0, 0, 0, 0
}
