package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/rjboer/dmrmodem/internal/modem"
)

// Recorder binds a store to one session. It is a pipeline sink for the
// symbol stream and collects sync detections through RecordSync.
type Recorder struct {
	store     *SqliteStore
	sessionID int64

	next uint64 // index of the next symbol to arrive

	mu      sync.Mutex
	pending []modem.SyncEvent
}

// NewRecorder opens a session on store.
func NewRecorder(ctx context.Context, store *SqliteStore, source string, config any) (*Recorder, error) {
	id, err := store.CreateSession(ctx, source, config)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, sessionID: id}, nil
}

// SessionID returns the id of the session being written.
func (r *Recorder) SessionID() int64 { return r.sessionID }

// Consume implements pipeline.Sink. Sync events queued since the previous
// block are written alongside.
func (r *Recorder) Consume(ctx context.Context, block []float32) error {
	if err := r.store.StoreSymbols(ctx, r.sessionID, r.next, block); err != nil {
		return err
	}
	r.next += uint64(len(block))
	return r.Flush(ctx)
}

// RecordSync queues a detection. It is safe to call from another goroutine
// than Consume.
func (r *Recorder) RecordSync(ev modem.SyncEvent) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.mu.Unlock()
}

// Flush writes queued sync detections.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	events := r.pending
	r.pending = nil
	r.mu.Unlock()
	return r.store.StoreSyncEvents(ctx, r.sessionID, events)
}

// Close flushes and closes the store.
func (r *Recorder) Close() error {
	return errors.Join(r.Flush(context.Background()), r.store.Close())
}
