// Package nonce caches the next write sequence per (registry, identity) so
// the scheduler only asks a registry once per process lifetime, or again
// after a failure made the cached value unreliable.
package nonce

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Fetcher reads the next sequence for an identity from a registry.
type Fetcher interface {
	NextSequence(ctx context.Context, identity common.Address) (uint64, error)
}

type key struct {
	registry string
	identity common.Address
}

// Tracker hands out sequences. It is safe for concurrent use; concurrent
// writers for the same key receive distinct sequences.
type Tracker struct {
	mu      sync.Mutex
	next    map[key]uint64
	writers map[key]*sync.Mutex
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{next: make(map[key]uint64), writers: make(map[key]*sync.Mutex)}
}

func (t *Tracker) writer(k key) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writers[k]
	if !ok {
		w = &sync.Mutex{}
		t.writers[k] = w
	}
	return w
}

// Do runs write with the next sequence for (registry, identity). Writes for
// the same key run one at a time, so registries that require sequences in
// order see them in order. A failed write drops the cached sequence.
func (t *Tracker) Do(ctx context.Context, registry string, identity common.Address, f Fetcher, write func(seq uint64) error) error {
	w := t.writer(key{registry, identity})
	w.Lock()
	defer w.Unlock()

	seq, err := t.Next(ctx, registry, identity, f)
	if err != nil {
		return &FetchError{Err: err}
	}
	if err := write(seq); err != nil {
		t.Invalidate(registry, identity)
		return err
	}
	return nil
}

// FetchError reports that the sequence could not be read from the registry.
type FetchError struct{ Err error }

func (e *FetchError) Error() string { return "next sequence: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Next returns the sequence to use for the next write. The first call for a
// key fetches it from the registry; later calls increment the cached value.
func (t *Tracker) Next(ctx context.Context, registry string, identity common.Address, f Fetcher) (uint64, error) {
	k := key{registry, identity}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.next[k]; ok {
		t.next[k] = n + 1
		return n, nil
	}
	n, err := f.NextSequence(ctx, identity)
	if err != nil {
		return 0, err
	}
	t.next[k] = n + 1
	return n, nil
}

// Invalidate drops the cached sequence so the next call resyncs.
func (t *Tracker) Invalidate(registry string, identity common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.next, key{registry, identity})
}

// Peek returns the cached next sequence, if any.
func (t *Tracker) Peek(registry string, identity common.Address) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.next[key{registry, identity}]
	return n, ok
}
