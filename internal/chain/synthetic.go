package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Synthetic is an in-process chain whose block hashes are derived from its id
// and the block number. It mines on a timer when started with a block time,
// or on demand through Mine. It backs the "synthetic" chain kind and tests.
type Synthetic struct {
	id string

	mu     sync.Mutex
	head   uint64
	forks  map[uint64]common.Hash
	subs   map[chan Head]struct{}
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

var _ Source = (*Synthetic)(nil)

// NewSynthetic creates a synthetic chain at height 0. A positive blockTime
// mines one block per interval until Close.
func NewSynthetic(id string, blockTime time.Duration) *Synthetic {
	s := &Synthetic{
		id:    id,
		forks: make(map[uint64]common.Hash),
		subs:  make(map[chan Head]struct{}),
		stop:  make(chan struct{}),
	}
	if blockTime > 0 {
		s.wg.Add(1)
		go s.mineEvery(blockTime)
	}
	return s
}

// SyntheticHash returns the hash a synthetic chain with the given id assigns
// to block n.
func SyntheticHash(id string, n uint64) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("braided-synthetic|%s|%d", id, n)))
}

// Genesis returns the hash of block 0.
func (s *Synthetic) Genesis() common.Hash { return SyntheticHash(s.id, 0) }

func (s *Synthetic) mineEvery(d time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Mine(1)
		}
	}
}

func (s *Synthetic) hashLocked(n uint64) common.Hash {
	if h, ok := s.forks[n]; ok {
		return h
	}
	return SyntheticHash(s.id, n)
}

// Mine appends n blocks and notifies subscribers of each new head. Slow
// subscribers miss heads rather than block the chain.
func (s *Synthetic) Mine(n int) Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.head++
		h := Head{Number: s.head, Hash: s.hashLocked(s.head)}
		for ch := range s.subs {
			select {
			case ch <- h:
			default:
			}
		}
	}
	return Head{Number: s.head, Hash: s.hashLocked(s.head)}
}

// Fork replaces the hash of block n, simulating a divergent history.
func (s *Synthetic) Fork(n uint64, h common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forks[n] = h
}

// SubscribeHeads implements Source.
func (s *Synthetic) SubscribeHeads(ctx context.Context) (<-chan Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("synthetic chain %s is closed", s.id)
	}
	ch := make(chan Head, 16)
	s.subs[ch] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

// LatestHead implements Source.
func (s *Synthetic) LatestHead(_ context.Context) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Head{Number: s.head, Hash: s.hashLocked(s.head)}, nil
}

// HeaderByNumber implements Source.
func (s *Synthetic) HeaderByNumber(_ context.Context, n uint64) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.head {
		return Head{}, fmt.Errorf("%s block %d: %w", s.id, n, ErrUnknownBlock)
	}
	return Head{Number: n, Hash: s.hashLocked(n)}, nil
}

// Close stops mining and closes every subscription.
func (s *Synthetic) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}
