package ledger

import (
	"context"
	"sync"
)

// subscriberBuffer bounds how far a slow subscriber may lag before
// notifications to it are dropped.
const subscriberBuffer = 64

// hub fans CheckpointAppended notifications out to in-process subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[chan Checkpoint]struct{}
}

func (h *hub) subscribe(ctx context.Context) <-chan Checkpoint {
	ch := make(chan Checkpoint, subscriberBuffer)

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan Checkpoint]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *hub) publish(cp Checkpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- cp:
		default:
		}
	}
}
