package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/braided/internal/chain"
)

func TestSynthetic_mineAndRead(t *testing.T) {
	s := chain.NewSynthetic("alpha", 0)
	defer s.Close()
	ctx := context.Background()

	s.Mine(3)
	head, err := s.LatestHead(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head.Number != 3 || head.Hash != chain.SyntheticHash("alpha", 3) {
		t.Errorf("LatestHead: got %+v", head)
	}

	h, err := s.HeaderByNumber(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if h.Hash != chain.SyntheticHash("alpha", 2) {
		t.Errorf("HeaderByNumber(2): got %s", h.Hash.Hex())
	}
	if _, err := s.HeaderByNumber(ctx, 4); !errors.Is(err, chain.ErrUnknownBlock) {
		t.Errorf("HeaderByNumber(4): expected ErrUnknownBlock, got %v", err)
	}
	if s.Genesis() != chain.SyntheticHash("alpha", 0) {
		t.Error("Genesis mismatch")
	}
}

func TestSynthetic_subscribe(t *testing.T) {
	s := chain.NewSynthetic("beta", 0)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.SubscribeHeads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Mine(2)
	for want := uint64(1); want <= 2; want++ {
		select {
		case h := <-ch:
			if h.Number != want {
				t.Errorf("head: got %d, want %d", h.Number, want)
			}
		case <-time.After(time.Second):
			t.Fatal("no head")
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSynthetic_fork(t *testing.T) {
	s := chain.NewSynthetic("gamma", 0)
	defer s.Close()
	s.Mine(5)
	forked := chain.SyntheticHash("other", 4)
	s.Fork(4, forked)

	h, _ := s.HeaderByNumber(context.Background(), 4)
	if h.Hash != forked {
		t.Errorf("forked hash: got %s, want %s", h.Hash.Hex(), forked.Hex())
	}
}

func TestSynthetic_blockTime(t *testing.T) {
	s := chain.NewSynthetic("delta", 5*time.Millisecond)
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, _ := s.LatestHead(context.Background())
		if h.Number >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("synthetic chain did not mine on its timer")
}
