// Package ledgertest is a behavioural test suite shared by every
// ledger.Registry implementation, local or remote.
package ledgertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
)

// Factory builds a fresh registry owned by owner and returns a function that
// yields a view of it acting as a given key. Local backends can return the
// same registry for every key; remote clients sign requests with it.
type Factory func(t *testing.T, owner *identity.Key) func(as *identity.Key) ledger.Registry

// Hash returns a deterministic block hash for n.
func Hash(n uint64) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", n)))
}

// Genesis is a genesis hash used for strands created by the suite.
var Genesis = common.HexToHash("0xd4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3")

type fixture struct {
	t        *testing.T
	owner    *identity.Key
	agent    *identity.Key
	stranger *identity.Key
	as       func(*identity.Key) ledger.Registry
}

func newFixture(t *testing.T, factory Factory) *fixture {
	t.Helper()
	keys := make([]*identity.Key, 3)
	for i := range keys {
		k, err := identity.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = k
	}
	f := &fixture{t: t, owner: keys[0], agent: keys[1], stranger: keys[2]}
	f.as = factory(t, f.owner)
	return f
}

// caller returns a Caller for k with the registry's next sequence.
func (f *fixture) caller(k *identity.Key) ledger.Caller {
	f.t.Helper()
	n, err := f.as(k).NextSequence(context.Background(), k.Address())
	if err != nil {
		f.t.Fatalf("NextSequence: %v", err)
	}
	return ledger.Caller{Identity: k.Address(), Sequence: n}
}

func (f *fixture) addStrand(id uint64) {
	f.t.Helper()
	_, err := f.as(f.owner).AddStrand(context.Background(), f.caller(f.owner), ledger.Strand{
		ID:          id,
		Location:    "mainnet:0x5Ac1c7d3E1F4aB1C2a1F0b8F6fC2bA0f1Aa7e2Ed",
		GenesisHash: Genesis,
		Description: fmt.Sprintf("strand %d", id),
	})
	if err != nil {
		f.t.Fatalf("AddStrand(%d): %v", id, err)
	}
}

func (f *fixture) grant(id uint64, k *identity.Key) {
	f.t.Helper()
	if err := f.as(f.owner).AddAgent(context.Background(), f.caller(f.owner), k.Address(), id); err != nil {
		f.t.Fatalf("AddAgent(%d): %v", id, err)
	}
}

func (f *fixture) appendAs(k *identity.Key, id, n uint64) (*ledger.Checkpoint, error) {
	f.t.Helper()
	return f.as(k).AppendCheckpoint(context.Background(), f.caller(k), id, n, Hash(n))
}

func (f *fixture) mustAppend(id uint64, numbers ...uint64) {
	f.t.Helper()
	for _, n := range numbers {
		if _, err := f.appendAs(f.agent, id, n); err != nil {
			f.t.Fatalf("AppendCheckpoint(%d, %d): %v", id, n, err)
		}
	}
}

func wantKind(t *testing.T, op string, err error, kind ledger.Kind) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected %s, got nil", op, kind)
		return
	}
	if !ledger.IsKind(err, kind) {
		t.Errorf("%s: expected %s, got %v", op, kind, err)
	}
}

// Run executes the suite against registries built by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("owner", func(t *testing.T) {
		f := newFixture(t, factory)
		owner, err := f.as(f.stranger).Owner(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if owner != f.owner.Address() {
			t.Errorf("Owner: got %s, want %s", owner.Hex(), f.owner.Address().Hex())
		}
	})

	t.Run("add strand", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(7)

		s, err := f.as(f.stranger).Strand(ctx, 7)
		if err != nil {
			t.Fatal(err)
		}
		if s.GenesisHash != Genesis || s.Description != "strand 7" {
			t.Errorf("Strand: got %+v", s)
		}
		if s.CreatedAt.IsZero() {
			t.Error("Strand: CreatedAt not set")
		}

		n, err := f.as(f.stranger).StrandCount(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("StrandCount: got %d, want 1", n)
		}
		at, err := f.as(f.stranger).StrandAt(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if at.ID != 7 {
			t.Errorf("StrandAt(0): got id %d, want 7", at.ID)
		}
		_, err = f.as(f.stranger).StrandAt(ctx, 1)
		wantKind(t, "StrandAt(1)", err, ledger.UnknownStrand)
	})

	t.Run("strand zero is rejected", func(t *testing.T) {
		f := newFixture(t, factory)
		_, err := f.as(f.owner).AddStrand(ctx, f.caller(f.owner), ledger.Strand{ID: 0, GenesisHash: Genesis})
		wantKind(t, "AddStrand(0)", err, ledger.InvalidStrand)
	})

	t.Run("duplicate strand is rejected", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		_, err := f.as(f.owner).AddStrand(ctx, f.caller(f.owner), ledger.Strand{ID: 1, GenesisHash: Genesis})
		wantKind(t, "AddStrand(1) twice", err, ledger.DuplicateStrand)
	})

	t.Run("only the owner manages strands and agents", func(t *testing.T) {
		f := newFixture(t, factory)
		_, err := f.as(f.stranger).AddStrand(ctx, f.caller(f.stranger), ledger.Strand{ID: 1, GenesisHash: Genesis})
		wantKind(t, "stranger AddStrand", err, ledger.PermissionDenied)

		f.addStrand(1)
		err = f.as(f.stranger).AddAgent(ctx, f.caller(f.stranger), f.stranger.Address(), 1)
		wantKind(t, "stranger AddAgent", err, ledger.PermissionDenied)

		ok, err := f.as(f.stranger).IsAgent(ctx, f.stranger.Address(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("stranger became an agent")
		}
	})

	t.Run("agent grant on unknown strand", func(t *testing.T) {
		f := newFixture(t, factory)
		err := f.as(f.owner).AddAgent(ctx, f.caller(f.owner), f.agent.Address(), 42)
		wantKind(t, "AddAgent(42)", err, ledger.UnknownStrand)
	})

	t.Run("ownership does not grant append", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		f.grant(1, f.agent)

		_, err := f.appendAs(f.owner, 1, 10)
		wantKind(t, "owner append", err, ledger.PermissionDenied)
		_, err = f.appendAs(f.stranger, 1, 10)
		wantKind(t, "stranger append", err, ledger.PermissionDenied)

		_, err = f.as(f.agent).HighestBlockNumber(ctx, 1)
		wantKind(t, "HighestBlockNumber after rejected appends", err, ledger.EmptyStrand)
	})

	t.Run("append to unknown strand", func(t *testing.T) {
		f := newFixture(t, factory)
		_, err := f.appendAs(f.agent, 3, 10)
		wantKind(t, "append to strand 3", err, ledger.UnknownStrand)
	})

	t.Run("removed agent cannot append", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		f.grant(1, f.agent)
		f.mustAppend(1, 5)

		if err := f.as(f.owner).RemoveAgent(ctx, f.caller(f.owner), f.agent.Address(), 1); err != nil {
			t.Fatalf("RemoveAgent: %v", err)
		}
		_, err := f.appendAs(f.agent, 1, 6)
		wantKind(t, "append after removal", err, ledger.PermissionDenied)
	})

	t.Run("unknown and empty are distinct", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)

		_, err := f.as(f.stranger).HighestBlockNumber(ctx, 1)
		wantKind(t, "HighestBlockNumber(empty)", err, ledger.EmptyStrand)
		_, err = f.as(f.stranger).HighestBlockNumber(ctx, 2)
		wantKind(t, "HighestBlockNumber(unknown)", err, ledger.UnknownStrand)
		_, err = f.as(f.stranger).LowestBlockNumber(ctx, 1)
		wantKind(t, "LowestBlockNumber(empty)", err, ledger.EmptyStrand)
		_, err = f.as(f.stranger).LowestBlockNumber(ctx, 2)
		wantKind(t, "LowestBlockNumber(unknown)", err, ledger.UnknownStrand)
	})

	t.Run("monotonic appends", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		f.grant(1, f.agent)

		_, err := f.appendAs(f.agent, 1, 0)
		wantKind(t, "append(0)", err, ledger.NonMonotonicWrite)

		f.mustAppend(1, 9)
		_, err = f.appendAs(f.agent, 1, 8)
		wantKind(t, "append(8) after 9", err, ledger.NonMonotonicWrite)
		_, err = f.appendAs(f.agent, 1, 9)
		wantKind(t, "append(9) twice", err, ledger.NonMonotonicWrite)

		hi, err := f.as(f.agent).HighestBlockNumber(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if hi != 9 {
			t.Errorf("HighestBlockNumber: got %d, want 9", hi)
		}
	})

	t.Run("sparse traversal", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		f.grant(1, f.agent)
		f.mustAppend(1, 1, 2, 3, 9)

		r := f.as(f.stranger)
		prev, err := r.PreviousCheckpoint(ctx, 1, 9)
		if err != nil {
			t.Fatalf("PreviousCheckpoint(9): %v", err)
		}
		if prev.BlockNumber != 3 || prev.BlockHash != Hash(3) {
			t.Errorf("PreviousCheckpoint(9): got (%d, %s), want (3, %s)",
				prev.BlockNumber, prev.BlockHash.Hex(), Hash(3).Hex())
		}

		for _, n := range []uint64{8, 0, 11} {
			_, err := r.PreviousCheckpoint(ctx, 1, n)
			wantKind(t, fmt.Sprintf("PreviousCheckpoint(%d)", n), err, ledger.NotRecorded)
		}
		_, err = r.PreviousCheckpoint(ctx, 1, 1)
		wantKind(t, "PreviousCheckpoint(first)", err, ledger.NotRecorded)

		h, err := r.BlockHash(ctx, 1, 2)
		if err != nil {
			t.Fatal(err)
		}
		if h != Hash(2) {
			t.Errorf("BlockHash(2): got %s, want %s", h.Hex(), Hash(2).Hex())
		}
		for _, n := range []uint64{0, 5} {
			_, err := r.BlockHash(ctx, 1, n)
			wantKind(t, fmt.Sprintf("BlockHash(%d)", n), err, ledger.NotRecorded)
		}

		lo, err := r.LowestBlockNumber(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if lo != 1 {
			t.Errorf("LowestBlockNumber: got %d, want 1", lo)
		}
	})

	t.Run("transfer ownership", func(t *testing.T) {
		f := newFixture(t, factory)
		if err := f.as(f.owner).TransferOwnership(ctx, f.caller(f.owner), f.stranger.Address()); err != nil {
			t.Fatalf("TransferOwnership: %v", err)
		}
		_, err := f.as(f.owner).AddStrand(ctx, f.caller(f.owner), ledger.Strand{ID: 1, GenesisHash: Genesis})
		wantKind(t, "former owner AddStrand", err, ledger.PermissionDenied)

		if _, err := f.as(f.stranger).AddStrand(ctx, f.caller(f.stranger), ledger.Strand{ID: 1, GenesisHash: Genesis}); err != nil {
			t.Errorf("new owner AddStrand: %v", err)
		}
	})

	t.Run("sequences", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		f.grant(1, f.agent)

		c := f.caller(f.agent)
		if _, err := f.as(f.agent).AppendCheckpoint(ctx, c, 1, 10, Hash(10)); err != nil {
			t.Fatal(err)
		}
		next, err := f.as(f.agent).NextSequence(ctx, f.agent.Address())
		if err != nil {
			t.Fatal(err)
		}
		if next != c.Sequence+1 {
			t.Errorf("NextSequence: got %d, want %d", next, c.Sequence+1)
		}

		// Replaying the consumed sequence fails even for an otherwise valid write.
		_, err = f.as(f.agent).AppendCheckpoint(ctx, c, 1, 11, Hash(11))
		wantKind(t, "replayed sequence", err, ledger.StaleSequence)

		// A rejected write leaves the sequence untouched.
		_, err = f.as(f.agent).AppendCheckpoint(ctx, ledger.Caller{Identity: f.agent.Address(), Sequence: next}, 1, 5, Hash(5))
		wantKind(t, "append(5) after 10", err, ledger.NonMonotonicWrite)
		after, err := f.as(f.agent).NextSequence(ctx, f.agent.Address())
		if err != nil {
			t.Fatal(err)
		}
		if after != next {
			t.Errorf("NextSequence after rejection: got %d, want %d", after, next)
		}
	})

	t.Run("permission before sequence", func(t *testing.T) {
		f := newFixture(t, factory)
		f.addStrand(1)
		f.addStrand(2)
		f.grant(1, f.agent)

		stale := f.caller(f.agent)
		f.mustAppend(1, 10)

		_, err := f.as(f.agent).AddStrand(ctx, stale, ledger.Strand{ID: 3, GenesisHash: Genesis})
		wantKind(t, "non-owner AddStrand with stale sequence", err, ledger.PermissionDenied)
		_, err = f.as(f.agent).AppendCheckpoint(ctx, stale, 2, 10, Hash(10))
		wantKind(t, "non-agent append with stale sequence", err, ledger.PermissionDenied)
		_, err = f.as(f.agent).AppendCheckpoint(ctx, stale, 9, 10, Hash(10))
		wantKind(t, "unknown strand with stale sequence", err, ledger.UnknownStrand)

		// A permitted caller still learns its sequence is stale before any
		// content error.
		_, err = f.as(f.agent).AppendCheckpoint(ctx, stale, 1, 5, Hash(5))
		wantKind(t, "agent append(5) with stale sequence", err, ledger.StaleSequence)

		ownerStale := f.caller(f.owner)
		f.grant(2, f.agent)
		err = f.as(f.owner).AddAgent(ctx, ownerStale, f.stranger.Address(), 2)
		wantKind(t, "owner AddAgent with stale sequence", err, ledger.StaleSequence)
	})

	t.Run("notifications", func(t *testing.T) {
		f := newFixture(t, factory)
		sub, ok := f.as(f.stranger).(ledger.Subscriber)
		if !ok {
			t.Skip("registry does not publish notifications")
		}
		f.addStrand(1)
		f.grant(1, f.agent)

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := sub.SubscribeCheckpoints(subCtx)
		if err != nil {
			t.Fatal(err)
		}

		// Remote subscriptions may need a moment to attach; keep appending
		// until one arrives.
		deadline := time.After(5 * time.Second)
		n := uint64(100)
		f.mustAppend(1, n)
		for {
			select {
			case cp := <-ch:
				if cp.StrandID != 1 || cp.BlockHash != Hash(cp.BlockNumber) {
					t.Errorf("notification: got %+v", cp)
				}
				if cp.Agent != f.agent.Address() {
					t.Errorf("notification agent: got %s, want %s", cp.Agent.Hex(), f.agent.Address().Hex())
				}
				return
			case <-time.After(100 * time.Millisecond):
				n++
				f.mustAppend(1, n)
			case <-deadline:
				t.Fatal("no notification received")
			}
		}
	})

	t.Run("verify", func(t *testing.T) {
		f := newFixture(t, factory)
		v, ok := f.as(f.stranger).(ledger.Verifier)
		if !ok {
			t.Skip("registry keeps no digest chain")
		}
		f.addStrand(1)
		f.addStrand(2)
		f.grant(1, f.agent)
		f.grant(2, f.agent)
		f.mustAppend(1, 1, 4, 9)
		f.mustAppend(2, 100)
		if err := v.Verify(ctx); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})
}
