package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/ledger/ledgertest"
)

var ctx = context.Background()

func TestMemoryRegistry(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, owner *identity.Key) func(*identity.Key) ledger.Registry {
		r := ledger.NewMemory(owner.Address())
		return func(*identity.Key) ledger.Registry { return r }
	})
}

func TestIsKind_wrapped(t *testing.T) {
	err := fmt.Errorf("scheduler: %w", ledger.Errorf(ledger.EmptyStrand, 3, 0, "strand %d has no checkpoints", 3))

	if !ledger.IsKind(err, ledger.EmptyStrand) {
		t.Error("IsKind should see through wrapping")
	}
	if ledger.IsKind(err, ledger.UnknownStrand) {
		t.Error("IsKind matched the wrong kind")
	}
	if ledger.IsKind(errors.New("EmptyStrand"), ledger.EmptyStrand) {
		t.Error("IsKind matched an untyped error")
	}
	k, ok := ledger.KindOf(err)
	if !ok || k != ledger.EmptyStrand {
		t.Errorf("KindOf: got (%s, %v), want (EmptyStrand, true)", k, ok)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []ledger.Kind{
		ledger.PermissionDenied, ledger.InvalidStrand, ledger.DuplicateStrand,
		ledger.UnknownStrand, ledger.EmptyStrand, ledger.NonMonotonicWrite,
		ledger.NotRecorded, ledger.StaleSequence,
	} {
		got, ok := ledger.ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q): got (%s, %v)", k.String(), got, ok)
		}
	}
	if _, ok := ledger.ParseKind("Bogus"); ok {
		t.Error("ParseKind accepted an unknown name")
	}
}

func TestStrand_Matches(t *testing.T) {
	a := ledger.Strand{ID: 1, Location: "mainnet:0x01", GenesisHash: ledgertest.Genesis, Description: "Foundation"}
	b := a
	b.ID = 2
	if !a.Matches(b) {
		t.Error("strands differing only by id should match")
	}
	b.Description = "Classic"
	if a.Matches(b) {
		t.Error("strands with different descriptions should not match")
	}
}

func TestMemoryRegistry_checkpointFields(t *testing.T) {
	owner, _ := identity.GenerateKey()
	agent, _ := identity.GenerateKey()
	r := ledger.NewMemory(owner.Address())

	if _, err := r.AddStrand(ctx, ledger.Caller{Identity: owner.Address()}, ledger.Strand{ID: 1, GenesisHash: ledgertest.Genesis}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddAgent(ctx, ledger.Caller{Identity: owner.Address(), Sequence: 1}, agent.Address(), 1); err != nil {
		t.Fatal(err)
	}

	first, err := r.AppendCheckpoint(ctx, ledger.Caller{Identity: agent.Address()}, 1, 4, ledgertest.Hash(4))
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.AppendCheckpoint(ctx, ledger.Caller{Identity: agent.Address(), Sequence: 1}, 1, 9, ledgertest.Hash(9))
	if err != nil {
		t.Fatal(err)
	}

	if first.Previous != 0 {
		t.Errorf("first.Previous: got %d, want 0", first.Previous)
	}
	if second.Previous != 4 {
		t.Errorf("second.Previous: got %d, want 4", second.Previous)
	}
	if second.Agent != agent.Address() {
		t.Errorf("second.Agent: got %s, want %s", second.Agent.Hex(), agent.Address().Hex())
	}
	if first.Digest == second.Digest {
		t.Error("consecutive checkpoints share a digest")
	}
}

func TestMemoryRegistry_sequenceGaps(t *testing.T) {
	owner, _ := identity.GenerateKey()
	r := ledger.NewMemory(owner.Address())

	// A caller may skip ahead; the registry then expects the skipped-to value + 1.
	if _, err := r.AddStrand(ctx, ledger.Caller{Identity: owner.Address(), Sequence: 5}, ledger.Strand{ID: 1}); err != nil {
		t.Fatal(err)
	}
	next, err := r.NextSequence(ctx, owner.Address())
	if err != nil {
		t.Fatal(err)
	}
	if next != 6 {
		t.Errorf("NextSequence: got %d, want 6", next)
	}
	_, err = r.AddStrand(ctx, ledger.Caller{Identity: owner.Address(), Sequence: 5}, ledger.Strand{ID: 2})
	if !ledger.IsKind(err, ledger.StaleSequence) {
		t.Errorf("expected StaleSequence, got %v", err)
	}
}
