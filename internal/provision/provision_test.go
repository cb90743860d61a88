package provision_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/ledger/ledgertest"
	"github.com/jmerrifield20/braided/internal/provision"
	"go.uber.org/zap"
)

var ctx = context.Background()

func init() { color.NoColor = true }

func strand(id uint64, desc string) ledger.Strand {
	return ledger.Strand{
		ID:          id,
		Location:    "mainnet:0x00C8Bc664147389328Cb56f0b1EDc391c591191f",
		GenesisHash: ledgertest.Genesis,
		Description: desc,
	}
}

func setup(t *testing.T) (*ledger.MemoryRegistry, provision.Target) {
	t.Helper()
	owner, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	agent, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	reg := ledger.NewMemory(owner.Address())
	return reg, provision.Target{
		Registry: "ropsten0",
		Client:   reg,
		Owner:    owner.Address(),
		Agent:    agent.Address(),
		Watches: []provision.Watch{
			{Chain: "mainnet", Strand: strand(1, "Foundation")},
			{Chain: "kovan", Strand: strand(2, "Kovan")},
		},
	}
}

func TestProvisioner_idempotent(t *testing.T) {
	reg, target := setup(t)

	first, err := provision.New(nil, false, zap.NewNop()).Run(ctx, []provision.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Err(); err != nil {
		t.Fatal(err)
	}
	if got := first.Count(provision.StatusDone); got != 4 {
		t.Errorf("first run: %d actions done, want 4", got)
	}

	second, err := provision.New(nil, false, zap.NewNop()).Run(ctx, []provision.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Count(provision.StatusSkipped); got != 4 {
		t.Errorf("second run: %d actions skipped, want 4", got)
	}

	if n, _ := reg.StrandCount(ctx); n != 2 {
		t.Errorf("strand count: got %d, want 2", n)
	}
	for _, id := range []uint64{1, 2} {
		ok, err := reg.IsAgent(ctx, target.Agent, id)
		if err != nil || !ok {
			t.Errorf("agent not granted on strand %d: %v", id, err)
		}
	}
	// Owner wrote exactly four times.
	if n, _ := reg.NextSequence(ctx, target.Owner); n != 4 {
		t.Errorf("owner sequence: got %d, want 4", n)
	}
}

func TestProvisioner_dryRun(t *testing.T) {
	reg, target := setup(t)

	plan, err := provision.New(nil, true, nil).Run(ctx, []provision.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.DryRun || plan.Count(provision.StatusPlanned) != 4 {
		t.Errorf("dry run plan: %+v", plan.Actions)
	}
	if n, _ := reg.StrandCount(ctx); n != 0 {
		t.Errorf("dry run wrote %d strands", n)
	}
}

func TestProvisioner_duplicateStrandIsSurfaced(t *testing.T) {
	reg, target := setup(t)
	seq, _ := reg.NextSequence(ctx, target.Owner)
	if _, err := reg.AddStrand(ctx, ledger.Caller{Identity: target.Owner, Sequence: seq}, strand(1, "something else")); err != nil {
		t.Fatal(err)
	}

	plan, err := provision.New(nil, false, zap.NewNop()).Run(ctx, []provision.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	if !ledger.IsKind(plan.Err(), ledger.DuplicateStrand) {
		t.Fatalf("Err: got %v, want DuplicateStrand", plan.Err())
	}
	a := plan.Actions[0]
	if a.Kind != provision.AddStrand || a.Status != provision.StatusFailed {
		t.Errorf("first action: %+v", a)
	}
	if plan.Actions[1].Status != provision.StatusSkipped {
		t.Errorf("grant after failed registration: %+v", plan.Actions[1])
	}
	// The other watch is still provisioned.
	if plan.Count(provision.StatusDone) != 2 {
		t.Errorf("remaining watch: %+v", plan.Actions[2:])
	}
}

func TestProvisioner_notOwner(t *testing.T) {
	_, target := setup(t)
	target.Owner = target.Agent

	plan, err := provision.New(nil, false, nil).Run(ctx, []provision.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	if !ledger.IsKind(plan.Err(), ledger.PermissionDenied) {
		t.Errorf("Err: got %v, want PermissionDenied", plan.Err())
	}
}

func TestPlan_Print(t *testing.T) {
	_, target := setup(t)
	plan, err := provision.New(nil, true, nil).Run(ctx, []provision.Target{target})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	plan.Print(&buf)
	out := buf.String()
	if strings.Count(out, "\n") != 4 || !strings.Contains(out, "planned  ropsten0 add_strand strand 1") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
