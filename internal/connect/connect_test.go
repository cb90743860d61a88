package connect_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/config"
	"github.com/jmerrifield20/braided/internal/connect"
	"github.com/jmerrifield20/braided/internal/health"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/provision"
	"github.com/jmerrifield20/braided/internal/registry/handler"
	"github.com/jmerrifield20/braided/internal/scheduler"
	"go.uber.org/zap"
)

var ctx = context.Background()

func init() {
	gin.SetMode(gin.TestMode)
}

type keys struct{ owner, agent *identity.Key }

func newKeys(t *testing.T) keys {
	t.Helper()
	owner, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	agent, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return keys{owner, agent}
}

func baseConfig(k keys, reg config.Registry) *config.Config {
	return &config.Config{
		Chains: []config.Chain{
			{ID: "lab", Kind: config.ChainSynthetic, Description: "lab chain", Registry: "home"},
		},
		Registries: []config.Registry{
			{Name: "home", Kind: config.RegistryMemory, Location: "lab:home-0", Owner: k.owner.Address().Hex()},
			reg,
		},
		Agents: []config.Agent{{
			IdentityKey: k.agent.Hex(),
			Registry:    reg.Name,
			Watches:     map[string]config.Watch{"lab": {Strand: 1}},
		}},
	}
}

// provisionAndRun provisions cfg, then lets the scheduler write one
// checkpoint of the synthetic chain into the agent's registry.
func provisionAndRun(t *testing.T, cfg *config.Config) ledger.Reader {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	set := connect.New(cfg, zap.NewNop())
	t.Cleanup(func() { set.Close() })

	targets, err := set.Targets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := provision.New(nil, false, zap.NewNop()).Run(ctx, targets)
	if err != nil || plan.Err() != nil {
		t.Fatalf("provision: %v %v", err, plan.Err())
	}
	if plan.Count(provision.StatusDone) != 2 {
		t.Fatalf("plan: %+v", plan.Actions)
	}

	agents, sources, err := set.Agents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s, err := scheduler.New(scheduler.Config{Sources: sources, Agents: agents, Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}

	src := sources["lab"].(*chain.Synthetic)
	head := src.Mine(12)
	ds := s.Evaluate(ctx, "lab", head)
	if len(ds) != 1 || ds[0].Outcome != scheduler.OutcomeSent {
		t.Fatalf("decisions: %+v", ds)
	}
	return agents[0].Client
}

func TestSet_memoryRegistry(t *testing.T) {
	k := newKeys(t)
	cfg := baseConfig(k, config.Registry{
		Name: "lab0", Kind: config.RegistryMemory, Location: "lab:registry-0", OwnerKey: k.owner.Hex(),
	})

	reg := provisionAndRun(t, cfg)
	h, err := reg.BlockHash(ctx, 1, 12)
	if err != nil {
		t.Fatal(err)
	}
	if h != chain.SyntheticHash("lab", 12) {
		t.Errorf("recorded %s", h.Hex())
	}
	s, err := reg.Strand(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Location != "lab:home-0" || s.GenesisHash != chain.SyntheticHash("lab", 0) || s.Description != "lab chain" {
		t.Errorf("strand: %+v", s)
	}
}

func TestSet_httpRegistry(t *testing.T) {
	k := newKeys(t)
	backend := ledger.NewMemory(k.owner.Address())

	r := gin.New()
	handler.NewRegistryHandler(backend, "lab:remote-0", zap.NewNop()).Register(r.Group("/api/v1"), nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	cfg := baseConfig(k, config.Registry{
		Name: "remote", Kind: config.RegistryHTTP, Location: "lab:remote-0", Endpoint: srv.URL, OwnerKey: k.owner.Hex(),
	})
	provisionAndRun(t, cfg)

	if n, err := backend.HighestBlockNumber(ctx, 1); err != nil || n != 12 {
		t.Errorf("server recorded %d, %v", n, err)
	}
}

func TestSet_checkerAgainstChains(t *testing.T) {
	k := newKeys(t)
	cfg := baseConfig(k, config.Registry{
		Name: "lab0", Kind: config.RegistryMemory, Location: "lab:registry-0", OwnerKey: k.owner.Hex(),
	})
	provisionAndRun(t, cfg)

	set := connect.New(cfg, zap.NewNop())
	defer set.Close()
	c, err := set.Checker(ctx, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	// A fresh Set has fresh memory registries and chains: nothing recorded.
	report, err := c.Check(ctx, []uint64{1})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Clashes) != 0 {
		t.Errorf("clashes: %+v", report.Clashes)
	}
}

func TestSet_unknownRegistry(t *testing.T) {
	k := newKeys(t)
	cfg := baseConfig(k, config.Registry{Name: "lab0", Kind: config.RegistryMemory, Location: "lab:r", Owner: k.owner.Address().Hex()})
	set := connect.New(cfg, nil)
	if _, err := set.Registry(ctx, "nope", nil); err == nil {
		t.Error("expected an error for an unknown registry")
	}
	// Without an owner key the registry cannot be provisioned.
	if _, err := set.Targets(ctx); err == nil {
		t.Error("expected an error for a registry without an owner key")
	}
}

func TestSet_healthTargets(t *testing.T) {
	k := newKeys(t)
	cfg := baseConfig(k, config.Registry{
		Name: "lab0", Kind: config.RegistryMemory, Location: "lab:registry-0", OwnerKey: k.owner.Hex(),
	})
	set := connect.New(cfg, zap.NewNop())
	defer set.Close()

	targets, err := set.HealthTargets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Two registries and the one watched chain.
	if len(targets) != 3 {
		t.Fatalf("targets: %+v", targets)
	}
	checker := health.New(targets, health.Config{}, zap.NewNop())
	checker.CheckAll(ctx)
	for _, st := range checker.Statuses() {
		if st.Status != health.StatusHealthy {
			t.Errorf("%s/%s: %+v", st.Kind, st.Name, st)
		}
	}
}
