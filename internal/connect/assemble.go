package connect

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/config"
	"github.com/jmerrifield20/braided/internal/consistency"
	"github.com/jmerrifield20/braided/internal/health"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/provision"
	"github.com/jmerrifield20/braided/internal/scheduler"
	"github.com/jmerrifield20/braided/pkg/location"
	"go.uber.org/zap"
)

func parseLocation(raw string) (common.Address, error) {
	loc, err := location.Parse(raw)
	if err != nil {
		return common.Address{}, err
	}
	if !loc.IsContract() {
		return common.Address{}, fmt.Errorf("location %s is not a contract", raw)
	}
	return loc.ContractAddress(), nil
}

// sortedChains returns the watch keys of an agent in a stable order.
func sortedChains(watches map[string]config.Watch) []string {
	ids := make([]string, 0, len(watches))
	for id := range watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Agents builds the scheduler agents and the sources they watch.
func (s *Set) Agents(ctx context.Context) ([]scheduler.Agent, map[string]chain.Source, error) {
	sources := make(map[string]chain.Source)
	agents := make([]scheduler.Agent, 0, len(s.cfg.Agents))
	for _, a := range s.cfg.Agents {
		key, err := a.Key()
		if err != nil {
			return nil, nil, err
		}
		reg, err := s.Registry(ctx, a.Registry, key)
		if err != nil {
			return nil, nil, err
		}
		agent := scheduler.Agent{Registry: a.Registry, Client: reg, Identity: key.Address()}
		for _, chainID := range sortedChains(a.Watches) {
			w := a.Watches[chainID]
			src, err := s.Source(ctx, chainID)
			if err != nil {
				return nil, nil, err
			}
			sources[chainID] = src
			agent.Watches = append(agent.Watches, scheduler.Watch{
				Chain:    chainID,
				StrandID: w.Strand,
				Policy: scheduler.Policy{
					BlockInterval:   w.Blocks,
					TimeInterval:    w.Interval,
					SpecialMultiple: w.Special,
				},
			})
		}
		agents = append(agents, agent)
	}
	return agents, sources, nil
}

// Strand returns the strand that records the chain with the given id.
func (s *Set) Strand(chainID string, strandID uint64) (ledger.Strand, error) {
	ch, ok := s.cfg.ChainByID(chainID)
	if !ok {
		return ledger.Strand{}, &config.Error{Field: "chains", Msg: fmt.Sprintf("unknown chain %q", chainID)}
	}
	if ch.Registry == "" {
		return ledger.Strand{}, &config.Error{Field: "chains." + chainID + ".registry", Msg: "required to register a strand for this chain"}
	}
	rc, _ := s.cfg.RegistryByName(ch.Registry)
	loc, err := location.Parse(rc.Location)
	if err != nil {
		return ledger.Strand{}, err
	}

	genesis := chain.SyntheticHash(ch.ID, 0)
	if ch.GenesisHash != "" {
		genesis = common.HexToHash(ch.GenesisHash)
	}
	desc := ch.Description
	if desc == "" {
		desc = ch.ID
	}
	return ledger.Strand{ID: strandID, Location: loc.String(), GenesisHash: genesis, Description: desc}, nil
}

// Targets builds the provisioning targets. Every agent's registry needs an
// owner key.
func (s *Set) Targets(ctx context.Context) ([]provision.Target, error) {
	var targets []provision.Target
	for i, a := range s.cfg.Agents {
		agentKey, err := a.Key()
		if err != nil {
			return nil, err
		}
		rc, _ := s.cfg.RegistryByName(a.Registry)
		ownerKey, err := rc.Key()
		if err != nil {
			return nil, &config.Error{Field: fmt.Sprintf("registries.%s.owner_key", rc.Name), Msg: err.Error()}
		}
		reg, err := s.Registry(ctx, a.Registry, ownerKey)
		if err != nil {
			return nil, err
		}
		t := provision.Target{
			Registry: a.Registry,
			Client:   reg,
			Owner:    ownerKey.Address(),
			Agent:    agentKey.Address(),
		}
		for _, chainID := range sortedChains(a.Watches) {
			st, err := s.Strand(chainID, a.Watches[chainID].Strand)
			if err != nil {
				return nil, fmt.Errorf("agents[%d]: %w", i, err)
			}
			t.Watches = append(t.Watches, provision.Watch{Chain: chainID, Strand: st})
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Checker builds the consistency checker over every configured registry,
// read-only. With againstChains each strand is also compared with the chain
// the agents record into it.
func (s *Set) Checker(ctx context.Context, depth int, againstChains bool) (*consistency.Checker, error) {
	cfg := consistency.Config{Depth: depth, Logger: s.logger}
	for _, rc := range s.cfg.Registries {
		reg, err := s.Registry(ctx, rc.Name, nil)
		if err != nil {
			return nil, err
		}
		cfg.Registries = append(cfg.Registries, consistency.Registry{Name: rc.Name, Reader: reg})
	}
	if !againstChains {
		return consistency.NewChecker(cfg), nil
	}

	cfg.Chains = make(map[uint64]consistency.Chain)
	for _, a := range s.cfg.Agents {
		for _, chainID := range sortedChains(a.Watches) {
			id := a.Watches[chainID].Strand
			if prev, ok := cfg.Chains[id]; ok {
				if prev.ID != chainID {
					s.logger.Warn("strand records different chains in different registries, keeping the first",
						zap.Uint64("strand", id), zap.String("kept", prev.ID), zap.String("ignored", chainID))
				}
				continue
			}
			src, err := s.Source(ctx, chainID)
			if err != nil {
				return nil, err
			}
			cfg.Chains[id] = consistency.Chain{ID: chainID, Source: src}
		}
	}
	return consistency.NewChecker(cfg), nil
}

// HealthTargets returns a health target for every configured registry and every
// chain an agent watches. Registries are only read.
func (s *Set) HealthTargets(ctx context.Context) ([]health.Target, error) {
	var targets []health.Target
	for _, rc := range s.cfg.Registries {
		reg, err := s.Registry(ctx, rc.Name, nil)
		if err != nil {
			return nil, err
		}
		targets = append(targets, health.RegistryTarget(rc.Name, reg))
	}
	seen := make(map[string]bool)
	for _, a := range s.cfg.Agents {
		for _, chainID := range sortedChains(a.Watches) {
			if seen[chainID] {
				continue
			}
			seen[chainID] = true
			src, err := s.Source(ctx, chainID)
			if err != nil {
				return nil, err
			}
			targets = append(targets, health.ChainTarget(chainID, src))
		}
	}
	return targets, nil
}
