// Package provision registers the strands agents need and grants them
// permission to append. Running it twice has the effect of running it once.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/jmerrifield20/braided/internal/consistency"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/nonce"
	"go.uber.org/zap"
)

// Action kinds.
const (
	AddStrand = "add_strand"
	AddAgent  = "add_agent"
)

// Action statuses.
const (
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusPlanned = "planned"
	StatusFailed  = "failed"
)

// Watch is one strand an agent needs in a registry.
type Watch struct {
	Chain  string
	Strand ledger.Strand
}

// Target describes one agent's needs in one registry.
type Target struct {
	Registry string
	// Client must write as Owner.
	Client  ledger.Registry
	Owner   common.Address
	Agent   common.Address
	Watches []Watch
}

// Action is one step of a plan.
type Action struct {
	Registry string
	Chain    string
	Kind     string
	StrandID uint64
	Agent    common.Address
	Status   string
	Reason   string
	Err      error
}

// Plan lists the actions taken, or that would be taken on a dry run.
type Plan struct {
	DryRun  bool
	Actions []Action
}

// Err joins the errors of failed actions.
func (p *Plan) Err() error {
	var errs []error
	for _, a := range p.Actions {
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s strand %d: %w", a.Registry, a.Kind, a.StrandID, a.Err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of actions with the given status.
func (p *Plan) Count(status string) int {
	n := 0
	for _, a := range p.Actions {
		if a.Status == status {
			n++
		}
	}
	return n
}

// Provisioner executes plans.
type Provisioner struct {
	nonces *nonce.Tracker
	dryRun bool
	logger *zap.Logger
}

// New creates a Provisioner. nonces may be nil.
func New(nonces *nonce.Tracker, dryRun bool, logger *zap.Logger) *Provisioner {
	if nonces == nil {
		nonces = nonce.NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{nonces: nonces, dryRun: dryRun, logger: logger}
}

// Run provisions every target in order. Failed actions are recorded in the
// plan and do not stop the remaining targets; a strand that could not be
// registered is not granted.
func (p *Provisioner) Run(ctx context.Context, targets []Target) (*Plan, error) {
	plan := &Plan{DryRun: p.dryRun}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		existing, err := consistency.ListStrands(ctx, t.Client)
		if err != nil {
			return plan, fmt.Errorf("list strands of %s: %w", t.Registry, err)
		}
		for _, w := range t.Watches {
			p.provision(ctx, plan, t, w, existing)
		}
	}
	return plan, nil
}

func (p *Provisioner) provision(ctx context.Context, plan *Plan, t Target, w Watch, existing []ledger.Strand) {
	log := p.logger.With(zap.String("registry", t.Registry), zap.String("chain", w.Chain), zap.Uint64("strand", w.Strand.ID))
	add := Action{Registry: t.Registry, Chain: w.Chain, Kind: AddStrand, StrandID: w.Strand.ID}
	grant := Action{Registry: t.Registry, Chain: w.Chain, Kind: AddAgent, StrandID: w.Strand.ID, Agent: t.Agent}

	if found, ok := findMatch(existing, w.Strand); ok {
		add.StrandID, grant.StrandID = found.ID, found.ID
		add.Status, add.Reason = StatusSkipped, "matching strand registered"
		if found.ID != w.Strand.ID {
			log.Warn("matching strand registered under another id", zap.Uint64("registered", found.ID))
			add.Reason = fmt.Sprintf("matching strand registered as %d", found.ID)
		}
		grant.Status, grant.Reason = StatusSkipped, "strand already provisioned"
		log.Info("skip", zap.String("reason", add.Reason))
		plan.Actions = append(plan.Actions, add, grant)
		return
	}

	if p.dryRun {
		add.Status, grant.Status = StatusPlanned, StatusPlanned
		plan.Actions = append(plan.Actions, add, grant)
		return
	}

	err := p.write(ctx, t, func(c ledger.Caller) error {
		_, err := t.Client.AddStrand(ctx, c, w.Strand)
		return err
	})
	if err != nil {
		add.Status, add.Err = StatusFailed, err
		if ledger.IsKind(err, ledger.DuplicateStrand) {
			add.Reason = "id taken by a strand with different parameters"
		}
		grant.Status, grant.Reason = StatusSkipped, "strand not registered"
		log.Error("add strand", zap.Error(err))
		plan.Actions = append(plan.Actions, add, grant)
		return
	}
	add.Status = StatusDone
	log.Info("strand added")

	err = p.write(ctx, t, func(c ledger.Caller) error {
		return t.Client.AddAgent(ctx, c, t.Agent, w.Strand.ID)
	})
	if err != nil {
		grant.Status, grant.Err = StatusFailed, err
		log.Error("add agent", zap.Error(err))
	} else {
		grant.Status = StatusDone
		log.Info("agent granted", zap.String("agent", t.Agent.Hex()))
	}
	plan.Actions = append(plan.Actions, add, grant)
}

// write performs one owner write with a tracked sequence.
func (p *Provisioner) write(ctx context.Context, t Target, do func(ledger.Caller) error) error {
	return p.nonces.Do(ctx, t.Registry, t.Owner, t.Client, func(seq uint64) error {
		return do(ledger.Caller{Identity: t.Owner, Sequence: seq})
	})
}

func findMatch(existing []ledger.Strand, s ledger.Strand) (ledger.Strand, bool) {
	for _, e := range existing {
		if e.Matches(s) {
			return e, true
		}
	}
	return ledger.Strand{}, false
}

// Print writes the plan, one line per action.
func (p *Plan) Print(w io.Writer) {
	for _, a := range p.Actions {
		c := color.New(color.FgGreen)
		switch a.Status {
		case StatusSkipped:
			c = color.New(color.FgHiBlack)
		case StatusPlanned:
			c = color.New(color.FgCyan)
		case StatusFailed:
			c = color.New(color.FgRed)
		}
		line := fmt.Sprintf("%-8s %s %s strand %d", a.Status, a.Registry, a.Kind, a.StrandID)
		if a.Kind == AddAgent {
			line += " agent " + a.Agent.Hex()
		}
		if a.Reason != "" {
			line += " (" + a.Reason + ")"
		}
		if a.Err != nil {
			line += ": " + a.Err.Error()
		}
		c.Fprintln(w, line)
	}
}
