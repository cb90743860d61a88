// Package scheduler decides when a chain's head is written as a checkpoint
// into the registries watching it.
//
// Each watched chain has one goroutine consuming head notifications. A
// notification that arrives while the chain is being evaluated is dropped;
// the evaluation in progress reads the latest head itself, so nothing is
// lost but intermediate blocks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/metrics"
	"github.com/jmerrifield20/braided/internal/nonce"
	"go.uber.org/zap"
)

// Decision outcomes.
const (
	OutcomeBusy            = metrics.OutcomeBusy
	OutcomeStale           = metrics.OutcomeStale
	OutcomeWaitingOnTime   = metrics.OutcomeWaitingOnTime
	OutcomeAlreadyRecorded = metrics.OutcomeAlreadyRecorded
	OutcomeWaitingOnBlocks = metrics.OutcomeWaitingOnBlocks
	OutcomeSent            = metrics.OutcomeSent
	OutcomeFailed          = metrics.OutcomeFailed
)

// resubscribeDelay is the pause before a failed head subscription is retried.
const resubscribeDelay = 5 * time.Second

// Watch is one strand an agent keeps up to date with a chain.
type Watch struct {
	Chain    string
	StrandID uint64
	Policy   Policy
}

// Agent writes into one registry as one identity.
type Agent struct {
	// Registry names the registry in logs, metrics and sequence tracking.
	Registry string
	Client   ledger.Registry
	Identity common.Address
	Watches  []Watch
}

// Config configures a Scheduler.
type Config struct {
	Sources map[string]chain.Source
	Agents  []Agent
	// Nonces is shared across chains. A fresh tracker is used when nil.
	Nonces *nonce.Tracker
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *zap.Logger
}

// Decision is the result of evaluating one watch, or a whole chain for the
// busy and stale outcomes.
type Decision struct {
	Registry string
	Chain    string
	StrandID uint64
	Block    uint64
	Outcome  string
	Err      error
}

type watchState struct {
	agent *Agent
	watch Watch

	lastAttempt time.Time
	lastHighest uint64
	lastOutcome string
}

type chainState struct {
	id     string
	source chain.Source
	busy   atomic.Bool

	// Touched only by the evaluation holding busy; mu lets Snapshot read.
	mu       sync.Mutex
	lastHead uint64
	watches  []*watchState
}

// State is the process-local runtime state, rebuilt on restart.
type State struct {
	chains map[string]*chainState
	order  []string
}

// Scheduler runs the watch loop.
type Scheduler struct {
	state  State
	nonces *nonce.Tracker
	clock  func() time.Time
	logger *zap.Logger
}

// New validates cfg and pre-creates the state of every watch.
func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		state:  State{chains: make(map[string]*chainState)},
		nonces: cfg.Nonces,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if s.nonces == nil {
		s.nonces = nonce.NewTracker()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Client == nil {
			return nil, fmt.Errorf("agent for registry %q has no client", a.Registry)
		}
		for _, w := range a.Watches {
			src, ok := cfg.Sources[w.Chain]
			if !ok {
				return nil, fmt.Errorf("registry %q watches unknown chain %q", a.Registry, w.Chain)
			}
			cs, ok := s.state.chains[w.Chain]
			if !ok {
				cs = &chainState{id: w.Chain, source: src}
				s.state.chains[w.Chain] = cs
				s.state.order = append(s.state.order, w.Chain)
			}
			cs.watches = append(cs.watches, &watchState{agent: a, watch: w})
		}
	}
	sort.Strings(s.state.order)
	for _, cs := range s.state.chains {
		sort.SliceStable(cs.watches, func(i, j int) bool {
			a, b := cs.watches[i], cs.watches[j]
			if a.agent.Registry != b.agent.Registry {
				return a.agent.Registry < b.agent.Registry
			}
			return a.watch.StrandID < b.watch.StrandID
		})
	}
	return s, nil
}

// Run consumes head notifications of every watched chain until ctx is done,
// then waits for in-flight evaluations to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	var loops, evals sync.WaitGroup
	for _, id := range s.state.order {
		cs := s.state.chains[id]
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.watchChain(ctx, cs, &evals)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("chains", len(s.state.order)))

	<-ctx.Done()
	loops.Wait()
	evals.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) watchChain(ctx context.Context, cs *chainState, evals *sync.WaitGroup) {
	for {
		heads, err := cs.source.SubscribeHeads(ctx)
		if err != nil {
			s.logger.Warn("head subscription failed", zap.String("chain", cs.id), zap.Error(err))
		} else {
			for h := range heads {
				if ctx.Err() != nil {
					break
				}
				if !cs.busy.CompareAndSwap(false, true) {
					s.dropBusy(cs, h)
					continue
				}
				evals.Add(1)
				go func(h chain.Head) {
					defer evals.Done()
					s.evaluate(ctx, cs, h)
				}(h)
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("head subscription ended, retrying", zap.String("chain", cs.id), zap.Duration("delay", resubscribeDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (s *Scheduler) dropBusy(cs *chainState, h chain.Head) {
	s.logger.Info("busy", zap.String("chain", cs.id), zap.Uint64("block", h.Number))
	metrics.RecordDecision("", cs.id, OutcomeBusy)
}

// Evaluate handles one head notification for chainID synchronously and
// returns the decisions taken. It reports busy when another evaluation of
// the chain is in progress.
func (s *Scheduler) Evaluate(ctx context.Context, chainID string, notified chain.Head) []Decision {
	cs, ok := s.state.chains[chainID]
	if !ok {
		return nil
	}
	if !cs.busy.CompareAndSwap(false, true) {
		s.dropBusy(cs, notified)
		return []Decision{{Chain: chainID, Block: notified.Number, Outcome: OutcomeBusy}}
	}
	return s.evaluate(ctx, cs, notified)
}

// evaluate runs with busy held and releases it on every exit path.
func (s *Scheduler) evaluate(ctx context.Context, cs *chainState, notified chain.Head) (out []Decision) {
	defer cs.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("evaluation panicked", zap.String("chain", cs.id), zap.Any("panic", r))
		}
	}()

	if ctx.Err() != nil {
		return nil
	}
	// In-flight network calls finish even when the scheduler is stopping.
	callCtx := context.WithoutCancel(ctx)

	head, err := cs.source.LatestHead(callCtx)
	if err != nil {
		s.logger.Warn("latest head", zap.String("chain", cs.id), zap.Error(err))
		return nil
	}
	if head.Number > notified.Number {
		s.logger.Info(fmt.Sprintf("handling %d instead of %d", head.Number, notified.Number), zap.String("chain", cs.id))
	} else {
		s.logger.Debug("handling", zap.String("chain", cs.id), zap.Uint64("block", head.Number))
	}

	cs.mu.Lock()
	stale := head.Number <= cs.lastHead
	if !stale {
		cs.lastHead = head.Number
	}
	cs.mu.Unlock()
	if stale {
		s.logger.Info("stale", zap.String("chain", cs.id), zap.Uint64("block", head.Number))
		metrics.RecordDecision("", cs.id, OutcomeStale)
		return []Decision{{Chain: cs.id, Block: head.Number, Outcome: OutcomeStale}}
	}
	metrics.RecordEvaluation(cs.id, head.Number)

	for _, ws := range cs.watches {
		if ctx.Err() != nil {
			break
		}
		d := s.consider(callCtx, cs, ws, head)
		metrics.RecordDecision(d.Registry, d.Chain, d.Outcome)
		cs.mu.Lock()
		ws.lastOutcome = d.Outcome
		cs.mu.Unlock()
		out = append(out, d)
	}
	return out
}

// consider decides one watch for head and writes the checkpoint if due.
func (s *Scheduler) consider(ctx context.Context, cs *chainState, ws *watchState, head chain.Head) Decision {
	a, w := ws.agent, ws.watch
	n := head.Number
	d := Decision{Registry: a.Registry, Chain: cs.id, StrandID: w.StrandID, Block: n}
	log := s.logger.With(
		zap.String("registry", a.Registry),
		zap.String("chain", cs.id),
		zap.Uint64("strand", w.StrandID),
		zap.Uint64("block", n),
	)

	now := s.clock()
	cs.mu.Lock()
	lastAttempt := ws.lastAttempt
	cs.mu.Unlock()

	if !w.Policy.IsSpecial(n) && !w.Policy.TimeDue(now, lastAttempt) {
		log.Info("waiting on time", zap.Duration("remaining", w.Policy.TimeInterval-now.Sub(lastAttempt)))
		d.Outcome = OutcomeWaitingOnTime
		return d
	}

	highest, err := a.Client.HighestBlockNumber(ctx, w.StrandID)
	if err != nil {
		if ledger.IsKind(err, ledger.EmptyStrand) {
			log.Debug("strand has no checkpoints yet")
		} else {
			log.Warn("highest block number", zap.Error(err))
		}
		highest = 0
	}
	cs.mu.Lock()
	ws.lastHighest = highest
	cs.mu.Unlock()

	outcome, write := w.Policy.Decide(n, highest, now, lastAttempt)
	if !write {
		switch outcome {
		case OutcomeAlreadyRecorded:
			log.Info("already recorded", zap.Uint64("highest", highest))
		case OutcomeWaitingOnBlocks:
			log.Info("waiting on blocks", zap.Uint64("highest", highest), zap.Uint64("interval", w.Policy.BlockInterval))
		}
		d.Outcome = outcome
		return d
	}

	cs.mu.Lock()
	ws.lastAttempt = now
	cs.mu.Unlock()

	var seq uint64
	err = s.nonces.Do(ctx, a.Registry, a.Identity, a.Client, func(next uint64) error {
		seq = next
		log.Info("sending", zap.Uint64("sequence", seq), zap.Bool("special", w.Policy.IsSpecial(n)))
		_, err := a.Client.AppendCheckpoint(ctx, ledger.Caller{Identity: a.Identity, Sequence: seq}, w.StrandID, n, head.Hash)
		return err
	})
	if err != nil {
		// Rejected writes consume no sequence and transport failures leave
		// it unknown; either way Do dropped it and the next write resyncs.
		var fe *nonce.FetchError
		if errors.As(err, &fe) {
			log.Error("next sequence", zap.Error(fe.Err))
		} else {
			log.Error("write failed", zap.Uint64("sequence", seq), zap.Error(err))
		}
		metrics.RecordWrite(a.Registry, false)
		d.Outcome, d.Err = OutcomeFailed, err
		return d
	}
	log.Info("sent", zap.Uint64("sequence", seq), zap.String("hash", head.Hash.Hex()))
	metrics.RecordWrite(a.Registry, true)
	d.Outcome = OutcomeSent
	return d
}

// ChainStatus is the runtime state of one watched chain.
type ChainStatus struct {
	Chain    string
	Busy     bool
	LastHead uint64
}

// WatchStatus is the runtime state of one watch.
type WatchStatus struct {
	Registry    string
	Chain       string
	StrandID    uint64
	LastAttempt time.Time
	LastHighest uint64
	LastOutcome string
}

// Snapshot is a copy of the scheduler's runtime state.
type Snapshot struct {
	Chains  []ChainStatus
	Watches []WatchStatus
}

// Snapshot returns the current runtime state in chain order.
func (s *Scheduler) Snapshot() Snapshot {
	var snap Snapshot
	for _, id := range s.state.order {
		cs := s.state.chains[id]
		cs.mu.Lock()
		snap.Chains = append(snap.Chains, ChainStatus{Chain: id, Busy: cs.busy.Load(), LastHead: cs.lastHead})
		for _, ws := range cs.watches {
			snap.Watches = append(snap.Watches, WatchStatus{
				Registry:    ws.agent.Registry,
				Chain:       id,
				StrandID:    ws.watch.StrandID,
				LastAttempt: ws.lastAttempt,
				LastHighest: ws.lastHighest,
				LastOutcome: ws.lastOutcome,
			})
		}
		cs.mu.Unlock()
	}
	return snap
}
