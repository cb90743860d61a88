package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/nonce"
	"github.com/jmerrifield20/braided/internal/scheduler"
	"go.uber.org/zap"
)

var ctx = context.Background()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	reg   *ledger.MemoryRegistry
	owner *identity.Key
	agent *identity.Key
	chain *chain.Synthetic
	clock *fakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	owner, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	agent, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		reg:   ledger.NewMemory(owner.Address()),
		owner: owner,
		agent: agent,
		chain: chain.NewSynthetic("c0", 0),
		clock: newClock(),
	}
	t.Cleanup(e.chain.Close)

	if _, err := e.reg.AddStrand(ctx, e.caller(t, owner), ledger.Strand{
		ID:          1,
		Location:    "c0:0x00000000000000000000000000000000000000c0",
		GenesisHash: e.chain.Genesis(),
		Description: "c0",
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.AddAgent(ctx, e.caller(t, owner), agent.Address(), 1); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *env) caller(t *testing.T, k *identity.Key) ledger.Caller {
	t.Helper()
	n, err := e.reg.NextSequence(ctx, k.Address())
	if err != nil {
		t.Fatal(err)
	}
	return ledger.Caller{Identity: k.Address(), Sequence: n}
}

func (e *env) scheduler(t *testing.T, client ledger.Registry, p scheduler.Policy, nonces *nonce.Tracker) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{
		Sources: map[string]chain.Source{"c0": e.chain},
		Agents: []scheduler.Agent{{
			Registry: "r0",
			Client:   client,
			Identity: e.agent.Address(),
			Watches:  []scheduler.Watch{{Chain: "c0", StrandID: 1, Policy: p}},
		}},
		Nonces: nonces,
		Clock:  e.clock.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// mineTo advances the chain to height n and returns the head.
func (e *env) mineTo(t *testing.T, n uint64) chain.Head {
	t.Helper()
	cur, _ := e.chain.LatestHead(ctx)
	if n < cur.Number {
		t.Fatalf("chain already at %d", cur.Number)
	}
	return e.chain.Mine(int(n - cur.Number))
}

func outcome(t *testing.T, ds []scheduler.Decision) string {
	t.Helper()
	if len(ds) != 1 {
		t.Fatalf("got %d decisions, want 1: %+v", len(ds), ds)
	}
	return ds[0].Outcome
}

func (e *env) highest(t *testing.T) uint64 {
	t.Helper()
	n, err := e.reg.HighestBlockNumber(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestPolicy_Decide(t *testing.T) {
	p := scheduler.Policy{BlockInterval: 2, TimeInterval: 20 * time.Second, SpecialMultiple: 100}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		n, high uint64
		elapsed time.Duration
		never   bool
		want    string
	}{
		{"first attempt", 10, 0, 0, true, scheduler.OutcomeSent},
		{"too soon", 10, 5, 5 * time.Second, false, scheduler.OutcomeWaitingOnTime},
		{"already recorded", 10, 10, time.Minute, false, scheduler.OutcomeAlreadyRecorded},
		{"too close", 11, 10, time.Minute, false, scheduler.OutcomeWaitingOnBlocks},
		{"due", 12, 10, time.Minute, false, scheduler.OutcomeSent},
		{"special too soon", 200, 199, time.Second, false, scheduler.OutcomeSent},
		{"special recorded", 200, 200, time.Second, false, scheduler.OutcomeAlreadyRecorded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			last := t0
			if tc.never {
				last = time.Time{}
			}
			got, write := p.Decide(tc.n, tc.high, t0.Add(tc.elapsed), last)
			if got != tc.want {
				t.Errorf("Decide: got %q, want %q", got, tc.want)
			}
			if write != (tc.want == scheduler.OutcomeSent) {
				t.Errorf("Decide: write = %v for %q", write, got)
			}
		})
	}
}

func TestScheduler_thresholds(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{BlockInterval: 2, TimeInterval: 20 * time.Second}, nil)

	h := e.mineTo(t, 100)
	if got := outcome(t, s.Evaluate(ctx, "c0", h)); got != scheduler.OutcomeSent {
		t.Fatalf("block 100: got %q", got)
	}

	e.clock.Advance(5 * time.Second)
	h = e.mineTo(t, 101)
	if got := outcome(t, s.Evaluate(ctx, "c0", h)); got != scheduler.OutcomeWaitingOnTime {
		t.Errorf("block 101 at +5s: got %q", got)
	}

	e.clock.Advance(20 * time.Second)
	h = e.mineTo(t, 103)
	if got := outcome(t, s.Evaluate(ctx, "c0", h)); got != scheduler.OutcomeSent {
		t.Errorf("block 103 at +25s: got %q", got)
	}
	if got := e.highest(t); got != 103 {
		t.Errorf("highest: got %d, want 103", got)
	}
	hash, err := e.reg.BlockHash(ctx, 1, 103)
	if err != nil {
		t.Fatal(err)
	}
	if hash != chain.SyntheticHash("c0", 103) {
		t.Errorf("recorded hash %s does not match the chain", hash.Hex())
	}
}

func TestScheduler_waitingOnBlocks(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{BlockInterval: 5}, nil)

	outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 10)))
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 12))); got != scheduler.OutcomeWaitingOnBlocks {
		t.Errorf("block 12: got %q", got)
	}
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 15))); got != scheduler.OutcomeSent {
		t.Errorf("block 15: got %q", got)
	}
}

func TestScheduler_specialBlock(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{BlockInterval: 10, TimeInterval: time.Minute, SpecialMultiple: 100}, nil)

	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 999))); got != scheduler.OutcomeSent {
		t.Fatalf("block 999: got %q", got)
	}
	e.clock.Advance(time.Second)
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 1000))); got != scheduler.OutcomeSent {
		t.Errorf("block 1000: got %q", got)
	}
	e.clock.Advance(time.Second)
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 1001))); got != scheduler.OutcomeWaitingOnTime {
		t.Errorf("block 1001: got %q", got)
	}
	if got := e.highest(t); got != 1000 {
		t.Errorf("highest: got %d, want 1000", got)
	}
}

func TestScheduler_specialDoesNotRewrite(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{SpecialMultiple: 100}, nil)

	h := e.mineTo(t, 100)
	if _, err := e.reg.AppendCheckpoint(ctx, e.caller(t, e.agent), 1, 100, h.Hash); err != nil {
		t.Fatal(err)
	}
	if got := outcome(t, s.Evaluate(ctx, "c0", h)); got != scheduler.OutcomeAlreadyRecorded {
		t.Errorf("got %q, want %q", got, scheduler.OutcomeAlreadyRecorded)
	}
}

func TestScheduler_stale(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{}, nil)

	h := e.mineTo(t, 5)
	outcome(t, s.Evaluate(ctx, "c0", h))
	if got := outcome(t, s.Evaluate(ctx, "c0", h)); got != scheduler.OutcomeStale {
		t.Errorf("repeated head: got %q", got)
	}
}

func TestScheduler_handlesLatestHead(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{}, nil)

	old := e.mineTo(t, 3)
	e.mineTo(t, 9)
	ds := s.Evaluate(ctx, "c0", old)
	if outcome(t, ds) != scheduler.OutcomeSent || ds[0].Block != 9 {
		t.Errorf("got %+v, want block 9 sent", ds[0])
	}
}

func TestScheduler_unknownChain(t *testing.T) {
	e := newEnv(t)
	_, err := scheduler.New(scheduler.Config{
		Sources: map[string]chain.Source{},
		Agents: []scheduler.Agent{{
			Registry: "r0",
			Client:   e.reg,
			Watches:  []scheduler.Watch{{Chain: "nope", StrandID: 1}},
		}},
	})
	if err == nil {
		t.Fatal("expected an error for a watch on an unknown chain")
	}
}

// blockingSource holds LatestHead until released.
type blockingSource struct {
	*chain.Synthetic
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) LatestHead(ctx context.Context) (chain.Head, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Synthetic.LatestHead(ctx)
}

func TestScheduler_busy(t *testing.T) {
	e := newEnv(t)
	src := &blockingSource{Synthetic: e.chain, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := scheduler.New(scheduler.Config{
		Sources: map[string]chain.Source{"c0": src},
		Agents: []scheduler.Agent{{
			Registry: "r0",
			Client:   e.reg,
			Identity: e.agent.Address(),
			Watches:  []scheduler.Watch{{Chain: "c0", StrandID: 1}},
		}},
		Clock:  e.clock.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	h := e.mineTo(t, 1)
	done := make(chan []scheduler.Decision)
	go func() { done <- s.Evaluate(ctx, "c0", h) }()
	<-src.entered

	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 2))); got != scheduler.OutcomeBusy {
		t.Errorf("concurrent evaluation: got %q", got)
	}
	if snap := s.Snapshot(); !snap.Chains[0].Busy {
		t.Error("Snapshot: chain should be busy")
	}

	close(src.release)
	if got := outcome(t, <-done); got != scheduler.OutcomeSent {
		t.Errorf("first evaluation: got %q", got)
	}
	if snap := s.Snapshot(); snap.Chains[0].Busy {
		t.Error("Snapshot: busy flag not released")
	}
}

// flaky fails the next AppendCheckpoint without reaching the registry.
type flaky struct {
	ledger.Registry
	mu   sync.Mutex
	fail bool
}

var errTransport = errors.New("connection reset")

func (f *flaky) AppendCheckpoint(ctx context.Context, c ledger.Caller, strandID, n uint64, h common.Hash) (*ledger.Checkpoint, error) {
	f.mu.Lock()
	fail := f.fail
	f.fail = false
	f.mu.Unlock()
	if fail {
		return nil, errTransport
	}
	return f.Registry.AppendCheckpoint(ctx, c, strandID, n, h)
}

func TestScheduler_failureInvalidatesSequence(t *testing.T) {
	e := newEnv(t)
	client := &flaky{Registry: e.reg}
	nonces := nonce.NewTracker()
	s := e.scheduler(t, client, scheduler.Policy{}, nonces)

	outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 1)))
	if _, ok := nonces.Peek("r0", e.agent.Address()); !ok {
		t.Fatal("sequence should be cached after a successful write")
	}

	client.fail = true
	ds := s.Evaluate(ctx, "c0", e.mineTo(t, 2))
	if outcome(t, ds) != scheduler.OutcomeFailed || !errors.Is(ds[0].Err, errTransport) {
		t.Fatalf("got %+v, want failed with transport error", ds[0])
	}
	if _, ok := nonces.Peek("r0", e.agent.Address()); ok {
		t.Error("sequence still cached after a failed write")
	}

	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 3))); got != scheduler.OutcomeSent {
		t.Errorf("write after resync: got %q", got)
	}
}

func TestScheduler_failedAttemptStartsTimeInterval(t *testing.T) {
	e := newEnv(t)
	client := &flaky{Registry: e.reg, fail: true}
	s := e.scheduler(t, client, scheduler.Policy{TimeInterval: 20 * time.Second}, nil)

	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 1))); got != scheduler.OutcomeFailed {
		t.Fatalf("first write: got %q, want failed", got)
	}

	e.clock.Advance(5 * time.Second)
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 2))); got != scheduler.OutcomeWaitingOnTime {
		t.Errorf("T+5s: got %q, want %q", got, scheduler.OutcomeWaitingOnTime)
	}

	e.clock.Advance(20 * time.Second)
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 3))); got != scheduler.OutcomeSent {
		t.Errorf("T+25s: got %q, want sent", got)
	}
}

// slowStrand delays appends to one strand so a write for another strand can
// overtake it.
type slowStrand struct {
	ledger.Registry
	strand uint64
	delay  time.Duration
}

func (r *slowStrand) AppendCheckpoint(ctx context.Context, c ledger.Caller, strandID, n uint64, h common.Hash) (*ledger.Checkpoint, error) {
	if strandID == r.strand {
		time.Sleep(r.delay)
	}
	return r.Registry.AppendCheckpoint(ctx, c, strandID, n, h)
}

func TestScheduler_concurrentChainsShareSequence(t *testing.T) {
	e := newEnv(t)
	c1 := chain.NewSynthetic("c1", 0)
	t.Cleanup(c1.Close)
	if _, err := e.reg.AddStrand(ctx, e.caller(t, e.owner), ledger.Strand{
		ID:          2,
		Location:    "c1:0x00000000000000000000000000000000000000c1",
		GenesisHash: c1.Genesis(),
		Description: "c1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.AddAgent(ctx, e.caller(t, e.owner), e.agent.Address(), 2); err != nil {
		t.Fatal(err)
	}

	s, err := scheduler.New(scheduler.Config{
		Sources: map[string]chain.Source{"c0": e.chain, "c1": c1},
		Agents: []scheduler.Agent{{
			Registry: "r0",
			Client:   &slowStrand{Registry: e.reg, strand: 1, delay: 100 * time.Millisecond},
			Identity: e.agent.Address(),
			Watches: []scheduler.Watch{
				{Chain: "c0", StrandID: 1},
				{Chain: "c1", StrandID: 2},
			},
		}},
		Clock:  e.clock.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	heads := map[string]chain.Head{"c0": e.mineTo(t, 5), "c1": c1.Mine(5)}
	results := make(map[string][]scheduler.Decision)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, head := range heads {
		wg.Add(1)
		go func(id string, head chain.Head) {
			defer wg.Done()
			ds := s.Evaluate(ctx, id, head)
			mu.Lock()
			results[id] = ds
			mu.Unlock()
		}(id, head)
	}
	wg.Wait()

	for id, ds := range results {
		if got := outcome(t, ds); got != scheduler.OutcomeSent {
			t.Errorf("%s: got %q (%v), want sent", id, got, ds[0].Err)
		}
	}
	for _, strand := range []uint64{1, 2} {
		if n, err := e.reg.HighestBlockNumber(ctx, strand); err != nil || n != 5 {
			t.Errorf("strand %d: highest %d, %v", strand, n, err)
		}
	}
}

func TestScheduler_resyncAfterForeignWrite(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{}, nil)

	outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 1)))

	// Another process writing as the same identity consumes the cached sequence.
	if _, err := e.reg.AppendCheckpoint(ctx, e.caller(t, e.agent), 1, 2, chain.SyntheticHash("c0", 2)); err != nil {
		t.Fatal(err)
	}

	ds := s.Evaluate(ctx, "c0", e.mineTo(t, 3))
	if outcome(t, ds) != scheduler.OutcomeFailed || !ledger.IsKind(ds[0].Err, ledger.StaleSequence) {
		t.Fatalf("got %+v, want StaleSequence", ds[0])
	}
	if got := outcome(t, s.Evaluate(ctx, "c0", e.mineTo(t, 4))); got != scheduler.OutcomeSent {
		t.Errorf("write after resync: got %q", got)
	}
}

func TestScheduler_restartStartsFresh(t *testing.T) {
	e := newEnv(t)
	first := e.scheduler(t, e.reg, scheduler.Policy{TimeInterval: time.Hour}, nil)
	outcome(t, first.Evaluate(ctx, "c0", e.mineTo(t, 1)))

	second := e.scheduler(t, e.reg, scheduler.Policy{TimeInterval: time.Hour}, nil)
	if got := outcome(t, second.Evaluate(ctx, "c0", e.mineTo(t, 2))); got != scheduler.OutcomeSent {
		t.Errorf("first write after restart: got %q", got)
	}
	snap := second.Snapshot()
	if len(snap.Watches) != 1 || snap.Watches[0].LastOutcome != scheduler.OutcomeSent || snap.Watches[0].LastHighest != 1 {
		t.Errorf("Snapshot: %+v", snap.Watches)
	}
}

func TestScheduler_Run(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(t, e.reg, scheduler.Policy{}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	deadline := time.After(5 * time.Second)
	for {
		e.chain.Mine(1)
		if n, err := e.reg.HighestBlockNumber(ctx, 1); err == nil && n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no checkpoint written")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
