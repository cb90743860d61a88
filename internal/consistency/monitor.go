package consistency

import (
	"context"
	"sync"

	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/metrics"
	"go.uber.org/zap"
)

// Recorder persists comparisons as evidence.
type Recorder interface {
	Record(ctx context.Context, cmps []Comparison) error
}

// Monitor compares each newly appended checkpoint with what the other
// registries recorded for the same strand and block number.
type Monitor struct {
	checker  *Checker
	recorder Recorder
	alerts   chan Comparison
}

// NewMonitor creates a Monitor over the checker's registries. recorder may
// be nil.
func NewMonitor(c *Checker, recorder Recorder) *Monitor {
	return &Monitor{checker: c, recorder: recorder, alerts: make(chan Comparison, 16)}
}

// Alerts delivers clashes found by Run. Alerts are dropped when nobody reads.
func (m *Monitor) Alerts() <-chan Comparison { return m.alerts }

// Run subscribes to every registry that supports notifications and returns
// once ctx is done and all subscriptions are closed. Registries that cannot
// notify are still read when others report a checkpoint.
func (m *Monitor) Run(ctx context.Context) error {
	log := m.checker.logger
	var wg sync.WaitGroup
	for i, r := range m.checker.registries {
		sub, ok := r.Reader.(ledger.Subscriber)
		if !ok {
			log.Info("registry cannot notify, not monitored", zap.String("registry", r.Name))
			continue
		}
		ch, err := sub.SubscribeCheckpoints(ctx)
		if err != nil {
			log.Warn("subscribe", zap.String("registry", r.Name), zap.Error(err))
			continue
		}
		log.Info("monitoring registry", zap.String("registry", r.Name))
		wg.Add(1)
		go func(i int, ch <-chan ledger.Checkpoint) {
			defer wg.Done()
			for cp := range ch {
				m.Observe(context.WithoutCancel(ctx), i, cp)
			}
		}(i, ch)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

// Observe compares a checkpoint appended to the registry at index src with
// the other registries and returns the comparisons made.
func (m *Monitor) Observe(ctx context.Context, src int, cp ledger.Checkpoint) []Comparison {
	log := m.checker.logger
	regs := m.checker.registries
	var out []Comparison
	for j, other := range regs {
		if j == src {
			continue
		}
		h, err := other.Reader.BlockHash(ctx, cp.StrandID, cp.BlockNumber)
		if err != nil {
			if !ledger.IsKind(err, ledger.NotRecorded) && !ledger.IsKind(err, ledger.UnknownStrand) && !ledger.IsKind(err, ledger.EmptyStrand) {
				log.Warn("monitor read", zap.String("registry", other.Name), zap.Error(err))
			}
			continue
		}
		cmp := Comparison{
			StrandID:    cp.StrandID,
			BlockNumber: cp.BlockNumber,
			Left:        regs[src].Name,
			Right:       other.Name,
			LeftHash:    cp.BlockHash,
			RightHash:   h,
		}
		metrics.RecordComparison(cmp.Match())
		if cmp.Match() {
			log.Debug("match", zap.String("detail", cmp.String()))
		} else {
			log.Error("ALERT: clash", zap.String("detail", cmp.String()), zap.String("agent", cp.Agent.Hex()))
			select {
			case m.alerts <- cmp:
			default:
			}
		}
		out = append(out, cmp)
	}
	if m.recorder != nil && len(out) > 0 {
		if err := m.recorder.Record(ctx, out); err != nil {
			log.Warn("record evidence", zap.Error(err))
		}
	}
	return out
}
