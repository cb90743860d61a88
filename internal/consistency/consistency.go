// Package consistency compares what independent registries recorded for the
// same watched chains. Disagreements are reported as clashes and never
// resolved: deciding which history is canonical is left to the operator.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/metrics"
	"go.uber.org/zap"
)

// DefaultDepth is the number of checkpoints read per strand and registry.
const DefaultDepth = 100

// Registry is a named registry taking part in the comparison.
type Registry struct {
	Name   string
	Reader ledger.Reader
}

// Chain is the watched chain a strand records, used to check recorded
// hashes against the chain itself.
type Chain struct {
	ID     string
	Source chain.Source
}

// Config configures a Checker.
type Config struct {
	Registries []Registry
	// Chains maps strand ids to the chain they record. Optional.
	Chains map[uint64]Chain
	// Depth bounds the backwards walk. DefaultDepth when zero.
	Depth  int
	Logger *zap.Logger
}

// Comparison is one block number seen by two parties. Parties are registry
// names or "chain:<id>" for the watched chain itself.
type Comparison struct {
	StrandID    uint64
	BlockNumber uint64
	Left        string
	Right       string
	LeftHash    common.Hash
	RightHash   common.Hash
}

// Match reports whether both parties saw the same hash.
func (c Comparison) Match() bool { return c.LeftHash == c.RightHash }

func (c Comparison) String() string {
	return fmt.Sprintf("strand %d block %d: %s=%s %s=%s",
		c.StrandID, c.BlockNumber, c.Left, c.LeftHash.Hex(), c.Right, c.RightHash.Hex())
}

// Failure is a registry read that prevented a strand from being compared.
type Failure struct {
	Registry string
	StrandID uint64
	Err      error
}

// Report is the outcome of one Check.
type Report struct {
	Strands  []uint64
	Matches  []Comparison
	Clashes  []Comparison
	Failures []Failure
	// Walked counts the checkpoints read per registry name.
	Walked map[string]int
}

// Comparisons returns matches and clashes together.
func (r *Report) Comparisons() []Comparison {
	out := make([]Comparison, 0, len(r.Matches)+len(r.Clashes))
	out = append(out, r.Matches...)
	return append(out, r.Clashes...)
}

// Err returns a *ClashError when the report holds clashes.
func (r *Report) Err() error {
	if len(r.Clashes) == 0 {
		return nil
	}
	return &ClashError{Clashes: r.Clashes}
}

// ClashError lists block numbers at which two parties disagree.
type ClashError struct {
	Clashes []Comparison
}

func (e *ClashError) Error() string {
	parts := make([]string, len(e.Clashes))
	for i, c := range e.Clashes {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%d clash(es) detected: %s", len(e.Clashes), strings.Join(parts, "; "))
}

// Checker compares registries.
type Checker struct {
	registries []Registry
	chains     map[uint64]Chain
	depth      int
	logger     *zap.Logger
}

// NewChecker creates a Checker.
func NewChecker(cfg Config) *Checker {
	c := &Checker{
		registries: cfg.Registries,
		chains:     cfg.Chains,
		depth:      cfg.Depth,
		logger:     cfg.Logger,
	}
	if c.depth <= 0 {
		c.depth = DefaultDepth
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Check walks every strand in strandIDs in every registry and compares the
// hashes recorded at identical block numbers. When strandIDs is empty every
// strand known to any registry is checked.
func (c *Checker) Check(ctx context.Context, strandIDs []uint64) (*Report, error) {
	if len(strandIDs) == 0 {
		ids, err := c.knownStrands(ctx)
		if err != nil {
			return nil, err
		}
		strandIDs = ids
	}

	report := &Report{Strands: strandIDs, Walked: make(map[string]int)}
	for _, id := range strandIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c.checkStrand(ctx, id, report)
	}

	for _, cmp := range report.Comparisons() {
		metrics.RecordComparison(cmp.Match())
	}
	c.logger.Info("consistency check finished",
		zap.Int("strands", len(strandIDs)),
		zap.Int("matches", len(report.Matches)),
		zap.Int("clashes", len(report.Clashes)),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

func (c *Checker) checkStrand(ctx context.Context, strandID uint64, report *Report) {
	recorded := make([]map[uint64]common.Hash, len(c.registries))
	for i, r := range c.registries {
		cps, err := Walk(ctx, r.Reader, strandID, c.depth)
		if err != nil {
			c.logger.Warn("walk strand", zap.String("registry", r.Name), zap.Uint64("strand", strandID), zap.Error(err))
			report.Failures = append(report.Failures, Failure{Registry: r.Name, StrandID: strandID, Err: err})
			continue
		}
		report.Walked[r.Name] += len(cps)
		recorded[i] = make(map[uint64]common.Hash, len(cps))
		for _, cp := range cps {
			recorded[i][cp.BlockNumber] = cp.BlockHash
		}
	}

	for i := 0; i < len(c.registries); i++ {
		for j := i + 1; j < len(c.registries); j++ {
			for _, n := range sharedBlocks(recorded[i], recorded[j]) {
				report.add(c.logger, Comparison{
					StrandID:    strandID,
					BlockNumber: n,
					Left:        c.registries[i].Name,
					Right:       c.registries[j].Name,
					LeftHash:    recorded[i][n],
					RightHash:   recorded[j][n],
				})
			}
		}
	}

	ch, ok := c.chains[strandID]
	if !ok || ch.Source == nil {
		return
	}
	party := "chain:" + ch.ID
	for i, r := range c.registries {
		for _, n := range sortedBlocks(recorded[i]) {
			head, err := ch.Source.HeaderByNumber(ctx, n)
			if err != nil {
				c.logger.Debug("chain header", zap.String("chain", ch.ID), zap.Uint64("block", n), zap.Error(err))
				continue
			}
			report.add(c.logger, Comparison{
				StrandID:    strandID,
				BlockNumber: n,
				Left:        r.Name,
				Right:       party,
				LeftHash:    recorded[i][n],
				RightHash:   head.Hash,
			})
		}
	}
}

func (r *Report) add(logger *zap.Logger, cmp Comparison) {
	if cmp.Match() {
		r.Matches = append(r.Matches, cmp)
		return
	}
	logger.Warn("clash", zap.String("detail", cmp.String()))
	r.Clashes = append(r.Clashes, cmp)
}

// knownStrands returns the union of strand ids over all registries.
func (c *Checker) knownStrands(ctx context.Context) ([]uint64, error) {
	seen := make(map[uint64]bool)
	for _, r := range c.registries {
		strands, err := ListStrands(ctx, r.Reader)
		if err != nil {
			return nil, fmt.Errorf("list strands of %s: %w", r.Name, err)
		}
		for _, s := range strands {
			seen[s.ID] = true
		}
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListStrands enumerates every strand of a registry in registration order.
func ListStrands(ctx context.Context, r ledger.Reader) ([]ledger.Strand, error) {
	count, err := r.StrandCount(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Strand, 0, count)
	for i := 0; i < count; i++ {
		s, err := r.StrandAt(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("strand at %d: %w", i, err)
		}
		out = append(out, *s)
	}
	return out, nil
}

// Walk reads up to depth checkpoints of a strand, newest first, following
// previous links. A strand that is unknown or empty yields no checkpoints.
// The newest checkpoint carries only its number, hash and previous link.
func Walk(ctx context.Context, r ledger.Reader, strandID uint64, depth int) ([]ledger.Checkpoint, error) {
	n, err := r.HighestBlockNumber(ctx, strandID)
	if err != nil {
		if ledger.IsKind(err, ledger.EmptyStrand) || ledger.IsKind(err, ledger.UnknownStrand) {
			return nil, nil
		}
		return nil, err
	}
	h, err := r.BlockHash(ctx, strandID, n)
	if err != nil {
		return nil, err
	}

	cur := ledger.Checkpoint{StrandID: strandID, BlockNumber: n, BlockHash: h}
	var out []ledger.Checkpoint
	for len(out) < depth {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		prev, err := r.PreviousCheckpoint(ctx, strandID, cur.BlockNumber)
		if ledger.IsKind(err, ledger.NotRecorded) {
			cur.Previous = 0
			out = append(out, cur)
			break
		}
		if err != nil {
			return out, err
		}
		cur.Previous = prev.BlockNumber
		out = append(out, cur)
		cur = *prev
	}
	return out, nil
}

func sortedBlocks(m map[uint64]common.Hash) []uint64 {
	out := make([]uint64, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// sharedBlocks returns the block numbers present in both maps, newest first.
func sharedBlocks(a, b map[uint64]common.Hash) []uint64 {
	var out []uint64
	for _, n := range sortedBlocks(a) {
		if _, ok := b[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
