package consistency

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/braided/internal/ledger"
)

// StrandDump is what one registry recorded for one strand, newest first.
type StrandDump struct {
	Strand      ledger.Strand
	Highest     uint64
	Lowest      uint64
	Checkpoints []ledger.Checkpoint
}

// Dump reads the strands of r. When strandIDs is empty every registered
// strand is dumped. At most depth checkpoints are read per strand.
func Dump(ctx context.Context, r ledger.Reader, strandIDs []uint64, depth int) ([]StrandDump, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	var strands []ledger.Strand
	if len(strandIDs) == 0 {
		all, err := ListStrands(ctx, r)
		if err != nil {
			return nil, err
		}
		strands = all
	} else {
		for _, id := range strandIDs {
			s, err := r.Strand(ctx, id)
			if err != nil {
				return nil, err
			}
			strands = append(strands, *s)
		}
	}

	out := make([]StrandDump, 0, len(strands))
	for _, s := range strands {
		d := StrandDump{Strand: s}
		cps, err := Walk(ctx, r, s.ID, depth)
		if err != nil {
			return nil, fmt.Errorf("strand %d: %w", s.ID, err)
		}
		d.Checkpoints = cps
		if len(cps) > 0 {
			d.Highest = cps[0].BlockNumber
			if d.Lowest, err = r.LowestBlockNumber(ctx, s.ID); err != nil {
				return nil, fmt.Errorf("strand %d lowest: %w", s.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}
