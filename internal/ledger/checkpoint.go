package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Strand describes one watched chain inside a registry.
type Strand struct {
	ID          uint64      `json:"id"`
	Location    string      `json:"location"` // registry on the watched chain, "network:address"
	GenesisHash common.Hash `json:"genesis_hash"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Matches reports whether two strands describe the same watched chain.
// The strand id and creation time are ignored.
func (s Strand) Matches(o Strand) bool {
	return s.Location == o.Location &&
		s.GenesisHash == o.GenesisHash &&
		s.Description == o.Description
}

// Checkpoint is a single (blockNumber, blockHash) observation on a strand.
type Checkpoint struct {
	StrandID    uint64         `json:"strand_id"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	Previous    uint64         `json:"previous"` // 0 for the first checkpoint
	Agent       common.Address `json:"agent"`
	RecordedAt  time.Time      `json:"recorded_at"`
	Digest      common.Hash    `json:"digest,omitempty"` // zero when the backend keeps no digest chain
}

// Caller identifies who performs a write and with which sequence number.
type Caller struct {
	Identity common.Address
	Sequence uint64
}

// digestCheckpoint chains c onto prev. Only fields that every backend stores
// losslessly take part, so a digest computed in memory verifies after a
// round trip through postgres or badger.
func digestCheckpoint(prev common.Hash, c *Checkpoint) common.Hash {
	h := sha3.New256()
	fmt.Fprintf(h, "%x|%d|%d|%d|%x|%x",
		prev, c.StrandID, c.BlockNumber, c.Previous, c.BlockHash, c.Agent,
	)
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// verifyChain checks a strand's checkpoints given in ascending block order.
func verifyChain(strandID uint64, cps []*Checkpoint) error {
	var prev common.Hash
	var prevNumber uint64
	for _, cp := range cps {
		if cp.Previous != prevNumber {
			return fmt.Errorf("strand %d: checkpoint %d points back to %d, want %d",
				strandID, cp.BlockNumber, cp.Previous, prevNumber)
		}
		if cp.Digest != digestCheckpoint(prev, cp) {
			return fmt.Errorf("strand %d: checkpoint %d has invalid digest", strandID, cp.BlockNumber)
		}
		prev = cp.Digest
		prevNumber = cp.BlockNumber
	}
	return nil
}
