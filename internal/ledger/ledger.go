// Package ledger implements the checkpoint registry that Braided agents write
// cross-chain block observations into.
//
// A registry holds strands, one per watched chain. Each strand is an
// append-only sequence of checkpoints whose block numbers strictly increase.
// Every checkpoint points back to the one appended before it, so walking a
// strand backwards costs one lookup per hop no matter how sparse it is.
//
// Three implementations of the Registry interface live in this package:
//   - MemoryRegistry: in-process, for tests and single-process deployments.
//   - BadgerRegistry: embedded and durable, one directory on disk.
//   - PostgresRegistry: shared and durable, for the registry server.
//
// Remote implementations (HTTP, gRPC and the on-chain contract) live in
// pkg/client, internal/registry/grpcapi and internal/evm respectively.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Reader is the read side of a registry.
type Reader interface {
	// Owner returns the identity allowed to manage strands and agents.
	Owner(ctx context.Context) (common.Address, error)

	// Strand returns the strand registered under id.
	Strand(ctx context.Context, id uint64) (*Strand, error)

	// StrandCount returns the number of registered strands.
	StrandCount(ctx context.Context) (int, error)

	// StrandAt returns the strand registered at the given zero-based position.
	StrandAt(ctx context.Context, index int) (*Strand, error)

	// IsAgent reports whether identity may append checkpoints to strandID.
	IsAgent(ctx context.Context, identity common.Address, strandID uint64) (bool, error)

	// HighestBlockNumber returns the most recently appended block number.
	// It fails with UnknownStrand or EmptyStrand.
	HighestBlockNumber(ctx context.Context, strandID uint64) (uint64, error)

	// LowestBlockNumber returns the first appended block number.
	LowestBlockNumber(ctx context.Context, strandID uint64) (uint64, error)

	// BlockHash returns the hash recorded for exactly blockNumber.
	BlockHash(ctx context.Context, strandID, blockNumber uint64) (common.Hash, error)

	// PreviousCheckpoint returns the checkpoint appended immediately before
	// the one recorded at blockNumber. blockNumber must itself be recorded.
	PreviousCheckpoint(ctx context.Context, strandID, blockNumber uint64) (*Checkpoint, error)

	// NextSequence returns the lowest sequence number the registry will
	// accept for a write by identity.
	NextSequence(ctx context.Context, identity common.Address) (uint64, error)
}

// Writer is the write side of a registry. Every write is attributed to the
// Caller and rejected with PermissionDenied when the caller lacks the right.
type Writer interface {
	AddStrand(ctx context.Context, caller Caller, s Strand) (*Strand, error)
	AddAgent(ctx context.Context, caller Caller, agent common.Address, strandID uint64) error
	RemoveAgent(ctx context.Context, caller Caller, agent common.Address, strandID uint64) error
	TransferOwnership(ctx context.Context, caller Caller, newOwner common.Address) error
	AppendCheckpoint(ctx context.Context, caller Caller, strandID, blockNumber uint64, blockHash common.Hash) (*Checkpoint, error)
}

// Registry is a complete checkpoint registry.
type Registry interface {
	Reader
	Writer
}

// Subscriber is implemented by registries that can push CheckpointAppended
// notifications. The returned channel is closed once ctx is done.
type Subscriber interface {
	SubscribeCheckpoints(ctx context.Context) (<-chan Checkpoint, error)
}

// Verifier is implemented by registries that keep a digest chain over their
// checkpoints. Verify returns nil if every strand is intact.
type Verifier interface {
	Verify(ctx context.Context) error
}
