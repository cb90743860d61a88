// Package chain defines the view of a watched blockchain the scheduler and
// the consistency checker rely on: a stream of new heads, the latest head and
// the header at a given number.
package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownBlock is returned by HeaderByNumber for a block past the head.
var ErrUnknownBlock = errors.New("unknown block")

// Head is a block observation.
type Head struct {
	Number uint64
	Hash   common.Hash
}

// Source is a connection to one watched chain.
type Source interface {
	// SubscribeHeads streams new-head notifications. The channel closes when
	// ctx is done or the underlying subscription fails.
	SubscribeHeads(ctx context.Context) (<-chan Head, error)

	// LatestHead returns the current head.
	LatestHead(ctx context.Context) (Head, error)

	// HeaderByNumber returns the canonical block at n.
	HeaderByNumber(ctx context.Context, n uint64) (Head, error)

	// Close releases the connection.
	Close()
}
