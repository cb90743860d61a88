package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jmerrifield20/braided/internal/chain"
	"go.uber.org/zap"
)

// DefaultPollInterval is used when the endpoint cannot push new heads.
const DefaultPollInterval = 4 * time.Second

// HeadBackend is the subset of *ethclient.Client a Source needs.
type HeadBackend interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Source is a chain.Source over an Ethereum JSON-RPC endpoint. It uses
// eth_subscribe for new heads and falls back to polling when the transport
// does not support subscriptions.
type Source struct {
	id      string
	backend HeadBackend
	closer  func()
	poll    time.Duration
	logger  *zap.Logger
}

var _ chain.Source = (*Source)(nil)

// Dial connects to endpoint (ws://, wss://, http(s):// or an IPC path).
func Dial(ctx context.Context, id, endpoint string, logger *zap.Logger) (*Source, *ethclient.Client, error) {
	rc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s at %s: %w", id, endpoint, err)
	}
	ec := ethclient.NewClient(rc)
	s := NewSource(id, ec, logger)
	s.closer = ec.Close
	return s, ec, nil
}

// NewSource wraps a backend.
func NewSource(id string, backend HeadBackend, logger *zap.Logger) *Source {
	return &Source{id: id, backend: backend, poll: DefaultPollInterval, logger: logger}
}

// SetPollInterval changes the polling fallback interval.
func (s *Source) SetPollInterval(d time.Duration) { s.poll = d }

func toHead(h *types.Header) chain.Head {
	return chain.Head{Number: h.Number.Uint64(), Hash: h.Hash()}
}

// SubscribeHeads implements chain.Source.
func (s *Source) SubscribeHeads(ctx context.Context) (<-chan chain.Head, error) {
	headers := make(chan *types.Header, 16)
	sub, err := s.backend.SubscribeNewHead(ctx, headers)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		s.logger.Info("endpoint cannot push heads, polling", zap.String("chain", s.id), zap.Duration("interval", s.poll))
		return s.pollHeads(ctx), nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s heads: %w", s.id, err)
	}

	out := make(chan chain.Head, 16)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					s.logger.Warn("head subscription ended", zap.String("chain", s.id), zap.Error(err))
				}
				return
			case h := <-headers:
				select {
				case out <- toHead(h):
				default:
					// The scheduler reads the latest head itself.
				}
			}
		}
	}()
	return out, nil
}

func (s *Source) pollHeads(ctx context.Context) <-chan chain.Head {
	out := make(chan chain.Head, 16)
	go func() {
		defer close(out)
		t := time.NewTicker(s.poll)
		defer t.Stop()
		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			head, err := s.LatestHead(ctx)
			if err != nil {
				s.logger.Warn("poll head", zap.String("chain", s.id), zap.Error(err))
				continue
			}
			if head.Number <= last {
				continue
			}
			last = head.Number
			select {
			case out <- head:
			default:
			}
		}
	}()
	return out
}

// LatestHead implements chain.Source.
func (s *Source) LatestHead(ctx context.Context) (chain.Head, error) {
	h, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Head{}, fmt.Errorf("%s latest header: %w", s.id, err)
	}
	return toHead(h), nil
}

// HeaderByNumber implements chain.Source.
func (s *Source) HeaderByNumber(ctx context.Context, n uint64) (chain.Head, error) {
	h, err := s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if errors.Is(err, ethereum.NotFound) {
		return chain.Head{}, fmt.Errorf("%s block %d: %w", s.id, n, chain.ErrUnknownBlock)
	}
	if err != nil {
		return chain.Head{}, fmt.Errorf("%s header %d: %w", s.id, n, err)
	}
	return toHead(h), nil
}

// Close implements chain.Source.
func (s *Source) Close() {
	if s.closer != nil {
		s.closer()
	}
}
