package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// DecodeBlockAdded converts a BlockAdded log into a checkpoint.
func DecodeBlockAdded(l types.Log) (ledger.Checkpoint, error) {
	ev := ContractABI.Events["BlockAdded"]
	if len(l.Topics) != 3 || l.Topics[0] != ev.ID {
		return ledger.Checkpoint{}, fmt.Errorf("log %s is not BlockAdded", l.TxHash.Hex())
	}
	vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return ledger.Checkpoint{}, fmt.Errorf("unpack BlockAdded: %w", err)
	}
	hash, err := asHash(vals[0])
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	agent, _ := vals[1].(common.Address)
	strandID := new(big.Int).SetBytes(l.Topics[1].Bytes())
	number := new(big.Int).SetBytes(l.Topics[2].Bytes())
	if !strandID.IsUint64() || !number.IsUint64() {
		return ledger.Checkpoint{}, fmt.Errorf("BlockAdded log %s out of range", l.TxHash.Hex())
	}
	return ledger.Checkpoint{
		StrandID:    strandID.Uint64(),
		BlockNumber: number.Uint64(),
		BlockHash:   hash,
		Agent:       agent,
		RecordedAt:  time.Now().UTC(),
	}, nil
}

// SubscribeCheckpoints streams BlockAdded events of the contract. It needs a
// backend that supports log subscriptions (websocket or IPC).
func (c *Client) SubscribeCheckpoints(ctx context.Context) (<-chan ledger.Checkpoint, error) {
	logs := make(chan types.Log, 64)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ContractABI.Events["BlockAdded"].ID}},
	}
	sub, err := c.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe BlockAdded: %w", err)
	}

	out := make(chan ledger.Checkpoint, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					c.logger.Warn("BlockAdded subscription ended", zap.Error(err))
				}
				return
			case l := <-logs:
				if l.Removed {
					continue
				}
				cp, err := DecodeBlockAdded(l)
				if err != nil {
					c.logger.Debug("skipping log", zap.Error(err))
					continue
				}
				select {
				case out <- cp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
