package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// DefaultGasLimit is the gas supplied with every registry transaction.
const DefaultGasLimit = 250_000

// ErrNoKey is returned by write operations on a read-only client.
var ErrNoKey = errors.New("evm client has no signing key; writes are disabled")

// Backend is the subset of *ethclient.Client the registry client needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Config configures a Client.
type Config struct {
	// Contract is the address of the deployed Braided contract.
	Contract common.Address
	// Key signs transactions. Nil makes the client read-only.
	Key *identity.Key
	// GasLimit defaults to DefaultGasLimit.
	GasLimit uint64
}

// Client implements ledger.Registry on top of a Braided contract. Caller
// sequences are account nonces: NextSequence is the pending nonce and every
// write is a transaction sent with Caller.Sequence as its nonce.
//
// Writes are simulated with eth_call before they are sent. A reverted
// simulation is classified into a ledger error kind by probing the contract
// state, so callers see the same kinds as with any other registry.
type Client struct {
	backend  Backend
	contract common.Address
	key      *identity.Key
	gasLimit uint64
	logger   *zap.Logger

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error
}

var (
	_ ledger.Registry   = (*Client)(nil)
	_ ledger.Subscriber = (*Client)(nil)
)

// NewClient creates a Client for the contract described by cfg.
func NewClient(backend Backend, cfg Config, logger *zap.Logger) *Client {
	gas := cfg.GasLimit
	if gas == 0 {
		gas = DefaultGasLimit
	}
	return &Client{
		backend:  backend,
		contract: cfg.Contract,
		key:      cfg.Key,
		gasLimit: gas,
		logger:   logger,
	}
}

// Contract returns the registry contract address.
func (c *Client) Contract() common.Address { return c.contract }

// ── Calls ────────────────────────────────────────────────────────────────────

func (c *Client) call(ctx context.Context, from common.Address, method string, args ...any) ([]any, error) {
	data, err := ContractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := ContractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *Client) view(ctx context.Context, method string, args ...any) ([]any, error) {
	return c.call(ctx, common.Address{}, method, args...)
}

func big64(n uint64) *big.Int { return new(big.Int).SetUint64(n) }

func asUint64(v any) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok || !b.IsUint64() {
		return 0, fmt.Errorf("value %v is not a uint64", v)
	}
	return b.Uint64(), nil
}

func asHash(v any) (common.Hash, error) {
	b, ok := v.([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("value %v is not a bytes32", v)
	}
	return common.Hash(b), nil
}

func (c *Client) viewUint(ctx context.Context, method string, args ...any) (uint64, error) {
	vals, err := c.view(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	return asUint64(vals[0])
}

// ── Lookups ──────────────────────────────────────────────────────────────────

// strandIndex returns the enumeration index of strandID, or -1.
func (c *Client) strandIndex(ctx context.Context, strandID uint64) (int, error) {
	n, err := c.viewUint(ctx, "getStrandCount")
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < n; i++ {
		id, err := c.viewUint(ctx, "getStrandID", big64(i))
		if err != nil {
			return 0, err
		}
		if id == strandID {
			return int(i), nil
		}
	}
	return -1, nil
}

func (c *Client) strandExists(ctx context.Context, strandID uint64) (bool, error) {
	i, err := c.strandIndex(ctx, strandID)
	return i >= 0, err
}

// ── ledger.Reader ────────────────────────────────────────────────────────────

func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	vals, err := c.view(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner: unexpected %T", vals[0])
	}
	return addr, nil
}

func (c *Client) StrandCount(ctx context.Context) (int, error) {
	n, err := c.viewUint(ctx, "getStrandCount")
	return int(n), err
}

func (c *Client) StrandAt(ctx context.Context, index int) (*ledger.Strand, error) {
	n, err := c.StrandCount(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, ledger.Errorf(ledger.UnknownStrand, 0, 0, "no strand at index %d", index)
	}
	return c.strandAt(ctx, index)
}

func (c *Client) strandAt(ctx context.Context, index int) (*ledger.Strand, error) {
	i := big64(uint64(index))
	var s ledger.Strand
	var err error
	if s.ID, err = c.viewUint(ctx, "getStrandID", i); err != nil {
		return nil, err
	}
	vals, err := c.view(ctx, "getStrandLocation", i)
	if err != nil {
		return nil, err
	}
	s.Location, _ = vals[0].(string)
	if vals, err = c.view(ctx, "getStrandGenesisBlockHash", i); err != nil {
		return nil, err
	}
	if s.GenesisHash, err = asHash(vals[0]); err != nil {
		return nil, err
	}
	if vals, err = c.view(ctx, "getStrandDescription", i); err != nil {
		return nil, err
	}
	s.Description, _ = vals[0].(string)
	created, err := c.viewUint(ctx, "getStrandCreatedAt", i)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(int64(created), 0).UTC()
	return &s, nil
}

func (c *Client) Strand(ctx context.Context, id uint64) (*ledger.Strand, error) {
	i, err := c.strandIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		return nil, ledger.Errorf(ledger.UnknownStrand, id, 0, "strand %d is not registered", id)
	}
	return c.strandAt(ctx, i)
}

func (c *Client) IsAgent(ctx context.Context, who common.Address, strandID uint64) (bool, error) {
	vals, err := c.view(ctx, "isAgent", who, big64(strandID))
	if err != nil {
		return false, err
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

func (c *Client) HighestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	return c.bound(ctx, "getHighestBlockNumber", strandID)
}

func (c *Client) LowestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	return c.bound(ctx, "getLowestBlockNumber", strandID)
}

// bound reads a strand bound. The contract reverts for unknown and empty
// strands alike; an existence lookup tells them apart.
func (c *Client) bound(ctx context.Context, method string, strandID uint64) (uint64, error) {
	n, err := c.viewUint(ctx, method, big64(strandID))
	if err == nil {
		return n, nil
	}
	exists, perr := c.strandExists(ctx, strandID)
	if perr != nil {
		return 0, err
	}
	if !exists {
		return 0, ledger.Errorf(ledger.UnknownStrand, strandID, 0, "strand %d is not registered", strandID)
	}
	return 0, ledger.Errorf(ledger.EmptyStrand, strandID, 0, "strand %d has no checkpoints", strandID)
}

// notRecorded classifies a reverted checkpoint lookup.
func (c *Client) notRecorded(ctx context.Context, cause error, strandID, blockNumber uint64) error {
	exists, perr := c.strandExists(ctx, strandID)
	if perr != nil {
		return cause
	}
	if !exists {
		return ledger.Errorf(ledger.UnknownStrand, strandID, 0, "strand %d is not registered", strandID)
	}
	return ledger.Errorf(ledger.NotRecorded, strandID, blockNumber,
		"no checkpoint at block %d on strand %d", blockNumber, strandID)
}

func (c *Client) BlockHash(ctx context.Context, strandID, blockNumber uint64) (common.Hash, error) {
	vals, err := c.view(ctx, "getBlockHash", big64(strandID), big64(blockNumber))
	if err != nil {
		return common.Hash{}, c.notRecorded(ctx, err, strandID, blockNumber)
	}
	return asHash(vals[0])
}

func (c *Client) PreviousCheckpoint(ctx context.Context, strandID, blockNumber uint64) (*ledger.Checkpoint, error) {
	vals, err := c.view(ctx, "getPreviousBlock", big64(strandID), big64(blockNumber))
	if err != nil {
		return nil, c.notRecorded(ctx, err, strandID, blockNumber)
	}
	n, err := asUint64(vals[0])
	if err != nil {
		return nil, err
	}
	h, err := asHash(vals[1])
	if err != nil {
		return nil, err
	}
	return &ledger.Checkpoint{StrandID: strandID, BlockNumber: n, BlockHash: h}, nil
}

// NextSequence returns the pending account nonce.
func (c *Client) NextSequence(ctx context.Context, who common.Address) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, who)
}

// ── ledger.Writer ────────────────────────────────────────────────────────────

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	c.chainOnce.Do(func() {
		c.chainID, c.chainErr = c.backend.ChainID(ctx)
	})
	return c.chainID, c.chainErr
}

// precedesSequence reports whether a rejection is reported ahead of a stale
// nonce: a caller without permission, or an append to an unregistered strand.
func precedesSequence(method string, err error) bool {
	if ledger.IsKind(err, ledger.PermissionDenied) {
		return true
	}
	return method == "addBlock" && ledger.IsKind(err, ledger.UnknownStrand)
}

// transact simulates and sends one contract transaction as caller. classify
// explains a reverted simulation.
func (c *Client) transact(ctx context.Context, caller ledger.Caller, classify func() error, method string, args ...any) (*types.Transaction, error) {
	if c.key == nil {
		return nil, ErrNoKey
	}
	if caller.Identity != c.key.Address() {
		return nil, fmt.Errorf("caller %s does not match key %s", caller.Identity.Hex(), c.key.Address().Hex())
	}

	pending, err := c.backend.PendingNonceAt(ctx, caller.Identity)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	var stale error
	if caller.Sequence < pending {
		stale = ledger.Errorf(ledger.StaleSequence, 0, 0, "nonce %d for %s already used, next is %d",
			caller.Sequence, caller.Identity.Hex(), pending)
	}

	data, err := ContractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: caller.Identity, To: &c.contract, Gas: c.gasLimit, Data: data}
	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		kerr := classify()
		if kerr != nil && (stale == nil || precedesSequence(method, kerr)) {
			return nil, kerr
		}
		if stale != nil {
			return nil, stale
		}
		return nil, fmt.Errorf("simulate %s: %w", method, err)
	}
	if stale != nil {
		return nil, stale
	}

	chainID, err := c.chain(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    caller.Sequence,
		To:       &c.contract,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}), types.LatestSignerForChainID(chainID), c.key.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(err.Error(), "nonce too low") {
			return nil, ledger.Errorf(ledger.StaleSequence, 0, 0, "nonce %d for %s already used",
				caller.Sequence, caller.Identity.Hex())
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.logger.Debug("transaction sent",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("nonce", caller.Sequence),
	)
	return tx, nil
}

// ownerCheck returns PermissionDenied unless caller owns the registry.
func (c *Client) ownerCheck(ctx context.Context, caller ledger.Caller) error {
	owner, err := c.Owner(ctx)
	if err != nil {
		return nil
	}
	if owner != caller.Identity {
		return ledger.Errorf(ledger.PermissionDenied, 0, 0, "%s is not the registry owner", caller.Identity.Hex())
	}
	return nil
}

func (c *Client) AddStrand(ctx context.Context, caller ledger.Caller, s ledger.Strand) (*ledger.Strand, error) {
	classify := func() error {
		if err := c.ownerCheck(ctx, caller); err != nil {
			return err
		}
		if s.ID == 0 {
			return ledger.Errorf(ledger.InvalidStrand, 0, 0, "strand id 0 is reserved")
		}
		if exists, err := c.strandExists(ctx, s.ID); err == nil && exists {
			return ledger.Errorf(ledger.DuplicateStrand, s.ID, 0, "strand %d is already registered", s.ID)
		}
		return nil
	}
	_, err := c.transact(ctx, caller, classify, "addStrand",
		big64(s.ID), s.Location, [32]byte(s.GenesisHash), s.Description)
	if err != nil {
		return nil, err
	}
	out := s
	out.CreatedAt = time.Now().UTC()
	return &out, nil
}

func (c *Client) agentClassifier(ctx context.Context, caller ledger.Caller, strandID uint64) func() error {
	return func() error {
		if err := c.ownerCheck(ctx, caller); err != nil {
			return err
		}
		if exists, err := c.strandExists(ctx, strandID); err == nil && !exists {
			return ledger.Errorf(ledger.UnknownStrand, strandID, 0, "strand %d is not registered", strandID)
		}
		return nil
	}
}

func (c *Client) AddAgent(ctx context.Context, caller ledger.Caller, agent common.Address, strandID uint64) error {
	_, err := c.transact(ctx, caller, c.agentClassifier(ctx, caller, strandID), "addAgent", agent, big64(strandID))
	return err
}

func (c *Client) RemoveAgent(ctx context.Context, caller ledger.Caller, agent common.Address, strandID uint64) error {
	_, err := c.transact(ctx, caller, c.agentClassifier(ctx, caller, strandID), "removeAgent", agent, big64(strandID))
	return err
}

func (c *Client) TransferOwnership(ctx context.Context, caller ledger.Caller, newOwner common.Address) error {
	classify := func() error { return c.ownerCheck(ctx, caller) }
	_, err := c.transact(ctx, caller, classify, "transferOwnership", newOwner)
	return err
}

// AppendCheckpoint sends addBlock. The returned checkpoint reflects the
// submitted transaction; it is final once the transaction is mined.
func (c *Client) AppendCheckpoint(ctx context.Context, caller ledger.Caller, strandID, blockNumber uint64, blockHash common.Hash) (*ledger.Checkpoint, error) {
	var previous uint64
	classify := func() error {
		exists, err := c.strandExists(ctx, strandID)
		if err != nil {
			return nil
		}
		if !exists {
			return ledger.Errorf(ledger.UnknownStrand, strandID, 0, "strand %d is not registered", strandID)
		}
		if ok, err := c.IsAgent(ctx, caller.Identity, strandID); err == nil && !ok {
			return ledger.Errorf(ledger.PermissionDenied, strandID, 0, "%s is not an agent for strand %d",
				caller.Identity.Hex(), strandID)
		}
		return ledger.Errorf(ledger.NonMonotonicWrite, strandID, blockNumber,
			"block %d is not above the highest checkpoint of strand %d", blockNumber, strandID)
	}
	if hi, err := c.HighestBlockNumber(ctx, strandID); err == nil {
		previous = hi
	}
	tx, err := c.transact(ctx, caller, classify, "addBlock", big64(strandID), big64(blockNumber), [32]byte(blockHash))
	if err != nil {
		return nil, err
	}
	c.logger.Info("checkpoint submitted",
		zap.Uint64("strand", strandID),
		zap.Uint64("block", blockNumber),
		zap.String("tx", tx.Hash().Hex()),
	)
	return &ledger.Checkpoint{
		StrandID:    strandID,
		BlockNumber: blockNumber,
		BlockHash:   blockHash,
		Previous:    previous,
		Agent:       caller.Identity,
		RecordedAt:  time.Now().UTC(),
	}, nil
}
