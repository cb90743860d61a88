package evm_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/evm"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/ledger/ledgertest"
	"go.uber.org/zap"
)

var errRevert = errors.New("execution reverted")

// fakeContract plays a deployed Braided contract on top of a memory
// registry. Its require checks mirror the contract's.
type fakeContract struct {
	reg     *ledger.MemoryRegistry
	chainID *big.Int

	mu   sync.Mutex
	sent int
}

func newFakeContract(owner common.Address) *fakeContract {
	return &fakeContract{reg: ledger.NewMemory(owner), chainID: big.NewInt(1337)}
}

func decodeCall(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errRevert
	}
	m, err := evm.ContractABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return m, args, nil
}

func u(v any) uint64 { return v.(*big.Int).Uint64() }

func (f *fakeContract) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, args, err := decodeCall(msg.Data)
	if err != nil {
		return nil, err
	}
	if m.StateMutability != "view" {
		if !f.allowed(ctx, msg.From, m.Name, args) {
			return nil, errRevert
		}
		return nil, nil
	}
	out, err := f.view(ctx, m.Name, args)
	if err != nil {
		return nil, errRevert
	}
	return m.Outputs.Pack(out...)
}

func (f *fakeContract) allowed(ctx context.Context, from common.Address, name string, args []any) bool {
	owner, _ := f.reg.Owner(ctx)
	exists := func(id uint64) bool {
		_, err := f.reg.Strand(ctx, id)
		return err == nil
	}
	switch name {
	case "addStrand":
		id := u(args[0])
		return from == owner && id != 0 && !exists(id)
	case "addAgent", "removeAgent":
		return from == owner && exists(u(args[1]))
	case "transferOwnership":
		return from == owner
	case "addBlock":
		id, n := u(args[0]), u(args[1])
		if !exists(id) || n == 0 {
			return false
		}
		if ok, _ := f.reg.IsAgent(ctx, from, id); !ok {
			return false
		}
		hi, err := f.reg.HighestBlockNumber(ctx, id)
		return err != nil || n > hi
	}
	return false
}

func (f *fakeContract) view(ctx context.Context, name string, args []any) ([]any, error) {
	b := func(n uint64) *big.Int { return new(big.Int).SetUint64(n) }
	switch name {
	case "getHighestBlockNumber":
		n, err := f.reg.HighestBlockNumber(ctx, u(args[0]))
		return []any{b(n)}, err
	case "getLowestBlockNumber":
		n, err := f.reg.LowestBlockNumber(ctx, u(args[0]))
		return []any{b(n)}, err
	case "getBlockHash":
		h, err := f.reg.BlockHash(ctx, u(args[0]), u(args[1]))
		return []any{[32]byte(h)}, err
	case "getPreviousBlock":
		cp, err := f.reg.PreviousCheckpoint(ctx, u(args[0]), u(args[1]))
		if err != nil {
			return nil, err
		}
		return []any{b(cp.BlockNumber), [32]byte(cp.BlockHash)}, nil
	case "getStrandCount":
		n, err := f.reg.StrandCount(ctx)
		return []any{b(uint64(n))}, err
	case "getStrandID", "getStrandLocation", "getStrandGenesisBlockHash", "getStrandDescription", "getStrandCreatedAt":
		s, err := f.reg.StrandAt(ctx, int(u(args[0])))
		if err != nil {
			return nil, err
		}
		switch name {
		case "getStrandID":
			return []any{b(s.ID)}, nil
		case "getStrandLocation":
			return []any{s.Location}, nil
		case "getStrandGenesisBlockHash":
			return []any{[32]byte(s.GenesisHash)}, nil
		case "getStrandDescription":
			return []any{s.Description}, nil
		default:
			return []any{b(uint64(s.CreatedAt.Unix()))}, nil
		}
	case "isAgent":
		ok, err := f.reg.IsAgent(ctx, args[0].(common.Address), u(args[1]))
		return []any{ok}, err
	case "owner":
		o, err := f.reg.Owner(ctx)
		return []any{o}, err
	}
	return nil, fmt.Errorf("unknown view %s", name)
}

func (f *fakeContract) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return f.reg.NextSequence(ctx, a)
}

func (f *fakeContract) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeContract) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeContract) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	m, args, err := decodeCall(tx.Data())
	if err != nil {
		return err
	}
	caller := ledger.Caller{Identity: from, Sequence: tx.Nonce()}
	switch m.Name {
	case "addStrand":
		_, err = f.reg.AddStrand(ctx, caller, ledger.Strand{
			ID:          u(args[0]),
			Location:    args[1].(string),
			GenesisHash: common.Hash(args[2].([32]byte)),
			Description: args[3].(string),
		})
	case "addAgent":
		err = f.reg.AddAgent(ctx, caller, args[0].(common.Address), u(args[1]))
	case "removeAgent":
		err = f.reg.RemoveAgent(ctx, caller, args[0].(common.Address), u(args[1]))
	case "transferOwnership":
		err = f.reg.TransferOwnership(ctx, caller, args[0].(common.Address))
	case "addBlock":
		_, err = f.reg.AppendCheckpoint(ctx, caller, u(args[0]), u(args[1]), common.Hash(args[2].([32]byte)))
	default:
		err = fmt.Errorf("unknown transaction %s", m.Name)
	}
	if err == nil {
		f.mu.Lock()
		f.sent++
		f.mu.Unlock()
	}
	return err
}

func (f *fakeContract) SubscribeFilterLogs(ctx context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	cps, err := f.reg.SubscribeCheckpoints(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	ev := evm.ContractABI.Events["BlockAdded"]
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer cancel()
		for {
			select {
			case <-quit:
				return nil
			case cp, ok := <-cps:
				if !ok {
					return nil
				}
				data, err := ev.Inputs.NonIndexed().Pack([32]byte(cp.BlockHash), cp.Agent)
				if err != nil {
					return err
				}
				l := types.Log{
					Topics: []common.Hash{
						ev.ID,
						common.BigToHash(new(big.Int).SetUint64(cp.StrandID)),
						common.BigToHash(new(big.Int).SetUint64(cp.BlockNumber)),
					},
					Data: data,
				}
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

var contractAddr = common.HexToAddress("0x00C8Bc664147389328Cb56f0b1EDc391c591191f")

func TestClient_registrySuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, owner *identity.Key) func(*identity.Key) ledger.Registry {
		fc := newFakeContract(owner.Address())
		return func(as *identity.Key) ledger.Registry {
			return evm.NewClient(fc, evm.Config{Contract: contractAddr, Key: as}, zap.NewNop())
		}
	})
}

func TestClient_readOnly(t *testing.T) {
	owner, _ := identity.GenerateKey()
	c := evm.NewClient(newFakeContract(owner.Address()), evm.Config{Contract: contractAddr}, zap.NewNop())
	_, err := c.AddStrand(context.Background(), ledger.Caller{Identity: owner.Address()}, ledger.Strand{ID: 1})
	if !errors.Is(err, evm.ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestClient_rejectedWriteIsNotSent(t *testing.T) {
	owner, _ := identity.GenerateKey()
	fc := newFakeContract(owner.Address())
	c := evm.NewClient(fc, evm.Config{Contract: contractAddr, Key: owner}, zap.NewNop())

	_, err := c.AppendCheckpoint(context.Background(), ledger.Caller{Identity: owner.Address()}, 1, 5, ledgertest.Hash(5))
	if !ledger.IsKind(err, ledger.UnknownStrand) {
		t.Errorf("expected UnknownStrand, got %v", err)
	}
	if fc.sent != 0 {
		t.Errorf("sent %d transactions, want 0", fc.sent)
	}
}

func TestDecodeBlockAdded_rejectsOtherLogs(t *testing.T) {
	if _, err := evm.DecodeBlockAdded(types.Log{Topics: []common.Hash{{1}}}); err == nil {
		t.Error("expected error for a foreign log")
	}
}

// ── Head source ──────────────────────────────────────────────────────────────

type fakeHeads struct {
	mu     sync.Mutex
	height int64
}

func (f *fakeHeads) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, rpc.ErrNotificationsUnsupported
}

func (f *fakeHeads) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == nil {
		n = big.NewInt(f.height)
	}
	if n.Int64() > f.height {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: n, Difficulty: big.NewInt(1)}, nil
}

func (f *fakeHeads) mine() {
	f.mu.Lock()
	f.height++
	f.mu.Unlock()
}

func TestSource_pollsWithoutSubscriptions(t *testing.T) {
	fh := &fakeHeads{height: 10}
	s := evm.NewSource("test", fh, zap.NewNop())
	s.SetPollInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeHeads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case h := <-ch:
		if h.Number != 10 {
			t.Errorf("first polled head: got %d, want 10", h.Number)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no polled head")
	}
	fh.mine()
	select {
	case h := <-ch:
		if h.Number != 11 {
			t.Errorf("second polled head: got %d, want 11", h.Number)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no head after mining")
	}
}

func TestSource_headerByNumber(t *testing.T) {
	s := evm.NewSource("test", &fakeHeads{height: 3}, zap.NewNop())
	ctx := context.Background()

	h, err := s.HeaderByNumber(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := (&types.Header{Number: big.NewInt(2), Difficulty: big.NewInt(1)}).Hash()
	if h.Number != 2 || h.Hash != want {
		t.Errorf("HeaderByNumber(2): got %+v", h)
	}
	if _, err := s.HeaderByNumber(ctx, 9); !errors.Is(err, chain.ErrUnknownBlock) {
		t.Errorf("HeaderByNumber(9): expected ErrUnknownBlock, got %v", err)
	}
}
