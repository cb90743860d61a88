package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNoSigner is returned by write operations on a client without a signer.
var ErrNoSigner = errors.New("grpc client has no signer; writes are disabled")

// Client implements ledger.Registry over the Registry gRPC service.
type Client struct {
	cc     grpc.ClientConnInterface
	conn   *grpc.ClientConn // set when the client owns the connection
	signer *identity.Signer

	mu       sync.Mutex
	location string
}

var (
	_ ledger.Registry   = (*Client)(nil)
	_ ledger.Subscriber = (*Client)(nil)
	_ ledger.Verifier   = (*Client)(nil)
)

// DialOptions configures Dial.
type DialOptions struct {
	// Signer enables writes when set.
	Signer *identity.Signer

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

// Dial connects to a registry gRPC endpoint without transport security.
func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := NewClient(conn, opts.Signer)
	c.conn = conn
	return c, nil
}

// NewClient wraps an existing connection. signer may be nil for read-only use.
func NewClient(cc grpc.ClientConnInterface, signer *identity.Signer) *Client {
	return &Client{cc: cc, signer: signer}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// write signs a token for the registry and sends the request as caller.
func (c *Client) write(ctx context.Context, caller ledger.Caller, method string, fields map[string]*structpb.Value) (*structpb.Struct, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	if caller.Identity != c.signer.Identity() {
		return nil, fmt.Errorf("caller %s does not match signer %s", caller.Identity.Hex(), c.signer.Identity().Hex())
	}
	loc, err := c.Location(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := c.signer.Token(loc)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]*structpb.Value)
	}
	fields[fSequence] = u64(caller.Sequence)
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
	return c.invoke(ctx, method, message(fields))
}

// Location returns the registry location, fetching it once.
func (c *Client) Location(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location != "" {
		return c.location, nil
	}
	out, err := c.invoke(ctx, methodOverview, message(nil))
	if err != nil {
		return "", fmt.Errorf("discover registry location: %w", err)
	}
	loc, err := getString(out, fLocation)
	if err != nil {
		return "", err
	}
	c.location = loc
	return loc, nil
}

// ── ledger.Reader ────────────────────────────────────────────────────────────

func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.invoke(ctx, methodOverview, message(nil))
	if err != nil {
		return common.Address{}, err
	}
	return getAddress(out, fOwner)
}

func (c *Client) Strand(ctx context.Context, id uint64) (*ledger.Strand, error) {
	out, err := c.invoke(ctx, methodStrand, message(map[string]*structpb.Value{fStrandID: u64(id)}))
	if err != nil {
		return nil, err
	}
	return decodeStrand(out)
}

func (c *Client) StrandCount(ctx context.Context) (int, error) {
	out, err := c.invoke(ctx, methodOverview, message(nil))
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()[fCount].GetNumberValue()), nil
}

func (c *Client) StrandAt(ctx context.Context, index int) (*ledger.Strand, error) {
	out, err := c.invoke(ctx, methodStrandAt, message(map[string]*structpb.Value{
		fIndex: structpb.NewNumberValue(float64(index)),
	}))
	if err != nil {
		return nil, err
	}
	return decodeStrand(out)
}

func (c *Client) IsAgent(ctx context.Context, who common.Address, strandID uint64) (bool, error) {
	out, err := c.invoke(ctx, methodIsAgent, message(map[string]*structpb.Value{
		fStrandID: u64(strandID),
		fIdentity: hexAddr(who),
	}))
	if err != nil {
		return false, err
	}
	return out.GetFields()[fAgent].GetBoolValue(), nil
}

func (c *Client) HighestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	return c.bound(ctx, methodHighestBlockNumber, strandID)
}

func (c *Client) LowestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	return c.bound(ctx, methodLowestBlockNumber, strandID)
}

func (c *Client) bound(ctx context.Context, method string, strandID uint64) (uint64, error) {
	out, err := c.invoke(ctx, method, message(map[string]*structpb.Value{fStrandID: u64(strandID)}))
	if err != nil {
		return 0, err
	}
	return getU64(out, fBlockNumber)
}

func (c *Client) BlockHash(ctx context.Context, strandID, blockNumber uint64) (common.Hash, error) {
	out, err := c.invoke(ctx, methodBlockHash, message(map[string]*structpb.Value{
		fStrandID:    u64(strandID),
		fBlockNumber: u64(blockNumber),
	}))
	if err != nil {
		return common.Hash{}, err
	}
	return getHash(out, fBlockHash)
}

func (c *Client) PreviousCheckpoint(ctx context.Context, strandID, blockNumber uint64) (*ledger.Checkpoint, error) {
	out, err := c.invoke(ctx, methodPreviousCheckpoint, message(map[string]*structpb.Value{
		fStrandID:    u64(strandID),
		fBlockNumber: u64(blockNumber),
	}))
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(out)
}

func (c *Client) NextSequence(ctx context.Context, who common.Address) (uint64, error) {
	out, err := c.invoke(ctx, methodNextSequence, message(map[string]*structpb.Value{fIdentity: hexAddr(who)}))
	if err != nil {
		return 0, err
	}
	return getU64(out, fNext)
}

// Verify implements ledger.Verifier.
func (c *Client) Verify(ctx context.Context) error {
	out, err := c.invoke(ctx, methodVerify, message(nil))
	if err != nil {
		return err
	}
	if !out.GetFields()[fValid].GetBoolValue() {
		return fmt.Errorf("registry integrity check failed: %s", out.GetFields()[fError].GetStringValue())
	}
	return nil
}

// ── ledger.Writer ────────────────────────────────────────────────────────────

func (c *Client) AddStrand(ctx context.Context, caller ledger.Caller, s ledger.Strand) (*ledger.Strand, error) {
	out, err := c.write(ctx, caller, methodAddStrand, map[string]*structpb.Value{
		fStrandID:    u64(s.ID),
		fLocation:    str(s.Location),
		fGenesisHash: hexHash(s.GenesisHash),
		fDescription: str(s.Description),
	})
	if err != nil {
		return nil, err
	}
	return decodeStrand(out)
}

func (c *Client) AddAgent(ctx context.Context, caller ledger.Caller, agent common.Address, strandID uint64) error {
	_, err := c.write(ctx, caller, methodAddAgent, map[string]*structpb.Value{
		fStrandID: u64(strandID),
		fAgent:    hexAddr(agent),
	})
	return err
}

func (c *Client) RemoveAgent(ctx context.Context, caller ledger.Caller, agent common.Address, strandID uint64) error {
	_, err := c.write(ctx, caller, methodRemoveAgent, map[string]*structpb.Value{
		fStrandID: u64(strandID),
		fAgent:    hexAddr(agent),
	})
	return err
}

func (c *Client) TransferOwnership(ctx context.Context, caller ledger.Caller, newOwner common.Address) error {
	_, err := c.write(ctx, caller, methodTransferOwnership, map[string]*structpb.Value{
		fOwner: hexAddr(newOwner),
	})
	return err
}

func (c *Client) AppendCheckpoint(ctx context.Context, caller ledger.Caller, strandID, blockNumber uint64, blockHash common.Hash) (*ledger.Checkpoint, error) {
	out, err := c.write(ctx, caller, methodAppendCheckpoint, map[string]*structpb.Value{
		fStrandID:    u64(strandID),
		fBlockNumber: u64(blockNumber),
		fBlockHash:   hexHash(blockHash),
	})
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(out)
}

// ── Notifications ────────────────────────────────────────────────────────────

// SubscribeCheckpoints implements ledger.Subscriber. It returns once the
// server confirmed the subscription.
func (c *Client) SubscribeCheckpoints(ctx context.Context) (<-chan ledger.Checkpoint, error) {
	stream, err := c.cc.NewStream(ctx, &Registry_ServiceDesc.Streams[0], fullMethod(streamSubscribe))
	if err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(message(nil)); err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		return nil, fromStatus(err)
	}
	if !first.GetFields()[fReady].GetBoolValue() {
		return nil, errors.New("subscription stream did not confirm")
	}

	out := make(chan ledger.Checkpoint, 64)
	go func() {
		defer close(out)
		for {
			m := new(structpb.Struct)
			if err := stream.RecvMsg(m); err != nil {
				return
			}
			cp, err := decodeCheckpoint(m)
			if err != nil {
				continue
			}
			select {
			case out <- *cp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
