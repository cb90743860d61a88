package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// maxResponseBody bounds how much of a response is read.
const maxResponseBody = 1 << 20

// ErrNoSigner is returned by write operations on a client without a signer.
var ErrNoSigner = errors.New("client has no signer; writes are disabled")

// Overview is the registry summary returned by GET /registry.
type Overview struct {
	Location string         `json:"location"`
	Owner    common.Address `json:"owner"`
	Strands  int            `json:"strands"`
}

// Client talks to one registry server.
type Client struct {
	base         string
	httpClient   *http.Client
	streamClient *http.Client
	signer       *identity.Signer
	logger       *zap.Logger

	mu       sync.Mutex
	location string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets the http.Client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSigner enables writes signed by s.
func WithSigner(s *identity.Signer) Option {
	return func(c *Client) error {
		c.signer = s
		return nil
	}
}

// WithLogger sets the logger used for problems on the notification stream.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithLocation sets the registry location tokens are addressed to. Without
// it the location is fetched from the server before the first write.
func WithLocation(loc string) Option {
	return func(c *Client) error {
		c.location = loc
		return nil
	}
}

// New creates a Client for the registry API rooted at base
// (for example "http://localhost:8080/api/v1").
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", base, err)
	}
	c := &Client{
		base:         strings.TrimRight(base, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew creates a Client and panics on error. Useful in tests.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Transport ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	StrandID    uint64 `json:"strand_id"`
	BlockNumber uint64 `json:"block_number"`
}

// decodeError rebuilds a typed registry error from a failed response.
func decodeError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if kind, ok := ledger.ParseKind(eb.Kind); ok {
			return &ledger.Error{Kind: kind, StrandID: eb.StrandID, BlockNumber: eb.BlockNumber, Msg: eb.Error}
		}
		if eb.Error != "" {
			if status == http.StatusUnauthorized {
				return fmt.Errorf("unauthorized: %s", eb.Error)
			}
			return fmt.Errorf("server error %d: %s", status, eb.Error)
		}
	}
	return fmt.Errorf("server error %d: %s", status, string(body))
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// send performs an authenticated write as caller.
func (c *Client) send(ctx context.Context, caller ledger.Caller, method, path string, in, out any) error {
	if c.signer == nil {
		return ErrNoSigner
	}
	if caller.Identity != c.signer.Identity() {
		return fmt.Errorf("caller %s does not match signer %s", caller.Identity.Hex(), c.signer.Identity().Hex())
	}
	loc, err := c.Location(ctx)
	if err != nil {
		return err
	}
	token, err := c.signer.Token(loc)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

// Location returns the registry location, fetching it once if unset.
func (c *Client) Location(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location != "" {
		return c.location, nil
	}
	ov, err := c.Overview(ctx)
	if err != nil {
		return "", fmt.Errorf("discover registry location: %w", err)
	}
	c.location = ov.Location
	return c.location, nil
}

// Overview returns the registry summary.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var ov Overview
	if err := c.get(ctx, "/registry", &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// ── ledger.Reader ────────────────────────────────────────────────────────────

// Owner implements ledger.Registry.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	ov, err := c.Overview(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return ov.Owner, nil
}

// Strand implements ledger.Registry.
func (c *Client) Strand(ctx context.Context, id uint64) (*ledger.Strand, error) {
	var s ledger.Strand
	if err := c.get(ctx, fmt.Sprintf("/strands/%d", id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StrandCount implements ledger.Registry.
func (c *Client) StrandCount(ctx context.Context) (int, error) {
	ov, err := c.Overview(ctx)
	if err != nil {
		return 0, err
	}
	return ov.Strands, nil
}

// StrandAt implements ledger.Registry.
func (c *Client) StrandAt(ctx context.Context, index int) (*ledger.Strand, error) {
	if index < 0 {
		return nil, ledger.Errorf(ledger.UnknownStrand, 0, 0, "no strand at index %d", index)
	}
	var s ledger.Strand
	if err := c.get(ctx, "/strands?index="+strconv.Itoa(index), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsAgent implements ledger.Registry.
func (c *Client) IsAgent(ctx context.Context, who common.Address, strandID uint64) (bool, error) {
	var resp struct {
		Agent bool `json:"agent"`
	}
	if err := c.get(ctx, fmt.Sprintf("/strands/%d/agents/%s", strandID, who.Hex()), &resp); err != nil {
		return false, err
	}
	return resp.Agent, nil
}

type blockNumberResponse struct {
	BlockNumber uint64 `json:"block_number"`
}

// HighestBlockNumber implements ledger.Registry.
func (c *Client) HighestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	var resp blockNumberResponse
	if err := c.get(ctx, fmt.Sprintf("/strands/%d/highest", strandID), &resp); err != nil {
		return 0, err
	}
	return resp.BlockNumber, nil
}

// LowestBlockNumber implements ledger.Registry.
func (c *Client) LowestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	var resp blockNumberResponse
	if err := c.get(ctx, fmt.Sprintf("/strands/%d/lowest", strandID), &resp); err != nil {
		return 0, err
	}
	return resp.BlockNumber, nil
}

// BlockHash implements ledger.Registry.
func (c *Client) BlockHash(ctx context.Context, strandID, blockNumber uint64) (common.Hash, error) {
	var resp struct {
		BlockHash common.Hash `json:"block_hash"`
	}
	if err := c.get(ctx, fmt.Sprintf("/strands/%d/checkpoints/%d", strandID, blockNumber), &resp); err != nil {
		return common.Hash{}, err
	}
	return resp.BlockHash, nil
}

// PreviousCheckpoint implements ledger.Registry.
func (c *Client) PreviousCheckpoint(ctx context.Context, strandID, blockNumber uint64) (*ledger.Checkpoint, error) {
	var cp ledger.Checkpoint
	if err := c.get(ctx, fmt.Sprintf("/strands/%d/checkpoints/%d/previous", strandID, blockNumber), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// NextSequence implements ledger.Registry.
func (c *Client) NextSequence(ctx context.Context, who common.Address) (uint64, error) {
	var resp struct {
		Next uint64 `json:"next"`
	}
	if err := c.get(ctx, "/sequences/"+who.Hex(), &resp); err != nil {
		return 0, err
	}
	return resp.Next, nil
}

// Verify asks the server to check its digest chains. It implements
// ledger.Verifier.
func (c *Client) Verify(ctx context.Context) error {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.get(ctx, "/verify", &resp); err != nil {
		return err
	}
	if !resp.Valid {
		return fmt.Errorf("registry integrity check failed: %s", resp.Error)
	}
	return nil
}

// ── ledger.Writer ────────────────────────────────────────────────────────────

// AddStrand implements ledger.Registry.
func (c *Client) AddStrand(ctx context.Context, caller ledger.Caller, s ledger.Strand) (*ledger.Strand, error) {
	in := map[string]any{
		"sequence":     caller.Sequence,
		"id":           s.ID,
		"location":     s.Location,
		"genesis_hash": s.GenesisHash,
		"description":  s.Description,
	}
	var out ledger.Strand
	if err := c.send(ctx, caller, http.MethodPost, "/strands", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddAgent implements ledger.Registry.
func (c *Client) AddAgent(ctx context.Context, caller ledger.Caller, agent common.Address, strandID uint64) error {
	in := map[string]any{"sequence": caller.Sequence, "agent": agent}
	return c.send(ctx, caller, http.MethodPost, fmt.Sprintf("/strands/%d/agents", strandID), in, nil)
}

// RemoveAgent implements ledger.Registry.
func (c *Client) RemoveAgent(ctx context.Context, caller ledger.Caller, agent common.Address, strandID uint64) error {
	path := fmt.Sprintf("/strands/%d/agents/%s?sequence=%d", strandID, agent.Hex(), caller.Sequence)
	return c.send(ctx, caller, http.MethodDelete, path, nil, nil)
}

// TransferOwnership implements ledger.Registry.
func (c *Client) TransferOwnership(ctx context.Context, caller ledger.Caller, newOwner common.Address) error {
	in := map[string]any{"sequence": caller.Sequence, "owner": newOwner}
	return c.send(ctx, caller, http.MethodPost, "/owner", in, nil)
}

// AppendCheckpoint implements ledger.Registry.
func (c *Client) AppendCheckpoint(ctx context.Context, caller ledger.Caller, strandID, blockNumber uint64, blockHash common.Hash) (*ledger.Checkpoint, error) {
	in := map[string]any{
		"sequence":     caller.Sequence,
		"block_number": blockNumber,
		"block_hash":   blockHash,
	}
	var cp ledger.Checkpoint
	if err := c.send(ctx, caller, http.MethodPost, fmt.Sprintf("/strands/%d/checkpoints", strandID), in, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
