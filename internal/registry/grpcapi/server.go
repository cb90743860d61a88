package grpcapi

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes a ledger.Registry over the Registry gRPC service. Writes
// need an "authorization: Bearer <token>" metadata entry addressed to the
// server's location.
type Server struct {
	reg      ledger.Registry
	verifier *identity.Verifier
	location string
	logger   *zap.Logger
}

var _ RegistryServer = (*Server)(nil)

// NewServer creates a Server for reg published at location.
func NewServer(reg ledger.Registry, location string, logger *zap.Logger) *Server {
	return &Server{
		reg:      reg,
		verifier: identity.NewVerifier(location),
		location: location,
		logger:   logger,
	}
}

// caller authenticates the request and combines the signer with the
// sequence carried in the message.
func (s *Server) caller(ctx context.Context, in *structpb.Struct) (ledger.Caller, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ledger.Caller{}, status.Error(codes.Unauthenticated, "bearer token required")
	}
	tok, ok := identity.BearerToken(vals[0])
	if !ok {
		return ledger.Caller{}, status.Error(codes.Unauthenticated, "bearer token required")
	}
	addr, err := s.verifier.Verify(tok)
	if err != nil {
		return ledger.Caller{}, status.Error(codes.Unauthenticated, "invalid token: "+err.Error())
	}
	seq, err := getU64(in, fSequence)
	if err != nil {
		return ledger.Caller{}, invalid(err)
	}
	return ledger.Caller{Identity: addr, Sequence: seq}, nil
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Overview returns the location, owner and strand count.
func (s *Server) Overview(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.reg.Owner(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	n, err := s.reg.StrandCount(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return message(map[string]*structpb.Value{
		fLocation: str(s.location),
		fOwner:    hexAddr(owner),
		fCount:    structpb.NewNumberValue(float64(n)),
	}), nil
}

func (s *Server) Strand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := getU64(in, fStrandID)
	if err != nil {
		return nil, invalid(err)
	}
	st, err := s.reg.Strand(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStrand(st), nil
}

func (s *Server) StrandAt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	idx := int(in.GetFields()[fIndex].GetNumberValue())
	st, err := s.reg.StrandAt(ctx, idx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStrand(st), nil
}

func (s *Server) IsAgent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := getU64(in, fStrandID)
	if err != nil {
		return nil, invalid(err)
	}
	who, err := getAddress(in, fIdentity)
	if err != nil {
		return nil, invalid(err)
	}
	ok, err := s.reg.IsAgent(ctx, who, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return message(map[string]*structpb.Value{fAgent: structpb.NewBoolValue(ok)}), nil
}

func (s *Server) HighestBlockNumber(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.bound(ctx, in, s.reg.HighestBlockNumber)
}

func (s *Server) LowestBlockNumber(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.bound(ctx, in, s.reg.LowestBlockNumber)
}

func (s *Server) bound(ctx context.Context, in *structpb.Struct, read func(context.Context, uint64) (uint64, error)) (*structpb.Struct, error) {
	id, err := getU64(in, fStrandID)
	if err != nil {
		return nil, invalid(err)
	}
	n, err := read(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return message(map[string]*structpb.Value{fBlockNumber: u64(n)}), nil
}

func (s *Server) BlockHash(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, n, err := strandBlock(in)
	if err != nil {
		return nil, err
	}
	h, err := s.reg.BlockHash(ctx, id, n)
	if err != nil {
		return nil, toStatus(err)
	}
	return message(map[string]*structpb.Value{fBlockHash: hexHash(h)}), nil
}

func (s *Server) PreviousCheckpoint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, n, err := strandBlock(in)
	if err != nil {
		return nil, err
	}
	cp, err := s.reg.PreviousCheckpoint(ctx, id, n)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeCheckpoint(cp), nil
}

func strandBlock(in *structpb.Struct) (uint64, uint64, error) {
	id, err := getU64(in, fStrandID)
	if err != nil {
		return 0, 0, invalid(err)
	}
	n, err := getU64(in, fBlockNumber)
	if err != nil {
		return 0, 0, invalid(err)
	}
	return id, n, nil
}

func (s *Server) NextSequence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := getAddress(in, fIdentity)
	if err != nil {
		return nil, invalid(err)
	}
	n, err := s.reg.NextSequence(ctx, who)
	if err != nil {
		return nil, toStatus(err)
	}
	return message(map[string]*structpb.Value{fNext: u64(n)}), nil
}

// Verify reports whether every digest chain is intact.
func (s *Server) Verify(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	v, ok := s.reg.(ledger.Verifier)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "registry keeps no digest chain")
	}
	if err := v.Verify(ctx); err != nil {
		s.logger.Warn("registry integrity check failed", zap.Error(err))
		return message(map[string]*structpb.Value{
			fValid: structpb.NewBoolValue(false),
			fError: str(err.Error()),
		}), nil
	}
	return message(map[string]*structpb.Value{fValid: structpb.NewBoolValue(true)}), nil
}

// ── Writes ───────────────────────────────────────────────────────────────────

func (s *Server) AddStrand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.caller(ctx, in)
	if err != nil {
		return nil, err
	}
	st, err := decodeStrand(in)
	if err != nil {
		return nil, invalid(err)
	}
	out, err := s.reg.AddStrand(ctx, c, *st)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("strand added", zap.Uint64("strand", out.ID), zap.String("location", out.Location))
	return encodeStrand(out), nil
}

func (s *Server) AddAgent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.agentWrite(ctx, in, s.reg.AddAgent, "agent added")
}

func (s *Server) RemoveAgent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.agentWrite(ctx, in, s.reg.RemoveAgent, "agent removed")
}

func (s *Server) agentWrite(ctx context.Context, in *structpb.Struct,
	write func(context.Context, ledger.Caller, common.Address, uint64) error, msg string) (*structpb.Struct, error) {
	c, err := s.caller(ctx, in)
	if err != nil {
		return nil, err
	}
	id, err := getU64(in, fStrandID)
	if err != nil {
		return nil, invalid(err)
	}
	agent, err := getAddress(in, fAgent)
	if err != nil {
		return nil, invalid(err)
	}
	if err := write(ctx, c, agent, id); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info(msg, zap.Uint64("strand", id), zap.String("agent", agent.Hex()))
	return message(nil), nil
}

func (s *Server) TransferOwnership(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.caller(ctx, in)
	if err != nil {
		return nil, err
	}
	owner, err := getAddress(in, fOwner)
	if err != nil {
		return nil, invalid(err)
	}
	if err := s.reg.TransferOwnership(ctx, c, owner); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("ownership transferred", zap.String("owner", owner.Hex()))
	return message(nil), nil
}

func (s *Server) AppendCheckpoint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.caller(ctx, in)
	if err != nil {
		return nil, err
	}
	id, n, err := strandBlock(in)
	if err != nil {
		return nil, err
	}
	h, err := getHash(in, fBlockHash)
	if err != nil {
		return nil, invalid(err)
	}
	cp, err := s.reg.AppendCheckpoint(ctx, c, id, n, h)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeCheckpoint(cp), nil
}

// ── Notifications ────────────────────────────────────────────────────────────

// SubscribeCheckpoints streams appended checkpoints. The first message has
// "ready" set once the subscription is attached.
func (s *Server) SubscribeCheckpoints(_ *structpb.Struct, stream grpc.ServerStream) error {
	sub, ok := s.reg.(ledger.Subscriber)
	if !ok {
		return status.Error(codes.Unimplemented, "registry does not publish notifications")
	}
	ctx := stream.Context()
	ch, err := sub.SubscribeCheckpoints(ctx)
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendMsg(message(map[string]*structpb.Value{fReady: structpb.NewBoolValue(true)})); err != nil {
		return err
	}
	for {
		select {
		case cp, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(encodeCheckpoint(&cp)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// LoggingInterceptor returns a unary server interceptor that logs each call.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
