package grpcapi

import (
	"errors"

	"github.com/jmerrifield20/braided/internal/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CodeForKind maps a registry error kind to its gRPC status code.
func CodeForKind(k ledger.Kind) codes.Code {
	switch k {
	case ledger.PermissionDenied:
		return codes.PermissionDenied
	case ledger.InvalidStrand:
		return codes.InvalidArgument
	case ledger.UnknownStrand, ledger.EmptyStrand, ledger.NotRecorded:
		return codes.NotFound
	case ledger.DuplicateStrand:
		return codes.AlreadyExists
	case ledger.NonMonotonicWrite, ledger.StaleSequence:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus converts a registry error into a status error. Typed errors carry
// their kind, strand and block number as a Struct detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var le *ledger.Error
	if !errors.As(err, &le) {
		return status.Error(codes.Internal, "registry failure")
	}
	st := status.New(CodeForKind(le.Kind), le.Msg)
	detailed, derr := st.WithDetails(message(map[string]*structpb.Value{
		fKind:        str(le.Kind.String()),
		fStrandID:    u64(le.StrandID),
		fBlockNumber: u64(le.BlockNumber),
	}))
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// fromStatus rebuilds a *ledger.Error from a status error when the server
// attached one; other errors are returned unchanged.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		m, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		name, err := getString(m, fKind)
		if err != nil {
			continue
		}
		kind, ok := ledger.ParseKind(name)
		if !ok {
			continue
		}
		strandID, _ := getU64(m, fStrandID)
		blockNumber, _ := getU64(m, fBlockNumber)
		return &ledger.Error{Kind: kind, StrandID: strandID, BlockNumber: blockNumber, Msg: st.Message()}
	}
	return err
}

func invalid(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}
