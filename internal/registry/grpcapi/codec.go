package grpcapi

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/braided/internal/ledger"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field names shared by requests and responses.
const (
	fStrandID    = "strand_id"
	fBlockNumber = "block_number"
	fBlockHash   = "block_hash"
	fSequence    = "sequence"
	fIdentity    = "identity"
	fAgent       = "agent"
	fOwner       = "owner"
	fIndex       = "index"
	fCount       = "count"
	fLocation    = "location"
	fGenesisHash = "genesis_hash"
	fDescription = "description"
	fCreatedAt   = "created_at"
	fPrevious    = "previous"
	fRecordedAt  = "recorded_at"
	fDigest      = "digest"
	fNext        = "next"
	fValid       = "valid"
	fError       = "error"
	fReady       = "ready"
	fKind        = "kind"
)

// message builds a Struct from already converted values.
func message(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func u64(n uint64) *structpb.Value { return structpb.NewStringValue(strconv.FormatUint(n, 10)) }
func str(s string) *structpb.Value { return structpb.NewStringValue(s) }
func hexHash(h common.Hash) *structpb.Value {
	return structpb.NewStringValue(h.Hex())
}
func hexAddr(a common.Address) *structpb.Value {
	return structpb.NewStringValue(a.Hex())
}
func timestamp(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func getString(m *structpb.Struct, key string) (string, error) {
	v, ok := m.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return s.StringValue, nil
}

func getU64(m *structpb.Struct, key string) (uint64, error) {
	s, err := getString(m, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q must be a decimal uint64: %w", key, err)
	}
	return n, nil
}

func getHash(m *structpb.Struct, key string) (common.Hash, error) {
	s, err := getString(m, key)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(s), nil
}

func getAddress(m *structpb.Struct, key string) (common.Address, error) {
	s, err := getString(m, key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("field %q must be a hex address", key)
	}
	return common.HexToAddress(s), nil
}

func getTime(m *structpb.Struct, key string) (time.Time, error) {
	s, err := getString(m, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

func encodeStrand(s *ledger.Strand) *structpb.Struct {
	return message(map[string]*structpb.Value{
		fStrandID:    u64(s.ID),
		fLocation:    str(s.Location),
		fGenesisHash: hexHash(s.GenesisHash),
		fDescription: str(s.Description),
		fCreatedAt:   timestamp(s.CreatedAt),
	})
}

func decodeStrand(m *structpb.Struct) (*ledger.Strand, error) {
	var (
		s   ledger.Strand
		err error
	)
	if s.ID, err = getU64(m, fStrandID); err != nil {
		return nil, err
	}
	if s.Location, err = getString(m, fLocation); err != nil {
		return nil, err
	}
	if s.GenesisHash, err = getHash(m, fGenesisHash); err != nil {
		return nil, err
	}
	if s.Description, err = getString(m, fDescription); err != nil {
		return nil, err
	}
	if _, ok := m.GetFields()[fCreatedAt]; ok {
		if s.CreatedAt, err = getTime(m, fCreatedAt); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func encodeCheckpoint(cp *ledger.Checkpoint) *structpb.Struct {
	return message(map[string]*structpb.Value{
		fStrandID:    u64(cp.StrandID),
		fBlockNumber: u64(cp.BlockNumber),
		fBlockHash:   hexHash(cp.BlockHash),
		fPrevious:    u64(cp.Previous),
		fAgent:       hexAddr(cp.Agent),
		fRecordedAt:  timestamp(cp.RecordedAt),
		fDigest:      hexHash(cp.Digest),
	})
}

func decodeCheckpoint(m *structpb.Struct) (*ledger.Checkpoint, error) {
	var (
		cp  ledger.Checkpoint
		err error
	)
	if cp.StrandID, err = getU64(m, fStrandID); err != nil {
		return nil, err
	}
	if cp.BlockNumber, err = getU64(m, fBlockNumber); err != nil {
		return nil, err
	}
	if cp.BlockHash, err = getHash(m, fBlockHash); err != nil {
		return nil, err
	}
	if cp.Previous, err = getU64(m, fPrevious); err != nil {
		return nil, err
	}
	if cp.Agent, err = getAddress(m, fAgent); err != nil {
		return nil, err
	}
	if cp.RecordedAt, err = getTime(m, fRecordedAt); err != nil {
		return nil, err
	}
	if cp.Digest, err = getHash(m, fDigest); err != nil {
		return nil, err
	}
	return &cp, nil
}
