package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"
)

// Key layout. Numbers are zero padded so that badger's byte ordering matches
// numeric ordering when iterating a prefix.
const (
	ownerKey        = "owner"
	strandPrefix    = "strand_"
	strandIdxPrefix = "strandidx_"
	strandCountKey  = "strandcount"
	agentPrefix     = "agent_"
	checkpointPfx   = "cp_"
	sequencePrefix  = "seq_"
)

func strandKey(id uint64) []byte       { return []byte(fmt.Sprintf("%s%020d", strandPrefix, id)) }
func strandIdxKey(i uint64) []byte     { return []byte(fmt.Sprintf("%s%09d", strandIdxPrefix, i)) }
func checkpointPrefix(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d_", checkpointPfx, id)) }
func sequenceKey(a common.Address) []byte {
	return []byte(sequencePrefix + a.Hex())
}
func agentKey(id uint64, a common.Address) []byte {
	return []byte(fmt.Sprintf("%s%020d_%s", agentPrefix, id, a.Hex()))
}
func checkpointKey(id, n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d_%020d", checkpointPfx, id, n))
}

// storedStrand is the msgpack value under strandKey.
type storedStrand struct {
	ID          uint64 `codec:"id"`
	Location    string `codec:"loc"`
	GenesisHash []byte `codec:"gen"`
	Description string `codec:"desc"`
	CreatedAt   int64  `codec:"created"`
	Count       uint64 `codec:"count"`
	Lowest      uint64 `codec:"lo"`
	Highest     uint64 `codec:"hi"`
	Tip         []byte `codec:"tip"`
}

func (s *storedStrand) strand() *Strand {
	return &Strand{
		ID:          s.ID,
		Location:    s.Location,
		GenesisHash: common.BytesToHash(s.GenesisHash),
		Description: s.Description,
		CreatedAt:   time.Unix(0, s.CreatedAt).UTC(),
	}
}

// storedCheckpoint is the msgpack value under checkpointKey.
type storedCheckpoint struct {
	BlockHash  []byte `codec:"hash"`
	Previous   uint64 `codec:"prev"`
	Agent      []byte `codec:"agent"`
	RecordedAt int64  `codec:"at"`
	Digest     []byte `codec:"digest"`
}

var msgpack codec.MsgpackHandle

func encode(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, &msgpack).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

func decode(b []byte, v any) error {
	return codec.NewDecoderBytes(b, &msgpack).Decode(v)
}

func encodeUint(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

// BadgerRegistry persists a registry in an embedded badger database.
// Writes are serialised through a mutex so badger transactions never conflict.
type BadgerRegistry struct {
	db     *badger.DB
	path   string
	wmu    sync.Mutex
	now    func() time.Time
	events hub
	logger *zap.Logger
}

// OpenBadger opens (or creates) the registry stored in dir. owner is written
// only when the database is new; an existing database keeps its owner.
func OpenBadger(dir string, owner common.Address, logger *zap.Logger) (*BadgerRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{s: logger.Named("badger").Sugar()}
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	r := &BadgerRegistry{
		db:     db,
		path:   dir,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}

	err = db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(ownerKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(ownerKey), owner.Bytes())
		}
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("initialise owner: %w", err)
	}
	return r, nil
}

// Close releases the underlying database.
func (r *BadgerRegistry) Close() error {
	return r.db.Close()
}

// Path returns the database directory.
func (r *BadgerRegistry) Path() string { return r.path }

// ── transaction helpers ──────────────────────────────────────────────────────

func getRaw(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	return v, true, err
}

func getUint(txn *badger.Txn, key []byte) (uint64, error) {
	v, ok, err := getRaw(txn, key)
	if err != nil || !ok {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func getOwner(txn *badger.Txn) (common.Address, error) {
	v, _, err := getRaw(txn, []byte(ownerKey))
	return common.BytesToAddress(v), err
}

func getStrand(txn *badger.Txn, id uint64) (*storedStrand, error) {
	v, ok, err := getRaw(txn, strandKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	s := &storedStrand{}
	if err := decode(v, s); err != nil {
		return nil, fmt.Errorf("decode strand %d: %w", id, err)
	}
	return s, nil
}

func putStrand(txn *badger.Txn, s *storedStrand) error {
	v, err := encode(s)
	if err != nil {
		return err
	}
	return txn.Set(strandKey(s.ID), v)
}

func getCheckpoint(txn *badger.Txn, id, n uint64) (*Checkpoint, error) {
	v, ok, err := getRaw(txn, checkpointKey(id, n))
	if err != nil || !ok {
		return nil, err
	}
	sc := &storedCheckpoint{}
	if err := decode(v, sc); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d/%d: %w", id, n, err)
	}
	return &Checkpoint{
		StrandID:    id,
		BlockNumber: n,
		BlockHash:   common.BytesToHash(sc.BlockHash),
		Previous:    sc.Previous,
		Agent:       common.BytesToAddress(sc.Agent),
		RecordedAt:  time.Unix(0, sc.RecordedAt).UTC(),
		Digest:      common.BytesToHash(sc.Digest),
	}, nil
}

// write runs fn in a serialised update transaction with the caller's
// expected sequence, and consumes the sequence when fn succeeds. fn must
// check the sequence once the caller's permission is established.
func (r *BadgerRegistry) write(caller Caller, fn func(txn *badger.Txn, next uint64) error) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.db.Update(func(txn *badger.Txn) error {
		next, err := getUint(txn, sequenceKey(caller.Identity))
		if err != nil {
			return err
		}
		if err := fn(txn, next); err != nil {
			return err
		}
		return txn.Set(sequenceKey(caller.Identity), encodeUint(caller.Sequence+1))
	})
}

func (r *BadgerRegistry) ownerWrite(caller Caller, fn func(txn *badger.Txn) error) error {
	return r.write(caller, func(txn *badger.Txn, next uint64) error {
		owner, err := getOwner(txn)
		if err != nil {
			return err
		}
		if err := checkOwner(caller, owner); err != nil {
			return err
		}
		if err := checkSequence(caller, next); err != nil {
			return err
		}
		return fn(txn)
	})
}

// ── Writer ───────────────────────────────────────────────────────────────────

// AddStrand implements Registry.
func (r *BadgerRegistry) AddStrand(_ context.Context, caller Caller, s Strand) (*Strand, error) {
	s.CreatedAt = r.now()
	err := r.ownerWrite(caller, func(txn *badger.Txn) error {
		existing, err := getStrand(txn, s.ID)
		if err != nil {
			return err
		}
		if err := checkNewStrand(s, existing != nil); err != nil {
			return err
		}
		count, err := getUint(txn, []byte(strandCountKey))
		if err != nil {
			return err
		}
		if err := putStrand(txn, &storedStrand{
			ID:          s.ID,
			Location:    s.Location,
			GenesisHash: s.GenesisHash.Bytes(),
			Description: s.Description,
			CreatedAt:   s.CreatedAt.UnixNano(),
		}); err != nil {
			return err
		}
		if err := txn.Set(strandIdxKey(count), encodeUint(s.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(strandCountKey), encodeUint(count+1))
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AddAgent implements Registry.
func (r *BadgerRegistry) AddAgent(_ context.Context, caller Caller, agent common.Address, strandID uint64) error {
	return r.ownerWrite(caller, func(txn *badger.Txn) error {
		s, err := getStrand(txn, strandID)
		if err != nil {
			return err
		}
		if s == nil {
			return errUnknownStrand(strandID)
		}
		return txn.Set(agentKey(strandID, agent), []byte{1})
	})
}

// RemoveAgent implements Registry.
func (r *BadgerRegistry) RemoveAgent(_ context.Context, caller Caller, agent common.Address, strandID uint64) error {
	return r.ownerWrite(caller, func(txn *badger.Txn) error {
		s, err := getStrand(txn, strandID)
		if err != nil {
			return err
		}
		if s == nil {
			return errUnknownStrand(strandID)
		}
		return txn.Delete(agentKey(strandID, agent))
	})
}

// TransferOwnership implements Registry.
func (r *BadgerRegistry) TransferOwnership(_ context.Context, caller Caller, newOwner common.Address) error {
	return r.ownerWrite(caller, func(txn *badger.Txn) error {
		return txn.Set([]byte(ownerKey), newOwner.Bytes())
	})
}

// AppendCheckpoint implements Registry.
func (r *BadgerRegistry) AppendCheckpoint(_ context.Context, caller Caller, strandID, blockNumber uint64, blockHash common.Hash) (*Checkpoint, error) {
	var cp *Checkpoint
	err := r.write(caller, func(txn *badger.Txn, next uint64) error {
		s, err := getStrand(txn, strandID)
		if err != nil {
			return err
		}
		state := appendState{exists: s != nil, next: next}
		if s != nil {
			_, isAgent, err := getRaw(txn, agentKey(strandID, caller.Identity))
			if err != nil {
				return err
			}
			state.isAgent = isAgent
			state.count = s.Count
			state.highest = s.Highest
		}
		previous, err := checkAppend(state, caller, strandID, blockNumber)
		if err != nil {
			return err
		}

		cp = &Checkpoint{
			StrandID:    strandID,
			BlockNumber: blockNumber,
			BlockHash:   blockHash,
			Previous:    previous,
			Agent:       caller.Identity,
			RecordedAt:  r.now(),
		}
		cp.Digest = digestCheckpoint(common.BytesToHash(s.Tip), cp)

		v, err := encode(&storedCheckpoint{
			BlockHash:  blockHash.Bytes(),
			Previous:   previous,
			Agent:      caller.Identity.Bytes(),
			RecordedAt: cp.RecordedAt.UnixNano(),
			Digest:     cp.Digest.Bytes(),
		})
		if err != nil {
			return err
		}
		if err := txn.Set(checkpointKey(strandID, blockNumber), v); err != nil {
			return err
		}
		if s.Count == 0 {
			s.Lowest = blockNumber
		}
		s.Count++
		s.Highest = blockNumber
		s.Tip = cp.Digest.Bytes()
		return putStrand(txn, s)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("checkpoint appended",
		zap.Uint64("strand", strandID),
		zap.Uint64("block", blockNumber),
	)
	r.events.publish(*cp)
	return cp, nil
}

// ── Reader ───────────────────────────────────────────────────────────────────

// Owner implements Registry.
func (r *BadgerRegistry) Owner(_ context.Context) (common.Address, error) {
	var owner common.Address
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		owner, err = getOwner(txn)
		return err
	})
	return owner, err
}

func (r *BadgerRegistry) viewStrand(id uint64) (*storedStrand, error) {
	var s *storedStrand
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = getStrand(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errUnknownStrand(id)
	}
	return s, nil
}

// Strand implements Registry.
func (r *BadgerRegistry) Strand(_ context.Context, id uint64) (*Strand, error) {
	s, err := r.viewStrand(id)
	if err != nil {
		return nil, err
	}
	return s.strand(), nil
}

// StrandCount implements Registry.
func (r *BadgerRegistry) StrandCount(_ context.Context) (int, error) {
	var n uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getUint(txn, []byte(strandCountKey))
		return err
	})
	return int(n), err
}

// StrandAt implements Registry.
func (r *BadgerRegistry) StrandAt(_ context.Context, index int) (*Strand, error) {
	if index < 0 {
		return nil, Errorf(UnknownStrand, 0, 0, "no strand at index %d", index)
	}
	var s *storedStrand
	err := r.db.View(func(txn *badger.Txn) error {
		v, ok, err := getRaw(txn, strandIdxKey(uint64(index)))
		if err != nil {
			return err
		}
		if !ok {
			return Errorf(UnknownStrand, 0, 0, "no strand at index %d", index)
		}
		s, err = getStrand(txn, binary.BigEndian.Uint64(v))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.strand(), nil
}

// IsAgent implements Registry.
func (r *BadgerRegistry) IsAgent(_ context.Context, identity common.Address, strandID uint64) (bool, error) {
	var ok bool
	err := r.db.View(func(txn *badger.Txn) error {
		s, err := getStrand(txn, strandID)
		if err != nil {
			return err
		}
		if s == nil {
			return errUnknownStrand(strandID)
		}
		_, ok, err = getRaw(txn, agentKey(strandID, identity))
		return err
	})
	return ok, err
}

// HighestBlockNumber implements Registry.
func (r *BadgerRegistry) HighestBlockNumber(_ context.Context, strandID uint64) (uint64, error) {
	s, err := r.viewStrand(strandID)
	if err != nil {
		return 0, err
	}
	if s.Count == 0 {
		return 0, errEmptyStrand(strandID)
	}
	return s.Highest, nil
}

// LowestBlockNumber implements Registry.
func (r *BadgerRegistry) LowestBlockNumber(_ context.Context, strandID uint64) (uint64, error) {
	s, err := r.viewStrand(strandID)
	if err != nil {
		return 0, err
	}
	if s.Count == 0 {
		return 0, errEmptyStrand(strandID)
	}
	return s.Lowest, nil
}

func (r *BadgerRegistry) viewCheckpoint(strandID, n uint64) (*Checkpoint, error) {
	var cp *Checkpoint
	err := r.db.View(func(txn *badger.Txn) error {
		s, err := getStrand(txn, strandID)
		if err != nil {
			return err
		}
		if s == nil {
			return errUnknownStrand(strandID)
		}
		cp, err = getCheckpoint(txn, strandID, n)
		if err != nil {
			return err
		}
		if cp == nil {
			return errNotRecorded(strandID, n)
		}
		return nil
	})
	return cp, err
}

// BlockHash implements Registry.
func (r *BadgerRegistry) BlockHash(_ context.Context, strandID, blockNumber uint64) (common.Hash, error) {
	cp, err := r.viewCheckpoint(strandID, blockNumber)
	if err != nil {
		return common.Hash{}, err
	}
	return cp.BlockHash, nil
}

// PreviousCheckpoint implements Registry.
func (r *BadgerRegistry) PreviousCheckpoint(_ context.Context, strandID, blockNumber uint64) (*Checkpoint, error) {
	cp, err := r.viewCheckpoint(strandID, blockNumber)
	if err != nil {
		return nil, err
	}
	if cp.Previous == 0 {
		return nil, Errorf(NotRecorded, strandID, blockNumber,
			"block %d is the first checkpoint on strand %d", blockNumber, strandID)
	}
	return r.viewCheckpoint(strandID, cp.Previous)
}

// NextSequence implements Registry.
func (r *BadgerRegistry) NextSequence(_ context.Context, identity common.Address) (uint64, error) {
	var n uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getUint(txn, sequenceKey(identity))
		return err
	})
	return n, err
}

// SubscribeCheckpoints implements Subscriber. Only appends made through this
// process are delivered.
func (r *BadgerRegistry) SubscribeCheckpoints(ctx context.Context) (<-chan Checkpoint, error) {
	return r.events.subscribe(ctx), nil
}

// Verify implements Verifier.
func (r *BadgerRegistry) Verify(_ context.Context) error {
	return r.db.View(func(txn *badger.Txn) error {
		count, err := getUint(txn, []byte(strandCountKey))
		if err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			v, _, err := getRaw(txn, strandIdxKey(i))
			if err != nil {
				return err
			}
			id := binary.BigEndian.Uint64(v)

			var cps []*Checkpoint
			prefix := checkpointPrefix(id)
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var n uint64
				if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d", &n); err != nil {
					it.Close()
					return fmt.Errorf("parse checkpoint key: %w", err)
				}
				cp, err := getCheckpoint(txn, id, n)
				if err != nil {
					it.Close()
					return err
				}
				cps = append(cps, cp)
			}
			it.Close()

			if err := verifyChain(id, cps); err != nil {
				return err
			}
		}
		return nil
	})
}
