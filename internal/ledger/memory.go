package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type memStrand struct {
	strand      Strand
	agents      map[common.Address]bool
	checkpoints map[uint64]*Checkpoint
	count       uint64
	lowest      uint64
	highest     uint64
	tip         common.Hash
}

// MemoryRegistry is an in-memory, thread-safe Registry implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryRegistry struct {
	mu        sync.RWMutex
	owner     common.Address
	strands   map[uint64]*memStrand
	order     []uint64
	sequences map[common.Address]uint64
	now       func() time.Time
	events    hub
}

// NewMemory creates an empty MemoryRegistry owned by owner.
func NewMemory(owner common.Address) *MemoryRegistry {
	return &MemoryRegistry{
		owner:     owner,
		strands:   make(map[uint64]*memStrand),
		sequences: make(map[common.Address]uint64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// consume must be called with the write lock held, after every check passed.
func (r *MemoryRegistry) consume(caller Caller) {
	r.sequences[caller.Identity] = caller.Sequence + 1
}

// AddStrand implements Registry.
func (r *MemoryRegistry) AddStrand(_ context.Context, caller Caller, s Strand) (*Strand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := checkOwner(caller, r.owner); err != nil {
		return nil, err
	}
	if err := checkSequence(caller, r.sequences[caller.Identity]); err != nil {
		return nil, err
	}
	_, exists := r.strands[s.ID]
	if err := checkNewStrand(s, exists); err != nil {
		return nil, err
	}

	s.CreatedAt = r.now()
	r.strands[s.ID] = &memStrand{
		strand:      s,
		agents:      make(map[common.Address]bool),
		checkpoints: make(map[uint64]*Checkpoint),
	}
	r.order = append(r.order, s.ID)
	r.consume(caller)
	out := s
	return &out, nil
}

// AddAgent implements Registry.
func (r *MemoryRegistry) AddAgent(_ context.Context, caller Caller, agent common.Address, strandID uint64) error {
	return r.setAgent(caller, agent, strandID, true)
}

// RemoveAgent implements Registry.
func (r *MemoryRegistry) RemoveAgent(_ context.Context, caller Caller, agent common.Address, strandID uint64) error {
	return r.setAgent(caller, agent, strandID, false)
}

func (r *MemoryRegistry) setAgent(caller Caller, agent common.Address, strandID uint64, allowed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := checkOwner(caller, r.owner); err != nil {
		return err
	}
	if err := checkSequence(caller, r.sequences[caller.Identity]); err != nil {
		return err
	}
	st, ok := r.strands[strandID]
	if !ok {
		return errUnknownStrand(strandID)
	}
	if allowed {
		st.agents[agent] = true
	} else {
		delete(st.agents, agent)
	}
	r.consume(caller)
	return nil
}

// TransferOwnership implements Registry.
func (r *MemoryRegistry) TransferOwnership(_ context.Context, caller Caller, newOwner common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := checkOwner(caller, r.owner); err != nil {
		return err
	}
	if err := checkSequence(caller, r.sequences[caller.Identity]); err != nil {
		return err
	}
	r.owner = newOwner
	r.consume(caller)
	return nil
}

// AppendCheckpoint implements Registry.
func (r *MemoryRegistry) AppendCheckpoint(_ context.Context, caller Caller, strandID, blockNumber uint64, blockHash common.Hash) (*Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.strands[strandID]
	state := appendState{exists: st != nil, next: r.sequences[caller.Identity]}
	if st != nil {
		state.isAgent = st.agents[caller.Identity]
		state.count = st.count
		state.highest = st.highest
	}
	previous, err := checkAppend(state, caller, strandID, blockNumber)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		StrandID:    strandID,
		BlockNumber: blockNumber,
		BlockHash:   blockHash,
		Previous:    previous,
		Agent:       caller.Identity,
		RecordedAt:  r.now(),
	}
	cp.Digest = digestCheckpoint(st.tip, cp)

	st.checkpoints[blockNumber] = cp
	if st.count == 0 {
		st.lowest = blockNumber
	}
	st.count++
	st.highest = blockNumber
	st.tip = cp.Digest
	r.consume(caller)

	r.events.publish(*cp)
	out := *cp
	return &out, nil
}

// Owner implements Registry.
func (r *MemoryRegistry) Owner(_ context.Context) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner, nil
}

// Strand implements Registry.
func (r *MemoryRegistry) Strand(_ context.Context, id uint64) (*Strand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.strands[id]
	if !ok {
		return nil, errUnknownStrand(id)
	}
	out := st.strand
	return &out, nil
}

// StrandCount implements Registry.
func (r *MemoryRegistry) StrandCount(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order), nil
}

// StrandAt implements Registry.
func (r *MemoryRegistry) StrandAt(_ context.Context, index int) (*Strand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.order) {
		return nil, Errorf(UnknownStrand, 0, 0, "no strand at index %d", index)
	}
	out := r.strands[r.order[index]].strand
	return &out, nil
}

// IsAgent implements Registry.
func (r *MemoryRegistry) IsAgent(_ context.Context, identity common.Address, strandID uint64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.strands[strandID]
	if !ok {
		return false, errUnknownStrand(strandID)
	}
	return st.agents[identity], nil
}

// HighestBlockNumber implements Registry.
func (r *MemoryRegistry) HighestBlockNumber(_ context.Context, strandID uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, err := r.nonEmpty(strandID)
	if err != nil {
		return 0, err
	}
	return st.highest, nil
}

// LowestBlockNumber implements Registry.
func (r *MemoryRegistry) LowestBlockNumber(_ context.Context, strandID uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, err := r.nonEmpty(strandID)
	if err != nil {
		return 0, err
	}
	return st.lowest, nil
}

func (r *MemoryRegistry) nonEmpty(strandID uint64) (*memStrand, error) {
	st, ok := r.strands[strandID]
	if !ok {
		return nil, errUnknownStrand(strandID)
	}
	if st.count == 0 {
		return nil, errEmptyStrand(strandID)
	}
	return st, nil
}

// BlockHash implements Registry.
func (r *MemoryRegistry) BlockHash(_ context.Context, strandID, blockNumber uint64) (common.Hash, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.strands[strandID]
	if !ok {
		return common.Hash{}, errUnknownStrand(strandID)
	}
	cp, ok := st.checkpoints[blockNumber]
	if !ok {
		return common.Hash{}, errNotRecorded(strandID, blockNumber)
	}
	return cp.BlockHash, nil
}

// PreviousCheckpoint implements Registry.
func (r *MemoryRegistry) PreviousCheckpoint(_ context.Context, strandID, blockNumber uint64) (*Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.strands[strandID]
	if !ok {
		return nil, errUnknownStrand(strandID)
	}
	cp, ok := st.checkpoints[blockNumber]
	if !ok {
		return nil, errNotRecorded(strandID, blockNumber)
	}
	if cp.Previous == 0 {
		return nil, Errorf(NotRecorded, strandID, blockNumber,
			"block %d is the first checkpoint on strand %d", blockNumber, strandID)
	}
	out := *st.checkpoints[cp.Previous]
	return &out, nil
}

// NextSequence implements Registry.
func (r *MemoryRegistry) NextSequence(_ context.Context, identity common.Address) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sequences[identity], nil
}

// SubscribeCheckpoints implements Subscriber.
func (r *MemoryRegistry) SubscribeCheckpoints(ctx context.Context) (<-chan Checkpoint, error) {
	return r.events.subscribe(ctx), nil
}

// Verify implements Verifier.
func (r *MemoryRegistry) Verify(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		st := r.strands[id]
		cps := make([]*Checkpoint, 0, len(st.checkpoints))
		for _, cp := range st.checkpoints {
			cps = append(cps, cp)
		}
		sort.Slice(cps, func(i, j int) bool { return cps[i].BlockNumber < cps[j].BlockNumber })
		if err := verifyChain(id, cps); err != nil {
			return err
		}
	}
	return nil
}
