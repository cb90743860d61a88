package ledger

import "github.com/ethereum/go-ethereum/common"

// The helpers below hold the write rules shared by every locally hosted
// backend. Each backend loads the relevant state inside its own transaction
// and asks these functions for a verdict before mutating anything.
//
// A caller is told it lacks permission before it is told its sequence is
// stale, and a stale sequence is reported before any content error.

func checkSequence(caller Caller, next uint64) error {
	if caller.Sequence < next {
		return errStaleSequence(caller, next)
	}
	return nil
}

func checkOwner(caller Caller, owner common.Address) error {
	if caller.Identity != owner {
		return errNotOwner(caller)
	}
	return nil
}

func checkNewStrand(s Strand, exists bool) error {
	if s.ID == 0 {
		return Errorf(InvalidStrand, 0, 0, "strand id 0 is reserved")
	}
	if exists {
		return Errorf(DuplicateStrand, s.ID, 0, "strand %d already registered", s.ID)
	}
	return nil
}

// appendState is what a backend knows about a strand when an append arrives.
type appendState struct {
	exists  bool
	isAgent bool
	count   uint64
	highest uint64
	next    uint64 // caller's expected sequence
}

// checkAppend validates an append and returns the back-pointer for the new
// checkpoint.
func checkAppend(st appendState, caller Caller, strandID, blockNumber uint64) (uint64, error) {
	if !st.exists {
		return 0, errUnknownStrand(strandID)
	}
	if !st.isAgent {
		return 0, Errorf(PermissionDenied, strandID, blockNumber,
			"%s is not an agent of strand %d", caller.Identity.Hex(), strandID)
	}
	if err := checkSequence(caller, st.next); err != nil {
		return 0, err
	}
	if blockNumber == 0 {
		return 0, Errorf(NonMonotonicWrite, strandID, blockNumber, "block number 0 cannot be recorded")
	}
	if st.count > 0 && blockNumber <= st.highest {
		return 0, Errorf(NonMonotonicWrite, strandID, blockNumber,
			"block %d does not exceed highest %d on strand %d", blockNumber, st.highest, strandID)
	}
	if st.count == 0 {
		return 0, nil
	}
	return st.highest, nil
}
