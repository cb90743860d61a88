package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies registry failures.
type Kind uint32

const (
	// PermissionDenied: the caller is not the owner, or not an agent of the strand.
	PermissionDenied Kind = iota + 1
	// InvalidStrand: strand id 0 is reserved.
	InvalidStrand
	// DuplicateStrand: the strand id is already registered.
	DuplicateStrand
	// UnknownStrand: the strand id is not registered.
	UnknownStrand
	// EmptyStrand: the strand has no checkpoints yet.
	EmptyStrand
	// NonMonotonicWrite: the block number does not exceed the strand's highest.
	NonMonotonicWrite
	// NotRecorded: no checkpoint exists at the requested position.
	NotRecorded
	// StaleSequence: the write carries an already consumed sequence number.
	StaleSequence
)

var kindNames = map[Kind]string{
	PermissionDenied:  "PermissionDenied",
	InvalidStrand:     "InvalidStrand",
	DuplicateStrand:   "DuplicateStrand",
	UnknownStrand:     "UnknownStrand",
	EmptyStrand:       "EmptyStrand",
	NonMonotonicWrite: "NonMonotonicWrite",
	NotRecorded:       "NotRecorded",
	StaleSequence:     "StaleSequence",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// ParseKind is the inverse of Kind.String. Transports use it to rebuild
// typed errors on the client side.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Error is a registry failure of a specific Kind.
type Error struct {
	Kind        Kind
	StrandID    uint64
	BlockNumber uint64
	Msg         string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, strandID, blockNumber uint64, format string, args ...any) *Error {
	return &Error{
		Kind:        kind,
		StrandID:    strandID,
		BlockNumber: blockNumber,
		Msg:         fmt.Sprintf(format, args...),
	}
}

// IsKind reports whether err, or anything it wraps, is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == k
}

// KindOf returns the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

func errUnknownStrand(id uint64) *Error {
	return Errorf(UnknownStrand, id, 0, "strand %d is not registered", id)
}

func errEmptyStrand(id uint64) *Error {
	return Errorf(EmptyStrand, id, 0, "strand %d has no checkpoints", id)
}

func errNotRecorded(id, n uint64) *Error {
	return Errorf(NotRecorded, id, n, "no checkpoint at block %d on strand %d", n, id)
}

func errNotOwner(caller Caller) *Error {
	return Errorf(PermissionDenied, 0, 0, "%s is not the registry owner", caller.Identity.Hex())
}

func errStaleSequence(caller Caller, next uint64) *Error {
	return Errorf(StaleSequence, 0, 0, "sequence %d for %s already used, next is %d",
		caller.Sequence, caller.Identity.Hex(), next)
}
