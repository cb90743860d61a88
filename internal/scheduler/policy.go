package scheduler

import "time"

// Policy is the eligibility law of one watch.
type Policy struct {
	// BlockInterval is the minimum distance between the candidate block and
	// the highest recorded checkpoint.
	BlockInterval uint64
	// TimeInterval is the minimum time between two write attempts.
	TimeInterval time.Duration
	// SpecialMultiple, when non-zero, marks every block divisible by it as
	// special: such blocks ignore both thresholds.
	SpecialMultiple uint64
}

// IsSpecial reports whether block n bypasses the thresholds.
func (p Policy) IsSpecial(n uint64) bool {
	return p.SpecialMultiple != 0 && n%p.SpecialMultiple == 0
}

// TimeDue reports whether enough time passed since the last attempt. A zero
// last attempt is always due.
func (p Policy) TimeDue(now, lastAttempt time.Time) bool {
	return lastAttempt.IsZero() || now.Sub(lastAttempt) >= p.TimeInterval
}

// BlocksDue reports whether block n is far enough above highest.
func (p Policy) BlocksDue(n, highest uint64) bool {
	return n > highest && n-highest >= p.BlockInterval
}

// Decide applies the whole law to block n. It returns the outcome name and
// whether a write should be attempted.
func (p Policy) Decide(n, highest uint64, now, lastAttempt time.Time) (string, bool) {
	special := p.IsSpecial(n)
	switch {
	case !special && !p.TimeDue(now, lastAttempt):
		return OutcomeWaitingOnTime, false
	case highest >= n:
		return OutcomeAlreadyRecorded, false
	case !special && !p.BlocksDue(n, highest):
		return OutcomeWaitingOnBlocks, false
	}
	return OutcomeSent, true
}
