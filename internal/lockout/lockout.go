// Package lockout holds the pure decision logic for threshold-based account
// lockout. It never touches storage; callers apply its verdicts inside their
// own per-account transactions.
package lockout

import "time"

// Policy evaluates failed-attempt counters against a fixed threshold and a
// lock duration. Duration of zero disables automatic expiry: locks then
// clear only through administrative unlock.
type Policy struct {
	Threshold int
	Duration  time.Duration
}

// ShouldLock reports whether an account with the given failed-attempt count
// must transition to locked.
func (p Policy) ShouldLock(failedAttempts int) bool {
	return failedAttempts >= p.Threshold
}

// Expired reports whether a lock placed at lockedAt has run out as of now.
func (p Policy) Expired(lockedAt, now time.Time) bool {
	if p.Duration <= 0 {
		return false
	}
	return now.After(lockedAt.Add(p.Duration))
}

// Remaining returns how much lock time is left, or zero if the lock has
// expired or never expires on its own.
func (p Policy) Remaining(lockedAt, now time.Time) time.Duration {
	if p.Duration <= 0 {
		return 0
	}
	rem := lockedAt.Add(p.Duration).Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}
