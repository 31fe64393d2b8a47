// Package ratelimit enforces the minimum interval between generation
// requests. It is stateless on purpose: the only input is the dispatch
// timestamp persisted on the profile, so a process restart cannot reset
// anyone's window and every user is naturally independent.
package ratelimit

import "time"

// Check reports whether a generation dispatched at last may run again at
// now. When disallowed, wait is the remaining time, rounded up to whole
// seconds so "try again in 0s" is never reported for a denied request.
func Check(last time.Time, now time.Time, window time.Duration) (allowed bool, wait time.Duration) {
	if last.IsZero() {
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed >= window {
		return true, 0
	}
	wait = window - elapsed
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return false, wait
}
