// Package api
// Author: momentics <momentics@gmail.com>
//
// Scheduler contract for the single-slot deferred flush/debounce
// timers used by both peers (spec §9).

package api

// Scheduler abstracts timer scheduling so the session and client
// driver don't reach for time.AfterFunc directly, keeping the
// single-slot "at most one pending deferred flush" rule (spec §3,
// invariant 3) testable in isolation.
type Scheduler interface {
	// Schedule runs fn once, after delayNanos nanoseconds have
	// elapsed. delayNanos == 0 still defers to the next scheduling
	// tick rather than running fn inline.
	Schedule(delayNanos int64, fn func()) (Cancelable, error)

	// Cancel aborts a previously scheduled callback. No-op if it
	// already fired.
	Cancel(c Cancelable) error

	// Now returns monotonic time in nanoseconds.
	Now() int64
}
