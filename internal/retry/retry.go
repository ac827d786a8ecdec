// Package retry implements the Retry Scheduler (C7): a configured duration
// vector drives a Domain's backoff, replacing the teacher's exponential
// formula with the spec's explicit schedule lookup.
package retry

import (
	"time"

	"github.com/driftmail/outbound/internal/queuemodel"
)

// Schedule is the configured sequence of Durations a Domain's retries
// advance through, e.g. [2m, 10m, 1h, 6h, 24h]. Once inner reaches the last
// index, every further attempt reuses the final Duration.
type Schedule []time.Duration

// At returns the Duration to wait for the given zero-based attempt count,
// clamped to the schedule's last entry. An empty Schedule yields zero,
// meaning immediate retry — callers should avoid configuring one.
func (s Schedule) At(inner int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if inner < 0 {
		inner = 0
	}
	if inner >= len(s) {
		inner = len(s) - 1
	}
	return s[inner]
}

// Advance applies one retry step to r using now as the base time: due is
// set to now+schedule[min(inner,len-1)], using inner before the increment,
// and then inner is incremented. Per spec.md invariant (f), due is never
// set below now and inner only ever increases. A previous due later than
// the new value is overwritten, so due itself can move earlier.
func Advance(r queuemodel.Retry, schedule Schedule, now time.Time) queuemodel.Retry {
	next := r
	next.Due = now.Add(schedule.At(r.Inner))
	next.Inner = r.Inner + 1
	return next
}

// Expired reports whether a Domain's expiry cutoff has passed, independent
// of its retry.inner counter.
func Expired(expires time.Time, now time.Time) bool {
	return !expires.After(now)
}
