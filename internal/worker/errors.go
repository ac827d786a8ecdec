package worker

import "time"

// errRateLimitedDomain signals that a remote-IP-scoped rate limit rule
// denied an attempt (spec.md §4.2 Phase G.1: "set Domain's rate-limiter
// error and break to next domain"). It unwinds through the host and IP
// loops without being treated as a delivery failure.
type errRateLimitedDomain struct {
	retryAt time.Time
}

func (e *errRateLimitedDomain) Error() string { return "worker: rate limited, deferring domain" }
