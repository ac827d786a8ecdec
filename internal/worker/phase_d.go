package worker

import (
	"time"

	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/ratelimit"
	"github.com/driftmail/outbound/internal/retry"
	"github.com/driftmail/outbound/internal/xerrors"
)

// phaseD_senderThrottle evaluates every sender-scoped rate-limit rule
// against the Message's envelope sender, per spec.md §4.2 Phase D. Returns
// the time to retry at and whether any rule denied the attempt. Concurrency
// slots acquired by a successful IsAllowed call are given back once this
// delivery attempt's own throttle check concludes.
func (d *delivery) phaseD_senderThrottle() (time.Time, bool) {
	key := d.msg.ReturnPath
	if key == "" {
		key = "<>"
	}

	var acquired []ratelimit.Rule
	defer func() {
		for _, rule := range acquired {
			d.worker.RateLimiter.Release(rule, key)
		}
	}()

	for _, rule := range d.worker.Config.SenderRules {
		err := d.worker.RateLimiter.IsAllowed(rule, key, d.msg.SpanID.String())
		if err == nil {
			acquired = append(acquired, rule)
			continue
		}
		var rl *xerrors.RateLimitedError
		if rle, ok := err.(*xerrors.RateLimitedError); ok {
			rl = rle
		}
		if rl == nil {
			continue
		}
		return time.Unix(rl.RetryAt, 0), true
	}
	return time.Time{}, false
}

// advanceRetry applies one retry step, per spec.md §4.7 / invariant (f).
func advanceRetry(r queuemodel.Retry, schedule retry.Schedule, now time.Time) queuemodel.Retry {
	return retry.Advance(r, schedule, now)
}
