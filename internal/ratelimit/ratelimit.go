// Package ratelimit implements the Rate Limiter (C5): sender-, recipient-
// domain-, and remote-IP-scoped leaky-bucket rules that return a retry-after
// time on denial instead of blocking.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftmail/outbound/internal/xerrors"
)

// Scope identifies which envelope attribute a Rule's key is drawn from, per
// spec.md §4.5.
type Scope int

const (
	ScopeSender Scope = iota
	ScopeRecipientDomain
	ScopeRemoteIP
)

func (s Scope) String() string {
	switch s {
	case ScopeSender:
		return "sender"
	case ScopeRecipientDomain:
		return "rcpt_domain"
	case ScopeRemoteIP:
		return "remote_ip"
	default:
		return "unknown"
	}
}

// Rule configures one rate-limit check: N events per Interval, keyed per
// Scope, with an optional concurrency cap (0 means unbounded).
type Rule struct {
	ID           string
	Scope        Scope
	N            int
	Interval     time.Duration
	Concurrency  int
}

// bucket pairs a token-bucket limiter with an optional concurrency
// semaphore and a last-use timestamp for reaping.
type bucket struct {
	limiter *rate.Limiter
	conc    chan struct{}
	lastUse time.Time
}

// Limiter evaluates Rules against keyed buckets. One Limiter instance is
// meant to be shared by every delivery worker; its buckets are the only
// mutable state workers touch concurrently, guarded by mu.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// ReapInterval is how long a bucket must have been idle before it may
	// be evicted. Eviction only happens when a new key arrives while
	// MaxBuckets buckets are held.
	ReapInterval time.Duration
	// MaxBuckets caps memory use; beyond this, stale buckets are evicted
	// before a new key is admitted.
	MaxBuckets int
}

// New returns a Limiter with reasonable defaults for bucket bookkeeping.
func New() *Limiter {
	return &Limiter{
		buckets:      make(map[string]*bucket),
		ReapInterval: 10 * time.Minute,
		MaxBuckets:   100_000,
	}
}

func bucketKey(rule Rule, key string) string {
	return fmt.Sprintf("%s/%s/%s", rule.ID, rule.Scope, key)
}

func (l *Limiter) getBucket(rule Rule, key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	bk := bucketKey(rule, key)
	b, ok := l.buckets[bk]
	if ok {
		b.lastUse = time.Now()
		return b
	}

	if len(l.buckets) >= l.MaxBuckets {
		now := time.Now()
		for k, v := range l.buckets {
			if now.Sub(v.lastUse) > l.ReapInterval {
				delete(l.buckets, k)
			}
		}
	}

	limit := rate.Every(rule.Interval / time.Duration(maxInt(rule.N, 1)))
	b = &bucket{
		limiter: rate.NewLimiter(limit, maxInt(rule.N, 1)),
		lastUse: time.Now(),
	}
	if rule.Concurrency > 0 {
		b.conc = make(chan struct{}, rule.Concurrency)
	}
	l.buckets[bk] = b
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IsAllowed evaluates rule against key (the sender address, recipient
// domain, or remote IP depending on rule.Scope). On denial it returns a
// RateLimitedError carrying the time the caller should retry at; per
// spec.md P5, the caller must never treat this as advancing a retry
// counter. spanID is not used: the returned error does not carry it.
func (l *Limiter) IsAllowed(rule Rule, key string, spanID string) error {
	b := l.getBucket(rule, key)

	if b.conc != nil {
		select {
		case b.conc <- struct{}{}:
		default:
			return &xerrors.RateLimitedError{
				RuleID:  rule.ID,
				RetryAt: time.Now().Add(time.Second).Unix(),
			}
		}
	}

	res := b.limiter.Reserve()
	if !res.OK() {
		if b.conc != nil {
			<-b.conc
		}
		return &xerrors.RateLimitedError{RuleID: rule.ID, RetryAt: time.Now().Add(rule.Interval).Unix()}
	}

	delay := res.Delay()
	if delay <= 0 {
		return nil
	}

	res.Cancel()
	if b.conc != nil {
		<-b.conc
	}
	return &xerrors.RateLimitedError{
		RuleID:  rule.ID,
		RetryAt: time.Now().Add(delay).Unix(),
	}
}

// Release gives back a concurrency slot acquired by a successful IsAllowed
// call for a rule with Concurrency > 0. Callers that only use count/interval
// rules (Concurrency == 0) need not call it.
func (l *Limiter) Release(rule Rule, key string) {
	b := l.getBucket(rule, key)
	if b.conc == nil {
		return
	}
	select {
	case <-b.conc:
	default:
	}
}
