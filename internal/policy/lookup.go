// Package policy implements the Policy Resolver (C3): cached MX, IP, TLSA
// (DNSSEC), MTA-STS and TLS-RPT lookups, plus the RFC 7672 DANE certificate
// classifier in dane_verify.go.
package policy

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftmail/outbound/internal/dnsutil"
	"github.com/driftmail/outbound/internal/log"
	"github.com/driftmail/outbound/internal/policy/mtastscache"
	"github.com/driftmail/outbound/internal/xerrors"
)

// Outcome tags the three-way result every lookup in this package can
// surface, per spec.md §4.3: "Ok", "NotFound", and transient "DnsError".
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeError
)

type cacheEntry struct {
	expires time.Time
	outcome Outcome
	err     error
}

// ttlCache is a plain name-keyed cache with bounded negative-result TTL,
// shared by every lookup kind in this package.
type ttlCache[T any] struct {
	mu         sync.Mutex
	entries    map[string]ttlValue[T]
	negTTL     time.Duration
	positiveTTL func(T) time.Duration
}

type ttlValue[T any] struct {
	value   T
	outcome Outcome
	err     error
	expires time.Time
}

func newTTLCache[T any](negTTL time.Duration, positiveTTL func(T) time.Duration) *ttlCache[T] {
	return &ttlCache[T]{
		entries:     make(map[string]ttlValue[T]),
		negTTL:      negTTL,
		positiveTTL: positiveTTL,
	}
}

func (c *ttlCache[T]) get(key string) (ttlValue[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok || time.Now().After(v.expires) {
		return ttlValue[T]{}, false
	}
	return v, true
}

func (c *ttlCache[T]) putOK(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlValue[T]{value: value, outcome: OutcomeOK, expires: time.Now().Add(c.positiveTTL(value))}
}

func (c *ttlCache[T]) putNegative(key string, outcome Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlValue[T]{outcome: outcome, err: err, expires: time.Now().Add(c.negTTL)}
}

// Resolver is the Policy Resolver. All its methods are safe for concurrent
// use by many delivery workers; the DNS caches are process-wide and
// read-shared per spec.md §5 Shared resources.
type Resolver struct {
	DNS   *dnsutil.ExtResolver
	MTASTS *mtastscache.Cache

	MaxMX         int
	MaxMultihomed int

	mxCache     *ttlCache[[]*net.MX]
	ipCache     *ttlCache[[]net.IPAddr]
	tlsaCache   *ttlCache[TLSAResult]
	tlsrptCache *ttlCache[[]string]
}

// NewResolver returns a Resolver with the spec's default bounds: at most 5
// MX hosts, at most 2 addresses per host.
func NewResolver(dns *dnsutil.ExtResolver, logger log.Logger) *Resolver {
	return &Resolver{
		DNS:           dns,
		MTASTS:        mtastscache.NewCache(dns, logger),
		MaxMX:         5,
		MaxMultihomed: 2,
		mxCache:       newTTLCache[[]*net.MX](5*time.Minute, func([]*net.MX) time.Duration { return 10 * time.Minute }),
		ipCache:       newTTLCache[[]net.IPAddr](5*time.Minute, func([]net.IPAddr) time.Duration { return 5 * time.Minute }),
		tlsaCache:     newTTLCache[TLSAResult](5*time.Minute, func(TLSAResult) time.Duration { return 10 * time.Minute }),
		tlsrptCache:   newTTLCache[[]string](30*time.Minute, func([]string) time.Duration { return time.Hour }),
	}
}

// MTASTSLookup fetches (or returns the cached) MTA-STS policy for domain.
// A nil, nil return means the domain has no usable policy this round and
// MX validation should proceed unconstrained, per RFC 8461 §5's "Policy
// Application Control Flow": the caller must not delete a previously
// enforced policy just because this lookup round failed to confirm it.
func (r *Resolver) MTASTSLookup(ctx context.Context, domain string) (*mtastscache.Policy, error) {
	p, err := r.MTASTS.Get(ctx, domain)
	if err != nil {
		if mtastscache.IsNoPolicy(err) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// MXHost is one bounded, ordered remote host candidate.
type MXHost struct {
	Host string
	Pref uint16
	// NullMX is true when this is the single "." MX record per RFC 7505.
	NullMX bool
}

// MXLookup resolves domain's MX set, applying implicit-MX fallback
// (spec.md §4.2 Phase E.3: "single host = domain itself") when no MX
// records exist, and truncating to MaxMX entries in preference order.
func (r *Resolver) MXLookup(ctx context.Context, domain string) ([]MXHost, Outcome, error) {
	key := "mx:" + domain
	if v, ok := r.mxCache.get(key); ok {
		return toMXHosts(v.value, r.MaxMX), v.outcome, v.err
	}

	_, mxs, err := r.DNS.AuthLookupMX(ctx, domain)
	if err != nil {
		if dnsutil.IsNotFound(err) {
			// RFC 5321 §5.1 implicit MX: no record means try the domain
			// itself as the sole host.
			implicit := []*net.MX{{Host: dnsutil.FQDN(domain), Pref: 0}}
			r.mxCache.putOK(key, implicit)
			return toMXHosts(implicit, r.MaxMX), OutcomeOK, nil
		}
		r.mxCache.putNegative(key, OutcomeError, err)
		return nil, OutcomeError, &xerrors.DNSError{Op: "mx", Name: domain, Err: err, Temp: true}
	}

	if len(mxs) == 0 {
		implicit := []*net.MX{{Host: dnsutil.FQDN(domain), Pref: 0}}
		r.mxCache.putOK(key, implicit)
		return toMXHosts(implicit, r.MaxMX), OutcomeOK, nil
	}

	r.mxCache.putOK(key, mxs)
	return toMXHosts(mxs, r.MaxMX), OutcomeOK, nil
}

func toMXHosts(mxs []*net.MX, max int) []MXHost {
	sorted := append([]*net.MX(nil), mxs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pref < sorted[j].Pref })

	out := make([]MXHost, 0, len(sorted))
	for _, mx := range sorted {
		out = append(out, MXHost{
			Host:   strings.TrimSuffix(mx.Host, "."),
			Pref:   mx.Pref,
			NullMX: mx.Host == ".",
		})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// IPLookup resolves host's A/AAAA records, bounded to MaxMultihomed
// addresses, per spec.md §4.3 ip_lookup.
func (r *Resolver) IPLookup(ctx context.Context, host string) ([]net.IPAddr, Outcome, error) {
	key := "ip:" + host
	if v, ok := r.ipCache.get(key); ok {
		return boundAddrs(v.value, r.MaxMultihomed), v.outcome, v.err
	}

	_, addrs, err := r.DNS.AuthLookupIPAddr(ctx, host)
	if err != nil {
		if dnsutil.IsNotFound(err) {
			r.ipCache.putNegative(key, OutcomeNotFound, nil)
			return nil, OutcomeNotFound, nil
		}
		r.ipCache.putNegative(key, OutcomeError, err)
		return nil, OutcomeError, &xerrors.DNSError{Op: "ip", Name: host, Err: err, Temp: true}
	}

	r.ipCache.putOK(key, addrs)
	return boundAddrs(addrs, r.MaxMultihomed), OutcomeOK, nil
}

func boundAddrs(addrs []net.IPAddr, max int) []net.IPAddr {
	if max <= 0 || len(addrs) <= max {
		return addrs
	}
	return addrs[:max]
}

// TLSAResult classifies a DANE lookup's three outcomes per spec.md §4.2
// Phase F: Signed (with records, possibly empty after filtering), and
// whether the answer was DNSSEC-authenticated.
type TLSAResult struct {
	Records       []dnsutil.TLSA
	DNSSECSigned  bool
}

// TLSALookup fetches TLSA records for _25._tcp.<host>. An unsigned (no AD
// flag) positive answer is reported as DNSSECSigned=false with the records
// still populated, so the caller can apply spec.md's "not DNSSEC-signed ⇒
// strict-dependent" classification.
func (r *Resolver) TLSALookup(ctx context.Context, host string) (TLSAResult, Outcome, error) {
	key := "tlsa:" + host
	if v, ok := r.tlsaCache.get(key); ok {
		return v.value, v.outcome, v.err
	}

	ad, recs, err := r.DNS.AuthLookupTLSA(ctx, "25", "tcp", host)
	if err != nil {
		if dnsutil.IsNotFound(err) {
			r.tlsaCache.putNegative(key, OutcomeNotFound, nil)
			return TLSAResult{}, OutcomeNotFound, nil
		}
		r.tlsaCache.putNegative(key, OutcomeError, err)
		return TLSAResult{}, OutcomeError, &xerrors.DNSError{Op: "tlsa", Name: host, Err: err, Temp: true}
	}

	res := TLSAResult{Records: recs, DNSSECSigned: ad}
	r.tlsaCache.putOK(key, res)
	return res, OutcomeOK, nil
}

// TLSRPTLookup fetches and parses the _smtp._tls.<domain> TXT record per
// RFC 8460 §3.
func (r *Resolver) TLSRPTLookup(ctx context.Context, domain string) (*TLSRPTRecord, Outcome, error) {
	name := "_smtp._tls." + domain
	key := "tlsrpt:" + domain
	if v, ok := r.tlsrptCache.get(key); ok {
		if v.outcome != OutcomeOK {
			return nil, v.outcome, v.err
		}
		rec, err := parseTLSRPT(v.value)
		return rec, OutcomeOK, err
	}

	_, txts, err := r.DNS.AuthLookupTXT(ctx, name)
	if err != nil {
		if dnsutil.IsNotFound(err) {
			r.tlsrptCache.putNegative(key, OutcomeNotFound, nil)
			return nil, OutcomeNotFound, nil
		}
		r.tlsrptCache.putNegative(key, OutcomeError, err)
		return nil, OutcomeError, &xerrors.DNSError{Op: "tlsrpt", Name: domain, Err: err, Temp: true}
	}

	if len(txts) == 0 {
		r.tlsrptCache.putNegative(key, OutcomeNotFound, nil)
		return nil, OutcomeNotFound, nil
	}

	r.tlsrptCache.putOK(key, txts)
	rec, err := parseTLSRPT(txts)
	return rec, OutcomeOK, err
}
