// Package mtastscache wires github.com/foxcpp/go-mtasts's own MTA-STS (RFC
// 8461) discovery-then-fetch-then-cache logic into this engine's DNSSEC
// resolver, the same way the teacher's mtastsPolicy module does.
package mtastscache

import (
	"context"

	"github.com/foxcpp/go-mtasts"

	"github.com/driftmail/outbound/internal/dnsutil"
	"github.com/driftmail/outbound/internal/log"
)

// Policy and Mode are re-exported from go-mtasts so the rest of this engine
// never has to import it directly.
type (
	Policy = mtasts.Policy
	Mode   = mtasts.Mode
)

const (
	ModeEnforce = mtasts.ModeEnforce
	ModeTesting = mtasts.ModeTesting
	ModeNone    = mtasts.ModeNone
)

// IsNoPolicy reports whether err means "no usable policy this round" (no
// discovery record, a malformed one, or a fetch failure with no usable
// cached fallback), as opposed to some other error.
func IsNoPolicy(err error) bool {
	return mtasts.IsNoPolicy(err)
}

// resolverAdapter satisfies mtasts.Resolver using the engine's own
// DNSSEC-aware resolver. The discovery TXT record is not required to be
// DNSSEC-signed (RFC 8461 §3.1), so the AD flag dnsutil.ExtResolver also
// reports is discarded here.
type resolverAdapter struct {
	dns *dnsutil.ExtResolver
}

func (r resolverAdapter) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	_, recs, err := r.dns.AuthLookupTXT(ctx, domain)
	return recs, err
}

// Cache wraps go-mtasts' own Cache with a process-local, in-memory store:
// an outbound delivery process has no directory of its own to back the
// teacher's fs_dir option with, so this always uses NewRAMCache.
type Cache struct {
	inner *mtasts.Cache
	log   log.Logger
}

// NewCache returns a Cache backed by dns for discovery TXT lookups.
func NewCache(dns *dnsutil.ExtResolver, logger log.Logger) *Cache {
	inner := mtasts.NewRAMCache()
	inner.Resolver = resolverAdapter{dns: dns}
	return &Cache{inner: inner, log: logger}
}

// Get reads the cached policy or fetches a fresh one for domain.
func (c *Cache) Get(ctx context.Context, domain string) (*Policy, error) {
	p, err := c.inner.Get(ctx, domain)
	if err != nil && !IsNoPolicy(err) {
		c.log.Error("mta-sts policy lookup failed", err, "domain", domain)
	}
	return p, err
}
