package worker

import (
	"context"
	"time"

	"github.com/driftmail/outbound/internal/config"
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/policy/mtastscache"
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/ratelimit"
	"github.com/driftmail/outbound/internal/reporter"
	"github.com/driftmail/outbound/internal/xerrors"
)

// phaseE_domainLoop walks every Scheduled/TemporaryFailure Domain whose
// retry is due, per spec.md §4.2 Phase E.
func (d *delivery) phaseE_domainLoop(ctx context.Context) {
	for i := range d.msg.Domains {
		dom := &d.msg.Domains[i]
		if dom.Terminal() {
			continue
		}
		if dom.Status.Kind != queuemodel.Scheduled && dom.Status.Kind != queuemodel.TemporaryFailure {
			continue
		}
		if dom.Retry.Due.After(d.now) {
			continue
		}

		d.deliverDomain(ctx, i)
	}
}

func (d *delivery) deliverDomain(ctx context.Context, idx int) {
	dom := &d.msg.Domains[idx]

	// E.1: recipient-domain throttle. Concurrency slots acquired here are
	// held for the rest of this domain's delivery attempt (MX resolution
	// through the host/IP loop) and given back when it concludes.
	var acquired []ratelimit.Rule
	defer func() {
		for _, rule := range acquired {
			d.worker.RateLimiter.Release(rule, dom.Name)
		}
	}()
	for _, rule := range d.worker.Config.RecipientDomainRules {
		err := d.worker.RateLimiter.IsAllowed(rule, dom.Name, d.msg.SpanID.String())
		if err == nil {
			acquired = append(acquired, rule)
			continue
		}
		rl, ok := err.(*xerrors.RateLimitedError)
		if !ok {
			continue
		}
		d.setRateLimiterError(idx, time.Unix(rl.RetryAt, 0))
		return
	}

	// E.2: relay host override. A non-SMTP relay protocol never reaches
	// Phase F/G at all: it is handed to the LocalDeliverer and this domain
	// is done for the attempt.
	var hosts []policy.MXHost
	if d.worker.Config.RelayHost != "" && d.worker.Config.RelayProtocol != "" && d.worker.Config.RelayProtocol != config.RelayProtocolSMTP {
		d.setDomainStatus(idx, d.deliverLocal(ctx, idx))
		return
	}
	if d.worker.Config.RelayHost != "" {
		hosts = []policy.MXHost{{Host: d.worker.Config.RelayHost, Pref: 0}}
	} else {
		// E.3/E.4: MX resolution, implicit-MX fallback is handled inside
		// Resolver.MXLookup itself.
		mxs, outcome, err := d.worker.Policy.MXLookup(ctx, dom.Name)
		if err != nil {
			d.log.Error("mx lookup failed", err, "domain", dom.Name)
			d.setDomainStatus(idx, temporaryStatus("mx_lookup", err))
			return
		}
		if outcome == policy.OutcomeNotFound {
			d.setDomainStatus(idx, temporaryStatus("mx_lookup", nil))
			return
		}
		hosts = mxs
	}

	// E.4: null MX sink, P6 - no TCP connection attempted.
	for _, h := range hosts {
		if h.NullMX {
			d.setDomainStatus(idx, permanentStatus("null_mx", nil))
			return
		}
	}
	hosts = boundHosts(hosts, d.worker.Config.MaxMX)

	// E.5: TLS strategy + MTA-STS.
	strategy := d.worker.Config.DefaultTLSStrategy
	if d.msg.Flags.Has(queuemodel.FlagRequireTLS) {
		strategy.TLS = config.TLSRequired
	}

	var mtastsPolicy *mtastscache.Policy
	if d.worker.Config.TryMTASTS && strategy.MTASTS != config.TLSDisabled {
		p, err := d.worker.Policy.MTASTSLookup(ctx, dom.Name)
		if err != nil {
			strict := strategy.MTASTS == config.TLSRequired
			d.emitTLSRPT(dom.Name, nil, reporter.PolicyTypeSTS, false, reporter.FailureDetail{
				ResultType:     reporter.ResultSTSPolicyFetchError,
				AdditionalInfo: err.Error(),
			})
			if strict {
				d.setDomainStatus(idx, permanentStatus("mta_sts", err))
				return
			}
		} else {
			mtastsPolicy = p
		}
	}

	// E.6: TLS-RPT TXT record fetch, best-effort; failures here never
	// affect the delivery outcome, only whether we learn an RUA target.
	if d.worker.Config.TryTLSRPT && !d.msg.Flags.Has(queuemodel.FlagFromReport) && d.worker.Config.TLSRPTInterval != reporter.IntervalNever {
		if _, outcome, err := d.worker.Policy.TLSRPTLookup(ctx, dom.Name); err != nil && outcome == policy.OutcomeError {
			d.log.Error("tls-rpt record lookup failed", err, "domain", dom.Name)
		}
	}

	strict := strategy.IsTLSRequired() || d.msg.Flags.Has(queuemodel.FlagRequireTLS) || mtastsPolicy != nil

	status, delivered, err := d.perHostLoop(ctx, idx, hosts, mtastsPolicy, strategy, strict)
	if rl, ok := err.(*errRateLimitedDomain); ok {
		d.setRateLimiterError(idx, rl.retryAt)
		return
	}

	if delivered {
		d.setDomainStatus(idx, status)
		return
	}

	// Phase H: no host succeeded.
	d.setDomainStatus(idx, status)
}

