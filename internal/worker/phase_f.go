package worker

import (
	"context"

	"github.com/driftmail/outbound/internal/config"
	"github.com/driftmail/outbound/internal/dnsutil"
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/policy/mtastscache"
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/reporter"
)

// daneInfo is the classified result of a DANE/TLSA lookup for one host,
// per spec.md §4.2 Phase F's four-way classification.
type daneInfo struct {
	Records []dnsutil.TLSA
	HasEE   bool
}

// perHostLoop walks hosts in MX-preference order, per spec.md §4.2 Phase F.
// It returns the status to record on the Domain and whether some host
// completed a delivery attempt (see phaseG's "delivered" semantics: a
// session that reaches DATA/QUIT counts as delivered even with individual
// recipient failures).
func (d *delivery) perHostLoop(ctx context.Context, domainIdx int, hosts []policy.MXHost, mtastsPolicy *mtastscache.Policy, strategy config.TLSStrategy, strict bool) (queuemodel.DomainStatus, bool, error) {
	var last queuemodel.DomainStatus
	hostStrict := strict

	for _, host := range hosts {
		hostMTASTSOK := true
		if mtastsPolicy != nil {
			hostMTASTSOK = mtastsPolicy.Match(host.Host)
			if !hostMTASTSOK {
				d.emitTLSRPT(d.msg.Domains[domainIdx].Name, []string{host.Host}, reporter.PolicyTypeSTS, false, reporter.FailureDetail{
					ResultType:      reporter.ResultValidationFailure,
					ReceivingMXHost: host.Host,
				})
				if mtastsPolicy.Mode == mtastscache.ModeEnforce {
					last = permanentStatus("mta_sts", nil)
					continue
				}
			}
		}

		ips, outcome, err := d.worker.Policy.IPLookup(ctx, host.Host)
		if err != nil {
			last = temporaryStatus("ip_lookup", err)
			continue
		}
		if outcome == policy.OutcomeNotFound || len(ips) == 0 {
			last = temporaryStatus("ip_lookup", nil)
			continue
		}
		ips = boundIPs(ips, d.worker.Config.MaxMultihomed)

		dane, daneStrict := d.classifyDANE(ctx, domainIdx, host.Host, strategy)
		effectiveStrict := hostStrict || daneStrict
		if dane == nil && daneStrict {
			// Phase F: not DNSSEC-signed and DANE required ⇒ fail this
			// host without ever opening a connection.
			last = permanentStatus("dane", nil)
			continue
		}

		status, delivered, err := d.perIPLoop(ctx, domainIdx, host, ips, mtastsPolicy, dane, effectiveStrict)
		if err != nil {
			return queuemodel.DomainStatus{}, false, err
		}
		if delivered {
			return status, true, nil
		}
		last = status
	}

	return last, false, nil
}

// classifyDANE fetches and classifies the TLSA record set for host per
// spec.md §4.2 Phase F's four cases. The second return value is whether
// DANE is strictly required for this host: true when usable DANE-EE
// records were found, and otherwise whether the config strategy marks
// DANE as Required.
func (d *delivery) classifyDANE(ctx context.Context, domainIdx int, host string, strategy config.TLSStrategy) (*daneInfo, bool) {
	if strategy.DANE == config.TLSDisabled {
		return nil, false
	}
	strictDANE := strategy.DANE == config.TLSRequired

	res, outcome, err := d.worker.Policy.TLSALookup(ctx, host)
	switch {
	case err != nil:
		d.log.Error("tlsa lookup failed", err, "host", host)
		return nil, strictDANE

	case outcome == policy.OutcomeNotFound:
		return nil, strictDANE

	case outcome == policy.OutcomeOK && !res.DNSSECSigned:
		// Positive answer without DNSSEC authentication: RFC 7672 §2.2.1
		// treats this the same as no records for the purpose of requiring
		// DANE, but we still surface strictDANE to the caller.
		return nil, strictDANE

	case outcome == policy.OutcomeOK:
		hasEE := false
		for _, rec := range res.Records {
			if rec.Usage == 3 {
				hasEE = true
			}
		}
		if len(res.Records) == 0 {
			return nil, strictDANE
		}
		if !hasEE {
			// RFC 7672 §2.2: records exist but none is a usable DANE-EE
			// (usage 3) association ⇒ the record set is invalid, not a
			// usable policy. Report it and fall back as if no TLSA record
			// had been found at all.
			d.emitTLSRPT(d.msg.Domains[domainIdx].Name, []string{host}, reporter.PolicyTypeTLSA, false, reporter.FailureDetail{
				ResultType:      reporter.ResultDANEError,
				ReceivingMXHost: host,
			})
			return nil, strictDANE
		}
		return &daneInfo{Records: res.Records, HasEE: true}, true

	default:
		return nil, strictDANE
	}
}
