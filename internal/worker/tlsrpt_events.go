package worker

import (
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/reporter"
)

// emitTLSRPT records one TLS negotiation datapoint for domain's current
// aggregation window, per spec.md §4.6 schedule_report(event). A nil
// scheduler (e.g. in tests that don't care about TLS-RPT) makes this a
// no-op.
func (d *delivery) emitTLSRPT(domain string, mxHosts []string, policyType reporter.PolicyType, success bool, failure reporter.FailureDetail) {
	if d.worker.TLSRPT == nil {
		return
	}
	interval := d.worker.Config.TLSRPTInterval
	if d.msg.Flags.Has(queuemodel.FlagFromReport) {
		return
	}
	d.worker.TLSRPT.AddResult(d.now, interval, policyType, domain, mxHosts, success, failure)
}
