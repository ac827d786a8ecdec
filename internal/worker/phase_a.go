package worker

import "github.com/driftmail/outbound/internal/queuemodel"

// phaseA_expirySweep converts any Domain (and its Recipients) whose expiry
// cutoff has passed into PermanentFailure, distinguishing "never attempted"
// from "repeatedly failed" in the failure reason, per spec.md §4.2 Phase A.
// Returns has_pending: true if at least one Domain remains non-terminal.
func (d *delivery) phaseA_expirySweep() bool {
	hasPending := false

	for i := range d.msg.Domains {
		dom := &d.msg.Domains[i]
		if dom.Terminal() {
			continue
		}

		if !dom.Expires.IsZero() && !dom.Expires.After(d.now) {
			reason := "repeatedly failed"
			if dom.Retry.Inner == 0 {
				reason = "never attempted"
			}
			status := dom.Status.IntoPermanent()
			if status.Kind != queuemodel.PermanentFailure {
				status = queuemodel.PermanentStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](
					queuemodel.FailureDetail{Reason: reason},
				)
			} else {
				status.Detail.Reason = reason
			}
			d.setDomainStatus(i, status)
			continue
		}

		hasPending = true
	}

	return hasPending
}
