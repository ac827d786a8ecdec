package worker

import (
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/queuemodel"
)

func temporaryStatus(reason string, err error) queuemodel.DomainStatus {
	return queuemodel.TemporaryStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](
		queuemodel.FailureDetail{Reason: reason, Err: err},
	)
}

func permanentStatus(reason string, err error) queuemodel.DomainStatus {
	return queuemodel.PermanentStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](
		queuemodel.FailureDetail{Reason: reason, Err: err},
	)
}

func completedStatus(resp queuemodel.SMTPResponse) queuemodel.DomainStatus {
	return queuemodel.CompletedStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](resp)
}

func boundHosts(hosts []policy.MXHost, max int) []policy.MXHost {
	if max <= 0 || len(hosts) <= max {
		return hosts
	}
	return hosts[:max]
}
