package worker

import (
	"context"

	"github.com/driftmail/outbound/internal/queuemodel"
)

// LocalDeliverer hands a Message's recipients at one Domain off to a
// non-SMTP relay, per spec.md §4.2 Phase E.2 ("if the relay uses a
// non-SMTP protocol, the Message is delivered locally via an injected
// local-delivery collaborator"). Implementations live outside this engine
// (LMTP, Maildir, a local queue, whatever the deployment's relay actually
// is); the Worker only needs the result to record on the Domain.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, msg *queuemodel.Message, domainIdx int) (queuemodel.DomainStatus, error)
}

// deliverLocal runs the configured LocalDeliverer against one domain and
// translates its result the same way a completed/failed SMTP attempt would
// be recorded. A nil LocalDeliverer with a non-SMTP RelayProtocol is a
// configuration error the caller should have rejected at startup; here it
// is surfaced as a permanent failure rather than a panic, since a Worker's
// phase methods never abort the whole message over one domain's
// misconfiguration.
func (d *delivery) deliverLocal(ctx context.Context, domainIdx int) queuemodel.DomainStatus {
	if d.worker.LocalDeliverer == nil {
		return permanentStatus("local_delivery_unconfigured", nil)
	}
	status, err := d.worker.LocalDeliverer.DeliverLocal(ctx, d.msg, domainIdx)
	if err != nil {
		return temporaryStatus("local_delivery", err)
	}
	return status
}
