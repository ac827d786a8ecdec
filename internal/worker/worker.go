// Package worker implements the Delivery Worker (C2): it drives one leased
// Message through Phases A-I (spec.md §4.2), consulting the Policy Resolver
// and Rate Limiter, constructing SMTP Client sessions per (MX, IP) pair, and
// updating per-domain/per-recipient status.
//
// Grounded on the teacher's internal/target/queue/queue.go (tryDelivery/
// deliver/emitDSN) and internal/target/remote/{connect,security}.go, but
// restructured around the explicit phase sequence spec.md names instead of
// maddy's modular pipeline target interfaces.
package worker

import (
	"context"
	"time"

	"github.com/driftmail/outbound/internal/bodystore"
	"github.com/driftmail/outbound/internal/config"
	"github.com/driftmail/outbound/internal/log"
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/ratelimit"
	"github.com/driftmail/outbound/internal/reporter"
	"github.com/driftmail/outbound/internal/smtpconn"
	"github.com/driftmail/outbound/internal/store"
)

// Worker holds the collaborators one Delivery Worker attempt needs. A
// single Worker is shared by every goroutine the Dispatcher spawns; all of
// its fields are read-only after construction except through the
// collaborators' own internal synchronisation (matching spec.md §5 "Shared
// resources").
type Worker struct {
	Config config.Config

	Policy      *policy.Resolver
	RateLimiter *ratelimit.Limiter
	Store       store.Store
	Bodies      bodystore.Store
	TLSRPT      *reporter.TLSRPTScheduler

	Log log.Logger

	// NewConn returns a fresh, unconnected SMTP client for one (host, ip)
	// attempt. Overridable in tests to inject a fake transport.
	NewConn func() *smtpconn.Conn

	// LocalDeliverer handles Config.RelayProtocol values other than
	// RelayProtocolSMTP, per spec.md §4.2 Phase E.2. Left nil when every
	// domain is relayed (or MX-delivered) over SMTP.
	LocalDeliverer LocalDeliverer
}

// New returns a Worker wired to real collaborators; NewConn defaults to
// smtpconn.New. local is optional and may be nil when RelayProtocol is
// never set to anything but config.RelayProtocolSMTP.
func New(cfg config.Config, resolver *policy.Resolver, limiter *ratelimit.Limiter, st store.Store, bodies bodystore.Store, tlsrpt *reporter.TLSRPTScheduler, logger log.Logger, local LocalDeliverer) *Worker {
	return &Worker{
		Config:         cfg,
		Policy:         resolver,
		RateLimiter:    limiter,
		Store:          st,
		Bodies:         bodies,
		TLSRPT:         tlsrpt,
		Log:            logger,
		NewConn:        smtpconn.New,
		LocalDeliverer: local,
	}
}

// Deliver is the dispatcher.WorkerFunc entry point: it runs every phase in
// sequence against msg, which the Dispatcher has already leased, and
// reports what the caller should do with the lease (reschedule or
// complete).
func (w *Worker) Deliver(ctx context.Context, msg *queuemodel.Message) (time.Time, bool, error) {
	queuedMsgs.WithLabelValues().Inc()
	defer queuedMsgs.WithLabelValues().Dec()

	d := &delivery{
		worker: w,
		msg:    msg,
		now:    time.Now(),
		log:    w.Log,
	}
	return d.run(ctx)
}

// delivery is the per-attempt state the phase methods mutate. It exists so
// every phase can share "now" and the span-scoped logger without a long
// parameter list, mirroring the teacher's queue.go using a closure-captured
// *queue value across tryDelivery/deliver/emitDSN.
type delivery struct {
	worker *Worker
	msg    *queuemodel.Message
	now    time.Time
	log    log.Logger
}

func (d *delivery) run(ctx context.Context) (time.Time, bool, error) {
	d.log = d.worker.Log
	d.log.Fields = map[string]interface{}{"span_id": d.msg.SpanID.String(), "queue_id": d.msg.QueueID}

	hasPending := d.phaseA_expirySweep()

	if err := d.phaseB_dsnEmission(ctx); err != nil {
		d.log.Error("dsn emission failed", err)
	}

	if !hasPending {
		return d.complete(ctx)
	}

	if next, ok := d.msg.NextEvent(); ok && next.After(d.now) {
		return d.defer_(ctx, next)
	}

	if retryAt, limited := d.phaseD_senderThrottle(); limited {
		return d.defer_(ctx, minTime(retryAt, d.nextEventAfter(d.now)))
	}

	d.phaseE_domainLoop(ctx)

	// Phase I: re-run DSN emission for anything that just went terminal,
	// then decide completion vs. reschedule.
	if err := d.phaseB_dsnEmission(ctx); err != nil {
		d.log.Error("dsn emission failed", err)
	}

	if !d.msg.HasPending() {
		return d.complete(ctx)
	}

	next, ok := d.msg.NextEvent()
	if !ok {
		next = d.now.Add(time.Minute)
	}
	return d.defer_(ctx, next)
}

func (d *delivery) complete(ctx context.Context) (time.Time, bool, error) {
	err := d.worker.Store.Apply(ctx, store.Batch{DeleteQueueID: d.msg.QueueID, ReleaseLease: true})
	if err != nil {
		return time.Time{}, false, err
	}
	if err := d.worker.Bodies.Remove(ctx, d.msg.QueueID); err != nil {
		d.log.Error("body removal failed", err)
	}
	return time.Time{}, true, nil
}

func (d *delivery) defer_(ctx context.Context, next time.Time) (time.Time, bool, error) {
	err := d.worker.Store.Apply(ctx, store.Batch{
		SaveMessage:  d.msg,
		SetEvent:     &queuemodel.QueueEvent{Due: next, QueueID: d.msg.QueueID},
		ReleaseLease: true,
	})
	return next, false, err
}

func (d *delivery) nextEventAfter(now time.Time) time.Time {
	if t, ok := d.msg.NextEvent(); ok && t.After(now) {
		return t
	}
	return now.Add(time.Minute)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// setDomainStatus records status on the Domain, advancing its retry state
// per invariant (f) when the new status is TemporaryFailure, and
// propagates the same status to every non-terminal Recipient of this
// domain (spec.md §4.2 describes per-recipient status only diverging from
// the domain's at the RCPT/DATA stage; everything upstream of a connection
// attempt affects the whole domain uniformly).
func (d *delivery) setDomainStatus(idx int, status queuemodel.DomainStatus) {
	dom := &d.msg.Domains[idx]
	dom.Status = status
	if status.Kind == queuemodel.TemporaryFailure {
		dom.Retry = advanceRetry(dom.Retry, d.worker.Config.Schedule, d.now)
	}
	domainOutcome.WithLabelValues(status.Kind.String()).Inc()

	for _, ri := range d.msg.RecipientsOf(idx) {
		r := &d.msg.Recipients[ri]
		if r.Status.Terminal() {
			continue
		}
		r.Status = status
	}
}

// setRateLimiterError records a rate-limit denial on the Domain without
// advancing retry.inner, per P5.
func (d *delivery) setRateLimiterError(idx int, retryAt time.Time) {
	dom := &d.msg.Domains[idx]
	dom.Status = queuemodel.TemporaryStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](
		queuemodel.FailureDetail{Reason: "rate_limited"},
	)
	if retryAt.After(dom.Retry.Due) {
		dom.Retry.Due = retryAt
	} else if dom.Retry.Due.IsZero() {
		dom.Retry.Due = retryAt
	}
}
