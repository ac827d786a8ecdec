package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/driftmail/outbound/internal/addrutil"
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/reporter"
	"github.com/driftmail/outbound/internal/store"
)

// delayNotifyInterval is how long Phase B waits before repeating a
// "delayed" DSN for a Domain that is still retrying, per spec.md §4.2
// Phase B's notify.due field.
const delayNotifyInterval = 4 * time.Hour

var errStillDelayed = errors.New("delivery delayed, retrying remaining recipients")

// phaseB_dsnEmission scans Domains/Recipients for notifications that are
// now due, grounded on the teacher's queue.go emitDSN, and sends at most
// one combined DSN back to the message's return path. A message with the
// null return path, or one that is itself a report, never gets one back,
// per RFC 3834 loop prevention.
func (d *delivery) phaseB_dsnEmission(ctx context.Context) error {
	if d.msg.Flags.Has(queuemodel.FlagFromReport) || d.msg.ReturnPath == "" {
		return nil
	}

	var rcpts []reporter.RecipientInfo
	var consumed []int

	for di := range d.msg.Domains {
		dom := &d.msg.Domains[di]
		domainDelayDue := dom.Status.Kind == queuemodel.TemporaryFailure && !dom.NotifyAt.Due.After(d.now)

		for _, ri := range d.msg.RecipientsOf(di) {
			rcpt := &d.msg.Recipients[ri]

			switch {
			case rcpt.Status.Kind == queuemodel.Completed && rcpt.Notify.Has(queuemodel.NotifySuccess):
				rcpts = append(rcpts, recipientInfoFor(rcpt))
				consumed = append(consumed, ri)

			case rcpt.Status.Kind == queuemodel.PermanentFailure && rcpt.Notify.Has(queuemodel.NotifyFailure):
				rcpts = append(rcpts, recipientInfoFor(rcpt))
				consumed = append(consumed, ri)

			case domainDelayDue && rcpt.Status.Kind == queuemodel.TemporaryFailure && rcpt.Notify.Has(queuemodel.NotifyDelay):
				rcpts = append(rcpts, recipientInfoFor(rcpt))
			}
		}

		if domainDelayDue {
			dom.NotifyAt.Due = d.now.Add(delayNotifyInterval)
		}
	}

	// Completed/PermanentFailure notifications are one-shot; delayed ones
	// repeat every delayNotifyInterval until the domain resolves, so only
	// the terminal recipients get their Notify bits cleared here.
	for _, ri := range consumed {
		d.msg.Recipients[ri].Notify &^= queuemodel.NotifySuccess | queuemodel.NotifyFailure
	}

	if len(rcpts) == 0 {
		return nil
	}
	return d.sendDSN(ctx, rcpts)
}

func recipientInfoFor(rcpt *queuemodel.Recipient) reporter.RecipientInfo {
	switch rcpt.Status.Kind {
	case queuemodel.Completed:
		resp := rcpt.Status.Response
		return reporter.RecipientInfo{
			FinalRecipient: rcpt.AddressLower,
			RemoteMTA:      resp.RemoteMTA,
			Action:         reporter.ActionDelivered,
			Status:         smtp.EnhancedCode{2, 0, 0},
			DiagnosticCode: fmt.Errorf("delivered: %s", orDefault(resp.Message, "250 2.0.0 OK")),
		}
	case queuemodel.PermanentFailure:
		return reporter.RecipientInfo{
			FinalRecipient: rcpt.AddressLower,
			Action:         reporter.ActionFailed,
			Status:         smtp.EnhancedCode{5, 0, 0},
			DiagnosticCode: detailErr(rcpt.Status.Detail),
		}
	default: // TemporaryFailure, reported as a delay notice.
		return reporter.RecipientInfo{
			FinalRecipient: rcpt.AddressLower,
			Action:         reporter.ActionDelayed,
			Status:         smtp.EnhancedCode{4, 0, 0},
			DiagnosticCode: errStillDelayed,
		}
	}
}

func detailErr(detail queuemodel.FailureDetail) error {
	if detail.Err != nil {
		return detail.Err
	}
	if detail.Reason != "" {
		return errors.New(detail.Reason)
	}
	return errors.New("delivery failed")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// sendDSN generates the report per reporter.GenerateDSN, buffers it through
// the body store under a freshly-minted queue id, and enqueues it as an
// ordinary Message addressed to the original sender, the same re-injection
// idiom the teacher's queue.go uses for bounces.
func (d *delivery) sendDSN(ctx context.Context, rcpts []reporter.RecipientInfo) error {
	orig, err := d.worker.Bodies.Load(ctx, d.msg.QueueID)
	if err != nil {
		return err
	}

	newID := queuemodel.NewQueueID()
	envelope := reporter.Envelope{
		MsgID: fmt.Sprintf("<%d.dsn@%s>", newID, d.worker.Config.Hostname),
		From:  "<>",
		To:    d.msg.ReturnPath,
	}
	mtaInfo := reporter.ReportingMTAInfo{
		ReportingMTA:    d.worker.Config.Hostname,
		XSender:         d.msg.ReturnPath,
		XMessageID:      fmt.Sprintf("%d", d.msg.QueueID),
		ArrivalDate:     d.msg.Created,
		LastAttemptDate: d.now,
	}

	var body bytes.Buffer
	dsnHeader, err := reporter.GenerateDSN(false, envelope, mtaInfo, rcpts, orig.Header, &body)
	if err != nil {
		return fmt.Errorf("worker: generate dsn: %w", err)
	}

	if err := d.worker.Bodies.Save(ctx, newID, dsnHeader, bytes.NewReader(body.Bytes())); err != nil {
		return fmt.Errorf("worker: save dsn body: %w", err)
	}

	domainName := d.msg.ReturnPath
	if _, dom, splitErr := addrutil.Split(d.msg.ReturnPath); splitErr == nil {
		domainName = dom
	}

	dsnMsg := &queuemodel.Message{
		QueueID:    newID,
		Created:    d.now,
		ReturnPath: "",
		Flags:      queuemodel.FlagFromReport,
		Size:       int64(body.Len()),
		SpanID:     queuemodel.NewSpanID(),
		Domains: []queuemodel.Domain{{
			Name:   domainName,
			Status: queuemodel.ScheduledStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](),
		}},
		Recipients: []queuemodel.Recipient{{
			AddressLower: d.msg.ReturnPath,
			DomainIdx:    0,
			Status:       queuemodel.ScheduledStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](),
			Notify:       queuemodel.NotifyNever,
		}},
	}

	return d.worker.Store.Apply(ctx, store.Batch{
		SaveMessage: dsnMsg,
		SetEvent:    &queuemodel.QueueEvent{Due: d.now, QueueID: newID},
	})
}
