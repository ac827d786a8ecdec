package worker

import (
	"net"
	"testing"
	"time"

	"github.com/driftmail/outbound/internal/config"
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/queuemodel"
)

func newTestDelivery(msg *queuemodel.Message, now time.Time) *delivery {
	return &delivery{
		worker: &Worker{Config: config.Default()},
		msg:    msg,
		now:    now,
	}
}

func TestPhaseAExpirySweepMarksExpiredDomainsPermanent(t *testing.T) {
	now := time.Unix(10000, 0)
	msg := &queuemodel.Message{
		Domains: []queuemodel.Domain{
			{Name: "expired.example", Status: queuemodel.ScheduledStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](), Expires: now.Add(-time.Second)},
			{Name: "live.example", Status: queuemodel.ScheduledStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](), Expires: now.Add(time.Hour)},
		},
		Recipients: []queuemodel.Recipient{
			{AddressLower: "a@expired.example", DomainIdx: 0},
			{AddressLower: "b@live.example", DomainIdx: 1},
		},
	}
	d := newTestDelivery(msg, now)

	hasPending := d.phaseA_expirySweep()
	if !hasPending {
		t.Fatal("expected live.example to keep the message pending")
	}
	if msg.Domains[0].Status.Kind != queuemodel.PermanentFailure {
		t.Fatalf("expired domain status = %v, want PermanentFailure", msg.Domains[0].Status.Kind)
	}
	if msg.Recipients[0].Status.Kind != queuemodel.PermanentFailure {
		t.Fatalf("expired domain's recipient status = %v, want PermanentFailure", msg.Recipients[0].Status.Kind)
	}
	if msg.Domains[1].Status.Kind != queuemodel.Scheduled {
		t.Fatalf("live domain status = %v, want unchanged Scheduled", msg.Domains[1].Status.Kind)
	}
}

func TestPhaseAExpirySweepAllTerminalReportsNoPending(t *testing.T) {
	now := time.Unix(10000, 0)
	msg := &queuemodel.Message{
		Domains: []queuemodel.Domain{
			{Name: "a.example", Status: queuemodel.CompletedStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](queuemodel.SMTPResponse{})},
		},
	}
	d := newTestDelivery(msg, now)

	if d.phaseA_expirySweep() {
		t.Fatal("expected no pending domains when the only domain is already terminal")
	}
}

func TestSetDomainStatusAdvancesRetryOnlyOnTemporaryFailure(t *testing.T) {
	now := time.Unix(20000, 0)
	msg := &queuemodel.Message{
		Domains: []queuemodel.Domain{
			{Name: "retry.example", Status: queuemodel.ScheduledStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail]()},
		},
		Recipients: []queuemodel.Recipient{
			{AddressLower: "x@retry.example", DomainIdx: 0},
		},
	}
	d := newTestDelivery(msg, now)

	d.setDomainStatus(0, temporaryStatus("connect", nil))
	if msg.Domains[0].Retry.Inner != 1 {
		t.Fatalf("expected retry.inner to advance once, got %d", msg.Domains[0].Retry.Inner)
	}
	if msg.Recipients[0].Status.Kind != queuemodel.TemporaryFailure {
		t.Fatalf("recipient status = %v, want propagated TemporaryFailure", msg.Recipients[0].Status.Kind)
	}

	d.setDomainStatus(0, completedStatus(queuemodel.SMTPResponse{}))
	if msg.Domains[0].Retry.Inner != 1 {
		t.Fatalf("expected retry.inner to stay at 1 after a Completed status, got %d", msg.Domains[0].Retry.Inner)
	}
}

func TestSetRateLimiterErrorNeverAdvancesRetryCounter(t *testing.T) {
	now := time.Unix(30000, 0)
	msg := &queuemodel.Message{
		Domains: []queuemodel.Domain{
			{Name: "throttled.example", Status: queuemodel.ScheduledStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](), Retry: queuemodel.Retry{Inner: 3}},
		},
	}
	d := newTestDelivery(msg, now)

	d.setRateLimiterError(0, now.Add(time.Minute))

	if msg.Domains[0].Retry.Inner != 3 {
		t.Fatalf("expected retry.inner to stay at 3 on rate-limit denial (P5), got %d", msg.Domains[0].Retry.Inner)
	}
	if !msg.Domains[0].Retry.Due.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected retry.due to move to the rate limiter's retryAt, got %v", msg.Domains[0].Retry.Due)
	}
}

func TestBoundHostsTruncatesToMax(t *testing.T) {
	hosts := []policy.MXHost{{Host: "a"}, {Host: "b"}, {Host: "c"}}
	got := boundHosts(hosts, 2)
	if len(got) != 2 {
		t.Fatalf("boundHosts truncated to %d entries, want 2", len(got))
	}

	if got := boundHosts(hosts, 0); len(got) != 3 {
		t.Fatalf("boundHosts with max=0 should be unbounded, got %d entries", len(got))
	}
}

func TestBoundIPsTruncatesToMax(t *testing.T) {
	ips := []net.IPAddr{{IP: net.ParseIP("192.0.2.1")}, {IP: net.ParseIP("192.0.2.2")}, {IP: net.ParseIP("192.0.2.3")}}
	got := boundIPs(ips, 2)
	if len(got) != 2 {
		t.Fatalf("boundIPs truncated to %d entries, want 2", len(got))
	}
}
