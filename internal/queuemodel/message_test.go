package queuemodel

import (
	"testing"
	"time"
)

func TestHasPendingAllTerminal(t *testing.T) {
	m := &Message{
		Domains: []Domain{
			{Name: "a.test", Status: CompletedStatus[SMTPResponse, FailureDetail](SMTPResponse{Code: 250})},
			{Name: "b.test", Status: PermanentStatus[SMTPResponse, FailureDetail](FailureDetail{Reason: "null_mx"})},
		},
	}
	if m.HasPending() {
		t.Fatal("expected HasPending() == false when every domain is terminal")
	}
}

func TestHasPendingSomeScheduled(t *testing.T) {
	m := &Message{
		Domains: []Domain{
			{Name: "a.test", Status: CompletedStatus[SMTPResponse, FailureDetail](SMTPResponse{Code: 250})},
			{Name: "b.test", Status: ScheduledStatus[SMTPResponse, FailureDetail]()},
		},
	}
	if !m.HasPending() {
		t.Fatal("expected HasPending() == true with a Scheduled domain")
	}
}

func TestIntoPermanentLosslessTemporary(t *testing.T) {
	s := TemporaryStatus[SMTPResponse, FailureDetail](FailureDetail{Reason: "smtp", Err: nil})
	p := s.IntoPermanent()
	if p.Kind != PermanentFailure {
		t.Fatalf("expected PermanentFailure, got %v", p.Kind)
	}
	if p.Detail.Reason != "smtp" {
		t.Fatalf("expected detail to carry over, got %+v", p.Detail)
	}
}

func TestIntoPermanentNoOpOnCompleted(t *testing.T) {
	s := CompletedStatus[SMTPResponse, FailureDetail](SMTPResponse{Code: 250})
	if got := s.IntoPermanent(); got.Kind != Completed {
		t.Fatalf("expected Completed to be left alone, got %v", got.Kind)
	}
}

func TestNextEventSkipsTerminalDomains(t *testing.T) {
	now := time.Unix(1000, 0)
	m := &Message{
		Domains: []Domain{
			{Name: "done.test", Status: CompletedStatus[SMTPResponse, FailureDetail](SMTPResponse{}), Retry: Retry{Due: now}},
			{Name: "pending.test", Status: ScheduledStatus[SMTPResponse, FailureDetail](), Retry: Retry{Due: now.Add(time.Minute)}},
		},
	}
	next, ok := m.NextEvent()
	if !ok {
		t.Fatal("expected a next event")
	}
	if !next.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected next event from the pending domain, got %v", next)
	}
}

func TestRecipientsOfPreservesOrder(t *testing.T) {
	m := &Message{
		Recipients: []Recipient{
			{AddressLower: "a@x.test", DomainIdx: 0},
			{AddressLower: "b@y.test", DomainIdx: 1},
			{AddressLower: "c@x.test", DomainIdx: 0},
		},
	}
	idx := m.RecipientsOf(0)
	if len(idx) != 2 || idx[0] != 0 || idx[1] != 2 {
		t.Fatalf("unexpected indices: %v", idx)
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Unix(2000, 0)
	l := Lease{QueueID: 1, ExpiresAt: now.Add(-time.Second)}
	if !l.Expired(now) {
		t.Fatal("expected lease in the past to be expired")
	}
	l2 := Lease{QueueID: 1, ExpiresAt: now.Add(time.Second)}
	if l2.Expired(now) {
		t.Fatal("expected lease in the future to not be expired")
	}
}
