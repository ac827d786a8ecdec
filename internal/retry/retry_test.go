package retry_test

import (
	"testing"
	"time"

	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/retry"
)

func TestScheduleAtClampsToLastEntry(t *testing.T) {
	s := retry.Schedule{2 * time.Minute, 10 * time.Minute, time.Hour}
	if got := s.At(0); got != 2*time.Minute {
		t.Fatalf("At(0) = %v", got)
	}
	if got := s.At(5); got != time.Hour {
		t.Fatalf("At(5) = %v, want clamp to last entry", got)
	}
}

func TestAdvanceMonotonic(t *testing.T) {
	s := retry.Schedule{time.Minute, 5 * time.Minute}
	now := time.Unix(1000, 0)

	r := queuemodel.Retry{Due: now, Inner: 0}
	r = retry.Advance(r, s, now)
	if r.Inner != 1 {
		t.Fatalf("expected inner=1, got %d", r.Inner)
	}
	if !r.Due.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected due = now+1m, got %v", r.Due)
	}

	later := now.Add(time.Minute)
	r2 := retry.Advance(r, s, later)
	if r2.Inner != 2 {
		t.Fatalf("expected inner=2, got %d", r2.Inner)
	}
	if !r2.Due.After(r.Due) {
		t.Fatalf("expected due to advance past previous due")
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(5000, 0)
	if !retry.Expired(now.Add(-time.Second), now) {
		t.Fatal("expected past expiry to report expired")
	}
	if retry.Expired(now.Add(time.Second), now) {
		t.Fatal("expected future expiry to report not expired")
	}
}
