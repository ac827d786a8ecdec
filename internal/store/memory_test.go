package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/store"
)

func TestMemoryLeaseExclusivity(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	res, err := s.TryLease(ctx, 1, "worker-a", time.Minute)
	if err != nil || !res.Leased {
		t.Fatalf("expected first lease to succeed, got %+v, %v", res, err)
	}

	res2, err := s.TryLease(ctx, 1, "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Leased {
		t.Fatal("expected second lease attempt by a different owner to fail")
	}

	if err := s.Unlock(ctx, 1, "worker-a"); err != nil {
		t.Fatal(err)
	}

	res3, err := s.TryLease(ctx, 1, "worker-b", time.Minute)
	if err != nil || !res3.Leased {
		t.Fatalf("expected lease to succeed after unlock, got %+v, %v", res3, err)
	}
}

func TestMemoryDueEventsOrdering(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	now := time.Unix(10000, 0)

	for _, ev := range []queuemodel.QueueEvent{
		{Due: now.Add(3 * time.Minute), QueueID: 3},
		{Due: now.Add(1 * time.Minute), QueueID: 1},
		{Due: now.Add(2 * time.Minute), QueueID: 2},
	} {
		ev := ev
		if err := s.Apply(ctx, store.Batch{SetEvent: &ev}); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.DueEvents(ctx, now.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due events, got %d", len(due))
	}
	if due[0].QueueID != 1 || due[1].QueueID != 2 {
		t.Fatalf("expected ascending due order, got %+v", due)
	}
}

func TestMemorySaveLoadDeleteMessage(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	msg := &queuemodel.Message{QueueID: 42, ReturnPath: "a@example.test"}
	if err := s.Apply(ctx, store.Batch{SaveMessage: msg}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadMessage(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ReturnPath != "a@example.test" {
		t.Fatalf("unexpected loaded message: %+v", loaded)
	}

	if err := s.Apply(ctx, store.Batch{DeleteQueueID: 42}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadMessage(ctx, 42); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
