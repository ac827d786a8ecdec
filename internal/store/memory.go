package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftmail/outbound/internal/queuemodel"
)

// Memory is an in-process Store backed by plain maps, guarded by a single
// mutex. It is meant for tests and for a single-process deployment that
// doesn't need the durability Bolt provides.
type Memory struct {
	mu       sync.Mutex
	messages map[uint64]*queuemodel.Message
	events   map[uint64]queuemodel.QueueEvent
	leases   map[uint64]queuemodel.Lease
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[uint64]*queuemodel.Message),
		events:   make(map[uint64]queuemodel.QueueEvent),
		leases:   make(map[uint64]queuemodel.Lease),
	}
}

func (s *Memory) TryLease(_ context.Context, queueID uint64, owner string, expiry time.Duration) (LeaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.leases[queueID]; ok {
		if existing.Owner != owner && !existing.Expired(now) {
			return LeaseResult{Leased: false, Until: existing.ExpiresAt}, nil
		}
	}

	s.leases[queueID] = queuemodel.Lease{
		QueueID:   queueID,
		Owner:     owner,
		ExpiresAt: now.Add(expiry),
	}
	return LeaseResult{Leased: true}, nil
}

func (s *Memory) Unlock(_ context.Context, queueID uint64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[queueID]; ok && existing.Owner == owner {
		delete(s.leases, queueID)
	}
	return nil
}

func (s *Memory) LoadMessage(_ context.Context, queueID uint64) (*queuemodel.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[queueID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.Domains = append([]queuemodel.Domain(nil), m.Domains...)
	cp.Recipients = append([]queuemodel.Recipient(nil), m.Recipients...)
	return &cp, nil
}

func (s *Memory) DueEvents(_ context.Context, before time.Time, limit int) ([]queuemodel.QueueEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]queuemodel.QueueEvent, 0, len(s.events))
	for _, ev := range s.events {
		if !ev.Due.After(before) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].QueueID < due[j].QueueID
		}
		return due[i].Due.Before(due[j].Due)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Memory) Apply(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.DeleteQueueID != 0 {
		delete(s.messages, b.DeleteQueueID)
		delete(s.events, b.DeleteQueueID)
	}

	if b.SaveMessage != nil {
		cp := *b.SaveMessage
		cp.Domains = append([]queuemodel.Domain(nil), b.SaveMessage.Domains...)
		cp.Recipients = append([]queuemodel.Recipient(nil), b.SaveMessage.Recipients...)
		s.messages[cp.QueueID] = &cp
	}

	if b.SetEvent != nil {
		s.events[b.SetEvent.QueueID] = *b.SetEvent
	}

	if b.ReleaseLease {
		var id uint64
		switch {
		case b.SaveMessage != nil:
			id = b.SaveMessage.QueueID
		case b.DeleteQueueID != 0:
			id = b.DeleteQueueID
		case b.SetEvent != nil:
			id = b.SetEvent.QueueID
		}
		if id != 0 {
			delete(s.leases, id)
		}
	}

	return nil
}
