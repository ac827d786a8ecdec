// Package store implements the durable key-value contract the queue
// dispatcher relies on: an ordered QueueEvent index for due-scan polling, a
// point-addressed Message record, and a Lease primitive, all behind batched
// atomic writes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/driftmail/outbound/internal/queuemodel"
)

// ErrNotFound is returned by point reads (LoadMessage) when no record
// exists at the given key.
var ErrNotFound = errors.New("store: not found")

// LeaseResult is the outcome of TryLease.
type LeaseResult struct {
	Leased bool
	// Until is populated when Leased is false: the time the conflicting
	// lease expires.
	Until time.Time
}

// Batch accumulates the writes of one atomic save_changes call: a message
// upsert or deletion, its QueueEvent reschedule, and lease release, applied
// together by Store.Apply.
type Batch struct {
	// SaveMessage, if non-nil, upserts this Message record.
	SaveMessage *queuemodel.Message
	// DeleteQueueID, if non-zero, removes the Message and any QueueEvent
	// referencing it.
	DeleteQueueID uint64
	// SetEvent, if non-nil, (re)schedules a QueueEvent.
	SetEvent *queuemodel.QueueEvent
	// ReleaseLease, if true, releases the lease on QueueID (SaveMessage's
	// id, or DeleteQueueID).
	ReleaseLease bool
}

// Store is the durable collaborator contract from spec.md §6: ranged scan
// over due QueueEvents, point reads/writes of Message records, and a lease
// primitive, exposed as a single batched-write method so a worker's
// end-of-phase persistence is atomic.
type Store interface {
	// TryLease attempts to acquire the lease for queueID, held by owner
	// until expiry. Acquisition fails if a non-expired lease is already
	// held by a different owner.
	TryLease(ctx context.Context, queueID uint64, owner string, expiry time.Duration) (LeaseResult, error)

	// Unlock releases the lease on queueID. It is idempotent: unlocking an
	// already-released or nonexistent lease is not an error.
	Unlock(ctx context.Context, queueID uint64, owner string) error

	// LoadMessage reads the durable record for queueID. Returns
	// ErrNotFound if absent.
	LoadMessage(ctx context.Context, queueID uint64) (*queuemodel.Message, error)

	// DueEvents scans QueueEvents with Due <= before, in ascending Due
	// order, up to limit entries (0 means unbounded).
	DueEvents(ctx context.Context, before time.Time, limit int) ([]queuemodel.QueueEvent, error)

	// Apply commits a Batch atomically.
	Apply(ctx context.Context, b Batch) error
}
