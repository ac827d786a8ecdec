// Package dispatcher implements the Queue Dispatcher (C1): it owns the
// durable queue of pending deliveries, leases due work items to the
// Delivery Worker, and reports outcomes to an external Queue Manager
// collaborator over a bounded notification channel.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/driftmail/outbound/internal/log"
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/store"
)

// Outcome is reported to the Queue Manager once a worker finishes with a
// queue id, per spec.md §4.1.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeDeferred
	OutcomeLocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Notification is what gets pushed onto the outbound channel toward the
// Queue Manager.
type Notification struct {
	QueueID uint64
	Outcome Outcome
	Until   time.Time // meaningful only for OutcomeLocked
}

// WorkerFunc drives one leased Message to completion and reports whether it
// should be rescheduled. It is the Delivery Worker's entry point; kept as a
// function value here so dispatcher has no import-time dependency on the
// worker package's internals.
type WorkerFunc func(ctx context.Context, msg *queuemodel.Message) (rescheduleAt time.Time, done bool, err error)

// Dispatcher is the single long-lived task that polls due work and spawns
// one independent goroutine per leased queue id. Workers never share
// mutable Message state; the lease is the only synchronisation boundary.
type Dispatcher struct {
	Store  store.Store
	Work   WorkerFunc
	Log    log.Logger
	Owner  string

	// LockExpiry bounds how long a lease is held before the dispatcher
	// must treat it as released, per spec.md §3 Lease and §5 Cancellation.
	LockExpiry time.Duration
	// PollInterval bounds how often DueEvents is rescanned even absent a
	// wakeup from the time wheel (a safety net against missed wakeups).
	PollInterval time.Duration
	// MaxConcurrent caps the number of in-flight leased workers.
	MaxConcurrent int64

	// Notify receives one Notification per completed/deferred/locked
	// attempt. It is expected to be a bounded channel; see trySend.
	Notify chan<- Notification

	sem *semaphore.Weighted
	tw  *TimeWheel
}

// New constructs a Dispatcher with the given collaborators and starts its
// internal time wheel.
func New(s store.Store, work WorkerFunc, notify chan<- Notification, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		Store:         s,
		Work:          work,
		Log:           logger,
		Owner:         fmt.Sprintf("outboundd-%d", time.Now().UnixNano()),
		LockExpiry:    5 * time.Minute,
		PollInterval:  30 * time.Second,
		MaxConcurrent: 128,
		Notify:        notify,
	}
	d.sem = semaphore.NewWeighted(d.MaxConcurrent)
	d.tw = NewTimeWheel(d.onWake)
	return d
}

// onWake is the TimeWheel dispatch callback: a QueueEvent's due time has
// arrived, so attempt to lease and deliver it right away.
func (d *Dispatcher) onWake(slot TimeSlot) {
	qid, ok := slot.Value.(uint64)
	if !ok {
		return
	}
	d.spawnWorker(context.Background(), qid)
}

// Run polls the store for due work until ctx is cancelled. Each due
// QueueEvent found is scheduled onto the time wheel so its own due time (not
// merely "it was due as of the last poll") drives the lease attempt.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.tw.Close()
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	events, err := d.Store.DueEvents(ctx, time.Now().Add(d.PollInterval), 0)
	if err != nil {
		d.Log.Error("due-events scan failed", err)
		return
	}
	for _, ev := range events {
		d.tw.Add(ev.Due, ev.QueueID)
	}
}

// TryLease acquires the lease for queueID with this dispatcher's configured
// expiry and owner tag.
func (d *Dispatcher) TryLease(ctx context.Context, queueID uint64) (store.LeaseResult, error) {
	return d.Store.TryLease(ctx, queueID, d.Owner, d.LockExpiry)
}

// Load reads the durable Message record for queueID. If it is missing, the
// caller should treat the id as already Completed and clear its orphan
// QueueEvent, per spec.md §4.1.
func (d *Dispatcher) Load(ctx context.Context, queueID uint64) (*queuemodel.Message, error) {
	return d.Store.LoadMessage(ctx, queueID)
}

// spawnWorker leases queueID and, on success, runs the Delivery Worker in a
// new goroutine bounded by MaxConcurrent. The lease is released and the
// outcome reported before the goroutine exits, regardless of how Work
// returns.
func (d *Dispatcher) spawnWorker(ctx context.Context, queueID uint64) {
	res, err := d.TryLease(ctx, queueID)
	if err != nil {
		d.Log.Error("lease attempt failed", err, "queue_id", queueID)
		return
	}
	if !res.Leased {
		d.trySend(Notification{QueueID: queueID, Outcome: OutcomeLocked, Until: res.Until})
		return
	}

	if !d.sem.TryAcquire(1) {
		// Concurrency cap reached; release immediately so another
		// dispatcher tick can pick this id back up once a slot frees.
		_ = d.Store.Unlock(ctx, queueID, d.Owner)
		return
	}

	go func() {
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.Log.Error("worker panicked", fmt.Errorf("%v", r), "queue_id", queueID)
				_ = d.Store.Unlock(ctx, queueID, d.Owner)
				d.trySend(Notification{QueueID: queueID, Outcome: OutcomeDeferred})
			}
		}()
		d.runLeased(ctx, queueID)
	}()
}

func (d *Dispatcher) runLeased(ctx context.Context, queueID uint64) {
	msg, err := d.Load(ctx, queueID)
	if err != nil {
		_ = d.Store.Unlock(ctx, queueID, d.Owner)
		if err == store.ErrNotFound {
			if err := d.Store.Apply(ctx, store.Batch{DeleteQueueID: queueID}); err != nil {
				d.Log.Error("orphan queue event cleanup failed", err, "queue_id", queueID)
			}
			d.trySend(Notification{QueueID: queueID, Outcome: OutcomeCompleted})
			return
		}
		d.Log.Error("message load failed", err, "queue_id", queueID)
		d.trySend(Notification{QueueID: queueID, Outcome: OutcomeDeferred})
		return
	}

	msg.SpanID = queuemodel.NewSpanID()

	rescheduleAt, done, err := d.Work(ctx, msg)
	if err != nil {
		d.Log.Error("delivery attempt failed", err, "queue_id", queueID, "span_id", msg.SpanID.String())
	}

	if err := d.Store.Unlock(ctx, queueID, d.Owner); err != nil {
		d.Log.Error("lease release failed", err, "queue_id", queueID)
	}

	if done {
		d.trySend(Notification{QueueID: queueID, Outcome: OutcomeCompleted})
		return
	}

	d.tw.Add(rescheduleAt, queueID)
	d.trySend(Notification{QueueID: queueID, Outcome: OutcomeDeferred})
}

// trySend is a non-blocking push onto Notify: per spec.md §5 Backpressure,
// a full channel is logged and dropped rather than blocking the worker —
// the next due scan recovers any notification the manager missed.
func (d *Dispatcher) trySend(n Notification) {
	if d.Notify == nil {
		return
	}
	select {
	case d.Notify <- n:
	default:
		d.Log.Msg("notification channel full, dropping", "queue_id", n.QueueID, "outcome", n.Outcome.String())
	}
}
