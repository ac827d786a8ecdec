package queuemodel

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Flags is a bitset of per-message delivery options.
type Flags uint32

const (
	// FlagFromReport marks a message as itself carrying a TLS-RPT/DSN
	// report; Phase E.6 skips scheduling a further TLS-RPT event for it.
	FlagFromReport Flags = 1 << iota
	// FlagRequireTLS mirrors the RFC 8689 REQUIRETLS request: every hop
	// must use TLS or the recipient fails permanently.
	FlagRequireTLS
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// NotifyFlags selects which terminal outcomes the sender asked to be
// notified about, per RFC 3461 NOTIFY parameter.
type NotifyFlags uint8

const (
	NotifyNever NotifyFlags = 1 << iota
	NotifySuccess
	NotifyFailure
	NotifyDelay
)

func (f NotifyFlags) Has(bit NotifyFlags) bool { return f&bit != 0 }

// SMTPResponse is the success payload carried by a Completed Status: the
// final positive reply seen for the operation.
type SMTPResponse struct {
	Code      int
	Enhanced  [3]int
	Message   string
	RemoteMTA string
}

// FailureDetail is the failure payload carried by TemporaryFailure and
// PermanentFailure statuses. Reason is a short machine-stable tag (e.g.
// "mx_lookup", "null_mx", "mta_sts", "dane", "smtp"); Err, when non-nil,
// is the underlying typed error from internal/xerrors.
type FailureDetail struct {
	Reason string
	Err    error
}

// DomainStatus / RecipientStatus instantiate the generic Status for this
// engine's concrete success/failure payload types.
type DomainStatus = Status[SMTPResponse, FailureDetail]
type RecipientStatus = Status[SMTPResponse, FailureDetail]

// Retry tracks a Domain's backoff state, per spec §4.7: due is the next
// attempt time, inner is the zero-based attempt counter fed into the retry
// schedule vector.
type Retry struct {
	Due   time.Time
	Inner int
}

// Notify tracks when the next delay-DSN is owed for a Domain's recipients.
type Notify struct {
	Due time.Time
}

// Domain is one distinct recipient domain within a Message, invariant (b):
// every Recipient.DomainIdx must index into Message.Domains.
type Domain struct {
	Name    string
	Status  DomainStatus
	Retry   Retry
	NotifyAt Notify
	Expires time.Time
}

// Terminal reports whether this Domain needs no further attempts.
func (d *Domain) Terminal() bool { return d.Status.Terminal() }

// Recipient is one message recipient, back-referencing its Domain by index
// per invariant (b) rather than by pointer, so the record round-trips
// through serialisation without needing graph-aware codecs.
type Recipient struct {
	AddressLower string
	DomainIdx    int
	Status       RecipientStatus
	Notify       NotifyFlags
	ORcpt        string
}

// Message is the durable record the dispatcher leases and the worker
// mutates. QueueID is opaque and minted once at enqueue time; SpanID is
// reminted on every lease per invariant (e).
type Message struct {
	QueueID    uint64
	Created    time.Time
	ReturnPath string
	Flags      Flags
	Size       int64
	SpanID     uuid.UUID

	Domains    []Domain
	Recipients []Recipient
}

// NewSpanID mints a fresh per-attempt trace id, invariant (e): a new one is
// generated for every lease so log/trace records partition cleanly by
// attempt.
func NewSpanID() uuid.UUID {
	return uuid.New()
}

// NewQueueID mints an opaque 64-bit queue id from the low 64 bits of a
// fresh UUIDv4, matching the teacher's habit of reaching for
// github.com/google/uuid wherever the original assigns a message id.
func NewQueueID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[8:16])
}

// HasPending reports whether at least one Domain is non-terminal, the
// has_pending flag computed by Phase A.
func (m *Message) HasPending() bool {
	for i := range m.Domains {
		if !m.Domains[i].Terminal() {
			return true
		}
	}
	return false
}

// NextEvent returns the earliest of every non-terminal Domain's Retry.Due
// and NotifyAt.Due, the next_delivery_event computed in Phase C/I. The
// second return value is false if there is no non-terminal domain.
func (m *Message) NextEvent() (time.Time, bool) {
	var next time.Time
	found := false
	for i := range m.Domains {
		d := &m.Domains[i]
		if d.Terminal() {
			continue
		}
		for _, t := range []time.Time{d.Retry.Due, d.NotifyAt.Due} {
			if t.IsZero() {
				continue
			}
			if !found || t.Before(next) {
				next = t
				found = true
			}
		}
	}
	return next, found
}

// RecipientsOf returns the indices into Recipients belonging to the given
// domain index, preserving enqueue order.
func (m *Message) RecipientsOf(domainIdx int) []int {
	var out []int
	for i := range m.Recipients {
		if m.Recipients[i].DomainIdx == domainIdx {
			out = append(out, i)
		}
	}
	return out
}

// QueueEvent is the scheduling key stored in the durable due-index: the
// store is an ordered sequence of these, and polling is a range scan over
// Due <= now.
type QueueEvent struct {
	Due     time.Time
	QueueID uint64
}

// Lease is a per-QueueID lock. Unlock is idempotent; a held lease past
// ExpiresAt must be treated by the dispatcher as released.
type Lease struct {
	QueueID   uint64
	Owner     string
	ExpiresAt time.Time
}

// Expired reports whether this lease is no longer valid as of now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
