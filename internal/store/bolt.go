package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/driftmail/outbound/internal/queuemodel"
)

var (
	bucketMessages = []byte("messages")
	bucketEvents   = []byte("events")
	bucketLeases   = []byte("leases")
)

// Bolt is a Store backed by a single go.etcd.io/bbolt database file. Keys in
// bucketEvents are due-time-ordered (unix nanoseconds, big-endian, then
// queue id) so DueEvents is a plain forward bucket scan with an early
// cutoff, matching the "ranged scan over due <= now" contract in spec.md §6.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if absent) the bbolt database at path and
// ensures the three buckets this store uses exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketEvents, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying database file.
func (s *Bolt) Close() error { return s.db.Close() }

func eventKey(ev queuemodel.QueueEvent) []byte {
	key := make([]byte, 8+8)
	binary.BigEndian.PutUint64(key[:8], uint64(ev.Due.UTC().UnixNano()))
	binary.BigEndian.PutUint64(key[8:], ev.QueueID)
	return key
}

func messageKey(queueID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, queueID)
	return key
}

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Bolt) TryLease(_ context.Context, queueID uint64, owner string, expiry time.Duration) (LeaseResult, error) {
	var result LeaseResult

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := messageKey(queueID)

		now := time.Now()
		if raw := b.Get(key); raw != nil {
			var existing leaseRecord
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("store: decode lease: %w", err)
			}
			if existing.Owner != owner && existing.ExpiresAt.After(now) {
				result = LeaseResult{Leased: false, Until: existing.ExpiresAt}
				return nil
			}
		}

		rec := leaseRecord{Owner: owner, ExpiresAt: now.Add(expiry)}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: encode lease: %w", err)
		}
		if err := b.Put(key, raw); err != nil {
			return err
		}
		result = LeaseResult{Leased: true}
		return nil
	})
	return result, err
}

func (s *Bolt) Unlock(_ context.Context, queueID uint64, owner string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := messageKey(queueID)

		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var existing leaseRecord
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("store: decode lease: %w", err)
		}
		if existing.Owner != owner {
			return nil
		}
		return b.Delete(key)
	})
}

func (s *Bolt) LoadMessage(_ context.Context, queueID uint64) (*queuemodel.Message, error) {
	var msg *queuemodel.Message

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMessages).Get(messageKey(queueID))
		if raw == nil {
			return ErrNotFound
		}
		var m queuemodel.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("store: decode message: %w", err)
		}
		msg = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Bolt) DueEvents(_ context.Context, before time.Time, limit int) ([]queuemodel.QueueEvent, error) {
	var out []queuemodel.QueueEvent

	cutoff := make([]byte, 8)
	binary.BigEndian.PutUint64(cutoff, uint64(before.UTC().UnixNano()))

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) != 16 {
				continue
			}
			if string(k[:8]) > string(cutoff) {
				break
			}
			due := time.Unix(0, int64(binary.BigEndian.Uint64(k[:8]))).UTC()
			qid := binary.BigEndian.Uint64(k[8:])
			out = append(out, queuemodel.QueueEvent{Due: due, QueueID: qid})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *Bolt) Apply(_ context.Context, b Batch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		events := tx.Bucket(bucketEvents)
		leases := tx.Bucket(bucketLeases)

		if b.DeleteQueueID != 0 {
			if err := messages.Delete(messageKey(b.DeleteQueueID)); err != nil {
				return err
			}
			if err := deleteEventsFor(events, b.DeleteQueueID); err != nil {
				return err
			}
		}

		if b.SaveMessage != nil {
			raw, err := json.Marshal(b.SaveMessage)
			if err != nil {
				return fmt.Errorf("store: encode message: %w", err)
			}
			if err := messages.Put(messageKey(b.SaveMessage.QueueID), raw); err != nil {
				return err
			}
		}

		if b.SetEvent != nil {
			if err := deleteEventsFor(events, b.SetEvent.QueueID); err != nil {
				return err
			}
			if err := events.Put(eventKey(*b.SetEvent), nil); err != nil {
				return err
			}
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
				if err := leases.Delete(messageKey(id)); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// deleteEventsFor removes every QueueEvent key belonging to queueID. Event
// keys are due-time-prefixed so this is a full bucket scan; the bucket is
// expected to hold at most one live event per message.
func deleteEventsFor(b *bbolt.Bucket, queueID uint64) error {
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) != 16 {
			continue
		}
		if binary.BigEndian.Uint64(k[8:]) == queueID {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
