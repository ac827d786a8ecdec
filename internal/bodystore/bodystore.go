// Package bodystore addresses the out-of-band message store spec.md §3
// names but leaves external: "the body is stored out-of-band, addressed by
// queue_id". The delivery worker needs to stream that body into DATA, and
// the reporter needs the original header to build a DSN's "Undelivered
// message header" part — this package is the seam between the two.
//
// The in-memory implementation here is what an outbound-only engine
// actually owns: the real store is expected to be a collaborator (the
// injecting MTA's spool) reachable over the same queue_id key space: see
// DESIGN.md.
package bodystore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/emersion/go-message/textproto"

	"github.com/driftmail/outbound/internal/bodybuffer"
)

// ErrNotFound is returned by Load when no record exists for a queue id.
var ErrNotFound = errors.New("bodystore: not found")

// Record pairs a message's header with its buffered body. Buffer.Open may
// be called any number of times; per bodybuffer's contract the caller owns
// closing each returned io.ReadCloser.
type Record struct {
	Header textproto.Header
	Body   bodybuffer.Buffer
}

// Store is the out-of-band body/header contract the worker and reporter
// depend on. Save is called once at enqueue time (outside this engine's
// scope in production, exercised here only by tests and the DSN
// re-injection path); Load and Remove are called by the worker and Phase I
// termination respectively.
type Store interface {
	Save(ctx context.Context, queueID uint64, hdr textproto.Header, body io.Reader) error
	Load(ctx context.Context, queueID uint64) (Record, error)
	Remove(ctx context.Context, queueID uint64) error
}

// MemStore is a process-local Store backed by bodybuffer.Buffer, spilling
// to disk above a size threshold the same way the teacher's pipeline stage
// buffers inbound messages.
type MemStore struct {
	// SpillDir is where bodies above SpillThreshold are buffered to disk
	// via bodybuffer.BufferInFile. Empty means the process's working
	// directory.
	SpillDir string
	// SpillThreshold is the body size, in bytes, above which a FileBuffer
	// is used instead of a MemoryBuffer. 0 means always buffer in memory.
	SpillThreshold int64

	mu      sync.Mutex
	records map[uint64]Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[uint64]Record)}
}

func (s *MemStore) Save(ctx context.Context, queueID uint64, hdr textproto.Header, body io.Reader) error {
	buf, err := s.buffer(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[queueID]; ok {
		_ = old.Body.Remove()
	}
	s.records[queueID] = Record{Header: hdr, Body: buf}
	return nil
}

func (s *MemStore) buffer(body io.Reader) (bodybuffer.Buffer, error) {
	if s.SpillThreshold <= 0 {
		return bodybuffer.BufferInMemory(body)
	}

	limited := io.LimitReader(body, s.SpillThreshold+1)
	var head bytes.Buffer
	n, err := io.Copy(&head, limited)
	if err != nil {
		return nil, err
	}
	if n <= s.SpillThreshold {
		return bodybuffer.BufferInMemory(&head)
	}
	return bodybuffer.BufferInFile(io.MultiReader(&head, body), s.SpillDir)
}

func (s *MemStore) Load(ctx context.Context, queueID uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[queueID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) Remove(ctx context.Context, queueID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[queueID]
	if !ok {
		return nil
	}
	delete(s.records, queueID)
	return rec.Body.Remove()
}
