package bodystore_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"

	"github.com/driftmail/outbound/internal/bodystore"
)

func TestMemStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := bodystore.NewMemStore()

	hdr := textproto.Header{}
	hdr.Add("Subject", "hello")

	if err := s.Save(ctx, 42, hdr, strings.NewReader("body bytes")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := s.Load(ctx, 42)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := rec.Header.Get("Subject"); got != "hello" {
		t.Fatalf("header Subject = %q, want hello", got)
	}

	rc, err := rec.Body.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "body bytes" {
		t.Fatalf("body = %q, want %q", got, "body bytes")
	}
}

func TestMemStoreLoadMissingReturnsErrNotFound(t *testing.T) {
	s := bodystore.NewMemStore()
	_, err := s.Load(context.Background(), 999)
	if err != bodystore.ErrNotFound {
		t.Fatalf("Load on missing id = %v, want ErrNotFound", err)
	}
}

func TestMemStoreRemoveDiscardsStorage(t *testing.T) {
	ctx := context.Background()
	s := bodystore.NewMemStore()

	if err := s.Save(ctx, 7, textproto.Header{}, strings.NewReader("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Remove(ctx, 7); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Load(ctx, 7); err != bodystore.ErrNotFound {
		t.Fatalf("Load after Remove = %v, want ErrNotFound", err)
	}
}

func TestMemStoreSaveOverwritesPriorRecord(t *testing.T) {
	ctx := context.Background()
	s := bodystore.NewMemStore()

	if err := s.Save(ctx, 1, textproto.Header{}, strings.NewReader("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, 1, textproto.Header{}, strings.NewReader("second")); err != nil {
		t.Fatalf("Save (overwrite): %v", err)
	}

	rec, err := s.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rc, err := rec.Body.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "second" {
		t.Fatalf("body after overwrite = %q, want %q", got, "second")
	}
}

func TestMemStoreSpillsToFileAboveThreshold(t *testing.T) {
	ctx := context.Background()
	s := bodystore.NewMemStore()
	s.SpillThreshold = 4

	if err := s.Save(ctx, 1, textproto.Header{}, strings.NewReader("this is longer than four bytes")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec, err := s.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rc, err := rec.Body.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "this is longer than four bytes" {
		t.Fatalf("body = %q", got)
	}
	if err := s.Remove(ctx, 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}
