package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (f *fakeStore) AppendAudit(ctx context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestWriter_FlushesOnTimer(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	w.Log(Entry{InstanceID: uuid.New(), Operation: "refresh", Status: StatusSuccess})

	deadline := time.Now().Add(3 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if store.count() != 1 {
		t.Fatalf("flushed entries = %d, want 1", store.count())
	}
}

func TestWriter_FlushesOnClose(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Log(Entry{InstanceID: uuid.New(), Operation: "renew", Status: StatusSuccess})
	cancel()
	w.Close()

	if store.count() != 1 {
		t.Fatalf("flushed entries = %d, want 1", store.count())
	}
}

func TestWriter_DropsWhenBufferFull(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testLogger())
	// Never started: entries accumulate only in the channel buffer, so
	// once it fills, Log must drop rather than block the caller.
	for i := 0; i < bufferSize+10; i++ {
		w.Log(Entry{InstanceID: uuid.New(), Operation: "refresh", Status: StatusSuccess})
	}
	if len(w.entries) != bufferSize {
		t.Fatalf("buffered entries = %d, want %d (excess must be dropped, not blocked on)", len(w.entries), bufferSize)
	}
}

func TestWriter_SetsCreatedAtWhenZero(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	before := time.Now()
	w.Log(Entry{InstanceID: uuid.New(), Operation: "renew", Status: StatusSuccess})
	cancel()
	w.Close()

	if len(store.entries) != 1 {
		t.Fatalf("flushed entries = %d, want 1", len(store.entries))
	}
	if store.entries[0].CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want at or after %v", store.entries[0].CreatedAt, before)
	}
}
