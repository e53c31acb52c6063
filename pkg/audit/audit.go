// Package audit implements the append-only audit log of token operations
// (C1's audit_log table, written through asynchronously from C4/C5/C7).
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status values for an Entry.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
)

// Method tags recorded against a refresh/exchange attempt.
const (
	MethodOAuthService = "oauth_service"
	MethodDirectOAuth  = "direct_oauth"
)

// Entry is a single audit record. It is append-only; nothing ever updates
// an Entry after it is written.
type Entry struct {
	InstanceID   uuid.UUID
	UserID       *uuid.UUID
	Operation    string
	Status       string
	Method       string
	ErrorKind    string
	ErrorMessage string
	Metadata     json.RawMessage
	CreatedAt    time.Time
}

// Store is the persistence boundary the Writer flushes batches through. It
// is satisfied by the durable store; kept as a narrow interface here so
// this package never imports the store package directly.
type Store interface {
	AppendAudit(ctx context.Context, entries []Entry) error
}

// Filters narrows QueryAudit to a status/operation and paginates via an
// opaque cursor, mirroring instance.ListFilters.
type Filters struct {
	Status    string
	Operation string
	Cursor    string
	Limit     int
}

// Aggregate summarizes audit entries over a trailing window: outcome and
// method breakdowns, used for operational visibility into refresh health
// without querying the raw log directly.
type Aggregate struct {
	Window       time.Duration
	Total        int64
	SuccessCount int64
	FailureCount int64
	PendingCount int64
	ByMethod     map[string]int64
}

// Reader is the query-side persistence boundary: C1's query_audit and
// aggregate_audit operations. Kept separate from Store since the async
// Writer only ever needs the write side.
type Reader interface {
	QueryAudit(ctx context.Context, instanceID uuid.UUID, filters Filters) ([]Entry, string, error)
	AggregateAudit(ctx context.Context, window time.Duration) (Aggregate, error)
}

const (
	bufferSize    = 512
	flushInterval = 2 * time.Second
	flushBatch    = 64
)

// Writer is an async, buffered audit log writer. Log never blocks the
// caller: entries are enqueued on a channel and flushed by a background
// goroutine on a timer or once a batch fills up.
type Writer struct {
	store  Store
	logger *slog.Logger

	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:   store,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start runs the background flush loop until ctx is cancelled, at which
// point it drains any remaining entries and returns.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the background loop to
// finish flushing: closing the entry channel makes run flush what remains
// and return, whether or not Start's context is cancelled. Log panics if
// called after Close.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues entry for async writing. If the buffer is full the entry is
// dropped and a warning is logged — audit-append failures must never cause
// the calling operation to fail.
func (w *Writer) Log(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit buffer full, dropping entry",
			"instance_id", entry.InstanceID, "operation", entry.Operation, "status", entry.Status)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries through Store. An error from Store is
// logged and not returned, so the background loop keeps running; the
// durable store's AppendAudit itself treats a missing audit table as a
// no-op.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := make([]Entry, len(entries))
	copy(batch, entries)

	if err := w.store.AppendAudit(ctx, batch); err != nil {
		w.logger.Error("flushing audit batch", "error", err, "count", len(batch))
	}
}
