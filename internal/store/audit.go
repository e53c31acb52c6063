package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaygate/core/pkg/audit"
)

// pgUndefinedTable is Postgres's "relation does not exist" SQLSTATE.
const pgUndefinedTable = "42P01"

// AppendAudit writes a batch of audit entries inside one transaction. Per
// the store contract, a missing audit_log table is non-fatal: the error
// is swallowed so the caller's operation is unaffected.
func (s *Store) AppendAudit(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`
				INSERT INTO audit_log (instance_id, user_id, operation, status, method, error_kind, error_message, metadata_json, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				e.InstanceID, e.UserID, e.Operation, e.Status, e.Method, e.ErrorKind, e.ErrorMessage, e.Metadata, e.CreatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			s.logger.Warn("audit_log table is absent, dropping batch")
			return nil
		}
		return err
	}
	return nil
}

// CleanupAudit deletes audit entries older than olderThan, used by C7's
// retention phase.
func (s *Store) CleanupAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, olderThan)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return 0, nil
		}
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QueryAudit lists audit entries for one instance, newest first, optionally
// narrowed by status/operation and paginated by an opaque cursor (the last
// seen row id). Implements C1's query_audit operation.
func (s *Store) QueryAudit(ctx context.Context, instanceID uuid.UUID, filters audit.Filters) ([]audit.Entry, string, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, instance_id, user_id, operation, status, method, error_kind, error_message, metadata_json, created_at
		FROM audit_log
		WHERE instance_id = $1`
	args := []any{instanceID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Operation != "" {
		args = append(args, filters.Operation)
		query += fmt.Sprintf(" AND operation = $%d", len(args))
	}
	if filters.Cursor != "" {
		afterID, err := strconv.ParseInt(filters.Cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid audit cursor: %w", err)
		}
		args = append(args, afterID)
		query += fmt.Sprintf(" AND id < $%d", len(args))
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return nil, "", nil
		}
		return nil, "", err
	}
	defer rows.Close()

	var entries []audit.Entry
	var ids []int64
	for rows.Next() {
		var id int64
		var e audit.Entry
		if err := rows.Scan(&id, &e.InstanceID, &e.UserID, &e.Operation, &e.Status, &e.Method, &e.ErrorKind, &e.ErrorMessage, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, "", err
		}
		ids = append(ids, id)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(entries) > limit {
		entries = entries[:limit]
		nextCursor = strconv.FormatInt(ids[limit-1], 10)
	}
	return entries, nextCursor, nil
}

// AggregateAudit summarizes audit entries created within the trailing
// window: total/outcome counts and a method breakdown. Implements C1's
// aggregate_audit operation.
func (s *Store) AggregateAudit(ctx context.Context, window time.Duration) (audit.Aggregate, error) {
	agg := audit.Aggregate{Window: window, ByMethod: make(map[string]int64)}
	since := time.Now().Add(-window)

	rows, err := s.pool.Query(ctx, `
		SELECT status, method, count(*)
		FROM audit_log
		WHERE created_at >= $1
		GROUP BY status, method`, since)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return agg, nil
		}
		return audit.Aggregate{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, method string
		var count int64
		if err := rows.Scan(&status, &method, &count); err != nil {
			return audit.Aggregate{}, err
		}
		agg.Total += count
		if method != "" {
			agg.ByMethod[method] += count
		}
		switch status {
		case audit.StatusSuccess:
			agg.SuccessCount += count
		case audit.StatusFailure:
			agg.FailureCount += count
		case audit.StatusPending:
			agg.PendingCount += count
		}
	}
	if err := rows.Err(); err != nil {
		return audit.Aggregate{}, err
	}
	return agg, nil
}
