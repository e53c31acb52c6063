// Package store is the durable store (C1): a Postgres-backed,
// transactional implementation of the registry/instance/credential/plan/
// audit persistence boundaries, enforcing credential-shape and
// oauth-status-consistency invariants in addition to the database's own
// CHECK constraints.
package store

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaygate/core/pkg/credential"
)

// Store is the concrete C1 implementation. One Store value satisfies
// registry.Store, plan.Store, instance.Store, credential.Store, and
// audit.Store/maintenance.AuditStore.
type Store struct {
	pool   *pgxpool.Pool
	cipher *credential.Cipher
	logger *slog.Logger
}

// New builds a Store over an already-connected pool.
func New(pool *pgxpool.Pool, cipher *credential.Cipher, logger *slog.Logger) *Store {
	return &Store{pool: pool, cipher: cipher, logger: logger}
}
