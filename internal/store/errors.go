package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaygate/core/internal/relayerr"
)

// postgresErrorCode for a CHECK constraint violation.
const pgCheckViolation = "23514"

// postgresErrorCode for a unique constraint violation.
const pgUniqueViolation = "23505"

// mapErr classifies a raw pgx/pgconn error into a relayerr.Error. Callers
// pass the operation-specific not-found kind since §7 distinguishes
// instance_not_found from a generic not_found.
func mapErr(err error, notFoundKind relayerr.Kind, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return relayerr.New(notFoundKind, notFoundMsg)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCheckViolation:
			return relayerr.Wrap(relayerr.KindInvalidCredentialsShape, "credentials violate a stored invariant", err)
		case pgUniqueViolation:
			return relayerr.Wrap(relayerr.KindIntegrityViolation, "unique constraint violated", err)
		}
	}

	return relayerr.Wrap(relayerr.KindUnavailable, "store operation failed", err)
}
