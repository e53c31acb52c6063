package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaygate/core/internal/relayerr"
)

func TestMapErr_NoRows(t *testing.T) {
	err := mapErr(pgx.ErrNoRows, relayerr.KindInstanceNotFound, "instance not found")

	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error")
	}
	if rerr.Kind != relayerr.KindInstanceNotFound {
		t.Errorf("expected kind %q, got %q", relayerr.KindInstanceNotFound, rerr.Kind)
	}
}

func TestMapErr_CheckViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgCheckViolation}
	err := mapErr(pgErr, relayerr.KindInstanceNotFound, "")

	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error")
	}
	if rerr.Kind != relayerr.KindInvalidCredentialsShape {
		t.Errorf("expected kind %q, got %q", relayerr.KindInvalidCredentialsShape, rerr.Kind)
	}
}

func TestMapErr_UniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgUniqueViolation}
	err := mapErr(pgErr, relayerr.KindInstanceNotFound, "")

	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error")
	}
	if rerr.Kind != relayerr.KindIntegrityViolation {
		t.Errorf("expected kind %q, got %q", relayerr.KindIntegrityViolation, rerr.Kind)
	}
}

func TestMapErr_Unavailable(t *testing.T) {
	err := mapErr(errors.New("connection reset"), relayerr.KindInstanceNotFound, "")

	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error")
	}
	if rerr.Kind != relayerr.KindUnavailable {
		t.Errorf("expected kind %q, got %q", relayerr.KindUnavailable, rerr.Kind)
	}
}

func TestMapErr_Nil(t *testing.T) {
	if err := mapErr(nil, relayerr.KindInstanceNotFound, ""); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
