package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/registry"
)

func scanServiceType(row interface {
	Scan(dest ...any) error
}) (*registry.ServiceType, error) {
	var st registry.ServiceType
	err := row.Scan(
		&st.ID, &st.ShortName, &st.DisplayName, &st.Description, &st.IconURL,
		&st.AuthKind, &st.IsActive, &st.AuthorizationEndpoint, &st.TokenEndpoint,
		&st.TotalCreated, &st.ActiveCount, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

const serviceTypeColumns = `id, short_name, display_name, description, icon_url,
	auth_kind, is_active, authorization_endpoint, token_endpoint,
	total_created, active_count, created_at, updated_at`

func (s *Store) GetServiceType(ctx context.Context, id uuid.UUID) (*registry.ServiceType, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serviceTypeColumns+` FROM service_types WHERE id = $1`, id)
	st, err := scanServiceType(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "service type not found")
	}
	return st, nil
}

func (s *Store) GetServiceTypeByShortName(ctx context.Context, shortName string) (*registry.ServiceType, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serviceTypeColumns+` FROM service_types WHERE short_name = $1`, shortName)
	st, err := scanServiceType(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "service type not found")
	}
	return st, nil
}

func (s *Store) ListServiceTypes(ctx context.Context, activeOnly bool) ([]registry.ServiceType, error) {
	query := `SELECT ` + serviceTypeColumns + ` FROM service_types`
	var args []any
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY short_name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "")
	}
	defer rows.Close()

	var out []registry.ServiceType
	for rows.Next() {
		st, err := scanServiceType(rows)
		if err != nil {
			return nil, mapErr(err, relayerr.KindInstanceNotFound, "")
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Store) IncrementCounters(ctx context.Context, id uuid.UUID, totalCreatedDelta, activeCountDelta int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE service_types
		SET total_created = total_created + $2,
		    active_count = active_count + $3,
		    updated_at = now()
		WHERE id = $1`,
		id, totalCreatedDelta, activeCountDelta)
	if err != nil {
		return mapErr(err, relayerr.KindInstanceNotFound, "service type not found")
	}
	return nil
}
