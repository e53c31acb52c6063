package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/instance"
	"github.com/relaygate/core/pkg/registry"
)

const instanceColumns = `id, user_id, service_type_id, custom_name, status, oauth_status,
	expires_at, last_used_at, usage_count, renewed_count, last_renewed_at,
	credentials_updated_at, version, created_at, updated_at`

func scanInstance(row pgx.Row) (*instance.Instance, error) {
	var inst instance.Instance
	err := row.Scan(
		&inst.ID, &inst.UserID, &inst.ServiceTypeID, &inst.CustomName, &inst.Status, &inst.OAuthStatus,
		&inst.ExpiresAt, &inst.LastUsedAt, &inst.UsageCount, &inst.RenewedCount, &inst.LastRenewedAt,
		&inst.CredentialsUpdatedAt, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id, owner uuid.UUID) (*instance.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1 AND user_id = $2`, id, owner)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "instance not found")
	}
	return inst, nil
}

func (s *Store) GetInstanceByID(ctx context.Context, id uuid.UUID) (*instance.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "instance not found")
	}
	return inst, nil
}

func (s *Store) ListUserInstances(ctx context.Context, userID uuid.UUID, filters instance.ListFilters) ([]instance.Instance, string, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE user_id = $1`
	args := []any{userID}

	if filters.Status != nil {
		args = append(args, *filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.ServiceTypeID != nil {
		args = append(args, *filters.ServiceTypeID)
		query += fmt.Sprintf(" AND service_type_id = $%d", len(args))
	}
	if filters.Cursor != "" {
		cursorID, err := uuid.Parse(filters.Cursor)
		if err != nil {
			return nil, "", relayerr.New(relayerr.KindInvalidInstanceID, "invalid pagination cursor")
		}
		args = append(args, cursorID)
		query += fmt.Sprintf(" AND id > $%d", len(args))
	}

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", mapErr(err, relayerr.KindInstanceNotFound, "")
	}
	defer rows.Close()

	var out []instance.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, "", mapErr(err, relayerr.KindInstanceNotFound, "")
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapErr(err, relayerr.KindInstanceNotFound, "")
	}

	nextCursor := ""
	if len(out) > limit {
		nextCursor = out[limit-1].ID.String()
		out = out[:limit]
	}

	return out, nextCursor, nil
}

// CreateUnderLimit implements §4.5's create_under_limit contract: open a
// transaction, lock and count the user's active-completed instances,
// reject over quota, otherwise insert Instance and Credentials together.
func (s *Store) CreateUnderLimit(ctx context.Context, seed instance.CreateSeed, maxActive *int) (*instance.Instance, *credential.Credentials, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var count int64
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT id FROM instances
			WHERE user_id = $1 AND status = 'active' AND oauth_status = 'completed'
			FOR UPDATE
		) AS locked`, seed.UserID,
	).Scan(&count)
	if err != nil {
		return nil, nil, mapErr(err, relayerr.KindUnavailable, "")
	}

	if maxActive != nil && count >= int64(*maxActive) {
		return nil, nil, relayerr.Newf(relayerr.KindActiveLimitReached,
			"active instance limit reached",
			map[string]any{"currentCount": count, "maxInstances": *maxActive})
	}

	svcType, err := s.getServiceTypeTx(ctx, tx, seed.ServiceTypeID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	inst := &instance.Instance{
		ID:            uuid.New(),
		UserID:        seed.UserID,
		ServiceTypeID: seed.ServiceTypeID,
		CustomName:    seed.CustomName,
		Status:        instance.StatusActive,
		ExpiresAt:     seed.ExpiresAt,
	}

	creds := &credential.Credentials{
		ID:           uuid.New(),
		InstanceID:   inst.ID,
		APIKey:       seed.APIKey,
		ClientID:     seed.ClientID,
		ClientSecret: seed.ClientSecret,
	}

	if svcType.AuthKind == registry.AuthKindAPIKey && seed.APIKey != "" {
		inst.OAuthStatus = credential.OAuthStatusCompleted
		creds.OAuthStatus = credential.OAuthStatusCompleted
		creds.OAuthCompletedAt = &now
	} else {
		inst.OAuthStatus = credential.OAuthStatusPending
		creds.OAuthStatus = credential.OAuthStatusPending
	}

	if err := creds.Validate(); err != nil {
		return nil, nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO instances (id, user_id, service_type_id, custom_name, status, oauth_status,
		                        expires_at, credentials_updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), 1)`,
		inst.ID, inst.UserID, inst.ServiceTypeID, inst.CustomName, inst.Status, inst.OAuthStatus, inst.ExpiresAt)
	if err != nil {
		return nil, nil, mapErr(err, relayerr.KindIntegrityViolation, "")
	}

	apiKey, err := s.cipher.Seal(creds.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting api_key: %w", err)
	}
	clientSecret, err := s.cipher.Seal(creds.ClientSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting client_secret: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credentials (id, instance_id, api_key, client_id, client_secret, oauth_status, oauth_completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		creds.ID, creds.InstanceID, apiKey, creds.ClientID, clientSecret, creds.OAuthStatus, creds.OAuthCompletedAt)
	if err != nil {
		return nil, nil, mapErr(err, relayerr.KindIntegrityViolation, "")
	}

	_, err = tx.Exec(ctx, `
		UPDATE service_types SET total_created = total_created + 1, active_count = active_count + 1, updated_at = now()
		WHERE id = $1`, seed.ServiceTypeID)
	if err != nil {
		return nil, nil, mapErr(err, relayerr.KindInstanceNotFound, "")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, mapErr(err, relayerr.KindUnavailable, "")
	}

	return inst, creds, nil
}

func (s *Store) getServiceTypeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*registry.ServiceType, error) {
	row := tx.QueryRow(ctx, `SELECT `+serviceTypeColumns+` FROM service_types WHERE id = $1`, id)
	st, err := scanServiceType(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "service type not found")
	}
	return st, nil
}

func (s *Store) UpdateFields(ctx context.Context, id, owner uuid.UUID, patch instance.PatchFields) (*instance.Instance, error) {
	query := `UPDATE instances SET version = version + 1, updated_at = now()`
	args := []any{id, owner}

	if patch.CustomName != nil {
		args = append(args, *patch.CustomName)
		query += fmt.Sprintf(", custom_name = $%d", len(args))
	}
	if patch.Status != nil {
		args = append(args, *patch.Status)
		query += fmt.Sprintf(", status = $%d", len(args))
	}
	if patch.ExpiresAt != nil {
		args = append(args, *patch.ExpiresAt)
		query += fmt.Sprintf(", expires_at = $%d", len(args))
	}
	if patch.IncrementRenewedCount {
		query += `, renewed_count = renewed_count + 1, last_renewed_at = now()`
	}

	query += ` WHERE id = $1 AND user_id = $2 RETURNING ` + instanceColumns

	row := s.pool.QueryRow(ctx, query, args...)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "instance not found")
	}
	return inst, nil
}

func (s *Store) Delete(ctx context.Context, id, owner uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1 AND user_id = $2`, id, owner)
	if err != nil {
		return mapErr(err, relayerr.KindInstanceNotFound, "")
	}
	if tag.RowsAffected() == 0 {
		return relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	return nil
}

func (s *Store) CountActiveCompleted(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM instances
		WHERE user_id = $1 AND status = 'active' AND oauth_status = 'completed'`, userID,
	).Scan(&count)
	if err != nil {
		return 0, mapErr(err, relayerr.KindUnavailable, "")
	}
	return count, nil
}

func (s *Store) ListByStatus(ctx context.Context, status instance.Status) ([]instance.Instance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status = $1`, status)
	if err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]instance.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND status != 'expired'`, now)
	if err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

func (s *Store) ListFailedOAuth(ctx context.Context) ([]instance.Instance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances WHERE oauth_status = 'failed'`)
	if err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

func (s *Store) ListStalePendingOAuth(ctx context.Context, olderThan time.Time) ([]instance.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE oauth_status = 'pending' AND updated_at < $1`, olderThan)
	if err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

func (s *Store) BulkMarkExpired(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE instances SET status = 'expired', version = version + 1, updated_at = now()
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return mapErr(err, relayerr.KindUnavailable, "")
	}
	return nil
}

func (s *Store) BumpLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE instances SET last_used_at = $2, usage_count = usage_count + 1 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err, relayerr.KindInstanceNotFound, "instance not found")
	}
	return nil
}

// SetOAuthStatus mirrors a Credentials oauth-status transition onto the
// owning Instance row. Unlike UpdateFields it is not ownership-scoped: C4
// and C7 address instances by id on the system's own authority, not a
// user session.
func (s *Store) SetOAuthStatus(ctx context.Context, id uuid.UUID, status credential.OAuthStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET oauth_status = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return mapErr(err, relayerr.KindInstanceNotFound, "instance not found")
	}
	if tag.RowsAffected() == 0 {
		return relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	return nil
}

func scanInstanceRows(rows pgx.Rows) ([]instance.Instance, error) {
	var out []instance.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, mapErr(err, relayerr.KindUnavailable, "")
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	return out, nil
}
