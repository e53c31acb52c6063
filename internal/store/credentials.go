package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/credential"
)

const credentialColumns = `id, instance_id, api_key, client_id, client_secret,
	access_token, refresh_token, token_expires_at, token_scope,
	oauth_status, oauth_completed_at, oauth_authorization_url, oauth_state,
	version, last_modified, created_at, updated_at`

func (s *Store) scanCredentials(row pgx.Row) (*credential.Credentials, error) {
	var c credential.Credentials
	var apiKey, clientSecret, accessToken, refreshToken string

	err := row.Scan(
		&c.ID, &c.InstanceID, &apiKey, &c.ClientID, &clientSecret,
		&accessToken, &refreshToken, &c.TokenExpiresAt, &c.TokenScope,
		&c.OAuthStatus, &c.OAuthCompletedAt, &c.OAuthAuthorizationURL, &c.OAuthState,
		&c.Version, &c.LastModified, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.APIKey, err = s.cipher.Open(apiKey); err != nil {
		return nil, fmt.Errorf("decrypting api_key: %w", err)
	}
	if c.ClientSecret, err = s.cipher.Open(clientSecret); err != nil {
		return nil, fmt.Errorf("decrypting client_secret: %w", err)
	}
	if c.AccessToken, err = s.cipher.Open(accessToken); err != nil {
		return nil, fmt.Errorf("decrypting access_token: %w", err)
	}
	if c.RefreshToken, err = s.cipher.Open(refreshToken); err != nil {
		return nil, fmt.Errorf("decrypting refresh_token: %w", err)
	}

	return &c, nil
}

func (s *Store) GetCredentials(ctx context.Context, instanceID uuid.UUID) (*credential.Credentials, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE instance_id = $1`, instanceID)
	c, err := s.scanCredentials(row)
	if err != nil {
		return nil, mapErr(err, relayerr.KindInstanceNotFound, "credentials not found")
	}
	return c, nil
}

func (s *Store) UpdateCAS(ctx context.Context, instanceID uuid.UUID, expectedVersion int64, update credential.CASUpdate) (int64, error) {
	accessToken, err := s.cipher.Seal(update.AccessToken)
	if err != nil {
		return 0, fmt.Errorf("encrypting access_token: %w", err)
	}
	refreshToken, err := s.cipher.Seal(update.RefreshToken)
	if err != nil {
		return 0, fmt.Errorf("encrypting refresh_token: %w", err)
	}

	var newVersion int64
	err = s.pool.QueryRow(ctx, `
		UPDATE credentials
		SET access_token = $3, refresh_token = $4, token_expires_at = $5, token_scope = $6,
		    oauth_status = $7, oauth_completed_at = $8,
		    version = version + 1, last_modified = now(), updated_at = now()
		WHERE instance_id = $1 AND version = $2
		RETURNING version`,
		instanceID, expectedVersion, accessToken, refreshToken, update.TokenExpiresAt, update.TokenScope,
		update.OAuthStatus, update.OAuthCompletedAt,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, relayerr.New(relayerr.KindConflict, "credentials version does not match expected")
		}
		return 0, mapErr(err, relayerr.KindInstanceNotFound, "credentials not found")
	}

	go s.bumpInstanceCredentialsUpdatedAt(instanceID)

	return newVersion, nil
}

func (s *Store) UpdateUnconditional(ctx context.Context, instanceID uuid.UUID, update credential.CASUpdate) (int64, error) {
	accessToken, err := s.cipher.Seal(update.AccessToken)
	if err != nil {
		return 0, fmt.Errorf("encrypting access_token: %w", err)
	}
	refreshToken, err := s.cipher.Seal(update.RefreshToken)
	if err != nil {
		return 0, fmt.Errorf("encrypting refresh_token: %w", err)
	}

	var newVersion int64
	err = s.pool.QueryRow(ctx, `
		UPDATE credentials
		SET access_token = $2, refresh_token = $3, token_expires_at = $4, token_scope = $5,
		    oauth_status = $6, oauth_completed_at = $7,
		    version = version + 1, last_modified = now(), updated_at = now()
		WHERE instance_id = $1
		RETURNING version`,
		instanceID, accessToken, refreshToken, update.TokenExpiresAt, update.TokenScope,
		update.OAuthStatus, update.OAuthCompletedAt,
	).Scan(&newVersion)
	if err != nil {
		return 0, mapErr(err, relayerr.KindInstanceNotFound, "credentials not found")
	}

	go s.bumpInstanceCredentialsUpdatedAt(instanceID)

	return newVersion, nil
}

// ListExpiredCredentials finds Credentials still marked completed whose
// access token has expired with no refresh token left to retry, for C7's
// completed-to-expired sweep.
func (s *Store) ListExpiredCredentials(ctx context.Context, now time.Time) ([]credential.Credentials, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE oauth_status = 'completed' AND token_expires_at IS NOT NULL
		  AND token_expires_at < $1 AND refresh_token = ''`, now)
	if err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	defer rows.Close()

	var out []credential.Credentials
	for rows.Next() {
		c, err := s.scanCredentials(rows)
		if err != nil {
			return nil, mapErr(err, relayerr.KindUnavailable, "")
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, relayerr.KindUnavailable, "")
	}
	return out, nil
}

// bumpInstanceCredentialsUpdatedAt keeps instances.credentials_updated_at
// current so C7's cache reconciliation phase can detect staleness. Best
// effort: failures are logged, never surfaced to the refresh caller.
func (s *Store) bumpInstanceCredentialsUpdatedAt(instanceID uuid.UUID) {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `UPDATE instances SET credentials_updated_at = now() WHERE id = $1`, instanceID)
	if err != nil {
		s.logger.Warn("bumping credentials_updated_at", "error", err, "instance_id", instanceID)
	}
}
