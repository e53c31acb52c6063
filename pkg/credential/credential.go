// Package credential models Credentials — the one-to-one secret-bearing
// child of an Instance — and the cipher used to encrypt secret material
// at rest.
package credential

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/core/internal/relayerr"
)

// OAuthStatus is the credential-freshness state machine value. It mirrors
// Instance.OAuthStatus and the two are kept in lockstep by C4.
type OAuthStatus string

const (
	OAuthStatusPending   OAuthStatus = "pending"
	OAuthStatusCompleted OAuthStatus = "completed"
	OAuthStatusFailed    OAuthStatus = "failed"
	OAuthStatusExpired   OAuthStatus = "expired"
)

// Credentials is the secret-bearing half of an Instance. Exactly one of
// the api-key shape or the OAuth client-pair shape is populated; see
// Validate.
type Credentials struct {
	ID         uuid.UUID
	InstanceID uuid.UUID

	APIKey string

	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string

	TokenExpiresAt *time.Time
	TokenScope     string

	OAuthStatus           OAuthStatus
	OAuthCompletedAt      *time.Time
	OAuthAuthorizationURL string
	OAuthState            string

	Version      int64
	LastModified time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAPIKeyShape reports whether this row is shaped as an api-key credential.
func (c *Credentials) IsAPIKeyShape() bool {
	return c.APIKey != ""
}

// HasOAuthClientPair reports whether the OAuth client pair is present.
func (c *Credentials) HasOAuthClientPair() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Validate enforces the two Credentials invariants: credential-shape and
// oauth-status consistency. It is run at the application layer in
// addition to the store-level CHECK constraints (defense in depth).
func (c *Credentials) Validate() error {
	apiKeySet := c.APIKey != ""
	clientPairSet := c.ClientID != "" && c.ClientSecret != ""
	oauthTokensSet := c.AccessToken != "" || c.RefreshToken != ""

	switch {
	case apiKeySet && clientPairSet:
		return relayerr.New(relayerr.KindInvalidCredentialsShape,
			"credentials row has both an api key and an oauth client pair")
	case apiKeySet && oauthTokensSet:
		return relayerr.New(relayerr.KindInvalidCredentialsShape,
			"api key credentials must not carry oauth tokens")
	case !apiKeySet && !clientPairSet:
		return relayerr.New(relayerr.KindInvalidCredentialsShape,
			"credentials row has neither an api key nor an oauth client pair")
	case oauthTokensSet && !clientPairSet:
		return relayerr.New(relayerr.KindInvalidCredentialsShape,
			"oauth tokens present without a client pair")
	}

	switch c.OAuthStatus {
	case OAuthStatusPending:
		if c.OAuthCompletedAt != nil {
			return relayerr.New(relayerr.KindInvalidCredentialsShape,
				"pending credentials must not carry a completion timestamp")
		}
	case OAuthStatusCompleted, OAuthStatusFailed, OAuthStatusExpired:
		if c.OAuthCompletedAt == nil {
			return relayerr.New(relayerr.KindInvalidCredentialsShape,
				"non-pending credentials must carry a completion timestamp")
		}
	}

	return nil
}

// TokenSet is what the OAuth client (C3) returns from an exchange or
// refresh call.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// ExpiresAt computes the absolute expiry of a freshly issued TokenSet
// relative to now.
func (t TokenSet) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// CASUpdate is the field set update_credentials_cas writes, keyed to an
// expected prior version.
type CASUpdate struct {
	AccessToken      string
	RefreshToken     string
	TokenExpiresAt   *time.Time
	TokenScope       string
	OAuthStatus      OAuthStatus
	OAuthCompletedAt *time.Time
}

// Store is the persistence boundary for Credentials, implemented by C1.
type Store interface {
	GetCredentials(ctx context.Context, instanceID uuid.UUID) (*Credentials, error)
	// UpdateCAS applies update if the stored version equals expectedVersion.
	// It returns relayerr.KindConflict when it does not. The caller is
	// expected to fall back to UpdateUnconditional on conflict.
	UpdateCAS(ctx context.Context, instanceID uuid.UUID, expectedVersion int64, update CASUpdate) (newVersion int64, err error)
	UpdateUnconditional(ctx context.Context, instanceID uuid.UUID, update CASUpdate) (newVersion int64, err error)
}
