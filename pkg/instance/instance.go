// Package instance implements the Instance Manager (C5): CRUD and state
// transitions on Instances under plan quotas, including atomic
// create-under-limit.
package instance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/core/pkg/credential"
)

// Status is an Instance's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// Instance is a user's provisioned, named credential binding to one
// Service Type.
type Instance struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	ServiceTypeID   uuid.UUID
	CustomName      string
	Status          Status
	OAuthStatus     credential.OAuthStatus
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	UsageCount      int64
	RenewedCount    int64
	LastRenewedAt   *time.Time
	CredentialsUpdatedAt time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsExpired reports whether the instance is expired, either explicitly or
// because its expiry timestamp has passed (boundary: expires_at == now
// counts as expired).
func (i *Instance) IsExpired(now time.Time) bool {
	if i.Status == StatusExpired {
		return true
	}
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// CountsAgainstQuota reports whether this instance counts against the
// user's active-instance plan quota.
func (i *Instance) CountsAgainstQuota() bool {
	return i.Status == StatusActive && i.OAuthStatus == credential.OAuthStatusCompleted
}

// CreateSeed is the input to create_under_limit.
type CreateSeed struct {
	UserID        uuid.UUID
	ServiceTypeID uuid.UUID
	CustomName    string
	ExpiresAt     *time.Time

	// APIKey is set for api-key service types; ClientID/ClientSecret for
	// oauth service types. Exactly one shape is populated, enforced by
	// credential.Credentials.Validate.
	APIKey       string
	ClientID     string
	ClientSecret string
}

// ListFilters narrows list_user_instances.
type ListFilters struct {
	Status        *Status
	ServiceTypeID *uuid.UUID
	Cursor        string
	Limit         int
}

// PatchFields is the field set update_instance_fields accepts.
type PatchFields struct {
	CustomName *string
	Status     *Status
	ExpiresAt  **time.Time
	// IncrementRenewedCount, when set, atomically bumps renewed_count and
	// sets last_renewed_at to now in the same update as Renew's other
	// fields, per §4.5's renewal counter requirement.
	IncrementRenewedCount bool
}

// Store is the persistence boundary for instances, implemented by C1.
type Store interface {
	GetInstance(ctx context.Context, id, owner uuid.UUID) (*Instance, error)
	// GetInstanceByID looks up an instance by id alone, with no ownership
	// scoping. Used by the auth pipeline (C6), which addresses instances
	// directly by id on behalf of the tool-call transport rather than a
	// user session.
	GetInstanceByID(ctx context.Context, id uuid.UUID) (*Instance, error)
	ListUserInstances(ctx context.Context, userID uuid.UUID, filters ListFilters) ([]Instance, string, error)
	// CreateUnderLimit performs the full §4.5 create_under_limit contract
	// in one transaction, including the row-level lock on active rows.
	CreateUnderLimit(ctx context.Context, seed CreateSeed, maxActive *int) (*Instance, *credential.Credentials, error)
	UpdateFields(ctx context.Context, id, owner uuid.UUID, patch PatchFields) (*Instance, error)
	Delete(ctx context.Context, id, owner uuid.UUID) error
	CountActiveCompleted(ctx context.Context, userID uuid.UUID) (int64, error)
	ListByStatus(ctx context.Context, status Status) ([]Instance, error)
	ListExpired(ctx context.Context, now time.Time) ([]Instance, error)
	ListFailedOAuth(ctx context.Context) ([]Instance, error)
	ListStalePendingOAuth(ctx context.Context, olderThan time.Time) ([]Instance, error)
	BulkMarkExpired(ctx context.Context, ids []uuid.UUID) error
	BumpLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	// SetOAuthStatus mirrors a Credentials oauth-status transition onto the
	// owning Instance row, keeping the two in lockstep outside of
	// create_under_limit (which sets both at once).
	SetOAuthStatus(ctx context.Context, id uuid.UUID, status credential.OAuthStatus) error
}
