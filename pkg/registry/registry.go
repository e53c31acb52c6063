// Package registry models Service Types — the catalog of integrations
// (Gmail, Slack, GitHub, ...) an Instance can bind to.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuthKind is how a Service Type authenticates against its upstream.
type AuthKind string

const (
	AuthKindAPIKey AuthKind = "api_key"
	AuthKindOAuth  AuthKind = "oauth"
)

// ServiceType is a registry entry describing one integration.
type ServiceType struct {
	ID          uuid.UUID
	ShortName   string
	DisplayName string
	Description string
	IconURL     string
	AuthKind    AuthKind
	IsActive    bool

	// AuthorizationEndpoint/TokenEndpoint carry the direct-provider OAuth
	// endpoints used by C3's fallback path; both are empty for api_key
	// service types. Not named in the data model's suggestive field list,
	// but required for a working direct-provider fallback.
	AuthorizationEndpoint string
	TokenEndpoint         string

	TotalCreated int64
	ActiveCount  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence boundary for the registry. Bootstrap seeding and
// administration are out of scope here; the credential plane only reads
// Service Types and bumps their aggregate counters.
type Store interface {
	GetServiceType(ctx context.Context, id uuid.UUID) (*ServiceType, error)
	GetServiceTypeByShortName(ctx context.Context, shortName string) (*ServiceType, error)
	ListServiceTypes(ctx context.Context, activeOnly bool) ([]ServiceType, error)
	IncrementCounters(ctx context.Context, id uuid.UUID, totalCreatedDelta, activeCountDelta int64) error
}
