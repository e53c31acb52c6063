// Package plan models User Plans — the per-user quota envelope that gates
// Instance Manager's create_under_limit (C5).
package plan

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the plan tier.
type Kind string

const (
	KindFree Kind = "free"
	KindPro  Kind = "pro"
)

// Plan is one user's plan row. MaxInstances is nil for unlimited (pro).
type Plan struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Kind          Kind
	MaxInstances  *int
	TotalCreated  int64
	Features      json.RawMessage
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Unlimited reports whether the plan has no cap on active instances.
func (p *Plan) Unlimited() bool {
	return p.MaxInstances == nil
}

// AtOrOverLimit reports whether activeCompleted has reached the plan's cap.
// Pro plans (nil MaxInstances) never hit the limit.
func (p *Plan) AtOrOverLimit(activeCompleted int64) bool {
	if p.Unlimited() {
		return false
	}
	return activeCompleted >= int64(*p.MaxInstances)
}

// NewFree builds the default free plan materialized automatically on user
// creation, per the data-model invariant.
func NewFree(userID uuid.UUID, maxActive int) *Plan {
	max := maxActive
	return &Plan{
		ID:           uuid.New(),
		UserID:       userID,
		Kind:         KindFree,
		MaxInstances: &max,
	}
}

// Store is the persistence boundary for plans.
type Store interface {
	GetPlan(ctx context.Context, userID uuid.UUID) (*Plan, error)
	CreatePlan(ctx context.Context, p *Plan) error
	IncrementTotalCreated(ctx context.Context, userID uuid.UUID) error
}
