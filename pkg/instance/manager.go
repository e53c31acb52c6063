package instance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/internal/telemetry"
	"github.com/relaygate/core/pkg/plan"
)

// Manager composes Store with the quota and state-transition rules C5
// owns but the store layer doesn't enforce on its own (toggle, renew).
type Manager struct {
	store     Store
	planStore plan.Store
}

// New builds a Manager.
func New(store Store, planStore plan.Store) *Manager {
	return &Manager{store: store, planStore: planStore}
}

// Create resolves the caller's plan and delegates to the store's atomic
// create_under_limit. A quota rejection comes back from the store as a
// typed error carrying the current count and the limit, and is returned
// unchanged.
func (m *Manager) Create(ctx context.Context, seed CreateSeed) (*Instance, error) {
	p, err := m.planStore.GetPlan(ctx, seed.UserID)
	if err != nil {
		return nil, err
	}

	inst, _, err := m.store.CreateUnderLimit(ctx, seed, p.MaxInstances)
	if err != nil {
		return nil, err
	}

	// Non-fatal: the instance was created successfully; the lifetime
	// counter is advisory and will be slightly stale until next creation.
	_ = m.planStore.IncrementTotalCreated(ctx, seed.UserID)

	telemetry.InstancesActiveGauge.WithLabelValues(seed.UserID.String()).Inc()

	return inst, nil
}

// Toggle sets status to active or inactive. It never touches oauth-status
// or tokens — inactive instances keep their credentials for reactivation.
func (m *Manager) Toggle(ctx context.Context, id, owner uuid.UUID, active bool) (*Instance, error) {
	status := StatusInactive
	if active {
		status = StatusActive
	}
	return m.store.UpdateFields(ctx, id, owner, PatchFields{Status: &status})
}

// Renew sets a new expiry and reactivates an expired instance. Oauth-status
// is left untouched; a stale token is refreshed lazily by C4 on next use.
func (m *Manager) Renew(ctx context.Context, id, owner uuid.UUID, expiresAt *time.Time) (*Instance, error) {
	inst, err := m.store.GetInstance(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusExpired {
		return nil, relayerr.New(relayerr.KindConflict, "only an expired instance can be renewed")
	}

	active := StatusActive
	patch := PatchFields{Status: &active, ExpiresAt: &expiresAt, IncrementRenewedCount: true}
	return m.store.UpdateFields(ctx, id, owner, patch)
}

// Delete removes an instance and everything it cascades to.
func (m *Manager) Delete(ctx context.Context, id, owner uuid.UUID) error {
	inst, err := m.store.GetInstance(ctx, id, owner)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id, owner); err != nil {
		return err
	}
	if inst.CountsAgainstQuota() {
		telemetry.InstancesActiveGauge.WithLabelValues(owner.String()).Dec()
	}
	return nil
}

// List proxies list_user_instances.
func (m *Manager) List(ctx context.Context, userID uuid.UUID, filters ListFilters) ([]Instance, string, error) {
	return m.store.ListUserInstances(ctx, userID, filters)
}

// Get proxies get_instance.
func (m *Manager) Get(ctx context.Context, id, owner uuid.UUID) (*Instance, error) {
	return m.store.GetInstance(ctx, id, owner)
}
