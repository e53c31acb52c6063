package instance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/plan"
)

type fakeInstanceStore struct {
	instances map[uuid.UUID]*Instance
	deleted   []uuid.UUID
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{instances: make(map[uuid.UUID]*Instance)}
}

func (f *fakeInstanceStore) GetInstance(ctx context.Context, id, owner uuid.UUID) (*Instance, error) {
	inst, ok := f.instances[id]
	if !ok || inst.UserID != owner {
		return nil, relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	return inst, nil
}

func (f *fakeInstanceStore) GetInstanceByID(ctx context.Context, id uuid.UUID) (*Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	return inst, nil
}

func (f *fakeInstanceStore) ListUserInstances(ctx context.Context, userID uuid.UUID, filters ListFilters) ([]Instance, string, error) {
	var out []Instance
	for _, inst := range f.instances {
		if inst.UserID == userID {
			out = append(out, *inst)
		}
	}
	return out, "", nil
}

func (f *fakeInstanceStore) CreateUnderLimit(ctx context.Context, seed CreateSeed, maxActive *int) (*Instance, *credential.Credentials, error) {
	count := int64(0)
	for _, inst := range f.instances {
		if inst.UserID == seed.UserID && inst.CountsAgainstQuota() {
			count++
		}
	}
	if maxActive != nil && count >= int64(*maxActive) {
		return nil, nil, relayerr.Newf(relayerr.KindActiveLimitReached, "active instance limit reached",
			map[string]any{"currentCount": count, "maxInstances": *maxActive})
	}

	inst := &Instance{
		ID:            uuid.New(),
		UserID:        seed.UserID,
		ServiceTypeID: seed.ServiceTypeID,
		CustomName:    seed.CustomName,
		Status:        StatusActive,
		OAuthStatus:   credential.OAuthStatusCompleted,
		ExpiresAt:     seed.ExpiresAt,
		Version:       1,
	}
	f.instances[inst.ID] = inst
	return inst, &credential.Credentials{InstanceID: inst.ID}, nil
}

func (f *fakeInstanceStore) UpdateFields(ctx context.Context, id, owner uuid.UUID, patch PatchFields) (*Instance, error) {
	inst, ok := f.instances[id]
	if !ok || inst.UserID != owner {
		return nil, relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	if patch.CustomName != nil {
		inst.CustomName = *patch.CustomName
	}
	if patch.Status != nil {
		inst.Status = *patch.Status
	}
	if patch.ExpiresAt != nil {
		inst.ExpiresAt = *patch.ExpiresAt
	}
	if patch.IncrementRenewedCount {
		inst.RenewedCount++
		now := time.Now()
		inst.LastRenewedAt = &now
	}
	return inst, nil
}

func (f *fakeInstanceStore) Delete(ctx context.Context, id, owner uuid.UUID) error {
	inst, ok := f.instances[id]
	if !ok || inst.UserID != owner {
		return relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	delete(f.instances, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeInstanceStore) CountActiveCompleted(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	for _, inst := range f.instances {
		if inst.UserID == userID && inst.CountsAgainstQuota() {
			n++
		}
	}
	return n, nil
}

func (f *fakeInstanceStore) ListByStatus(ctx context.Context, status Status) ([]Instance, error) {
	return nil, nil
}

func (f *fakeInstanceStore) ListExpired(ctx context.Context, now time.Time) ([]Instance, error) {
	return nil, nil
}

func (f *fakeInstanceStore) ListFailedOAuth(ctx context.Context) ([]Instance, error) { return nil, nil }

func (f *fakeInstanceStore) ListStalePendingOAuth(ctx context.Context, olderThan time.Time) ([]Instance, error) {
	return nil, nil
}

func (f *fakeInstanceStore) BulkMarkExpired(ctx context.Context, ids []uuid.UUID) error { return nil }

func (f *fakeInstanceStore) BumpLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeInstanceStore) SetOAuthStatus(ctx context.Context, id uuid.UUID, status credential.OAuthStatus) error {
	inst, ok := f.instances[id]
	if !ok {
		return relayerr.New(relayerr.KindInstanceNotFound, "instance not found")
	}
	inst.OAuthStatus = status
	return nil
}

type fakePlanStore struct {
	plans map[uuid.UUID]*plan.Plan
}

func (f *fakePlanStore) GetPlan(ctx context.Context, userID uuid.UUID) (*plan.Plan, error) {
	if p, ok := f.plans[userID]; ok {
		return p, nil
	}
	return plan.NewFree(userID, 3), nil
}

func (f *fakePlanStore) CreatePlan(ctx context.Context, p *plan.Plan) error {
	f.plans[p.UserID] = p
	return nil
}

func (f *fakePlanStore) IncrementTotalCreated(ctx context.Context, userID uuid.UUID) error {
	if p, ok := f.plans[userID]; ok {
		p.TotalCreated++
	}
	return nil
}

func TestManager_CreateUnderLimit(t *testing.T) {
	store := newFakeInstanceStore()
	plans := &fakePlanStore{plans: make(map[uuid.UUID]*plan.Plan)}
	mgr := New(store, plans)

	userID := uuid.New()
	plans.plans[userID] = plan.NewFree(userID, 1)

	inst, err := mgr.Create(t.Context(), CreateSeed{UserID: userID, ServiceTypeID: uuid.New(), CustomName: "first"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.CustomName != "first" {
		t.Errorf("custom name = %q, want %q", inst.CustomName, "first")
	}

	_, err = mgr.Create(t.Context(), CreateSeed{UserID: userID, ServiceTypeID: uuid.New(), CustomName: "second"})
	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error, got %v", err)
	}
	if rerr.Kind != relayerr.KindActiveLimitReached {
		t.Errorf("kind = %q, want %q", rerr.Kind, relayerr.KindActiveLimitReached)
	}
}

func TestManager_ToggleInactive(t *testing.T) {
	store := newFakeInstanceStore()
	plans := &fakePlanStore{plans: make(map[uuid.UUID]*plan.Plan)}
	mgr := New(store, plans)

	userID := uuid.New()
	inst, err := mgr.Create(t.Context(), CreateSeed{UserID: userID, ServiceTypeID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := mgr.Toggle(t.Context(), inst.ID, userID, false)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if updated.Status != StatusInactive {
		t.Errorf("status = %q, want %q", updated.Status, StatusInactive)
	}
}

func TestManager_RenewRequiresExpiredStatus(t *testing.T) {
	store := newFakeInstanceStore()
	plans := &fakePlanStore{plans: make(map[uuid.UUID]*plan.Plan)}
	mgr := New(store, plans)

	userID := uuid.New()
	inst, err := mgr.Create(t.Context(), CreateSeed{UserID: userID, ServiceTypeID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newExpiry := time.Now().Add(24 * time.Hour)
	_, err = mgr.Renew(t.Context(), inst.ID, userID, &newExpiry)
	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error, got %v", err)
	}
	if rerr.Kind != relayerr.KindConflict {
		t.Errorf("kind = %q, want %q", rerr.Kind, relayerr.KindConflict)
	}

	store.instances[inst.ID].Status = StatusExpired
	renewed, err := mgr.Renew(t.Context(), inst.ID, userID, &newExpiry)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Status != StatusActive {
		t.Errorf("status = %q, want %q", renewed.Status, StatusActive)
	}
	if renewed.ExpiresAt == nil || !renewed.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expires at = %v, want %v", renewed.ExpiresAt, newExpiry)
	}
	if renewed.RenewedCount != 1 {
		t.Errorf("renewed count = %d, want 1", renewed.RenewedCount)
	}
	if renewed.LastRenewedAt == nil {
		t.Error("expected last_renewed_at to be set")
	}
}

func TestManager_Delete(t *testing.T) {
	store := newFakeInstanceStore()
	plans := &fakePlanStore{plans: make(map[uuid.UUID]*plan.Plan)}
	mgr := New(store, plans)

	userID := uuid.New()
	inst, err := mgr.Create(t.Context(), CreateSeed{UserID: userID, ServiceTypeID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Delete(t.Context(), inst.ID, userID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.instances[inst.ID]; ok {
		t.Error("expected the instance to be removed from the store")
	}
}

func TestInstance_IsExpired(t *testing.T) {
	now := time.Now()
	boundary := now
	inst := Instance{Status: StatusActive, ExpiresAt: &boundary}
	if !inst.IsExpired(now) {
		t.Error("expected expires_at == now to count as expired")
	}

	future := now.Add(time.Hour)
	inst = Instance{Status: StatusActive, ExpiresAt: &future}
	if inst.IsExpired(now) {
		t.Error("expected a future expiry to not be expired")
	}

	inst = Instance{Status: StatusExpired}
	if !inst.IsExpired(now) {
		t.Error("expected explicit expired status to count as expired")
	}
}
