package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/core/pkg/audit"
	"github.com/relaygate/core/pkg/cache"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/instance"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type oauthStatusCall struct {
	id     uuid.UUID
	status credential.OAuthStatus
}

type fakeInstanceStore struct {
	byID           map[uuid.UUID]*instance.Instance
	expired        []instance.Instance
	stalePending   []instance.Instance
	markedExpired  []uuid.UUID
	oauthStatusSet []oauthStatusCall
}

func (f *fakeInstanceStore) GetInstance(ctx context.Context, id, owner uuid.UUID) (*instance.Instance, error) {
	return f.GetInstanceByID(ctx, id)
}

func (f *fakeInstanceStore) GetInstanceByID(ctx context.Context, id uuid.UUID) (*instance.Instance, error) {
	inst, ok := f.byID[id]
	if !ok {
		return nil, errNotFound
	}
	return inst, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "instance not found" }

func (f *fakeInstanceStore) ListUserInstances(ctx context.Context, userID uuid.UUID, filters instance.ListFilters) ([]instance.Instance, string, error) {
	return nil, "", nil
}

func (f *fakeInstanceStore) CreateUnderLimit(ctx context.Context, seed instance.CreateSeed, maxActive *int) (*instance.Instance, *credential.Credentials, error) {
	return nil, nil, nil
}

func (f *fakeInstanceStore) UpdateFields(ctx context.Context, id, owner uuid.UUID, patch instance.PatchFields) (*instance.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceStore) Delete(ctx context.Context, id, owner uuid.UUID) error { return nil }

func (f *fakeInstanceStore) CountActiveCompleted(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeInstanceStore) ListByStatus(ctx context.Context, status instance.Status) ([]instance.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceStore) ListExpired(ctx context.Context, now time.Time) ([]instance.Instance, error) {
	return f.expired, nil
}

func (f *fakeInstanceStore) ListFailedOAuth(ctx context.Context) ([]instance.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceStore) ListStalePendingOAuth(ctx context.Context, olderThan time.Time) ([]instance.Instance, error) {
	return f.stalePending, nil
}

func (f *fakeInstanceStore) BulkMarkExpired(ctx context.Context, ids []uuid.UUID) error {
	f.markedExpired = append(f.markedExpired, ids...)
	return nil
}

func (f *fakeInstanceStore) BumpLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeInstanceStore) SetOAuthStatus(ctx context.Context, id uuid.UUID, status credential.OAuthStatus) error {
	f.oauthStatusSet = append(f.oauthStatusSet, oauthStatusCall{id: id, status: status})
	if inst, ok := f.byID[id]; ok {
		inst.OAuthStatus = status
	}
	return nil
}

type fakeCredStore struct {
	byInstance   map[uuid.UUID]*credential.Credentials
	updates      []credential.CASUpdate
	expiredStale []credential.Credentials
}

func (f *fakeCredStore) GetCredentials(ctx context.Context, instanceID uuid.UUID) (*credential.Credentials, error) {
	c, ok := f.byInstance[instanceID]
	if !ok {
		return nil, errNotFound
	}
	return c, nil
}

func (f *fakeCredStore) UpdateCAS(ctx context.Context, instanceID uuid.UUID, expectedVersion int64, update credential.CASUpdate) (int64, error) {
	return 0, nil
}

func (f *fakeCredStore) UpdateUnconditional(ctx context.Context, instanceID uuid.UUID, update credential.CASUpdate) (int64, error) {
	f.updates = append(f.updates, update)
	return 1, nil
}

func (f *fakeCredStore) ListExpiredCredentials(ctx context.Context, now time.Time) ([]credential.Credentials, error) {
	return f.expiredStale, nil
}

type fakeAuditStore struct {
	cleanupCalls int
	cleanupN     int64
}

func (f *fakeAuditStore) CleanupAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	f.cleanupCalls++
	return f.cleanupN, nil
}

func newTestWriter(t *testing.T) *audit.Writer {
	t.Helper()
	w := audit.NewWriter(noopAuditStore{}, testLogger())
	w.Start(t.Context())
	t.Cleanup(w.Close)
	return w
}

type noopAuditStore struct{}

func (noopAuditStore) AppendAudit(ctx context.Context, entries []audit.Entry) error { return nil }

func TestTick_ExpireDue(t *testing.T) {
	instanceID := uuid.New()
	instances := &fakeInstanceStore{
		byID:    map[uuid.UUID]*instance.Instance{},
		expired: []instance.Instance{{ID: instanceID}},
	}
	creds := &fakeCredStore{byInstance: map[uuid.UUID]*credential.Credentials{}}
	auditStore := &fakeAuditStore{}
	c := cache.New(0)

	loop := New(Config{BatchSize: 10}, instances, creds, auditStore, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	if len(instances.markedExpired) != 1 || instances.markedExpired[0] != instanceID {
		t.Errorf("expected instance %v to be marked expired, got %v", instanceID, instances.markedExpired)
	}
}

func TestTick_ExpireDueRespectsBatchSize(t *testing.T) {
	instances := &fakeInstanceStore{
		byID: map[uuid.UUID]*instance.Instance{},
		expired: []instance.Instance{
			{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()},
		},
	}
	creds := &fakeCredStore{byInstance: map[uuid.UUID]*credential.Credentials{}}
	c := cache.New(0)

	loop := New(Config{BatchSize: 2}, instances, creds, &fakeAuditStore{}, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	if len(instances.markedExpired) != 2 {
		t.Errorf("expected batch size to cap at 2, got %d", len(instances.markedExpired))
	}
}

func TestTick_ReapStalePending(t *testing.T) {
	instanceID, userID := uuid.New(), uuid.New()
	instances := &fakeInstanceStore{
		byID:         map[uuid.UUID]*instance.Instance{},
		stalePending: []instance.Instance{{ID: instanceID, UserID: userID}},
	}
	creds := &fakeCredStore{byInstance: map[uuid.UUID]*credential.Credentials{}}
	c := cache.New(0)
	c.Put(instanceID, cache.Record{Bearer: "stale-bearer", ExpiresAt: time.Now().Add(time.Hour)})

	loop := New(Config{BatchSize: 10, PendingTTL: time.Hour}, instances, creds, &fakeAuditStore{}, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	if len(creds.updates) != 1 {
		t.Fatalf("expected one credentials update, got %d", len(creds.updates))
	}
	if creds.updates[0].OAuthStatus != credential.OAuthStatusFailed {
		t.Errorf("oauth status = %q, want %q", creds.updates[0].OAuthStatus, credential.OAuthStatusFailed)
	}
	if _, ok := c.Peek(instanceID); ok {
		t.Error("expected the cache entry to be evicted for the reaped instance")
	}
	if len(instances.oauthStatusSet) != 1 || instances.oauthStatusSet[0].status != credential.OAuthStatusFailed {
		t.Errorf("expected the instance oauth_status to be mirrored to failed, got %v", instances.oauthStatusSet)
	}
}

func TestTick_ExpireStaleTokens(t *testing.T) {
	instanceID, userID := uuid.New(), uuid.New()
	instances := &fakeInstanceStore{
		byID: map[uuid.UUID]*instance.Instance{
			instanceID: {ID: instanceID, UserID: userID, OAuthStatus: credential.OAuthStatusCompleted},
		},
	}
	creds := &fakeCredStore{
		byInstance:   map[uuid.UUID]*credential.Credentials{},
		expiredStale: []credential.Credentials{{InstanceID: instanceID, OAuthStatus: credential.OAuthStatusCompleted}},
	}
	c := cache.New(0)
	c.Put(instanceID, cache.Record{Bearer: "dead-bearer", ExpiresAt: time.Now().Add(-time.Hour)})

	loop := New(Config{BatchSize: 10}, instances, creds, &fakeAuditStore{}, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	if len(creds.updates) != 1 || creds.updates[0].OAuthStatus != credential.OAuthStatusExpired {
		t.Fatalf("expected one credentials update to expired, got %v", creds.updates)
	}
	if instances.byID[instanceID].OAuthStatus != credential.OAuthStatusExpired {
		t.Errorf("instance oauth_status = %q, want %q", instances.byID[instanceID].OAuthStatus, credential.OAuthStatusExpired)
	}
	if _, ok := c.Peek(instanceID); ok {
		t.Error("expected the cache entry to be evicted for the expired instance")
	}
}

func TestTick_AuditRetention(t *testing.T) {
	instances := &fakeInstanceStore{byID: map[uuid.UUID]*instance.Instance{}}
	creds := &fakeCredStore{byInstance: map[uuid.UUID]*credential.Credentials{}}
	auditStore := &fakeAuditStore{cleanupN: 42}
	c := cache.New(0)

	loop := New(Config{BatchSize: 10, AuditRetention: 30 * 24 * time.Hour}, instances, creds, auditStore, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	if auditStore.cleanupCalls != 1 {
		t.Errorf("expected one cleanup call, got %d", auditStore.cleanupCalls)
	}
}

func TestTick_ReconcileCache_EvictsMissingInstance(t *testing.T) {
	instanceID := uuid.New()
	instances := &fakeInstanceStore{byID: map[uuid.UUID]*instance.Instance{}}
	creds := &fakeCredStore{byInstance: map[uuid.UUID]*credential.Credentials{}}
	c := cache.New(0)
	c.Put(instanceID, cache.Record{Bearer: "orphan", ExpiresAt: time.Now().Add(time.Hour)})

	loop := New(Config{BatchSize: 10}, instances, creds, &fakeAuditStore{}, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	if _, ok := c.Peek(instanceID); ok {
		t.Error("expected the orphaned cache entry to be evicted")
	}
}

func TestTick_ReconcileCache_RefreshesStaleEntry(t *testing.T) {
	instanceID, userID := uuid.New(), uuid.New()
	updatedAt := time.Now()
	instances := &fakeInstanceStore{byID: map[uuid.UUID]*instance.Instance{
		instanceID: {ID: instanceID, UserID: userID, CredentialsUpdatedAt: updatedAt},
	}}
	expires := time.Now().Add(2 * time.Hour)
	creds := &fakeCredStore{byInstance: map[uuid.UUID]*credential.Credentials{
		instanceID: {InstanceID: instanceID, AccessToken: "new-bearer", TokenExpiresAt: &expires},
	}}
	c := cache.New(0)
	c.Put(instanceID, cache.Record{Bearer: "old-bearer", ExpiresAt: time.Now().Add(time.Hour), CachedAt: updatedAt.Add(-time.Hour)})

	loop := New(Config{BatchSize: 10}, instances, creds, &fakeAuditStore{}, c, newTestWriter(t), testLogger())
	loop.Tick(t.Context())

	rec, ok := c.Peek(instanceID)
	if !ok {
		t.Fatal("expected the cache entry to still exist")
	}
	if rec.Bearer != "new-bearer" {
		t.Errorf("bearer = %q, want %q", rec.Bearer, "new-bearer")
	}
}
