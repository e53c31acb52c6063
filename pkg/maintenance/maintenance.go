// Package maintenance implements the Maintenance Loop (C7): a periodic
// background sweeper for expired instances, stale pending-OAuth rows,
// audit-log retention, and cache/store reconciliation.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/core/internal/telemetry"
	"github.com/relaygate/core/pkg/audit"
	"github.com/relaygate/core/pkg/cache"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/instance"
)

// AuditStore is the subset of C1 the loop needs for retention sweeps.
type AuditStore interface {
	CleanupAudit(ctx context.Context, olderThan time.Time) (int64, error)
}

// CredStore is the subset of C1 the loop needs for Credentials: the shared
// CAS/unconditional writes plus the completed-to-expired sweep query.
type CredStore interface {
	credential.Store
	ListExpiredCredentials(ctx context.Context, now time.Time) ([]credential.Credentials, error)
}

// Config controls tick cadence, TTLs, and per-tick batch bounds.
type Config struct {
	Interval       time.Duration
	PendingTTL     time.Duration
	AuditRetention time.Duration
	BatchSize      int
}

// Loop is the C7 background worker.
type Loop struct {
	cfg           Config
	instanceStore instance.Store
	credStore     CredStore
	auditStore    AuditStore
	cache         *cache.Cache
	auditLog      *audit.Writer
	logger        *slog.Logger
}

// New builds a Loop.
func New(cfg Config, instanceStore instance.Store, credStore CredStore, auditStore AuditStore, c *cache.Cache, auditLog *audit.Writer, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:           cfg,
		instanceStore: instanceStore,
		credStore:     credStore,
		auditStore:    auditStore,
		cache:         c,
		auditLog:      auditLog,
		logger:        logger,
	}
}

// Run ticks until ctx is cancelled. Each tick is allowed to finish within
// its own budget even if ctx is cancelled mid-tick, honoring shutdown at
// tick boundaries rather than mid-phase.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs every maintenance phase once. Exported so tests and an
// operator-triggered "run now" endpoint can invoke it directly.
func (l *Loop) Tick(ctx context.Context) {
	l.timedPhase(ctx, "expire_due", l.expireDue)
	l.timedPhase(ctx, "reap_stale_pending", l.reapStalePending)
	l.timedPhase(ctx, "expire_stale_tokens", l.expireStaleTokens)
	l.timedPhase(ctx, "audit_retention", l.auditRetention)
	l.timedPhase(ctx, "cache_reconciliation", l.reconcileCache)
}

func (l *Loop) timedPhase(ctx context.Context, phase string, fn func(context.Context) int) {
	start := time.Now()
	n := fn(ctx)
	telemetry.MaintenanceTickDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	telemetry.MaintenanceItemsProcessedTotal.WithLabelValues(phase).Add(float64(n))
}

// expireDue bulk-marks instances whose expires_at has passed as expired.
func (l *Loop) expireDue(ctx context.Context) int {
	due, err := l.instanceStore.ListExpired(ctx, time.Now())
	if err != nil {
		l.logger.Error("listing expired instances", "error", err)
		return 0
	}
	due = capBatch(due, l.cfg.BatchSize)
	if len(due) == 0 {
		return 0
	}

	ids := make([]uuid.UUID, len(due))
	for i, inst := range due {
		ids[i] = inst.ID
	}
	if err := l.instanceStore.BulkMarkExpired(ctx, ids); err != nil {
		l.logger.Error("bulk marking instances expired", "error", err, "count", len(ids))
		return 0
	}
	return len(ids)
}

// reapStalePending marks instances stuck in a pending OAuth flow past
// PendingTTL as failed, so the corresponding Credentials row also
// transitions and the pending-forever leak is closed.
func (l *Loop) reapStalePending(ctx context.Context) int {
	olderThan := time.Now().Add(-l.cfg.PendingTTL)
	stale, err := l.instanceStore.ListStalePendingOAuth(ctx, olderThan)
	if err != nil {
		l.logger.Error("listing stale pending oauth instances", "error", err)
		return 0
	}
	stale = capBatch(stale, l.cfg.BatchSize)

	now := time.Now()
	n := 0
	for _, inst := range stale {
		update := credential.CASUpdate{
			OAuthStatus:      credential.OAuthStatusFailed,
			OAuthCompletedAt: &now,
		}
		if _, err := l.credStore.UpdateUnconditional(ctx, inst.ID, update); err != nil {
			l.logger.Error("reaping stale pending instance", "error", err, "instance_id", inst.ID)
			continue
		}
		if err := l.instanceStore.SetOAuthStatus(ctx, inst.ID, credential.OAuthStatusFailed); err != nil {
			l.logger.Error("marking instance oauth_status failed", "error", err, "instance_id", inst.ID)
		}
		l.cache.Delete(inst.ID)
		l.auditLog.Log(audit.Entry{
			InstanceID: inst.ID,
			UserID:     &inst.UserID,
			Operation:  "reap_stale_pending",
			Status:     audit.StatusFailure,
			ErrorKind:  "pending_oauth_timeout",
		})
		n++
	}
	return n
}

// expireStaleTokens transitions Credentials (and the owning Instance) from
// completed to expired once the access token has passed its expiry with no
// refresh token left to retry, per §4.4's C7-owned expiry path.
func (l *Loop) expireStaleTokens(ctx context.Context) int {
	stale, err := l.credStore.ListExpiredCredentials(ctx, time.Now())
	if err != nil {
		l.logger.Error("listing stale completed credentials", "error", err)
		return 0
	}
	stale = capBatchCreds(stale, l.cfg.BatchSize)

	now := time.Now()
	n := 0
	for _, creds := range stale {
		update := credential.CASUpdate{
			OAuthStatus:      credential.OAuthStatusExpired,
			OAuthCompletedAt: &now,
		}
		if _, err := l.credStore.UpdateUnconditional(ctx, creds.InstanceID, update); err != nil {
			l.logger.Error("expiring stale credentials", "error", err, "instance_id", creds.InstanceID)
			continue
		}
		if err := l.instanceStore.SetOAuthStatus(ctx, creds.InstanceID, credential.OAuthStatusExpired); err != nil {
			l.logger.Error("marking instance oauth_status expired", "error", err, "instance_id", creds.InstanceID)
		}
		l.cache.Delete(creds.InstanceID)

		var userID *uuid.UUID
		if inst, err := l.instanceStore.GetInstanceByID(ctx, creds.InstanceID); err == nil {
			userID = &inst.UserID
		}
		l.auditLog.Log(audit.Entry{
			InstanceID: creds.InstanceID,
			UserID:     userID,
			Operation:  "expire_stale_tokens",
			Status:     audit.StatusFailure,
			ErrorKind:  "token_expired_no_refresh",
		})
		n++
	}
	return n
}

// auditRetention deletes audit entries older than the retention window.
func (l *Loop) auditRetention(ctx context.Context) int {
	n, err := l.auditStore.CleanupAudit(ctx, time.Now().Add(-l.cfg.AuditRetention))
	if err != nil {
		l.logger.Warn("cleaning up audit log", "error", err)
		return 0
	}
	return int(n)
}

// reconcileCache is strictly cache-follows-store: for each cached
// instance id, compare against the store and evict or refresh as needed.
// The cache is never allowed to write back to the store here.
func (l *Loop) reconcileCache(ctx context.Context) int {
	ids := l.cache.Ids()
	n := 0
	for _, id := range ids {
		inst, err := l.instanceStore.GetInstanceByID(ctx, id)
		if err != nil {
			l.cache.Delete(id)
			n++
			continue
		}

		cached, ok := l.cache.Peek(id)
		if !ok {
			continue
		}
		if !inst.CredentialsUpdatedAt.After(cached.CachedAt) {
			continue
		}

		creds, err := l.credStore.GetCredentials(ctx, id)
		if err != nil || creds.AccessToken == "" {
			l.cache.Delete(id)
			n++
			continue
		}

		expiresAt := time.Time{}
		if creds.TokenExpiresAt != nil {
			expiresAt = *creds.TokenExpiresAt
		}
		l.cache.Put(id, cache.Record{
			Bearer:       creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ExpiresAt:    expiresAt,
			UserID:       inst.UserID,
			LastUsed:     cached.LastUsed,
			CachedAt:     inst.CredentialsUpdatedAt,
			Scope:        creds.TokenScope,
			Status:       string(creds.OAuthStatus),
		})
		n++
	}
	return n
}

func capBatch(items []instance.Instance, batchSize int) []instance.Instance {
	if batchSize <= 0 || len(items) <= batchSize {
		return items
	}
	return items[:batchSize]
}

func capBatchCreds(items []credential.Credentials, batchSize int) []credential.Credentials {
	if batchSize <= 0 || len(items) <= batchSize {
		return items
	}
	return items[:batchSize]
}
