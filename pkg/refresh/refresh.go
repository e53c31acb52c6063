// Package refresh implements the Token Refresh Coordinator (C4): the
// central state machine driving credential freshness, with a per-instance
// singleflight slot and optimistic-lock CAS writes.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/relaygate/core/internal/ratelimit"
	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/internal/telemetry"
	"github.com/relaygate/core/pkg/audit"
	"github.com/relaygate/core/pkg/cache"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/instance"
	"github.com/relaygate/core/pkg/oauthclient"
)

// Skew is the small buffer subtracted from a bearer's absolute expiry when
// deciding whether it is still usable (spec's ε). Zero by default.
var Skew = 0 * time.Second

// OAuthClient is the C3 boundary the coordinator drives.
type OAuthClient interface {
	Refresh(ctx context.Context, endpoints oauthclient.ProviderEndpoints, clientID, clientSecret, refreshToken string) (credential.TokenSet, oauthclient.Method, error)
}

// Coordinator drives the refresh state machine for one process.
type Coordinator struct {
	store         credential.Store
	instanceStore instance.Store
	oauthClient   OAuthClient
	cache         *cache.Cache
	auditLog      *audit.Writer
	limiter       *ratelimit.Limiter
	logger        *slog.Logger

	group singleflight.Group
}

// New builds a Coordinator. instanceStore lets the coordinator mirror a
// terminal oauth-status transition onto the owning Instance row, so a
// permanently failed refresh stops counting against the user's quota.
func New(store credential.Store, instanceStore instance.Store, oauthClient OAuthClient, c *cache.Cache, auditLog *audit.Writer, limiter *ratelimit.Limiter, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:         store,
		instanceStore: instanceStore,
		oauthClient:   oauthClient,
		cache:         c,
		auditLog:      auditLog,
		limiter:       limiter,
		logger:        logger,
	}
}

// Outcome is the result of Ensure: a fresh bearer, or a classified failure
// the caller (C6) maps to an HTTP-visible error kind.
type Outcome struct {
	Bearer    string
	ExpiresAt time.Time
	FromCache bool
}

// Ensure returns a usable bearer for instanceID, refreshing it if
// necessary. creds is the Credentials row as currently known to the
// caller; endpoints carries the provider's direct-fallback URLs.
func (c *Coordinator) Ensure(ctx context.Context, instanceID, userID uuid.UUID, creds *credential.Credentials, endpoints oauthclient.ProviderEndpoints) (Outcome, error) {
	now := time.Now()

	if rec, ok := c.cache.Get(instanceID); ok && rec.ExpiresAt.After(now.Add(Skew)) {
		return Outcome{Bearer: rec.Bearer, ExpiresAt: rec.ExpiresAt, FromCache: true}, nil
	}

	if creds.AccessToken != "" && creds.TokenExpiresAt != nil && creds.TokenExpiresAt.After(now.Add(Skew)) {
		c.cache.Put(instanceID, cache.Record{
			Bearer:       creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ExpiresAt:    *creds.TokenExpiresAt,
			UserID:       userID,
			LastUsed:     now,
			CachedAt:     now,
			Scope:        creds.TokenScope,
			Status:       string(creds.OAuthStatus),
		})
		return Outcome{Bearer: creds.AccessToken, ExpiresAt: *creds.TokenExpiresAt}, nil
	}

	if c.limiter != nil {
		res, err := c.limiter.Check(ctx, instanceID.String())
		if err == nil && !res.Allowed {
			return Outcome{}, relayerr.New(relayerr.KindOAuthTransientFailure, "refresh rate limit exceeded for this instance")
		}
	}

	result, err, shared := c.group.Do(instanceID.String(), func() (any, error) {
		return c.doRefresh(context.WithoutCancel(ctx), instanceID, userID, creds, endpoints)
	})
	if shared {
		telemetry.RefreshSingleflightWaitsTotal.Inc()
	}

	select {
	case <-ctx.Done():
		return Outcome{}, relayerr.Wrap(relayerr.KindServiceUnavailable, "request cancelled while waiting for refresh", ctx.Err())
	default:
	}

	if err != nil {
		return Outcome{}, err
	}
	return result.(Outcome), nil
}

// doRefresh performs the actual C3 call and CAS write-back. It runs
// detached from the caller's cancellation so other waiters on the same
// singleflight key still get a result.
func (c *Coordinator) doRefresh(ctx context.Context, instanceID, userID uuid.UUID, creds *credential.Credentials, endpoints oauthclient.ProviderEndpoints) (Outcome, error) {
	if c.limiter != nil {
		if err := c.limiter.Record(ctx, instanceID.String()); err != nil {
			c.logger.Warn("recording refresh rate limit attempt", "error", err, "instance_id", instanceID)
		}
	}

	start := time.Now()

	tokenSet, method, oerr := c.oauthClient.Refresh(ctx, endpoints, creds.ClientID, creds.ClientSecret, creds.RefreshToken)
	telemetry.RefreshDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())

	if oerr != nil {
		return c.handleFailure(ctx, instanceID, userID, method, oerr)
	}

	return c.handleSuccess(ctx, instanceID, userID, creds, tokenSet, method)
}

func (c *Coordinator) handleSuccess(ctx context.Context, instanceID, userID uuid.UUID, creds *credential.Credentials, tokenSet credential.TokenSet, method oauthclient.Method) (Outcome, error) {
	now := time.Now()
	expiresAt := tokenSet.ExpiresAt(now)

	update := credential.CASUpdate{
		AccessToken:      tokenSet.AccessToken,
		RefreshToken:     tokenSet.RefreshToken,
		TokenExpiresAt:   &expiresAt,
		TokenScope:       tokenSet.Scope,
		OAuthStatus:      credential.OAuthStatusCompleted,
		OAuthCompletedAt: creds.OAuthCompletedAt,
	}
	if update.RefreshToken == "" {
		update.RefreshToken = creds.RefreshToken
	}
	if update.OAuthCompletedAt == nil {
		update.OAuthCompletedAt = &now
	}

	_, err := c.store.UpdateCAS(ctx, instanceID, creds.Version, update)
	if err != nil {
		var rerr *relayerr.Error
		if errors.As(err, &rerr) && rerr.Kind == relayerr.KindConflict {
			if _, err2 := c.store.UpdateUnconditional(ctx, instanceID, update); err2 != nil {
				telemetry.RefreshAttemptsTotal.WithLabelValues(string(method), "failure").Inc()
				return Outcome{}, relayerr.Wrap(relayerr.KindInternal, "writing back refreshed token after conflict", err2)
			}
		} else {
			telemetry.RefreshAttemptsTotal.WithLabelValues(string(method), "failure").Inc()
			return Outcome{}, relayerr.Wrap(relayerr.KindInternal, "writing back refreshed token", err)
		}
	}

	c.cache.Put(instanceID, cache.Record{
		Bearer:                tokenSet.AccessToken,
		RefreshToken:          update.RefreshToken,
		ExpiresAt:             expiresAt,
		UserID:                userID,
		LastUsed:              now,
		CachedAt:              now,
		Scope:                 tokenSet.Scope,
		Status:                string(credential.OAuthStatusCompleted),
		LastSuccessfulRefresh: &now,
	})
	c.cache.ResetRefreshAttempts(instanceID)
	if c.limiter != nil {
		if err := c.limiter.Reset(ctx, instanceID.String()); err != nil {
			c.logger.Warn("resetting refresh rate limit", "error", err, "instance_id", instanceID)
		}
	}

	telemetry.RefreshAttemptsTotal.WithLabelValues(string(method), "success").Inc()

	c.auditLog.Log(audit.Entry{
		InstanceID: instanceID,
		UserID:     &userID,
		Operation:  "refresh",
		Status:     audit.StatusSuccess,
		Method:     string(method),
	})

	return Outcome{Bearer: tokenSet.AccessToken, ExpiresAt: expiresAt}, nil
}

func (c *Coordinator) handleFailure(ctx context.Context, instanceID, userID uuid.UUID, method oauthclient.Method, oerr error) (Outcome, error) {
	c.cache.IncrementRefreshAttempts(instanceID)

	var cerr *oauthclient.Error
	kind := oauthclient.ErrUnknown
	if errors.As(oerr, &cerr) {
		kind = cerr.Kind
	}

	c.auditLog.Log(audit.Entry{
		InstanceID:   instanceID,
		UserID:       &userID,
		Operation:    "refresh",
		Status:       audit.StatusFailure,
		Method:       string(method),
		ErrorKind:    string(kind),
		ErrorMessage: oerr.Error(),
	})

	switch kind {
	case oauthclient.ErrInvalidRefreshToken, oauthclient.ErrInvalidClient:
		now := time.Now()
		update := credential.CASUpdate{
			OAuthStatus:      credential.OAuthStatusFailed,
			OAuthCompletedAt: &now,
		}
		if _, err := c.store.UpdateUnconditional(ctx, instanceID, update); err != nil {
			c.logger.Error("marking credentials failed after invalid refresh token", "error", err, "instance_id", instanceID)
		}
		if err := c.instanceStore.SetOAuthStatus(ctx, instanceID, credential.OAuthStatusFailed); err != nil {
			c.logger.Error("marking instance oauth_status failed", "error", err, "instance_id", instanceID)
		}
		c.cache.Delete(instanceID)
		telemetry.RefreshAttemptsTotal.WithLabelValues(string(method), "reauth_required").Inc()
		return Outcome{}, relayerr.New(relayerr.KindReauthRequired, "stored refresh token was rejected, reauthorization is required")

	case oauthclient.ErrServiceUnavailable, oauthclient.ErrNetwork, oauthclient.ErrProviderRateLimit:
		telemetry.RefreshAttemptsTotal.WithLabelValues(string(method), "transient_failure").Inc()
		return Outcome{}, relayerr.Wrap(relayerr.KindOAuthTransientFailure, "oauth provider temporarily unavailable", oerr)

	default:
		telemetry.RefreshAttemptsTotal.WithLabelValues(string(method), "failure").Inc()
		return Outcome{}, relayerr.Wrap(relayerr.KindInternal, "unclassified oauth failure", oerr)
	}
}
