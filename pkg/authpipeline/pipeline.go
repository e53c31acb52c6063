// Package authpipeline implements the Auth Pipeline (C6): the per-request
// middleware that validates an instance id, resolves credentials through
// C2/C1/C4, and attaches a bearer to the request context.
package authpipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaygate/core/internal/relayerr"
	"github.com/relaygate/core/pkg/cache"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/instance"
	"github.com/relaygate/core/pkg/oauthclient"
	"github.com/relaygate/core/pkg/registry"
	"github.com/relaygate/core/pkg/refresh"
)

// InstanceIDParam is the chi route parameter the pipeline reads the
// instance id from.
const InstanceIDParam = "instanceID"

// Pipeline bundles the components C6 consults on every request.
type Pipeline struct {
	cache         *cache.Cache
	instanceStore instance.Store
	credStore     credential.Store
	registryStore registry.Store
	coordinator   *refresh.Coordinator
	logger        *slog.Logger
}

// New builds a Pipeline.
func New(c *cache.Cache, instanceStore instance.Store, credStore credential.Store, registryStore registry.Store, coordinator *refresh.Coordinator, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cache:         c,
		instanceStore: instanceStore,
		credStore:     credStore,
		registryStore: registryStore,
		coordinator:   coordinator,
		logger:        logger,
	}
}

// parseInstanceID applies the total, deterministic lexical check the
// client and server agree on: canonical UUID form.
func parseInstanceID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, InstanceIDParam)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, relayerr.New(relayerr.KindInvalidInstanceID, "instance id is not a valid uuid")
	}
	return id, nil
}

// Full is the required middleware for tool-call dispatch: it resolves a
// live bearer through cache, store, and (if necessary) the refresh
// coordinator, attaching {instance_id, user_id, bearer} on success.
func (p *Pipeline) Full(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID, err := parseInstanceID(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		if rec, ok := p.cache.Get(instanceID); ok {
			p.bumpLastUsedAsync(instanceID)
			ctx := NewContext(r.Context(), RequestIdentity{InstanceID: instanceID, UserID: rec.UserID, Bearer: rec.Bearer})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		inst, err := p.instanceStore.GetInstanceByID(r.Context(), instanceID)
		if err != nil {
			writeErr(w, err)
			return
		}

		svcType, err := p.registryStore.GetServiceType(r.Context(), inst.ServiceTypeID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !svcType.IsActive {
			writeErr(w, relayerr.New(relayerr.KindServiceUnavailable, "service type is deactivated"))
			return
		}
		if inst.Status != instance.StatusActive {
			if inst.Status == instance.StatusExpired {
				writeErr(w, relayerr.New(relayerr.KindInstanceExpired, "instance has expired"))
			} else {
				writeErr(w, relayerr.New(relayerr.KindInstanceInactive, "instance is inactive"))
			}
			return
		}
		if inst.IsExpired(time.Now()) {
			writeErr(w, relayerr.New(relayerr.KindInstanceExpired, "instance has expired"))
			return
		}

		creds, err := p.credStore.GetCredentials(r.Context(), instanceID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if svcType.AuthKind == registry.AuthKindOAuth && !creds.HasOAuthClientPair() {
			writeErr(w, relayerr.New(relayerr.KindInvalidCredentialsShape, "oauth instance is missing its client pair"))
			return
		}

		endpoints := oauthclient.ProviderEndpoints{AuthURL: svcType.AuthorizationEndpoint, TokenURL: svcType.TokenEndpoint}
		outcome, err := p.coordinator.Ensure(r.Context(), instanceID, inst.UserID, creds, endpoints)
		if err != nil {
			writeErr(w, err)
			return
		}

		p.bumpLastUsedAsync(instanceID)
		ctx := NewContext(r.Context(), RequestIdentity{InstanceID: instanceID, UserID: inst.UserID, Bearer: outcome.Bearer})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Lightweight skips OAuth exchange and freshness checks; it only validates
// instance existence and service activeness, attaching {instance_id,
// user_id} with no bearer.
func (p *Pipeline) Lightweight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID, err := parseInstanceID(r)
		if err != nil {
			writeErr(w, err)
			return
		}

		inst, err := p.instanceStore.GetInstanceByID(r.Context(), instanceID)
		if err != nil {
			writeErr(w, err)
			return
		}

		svcType, err := p.registryStore.GetServiceType(r.Context(), inst.ServiceTypeID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !svcType.IsActive {
			writeErr(w, relayerr.New(relayerr.KindServiceUnavailable, "service type is deactivated"))
			return
		}

		ctx := NewContext(r.Context(), RequestIdentity{InstanceID: instanceID, UserID: inst.UserID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bumpLastUsedAsync fires the best-effort last_used update off the
// request path. Failures are logged and dropped, never surfaced.
func (p *Pipeline) bumpLastUsedAsync(instanceID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.instanceStore.BumpLastUsed(ctx, instanceID, time.Now()); err != nil {
			p.logger.Warn("bumping last_used", "error", err, "instance_id", instanceID)
		}
	}()
}

func writeErr(w http.ResponseWriter, err error) {
	rerr, ok := relayerr.As(err)
	if !ok {
		rerr = relayerr.Wrap(relayerr.KindInternal, "internal error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rerr.Status())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  rerr.Status(),
		"code":    string(rerr.Kind),
		"message": rerr.Message,
		"details": rerr.Details,
	})
}
