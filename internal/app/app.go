// Package app wires together the credential plane's components and runs
// the process in one of two modes: api (HTTP server + maintenance loop)
// or worker (maintenance loop only, for a dedicated deployment).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/relaygate/core/internal/config"
	"github.com/relaygate/core/internal/httpserver"
	"github.com/relaygate/core/internal/platform"
	"github.com/relaygate/core/internal/ratelimit"
	"github.com/relaygate/core/internal/store"
	"github.com/relaygate/core/internal/telemetry"
	"github.com/relaygate/core/pkg/audit"
	"github.com/relaygate/core/pkg/authpipeline"
	"github.com/relaygate/core/pkg/cache"
	"github.com/relaygate/core/pkg/credential"
	"github.com/relaygate/core/pkg/instance"
	"github.com/relaygate/core/pkg/maintenance"
	"github.com/relaygate/core/pkg/oauthclient"
	"github.com/relaygate/core/pkg/refresh"
	"github.com/relaygate/core/pkg/registry"
)

// Run is the application entry point: it connects to infrastructure,
// wires every component together, and starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting relaygate", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "relaygate", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	cipher, err := credential.NewCipher(cfg.CredentialEncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("creating credential cipher: %w", err)
	}

	pgStore := store.New(db, cipher, logger)

	oauthTimeout := time.Duration(cfg.OAuthTimeoutMS) * time.Millisecond
	oauthClient := oauthclient.New(cfg.OAuthServiceURL, oauthTimeout, logger)

	credCache := cache.New(cfg.CacheCapacity)

	refreshLimiter := ratelimit.New(rdb, cfg.RefreshRateLimitMax, time.Duration(cfg.RefreshRateLimitWindowMS)*time.Millisecond)

	auditWriter := audit.NewWriter(pgStore, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	coordinator := refresh.New(pgStore, pgStore, oauthClient, credCache, auditWriter, refreshLimiter, logger)

	instanceManager := instance.New(pgStore, pgStore)

	pipeline := authpipeline.New(credCache, pgStore, pgStore, pgStore, coordinator, logger)

	maintenanceLoop := maintenance.New(maintenance.Config{
		Interval:       time.Duration(cfg.MaintenanceIntervalMS) * time.Millisecond,
		PendingTTL:     time.Duration(cfg.MaintenancePendingTTLMS) * time.Millisecond,
		AuditRetention: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
		BatchSize:      cfg.MaintenanceBatchSize,
	}, pgStore, pgStore, pgStore, credCache, auditWriter, logger)

	switch cfg.Mode {
	case "api":
		maintCtx, cancelMaint := context.WithCancel(ctx)
		defer cancelMaint()
		go maintenanceLoop.Run(maintCtx)
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, pgStore, instanceManager, pipeline, auditWriter)
	case "worker":
		logger.Info("worker started")
		maintenanceLoop.Run(ctx)
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI builds the HTTP server, mounts every domain route group, and
// serves until ctx is cancelled, then shuts down gracefully.
func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	pgStore *store.Store,
	instanceManager *instance.Manager,
	pipeline *authpipeline.Pipeline,
	auditWriter *audit.Writer,
) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)

	instanceHandler := instance.NewHandler(instanceManager, auditWriter, pgStore, logger)
	registryHandler := registry.NewHandler(pgStore, logger)

	srv.APIRouter.Route("/users/{userID}/instances", func(r chi.Router) {
		r.Mount("/", instanceHandler.Routes())
	})
	srv.APIRouter.Mount("/registry", registryHandler.Routes())

	// The downstream tool-call RPC transport itself is out of scope; these
	// two routes are the pipeline's own HTTP surface, resolving a request
	// identity (and, for /resolve, a live bearer) for whatever fronts it.
	srv.APIRouter.Route("/instances/{instanceID}/resolve", func(r chi.Router) {
		r.Use(pipeline.Full)
		r.Get("/", handleIdentity)
	})
	srv.APIRouter.Route("/instances/{instanceID}/status", func(r chi.Router) {
		r.Use(pipeline.Lightweight)
		r.Get("/", handleIdentity)
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		return httpserver.Shutdown(context.Background(), httpSrv)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// handleIdentity returns the request identity the pipeline attached to
// the context, confirming credential resolution succeeded.
func handleIdentity(w http.ResponseWriter, r *http.Request) {
	identity, ok := authpipeline.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "missing request identity")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"instance_id": identity.InstanceID,
		"user_id":     identity.UserID,
	})
}
