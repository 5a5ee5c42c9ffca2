package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/headachemd/emr/internal/config"
	"github.com/headachemd/emr/internal/domain/integration"
	"github.com/headachemd/emr/internal/domain/patient"
	"github.com/headachemd/emr/internal/domain/testpatient"
	"github.com/headachemd/emr/internal/platform/db"
	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/emrauth"
	"github.com/headachemd/emr/internal/platform/emrclient"
	"github.com/headachemd/emr/internal/platform/middleware"
)

const (
	version     = "0.1.0"
	maxBodySize = "1M"
)

// app holds the explicitly constructed services shared by the server and
// the operator subcommands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *emr.Registry
	flow     *emrauth.FlowManager
	backends map[string]*emrauth.BackendAuthenticator
	client   *emrclient.Client
	mapper   *patient.Mapper
	sessions emrauth.SessionStore
	pool     *pgxpool.Pool
	svc      *integration.Service
	tests    *testpatient.Store
}

// newApp loads the provider registry and builds every service. When useDB
// is set and DATABASE_URL is configured, sessions are stored in Postgres;
// otherwise they live in memory.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, useDB bool) (*app, error) {
	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	registry, err := emr.NewRegistry(providers...)
	if err != nil {
		return nil, fmt.Errorf("provider registry: %w", err)
	}

	codec := emrauth.NewStateCodec()
	if cfg.StateKey != "" {
		codec, err = emrauth.NewSealedStateCodec(cfg.StateKey)
		if err != nil {
			return nil, fmt.Errorf("state codec: %w", err)
		}
	} else {
		logger.Warn().Msg("EMR_STATE_KEY not set, authorization state is not encrypted")
	}

	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		flow: emrauth.NewFlowManager(registry, codec, emrauth.FlowConfig{
			RedirectURI: cfg.RedirectURI,
			StateTTL:    cfg.StateTTL,
			Timeout:     cfg.HTTPTimeout,
		}, logger),
		backends: make(map[string]*emrauth.BackendAuthenticator),
		client: emrclient.New(registry, emrclient.Config{
			Timeout:   cfg.HTTPTimeout,
			RateLimit: cfg.RateLimitRPS,
			Burst:     cfg.RateLimitBurst,
		}, logger),
		mapper: patient.NewMapper(classifier),
	}

	for _, id := range registry.Systems() {
		sc, _ := registry.Get(id)
		if sc.PrivateKeyPEM == "" {
			continue
		}
		b, err := emrauth.NewBackendAuthenticator(sc, emrauth.BackendConfig{Timeout: cfg.HTTPTimeout}, logger)
		if err != nil {
			return nil, fmt.Errorf("backend authenticator for %s: %w", id, err)
		}
		a.backends[id] = b
	}

	if useDB && cfg.HasDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store := emrauth.NewPGSessionStoreFromPool(pool, cfg.SessionRetention)
		if cfg.StateKey != "" {
			if err := store.SealWith(cfg.StateKey); err != nil {
				pool.Close()
				return nil, err
			}
		}
		a.sessions = store
		logger.Info().Bool("sealed", cfg.StateKey != "").Msg("connected to database")
	} else {
		a.sessions = emrauth.NewInMemorySessionStore(cfg.SessionRetention)
		logger.Info().Msg("using in-memory EMR session store")
	}

	backends := make(map[string]integration.BackendAuth, len(a.backends))
	for id, b := range a.backends {
		backends[id] = b
	}
	a.svc = integration.NewService(registry, a.flow, a.sessions, backends, a.client, a.mapper, logger)
	a.tests = testpatient.NewStore(a.mapper)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, middleware.UserIDHeader},
	}))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	e.Use(middleware.UserID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"systems": a.registry.Systems(),
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(db.PoolChecker(a.pool)))
	}

	apiV1 := e.Group("/api/v1")
	integration.NewHandler(a.svc, a.logger).RegisterRoutes(apiV1)
	testpatient.NewHandler(a.tests, a.logger).RegisterRoutes(apiV1)

	return e
}

// sweepSessions purges expired sessions until ctx is done.
func (a *app) sweepSessions(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sessions.Cleanup(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("emr session cleanup failed")
			}
		}
	}
}
