package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/cache"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/lock"
	"github.com/ehr/screening/internal/platform/middleware"
	"github.com/ehr/screening/internal/platform/telemetry"
	"github.com/ehr/screening/migrations"
)

const (
	version         = "0.1.0"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	refreshPath     = "/api/v1/screenings/refresh"
	cachePrefix     = "screening:cache:"
	lockPrefix      = "screening:lock:"
)

// deps holds the process-wide collaborators of the screening service.
type deps struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	cache  cache.Store
	locker lock.Locker
	redis  *goredis.Client
	stop   context.CancelFunc
	logger zerolog.Logger
}

// newDeps picks Redis for the cache and per-patient locks when REDIS_URL is
// set, so several server replicas share them. Otherwise both stay in-process.
func newDeps(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *deps {
	d := &deps{cfg: cfg, pool: pool, logger: logger, stop: func() {}}
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err == nil {
			d.redis = rdb
			d.cache = cache.NewRedis(rdb, cachePrefix, logger)
			d.locker = lock.NewRedis(rdb, lockPrefix, cfg.LockTTL, logger)
			logger.Info().Msg("using redis for cache and locks")
			return d
		}
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-process cache and locks")
	}

	mem := cache.NewMemory()
	cctx, cancel := context.WithCancel(ctx)
	mem.StartCleanup(cctx, time.Minute)
	d.stop = cancel
	d.cache = mem
	d.locker = lock.NewLocal()
	return d
}

func (d *deps) service() *screening.Service {
	return screening.NewService(
		screening.NewRepositoriesPG(d.pool, d.logger),
		db.NewTxRunner(d.pool),
		d.cache,
		d.locker,
		screening.ServiceConfig{
			Defaults:  settingsFromConfig(d.cfg),
			Batch:     batchOptionsFromConfig(d.cfg),
			ListTTL:   d.cfg.CacheListTTL,
			DetailTTL: d.cfg.CacheDetailTTL,
		},
		d.logger,
	)
}

func (d *deps) close() {
	d.stop()
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "screening-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Insecure:       cfg.IsDev(),
		SampleRatio:    cfg.OTelSamplerRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	d := newDeps(ctx, cfg, pool, logger)
	defer d.close()
	svc := d.service()

	e := newEcho(cfg, pool, svc, logger)

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	if cfg.RefreshInterval > 0 {
		go periodicRefresh(refreshCtx, pool, svc, cfg.DefaultTenant, cfg.RefreshInterval, logger)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopRefresh()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTracing(sctx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, svc *screening.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	// Batch refresh enforces its own wall-clock budget.
	e.Use(middleware.RequestTimeout(requestTimeout, refreshPath))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS, logger), cfg.DefaultTenant))

	apiV1 := e.Group("/api/v1", db.TenantMiddleware(pool, cfg.DefaultTenant))
	screening.NewHandler(svc, middleware.RateLimit(middleware.DefaultRateLimitConfig())).RegisterRoutes(apiV1)

	return e
}

// periodicRefresh re-evaluates every patient of tenant on a fixed interval.
// A run that is still going when the next tick fires delays that tick.
func periodicRefresh(ctx context.Context, pool *pgxpool.Pool, svc *screening.Service, tenant string, interval time.Duration, logger zerolog.Logger) {
	log := logger.With().Str("component", "periodic_refresh").Str("tenant_id", tenant).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tctx, release, err := db.TenantContext(ctx, pool, tenant)
		if err != nil {
			log.Error().Err(err).Msg("tenant context unavailable")
			continue
		}
		res, err := svc.EvaluateBatch(tctx, screening.Selector{Kind: screening.SelectAll}, screening.BatchOptions{})
		release()
		if err != nil {
			log.Error().Err(err).Msg("periodic refresh failed")
			continue
		}
		log.Info().
			Int("processed", res.Processed).
			Int("updated", res.Updated).
			Int("errors", len(res.Errors)).
			Bool("truncated", res.Truncated).
			Msg("periodic refresh complete")
	}
}
