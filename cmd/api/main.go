package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pagesnap/internal/adapters/renderer/chrome"
	"pagesnap/internal/capture"
	"pagesnap/internal/config"
	"pagesnap/internal/httpapi"
	"pagesnap/internal/httpapi/handlers"
	"pagesnap/internal/jobs"
	"pagesnap/internal/pagepool"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/pkg/shutdown"
	"pagesnap/internal/ratelimit"
	"pagesnap/internal/storage"
)

func main() {
	cfg, err := config.Load()

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       config.Env("LOG_LEVEL", "info"),
		Format:      config.Env("LOG_FORMAT", "json"),
		ServiceName: "pagesnap-api",
		AddSource:   config.BoolEnv("LOG_SOURCE", false),
	})
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	log.Info("server_starting",
		"version", handlers.Version,
		"port", cfg.HTTPPort,
		"max_concurrent", cfg.Browser.MaxConcurrent,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)
	checks := map[string]handlers.Checker{}

	// Job table
	var store jobs.Store = jobs.NewMemoryStore()
	if cfg.Jobs.Store == "postgres" {
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.Jobs.DatabaseURL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.RegisterSimple("postgres", pool.Close)

		if err := pool.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		pg := jobs.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.LogFatal("failed to prepare job table", err)
		}
		store = pg
		checks["postgres"] = pool.Ping
		log.Info("PostgreSQL connected")
	}

	// Rate limit windows
	var windows ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimit.Backend == "redis" {
		log.Info("connecting to Redis")
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		windows = ratelimit.NewRedisStore(rdb, "")
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("Redis connected")
	}

	// Storage provider
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	// Browser pool, warmed up before accepting traffic.
	engine := chrome.New(chrome.Options{ExecPath: cfg.Browser.ExecutablePath}, log)
	pages := pagepool.New(engine, cfg.Browser.MaxConcurrent, log)
	if err := pages.Initialize(ctx); err != nil {
		log.LogFatal("failed to launch browser", err)
	}
	shutdownMgr.Register("pagepool", pages.Cleanup)

	executor := capture.New(pages, capture.Config{
		MaxRetries:       cfg.Capture.MaxRetries,
		Timeout:          cfg.Capture.Timeout,
		BaseBackoff:      cfg.Capture.RetryBaseDelay,
		ReadinessTimeout: cfg.Capture.ReadinessTimeout,
		SettleDelay:      cfg.Capture.SettleDelay,
		StylesheetHost:   cfg.Capture.StylesheetHost,
	}, log)

	scheduler := jobs.New(store, executor, sp, jobs.Config{
		Concurrency:   cfg.Jobs.Concurrency,
		MaxQueued:     cfg.Jobs.MaxQueued,
		Retention:     cfg.Jobs.Retention,
		SweepInterval: cfg.Jobs.SweepInterval,
		DrainTimeout:  cfg.Jobs.DrainTimeout,
	}, log)

	limiter := ratelimit.New(windows, ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	}, log)

	// Background sweepers
	sweepCtx, stopSweepers := context.WithCancel(ctx)
	sweepers, sweepCtx := errgroup.WithContext(sweepCtx)
	sweepers.Go(func() error { return scheduler.Run(sweepCtx) })
	sweepers.Go(func() error { return limiter.Run(sweepCtx) })
	shutdownMgr.Register("sweepers", func(context.Context) error {
		stopSweepers()
		return sweepers.Wait()
	})

	shutdownMgr.Register("scheduler", scheduler.Stop)

	router := httpapi.NewRouter(httpapi.Deps{
		Jobs:           scheduler,
		Pool:           pages,
		Limiter:        limiter,
		APIKeys:        cfg.APIKeys,
		AllowedDomains: cfg.AllowedDomains,
		CORSOrigins:    cfg.CORSOrigins,
		Checks:         checks,
		Log:            log,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Registered last so it drains first.
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("server_started", "addr", server.Addr, "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("forced shutdown after timeout")
		}
		os.Exit(1)
	}
}
