// Command server is the fleet backend: the HTTP API, the webhook
// delivery worker, and the background job scheduler in one process.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pathmark/backend/internal/api"
	"github.com/pathmark/backend/internal/auth"
	"github.com/pathmark/backend/internal/bootstrap"
	"github.com/pathmark/backend/internal/config"
	"github.com/pathmark/backend/internal/database"
	"github.com/pathmark/backend/internal/enrollment"
	"github.com/pathmark/backend/internal/idempotency"
	"github.com/pathmark/backend/internal/jobs"
	"github.com/pathmark/backend/internal/locations"
	"github.com/pathmark/backend/internal/metrics"
	"github.com/pathmark/backend/internal/middleware"
	"github.com/pathmark/backend/internal/notify"
	"github.com/pathmark/backend/internal/orgs"
	"github.com/pathmark/backend/internal/outbox"
	"github.com/pathmark/backend/internal/reports"
	"github.com/pathmark/backend/internal/scheduler"
	"github.com/pathmark/backend/internal/webhooks"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is a development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		logger.Printf("Loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("❌ Failed to load config: %v", err)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Fatalf("❌ Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	logger.Printf("✅ Postgres connected")

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Printf("⚠️  Redis unavailable (%v); rate limiting falls back to in-memory", err)
			rdb.Close()
			rdb = nil
		} else {
			logger.Printf("✅ Redis connected")
			defer rdb.Close()
		}
		cancel()
	}

	mets := metrics.New()

	var sessions *auth.SessionVerifier
	if cfg.JWT.PublicKeyBase64 != "" {
		leeway := time.Duration(cfg.Security.SessionLeewaySeconds) * time.Second
		sessions, err = auth.NewSessionVerifier(cfg.JWT.PublicKeyBase64, leeway)
		if err != nil {
			logger.Fatalf("❌ Invalid session public key: %v", err)
		}
	} else {
		logger.Printf("⚠️  No session public key configured; user sessions are disabled")
	}

	if err := bootstrap.EnsureAdmin(context.Background(), db, cfg.Admin); err != nil {
		logger.Fatalf("❌ Admin bootstrap failed: %v", err)
	}

	// Stores and engines.
	resolver := auth.NewResolver(db, sessions)
	box := outbox.NewStore(db)
	endpoints := webhooks.NewEndpointStore(db)
	publisher := webhooks.NewPublisher(endpoints, box)
	worker := webhooks.NewWorker(endpoints, box, webhooks.WorkerConfig{
		FailureThreshold: cfg.Webhooks.FailureThreshold,
		Cooloff:          time.Duration(cfg.Webhooks.CooloffSeconds) * time.Second,
		RequestTimeout:   time.Duration(cfg.Webhooks.RequestTimeoutSec) * time.Second,
	}, mets)
	locationStore := locations.NewStore(db)
	idemStore := idempotency.NewStore(db)
	reportStore := reports.NewStore(db)
	renderer := reports.NewRenderer(db, cfg.Reports.SpoolDir)
	settingsStore := orgs.NewSettingsStore(db)
	notifier := notify.FromConfig(cfg.FCM)
	identityVerifiers := auth.NewIdentityVerifiers(cfg.OAuth.GoogleClientID, cfg.OAuth.AppleClientID)
	enrollEngine := enrollment.NewEngine(db, publisher, mets, notifier)
	rateLimiter := middleware.NewRateLimiter(rdb, cfg.Security.RateLimitPerMinute)

	// Background jobs.
	jobLogger := log.New(log.Writer(), "[JOBS] ", log.LstdFlags)
	sched := scheduler.New(mets)
	register := func(j scheduler.Job) {
		if err := sched.Register(j); err != nil {
			logger.Fatalf("❌ Failed to register job: %v", err)
		}
	}
	register(&jobs.CleanupLocations{
		Locations:     locationStore,
		Idempotency:   idemStore,
		RetentionDays: cfg.Limits.LocationRetentionDays,
		Logger:        jobLogger,
	})
	register(&jobs.RefreshViews{DB: db})
	if cfg.Features.Webhooks {
		register(&jobs.WebhookRetry{Worker: worker, BatchSize: cfg.Webhooks.BatchSize, Logger: jobLogger})
		register(&jobs.WebhookCleanup{Outbox: box, RetentionDays: cfg.Webhooks.RetentionDays, Logger: jobLogger})
	}
	if cfg.Features.Reports {
		register(&jobs.ReportGeneration{Store: reportStore, Renderer: renderer, Logger: jobLogger})
		register(&jobs.ReportCleanup{Store: reportStore, Logger: jobLogger})
	}
	sched.Start()

	server := api.NewServer(api.Deps{
		Config:      cfg,
		DB:          db,
		Resolver:    resolver,
		Enrollment:  enrollEngine,
		Locations:   locationStore,
		Idempotency: idemStore,
		Endpoints:   endpoints,
		Settings:    settingsStore,
		Reports:     reportStore,
		RateLimiter: rateLimiter,
		Metrics:     mets,
		Identity:    identityVerifiers,
	})

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("🚀 Listening on %s (%s)", httpServer.Addr, cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Printf("Shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️  HTTP shutdown: %v", err)
	}

	sched.Shutdown()
	if err := sched.WaitForShutdown(shutdownTimeout); err != nil {
		logger.Printf("⚠️  %v", err)
	}

	logger.Printf("✅ Shutdown complete")
}
