// Package main is the entry point for the playbook runner server.
// It serves a REST API for starting incident response playbooks from
// templates, driving them step by step, and retrieving the compiled
// compliance reports.
//
// Architecture:
//   - Templates are loaded from TEMPLATE_DIR and validated at startup
//   - Every accepted operation persists a snapshot of the incident
//   - Runner events fan out to the log, the activity trail, metrics and Redis
//   - Finalized report digests are anchored in a Merkle ledger
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/complyops/playbook-runner/internal/config"
	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/handlers"
	"github.com/complyops/playbook-runner/internal/middleware"
	"github.com/complyops/playbook-runner/internal/services"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment)
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infow("Starting playbook runner",
		"port", cfg.Port,
		"env", cfg.Environment,
		"store", cfg.StoreDriver,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		sugar.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	// Templates
	library, err := services.NewTemplateLibrary(sugar)
	if err != nil {
		sugar.Fatalf("Failed to build template library: %v", err)
	}
	loaded, err := library.LoadDir(cfg.TemplateDir)
	if err != nil {
		sugar.Fatalf("Failed to load templates: %v", err)
	}
	sugar.Infow("Templates loaded", "dir", cfg.TemplateDir, "count", loaded)

	// Report ledger, rebuilt from the store before anything is finalized
	ledger := services.NewReportLedger(sugar)
	integrityWorker := services.NewIntegrityWorker(ledger, store, sugar)
	integrityWorker.Rebuild(ctx)
	go integrityWorker.Start(ctx, time.Duration(cfg.MerkleRebuildInterval)*time.Minute)

	// Event fan-out
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)
	activitySvc := services.NewActivityLogService(store, sugar)
	notifiers := services.MultiNotifier{services.NewLogNotifier(sugar), activitySvc, metrics}
	if cfg.RedisURL != "" {
		redisNotifier, err := services.NewRedisNotifier(cfg.RedisURL, cfg.NotifyChannel)
		if err != nil {
			sugar.Fatalf("Failed to configure Redis notifier: %v", err)
		}
		defer redisNotifier.Close()
		notifiers = append(notifiers, redisNotifier)
		sugar.Infow("Publishing events to Redis", "channel", cfg.NotifyChannel)
	}

	var archiver services.ReportArchiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := services.NewS3Archiver(ctx, services.S3ArchiverConfig{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchivePrefix,
		})
		if err != nil {
			sugar.Fatalf("Failed to configure report archive: %v", err)
		}
		archiver = s3Archiver
		sugar.Infow("Archiving reports to S3", "bucket", cfg.ArchiveBucket)
	}

	incidentSvc := services.NewIncidentService(services.IncidentServiceConfig{
		Store:        store,
		Templates:    library,
		Ledger:       ledger,
		Notifier:     notifiers,
		Archiver:     archiver,
		Metrics:      metrics,
		TickInterval: cfg.TickInterval,
	}, sugar)
	if _, err := incidentSvc.Recover(ctx); err != nil {
		sugar.Fatalf("Failed to recover incidents: %v", err)
	}

	// Initialize handlers
	incidentHandler := handlers.NewIncidentHandler(incidentSvc, sugar)
	activityHandler := handlers.NewActivityHandler(activitySvc, sugar)
	templateHandler := handlers.NewTemplateHandler(library, sugar)
	integrityHandler := handlers.NewIntegrityHandler(ledger, incidentSvc, sugar)
	healthHandler := handlers.NewHealthHandler(store, ledger, sugar)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPM)
	go limiter.Cleanup(ctx, time.Minute)

	// Build router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Report-Digest", "X-Ledger-Index"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// API Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Handler)

		// Health check
		r.Get("/health", healthHandler.Check)
		r.Get("/health/ready", healthHandler.Ready)

		// Integrity endpoints (public so auditors can verify reports)
		r.Route("/integrity", func(r chi.Router) {
			r.Get("/root", integrityHandler.GetRoot)
			r.Get("/proof/{index}", integrityHandler.GetProof)
			r.Get("/incidents/{incidentID}/proof", integrityHandler.IncidentProof)
			r.Post("/verify", integrityHandler.Verify)
		})

		// Operator endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(cfg.JWTSecret))

			r.Get("/templates", templateHandler.List)
			r.Get("/templates/{templateID}", templateHandler.Get)
			r.Route("/incidents", func(r chi.Router) {
				incidentHandler.Routes(r, activityHandler)
			})
			r.Get("/activity/recent", activityHandler.Recent)
		})
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sugar.Infof("Server listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	sugar.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorf("Forced shutdown: %v", err)
	}
	incidentSvc.Close()
	stop()

	sugar.Info("Server stopped")
}

func newLogger(environment string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openStore connects the configured incident store and applies its schema.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := database.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return database.NewSQLiteStore(db), nil
	default:
		return database.NewMemoryStore(), nil
	}
}
