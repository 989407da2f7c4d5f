package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/driftlabs/agentgrid/internal/conversation"
	"github.com/driftlabs/agentgrid/internal/database"
	"github.com/driftlabs/agentgrid/internal/logging"
	"github.com/driftlabs/agentgrid/internal/monitoring"
	"github.com/driftlabs/agentgrid/internal/registry"
	"github.com/driftlabs/agentgrid/internal/revenue"
	"github.com/driftlabs/agentgrid/internal/server"
	"github.com/driftlabs/agentgrid/internal/usage"
	"github.com/driftlabs/agentgrid/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting AgentGrid API server")

	if os.Getenv("AUTO_MIGRATE") == "true" {
		if err := database.RunMigrations(cfg.Database.URL, migrations.FS, "."); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	registrySvc := registry.NewService(db.Pool, cfg.Server.BaseURL)
	conversations := conversation.NewStore(db.Pool)

	var redisCache *cache.Redis
	if cfg.Redis.URL != "" {
		redisCache, err = cache.New(cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, usage counters degraded to database only")
		} else {
			defer redisCache.Close()
		}
	}
	meter := usage.NewMeter(db.Pool, redisCache)

	revenueCalc := revenue.NewCalculator(db.Pool)
	revenueScheduler := revenue.NewScheduler(revenueCalc, time.Duration(cfg.Revenue.CheckInterval)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Revenue.SchedulerOn {
		if err := revenueScheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start revenue scheduler")
		}
		defer revenueScheduler.Stop()
	}

	srv := server.NewAPIServer(cfg, db, registrySvc, conversations, meter, revenueCalc, revenueScheduler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
