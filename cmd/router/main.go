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

	"github.com/driftlabs/agentgrid/internal/backend"
	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/driftlabs/agentgrid/internal/conversation"
	"github.com/driftlabs/agentgrid/internal/database"
	"github.com/driftlabs/agentgrid/internal/dispatcher"
	"github.com/driftlabs/agentgrid/internal/logging"
	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/driftlabs/agentgrid/internal/monitoring"
	"github.com/driftlabs/agentgrid/internal/server"
	"github.com/driftlabs/agentgrid/internal/usage"
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
		Msg("Starting AgentGrid execution router")

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	redisCache, err := cache.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer redisCache.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.Router.MaxTimeout) * time.Second}

	conversations := conversation.NewStore(db.Pool)
	provider := backend.NewProviderClient(cfg, httpClient)

	functionAdapter := backend.NewFunctionAdapter(backend.DefaultFunctionRegistry())
	conversationAdapter := backend.NewConversationAdapter(conversations, provider)

	adapters := map[models.ExecutionType]backend.Adapter{
		models.ExecutionTypeFunction:     functionAdapter,
		models.ExecutionTypeWebhook:      backend.NewWebhookAdapter(httpClient),
		models.ExecutionTypeConversation: conversationAdapter,
		models.ExecutionTypeHybrid:       backend.NewHybridAdapter(functionAdapter, conversationAdapter),
	}

	meter := usage.NewMeter(db.Pool, redisCache)
	disp := dispatcher.NewService(db.Pool, redisCache, cfg, meter, adapters)

	srv := server.NewRouterServer(cfg, db, redisCache, disp)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Router.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.Router.MaxTimeout+10) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Router.Port).Msg("Execution router listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start router")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down execution router...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Router forced to shutdown")
	}

	log.Info().Msg("Execution router exited")
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
