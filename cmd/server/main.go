package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"station-availability/internal/config"
	"station-availability/internal/handlers"
	"station-availability/internal/scheduler"
	"station-availability/internal/services"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("station-availability-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting station availability API server", logging.Fields{
		"version":     "1.0.0",
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"vu_enabled":  cfg.BackendA.Enabled,
		"wur_enabled": cfg.BackendB.Enabled,
		"timezone":    cfg.Pipeline.Timezone,
	})

	metricsCollector := metrics.NewCollector("station_availability", nil)

	pipeline, err := services.OpenPipeline(ctx, cfg, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to build retrieval pipeline", logging.Fields{}, err)
	}
	defer pipeline.Close()

	healthCheckers := make([]handlers.HealthChecker, 0, len(pipeline.Repositories))
	for _, repo := range pipeline.Repositories {
		healthCheckers = append(healthCheckers, repo)
	}

	pipelineHandler := handlers.NewPipelineHandler(
		pipeline.Retrieval,
		pipeline.Availability,
		healthCheckers,
		pipeline.Checklist,
		handlers.WindowDefaults{
			DaysBack: cfg.Pipeline.DaysBack,
			Offset:   cfg.Pipeline.Offset,
			Location: cfg.Location(),
		},
		logger,
		metricsCollector,
	)

	router := mux.NewRouter()
	if cfg.Server.RateLimit > 0 {
		router.Use(httprate.LimitByIP(cfg.Server.RateLimit, time.Minute))
	}
	pipelineHandler.RegisterRoutes(router)
	router.HandleFunc("/api/docs", handlers.SwaggerUI).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", handlers.OpenAPISpec).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	var prewarm *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		prewarm = scheduler.New(pipeline.Retrieval, pipeline.Store, pipeline.Checklist, scheduler.Config{
			Interval:  cfg.Scheduler.Interval,
			DaysBack:  cfg.Pipeline.DaysBack,
			Offset:    cfg.Pipeline.Offset,
			Location:  cfg.Location(),
			Timeout:   cfg.Scheduler.Timeout,
			Retention: cfg.Cache.Retention,
		}, logger, metricsCollector)
		if err := prewarm.Start(); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to start scheduler", logging.Fields{}, err)
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address":    server.Addr,
			"rate_limit": cfg.Server.RateLimit,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	if prewarm != nil {
		prewarm.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
