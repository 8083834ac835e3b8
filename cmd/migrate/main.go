package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"station-availability/internal/config"
	"station-availability/internal/models"
	"station-availability/pkg/database"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

func main() {
	direction := pflag.String("direction", "up", "Migration direction: up or down")
	backend := pflag.String("backend", "all", "Backend to migrate: vu_db, wur_db or all")
	dir := pflag.String("dir", "migrations", "Directory holding one sub-directory of SQL files per backend")
	pflag.Parse()

	if *direction != "up" && *direction != "down" {
		fmt.Fprintf(os.Stderr, "Invalid direction %q, expected up or down\n", *direction)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("station-availability-migrate", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("station_availability_migrate", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	targets := []models.Source{models.SourceVU, models.SourceWUR}
	if *backend != "all" {
		source, err := models.ParseSource(*backend)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
		targets = []models.Source{source}
	}

	for _, source := range targets {
		migrationFile := filepath.Join(*dir, string(source), fmt.Sprintf("001_create_schema.%s.sql", *direction))
		content, err := os.ReadFile(migrationFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read migration file: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Running migration: %s\n", migrationFile)
		if err := run(ctx, cfg, source, string(content), logger, metricsCollector); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to execute migration for %s: %v\n", source, err)
			os.Exit(1)
		}
		fmt.Printf("Migration for %s completed successfully\n", source)
	}
}

// run applies one SQL script through the driver the backend is read with
func run(ctx context.Context, cfg *config.Config, source models.Source, script string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) error {
	switch source {
	case models.SourceVU:
		db, err := database.NewPostgresDB(cfg.BackendA.DatabaseConfig(string(source)), logger, metricsCollector)
		if err != nil {
			return err
		}
		defer db.Close()
		_, err = db.ExecContext(ctx, "migrate", script)
		return err
	default:
		pool, err := database.ConnectPool(ctx, cfg.BackendB.DatabaseConfig(string(source)), logger, metricsCollector)
		if err != nil {
			return err
		}
		defer pool.Close()
		return pool.Exec(ctx, "migrate", script)
	}
}
