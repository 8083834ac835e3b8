package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"station-availability/internal/analysis"
	"station-availability/internal/cache"
	"station-availability/internal/catalog"
	"station-availability/internal/checklist"
	"station-availability/internal/config"
	"station-availability/internal/fetch"
	"station-availability/internal/models"
	"station-availability/internal/repository"
	"station-availability/pkg/database"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// Pipeline is the fully wired retrieval stack shared by the server and the CLI
type Pipeline struct {
	Checklist    models.Checklist
	Store        *cache.Store
	Retrieval    *RetrievalService
	Availability *AvailabilityService
	Repositories []repository.SourceRepository

	closers []func()
}

// OpenPipeline connects the enabled backends and builds the services on top of them.
// A backend that cannot be reached at startup is logged and left out; retrievals
// then report its checklist entries as failed and are not cached.
func OpenPipeline(ctx context.Context, cfg *config.Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Pipeline, error) {
	list, err := checklist.Load(cfg.Pipeline.ChecklistFile)
	if err != nil {
		return nil, fmt.Errorf("load checklist: %w", err)
	}
	var longNames map[string]string
	if cfg.Pipeline.VariablesFile != "" {
		longNames, err = checklist.LoadVariables(cfg.Pipeline.VariablesFile)
		if err != nil {
			return nil, fmt.Errorf("load variables: %w", err)
		}
	}

	store, err := cache.NewStore(cfg.Cache.Dir, logger, metricsCollector)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	p := &Pipeline{Checklist: list, Store: store}

	if cfg.BackendA.Enabled {
		db, err := database.NewPostgresDB(cfg.BackendA.DatabaseConfig(string(models.SourceVU)), logger, metricsCollector)
		if err != nil {
			logger.Error(ctx, "[STARTUP_BACKEND_ERROR] Backend unreachable, continuing without it", logging.Fields{
				"backend": models.SourceVU,
			}, err)
		} else {
			p.closers = append(p.closers, func() { db.Close() })
			logger.Info(ctx, "[STARTUP_BACKEND] Backend connected", logging.Fields{"backend": db.Backend()})
			p.add(repository.NewVURepository(db, logger, metricsCollector), logger, metricsCollector)
		}
	}
	if cfg.BackendB.Enabled {
		pool, err := database.ConnectPool(ctx, cfg.BackendB.DatabaseConfig(string(models.SourceWUR)), logger, metricsCollector)
		if err != nil {
			logger.Error(ctx, "[STARTUP_BACKEND_ERROR] Backend unreachable, continuing without it", logging.Fields{
				"backend": models.SourceWUR,
			}, err)
		} else {
			p.closers = append(p.closers, pool.Close)
			logger.Info(ctx, "[STARTUP_BACKEND] Backend connected", logging.Fields{"backend": pool.Backend()})
			p.add(repository.NewWURRepository(pool, logger, metricsCollector), logger, metricsCollector)
		}
	}
	if len(p.Repositories) == 0 {
		return nil, errors.New("no backend reachable")
	}

	backends := make([]Backend, 0, len(p.Repositories))
	for _, repo := range p.Repositories {
		timeout := cfg.BackendA.QueryTimeout
		if repo.Source() == models.SourceWUR {
			timeout = cfg.BackendB.QueryTimeout
		}
		backends = append(backends, Backend{
			Resolver: catalog.NewResolver(repo, timeout, logger, metricsCollector),
			Fetcher: fetch.NewFetcher(repo, fetch.Config{
				Limit:        cfg.Pipeline.FetchLimit,
				PageSize:     cfg.Pipeline.PageSize,
				QueryTimeout: timeout,
			}, logger, metricsCollector),
		})
	}

	rcfg := RetrievalConfig{LongNames: longNames}
	if cfg.Pipeline.ApplyCorrections {
		rcfg.Corrector = analysis.NewCorrector(logger, metricsCollector, analysis.PressureRule(cfg.Pipeline.PressureThreshold))
	}
	p.Retrieval = NewRetrievalService(backends, store, rcfg, logger, metricsCollector)
	p.Availability = NewAvailabilityService(p.Retrieval, logger, metricsCollector)

	logger.Info(ctx, "[PIPELINE_READY] Retrieval pipeline wired", logging.Fields{
		"backends":          len(backends),
		"checklist_entries": len(list),
		"stations":          len(list.Stations()),
		"cache_dir":         cfg.Cache.Dir,
		"corrections":       cfg.Pipeline.ApplyCorrections,
	})
	return p, nil
}

func (p *Pipeline) add(repo repository.SourceRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) {
	p.Repositories = append(p.Repositories, repository.NewGuarded(repo, repository.DefaultGuardConfig(), logger, metricsCollector))
}

// DefaultWindow returns the rolling window configured for cfg at now
func DefaultWindow(cfg *config.Config, now time.Time) models.Window {
	return models.RollingWindow(now, cfg.Pipeline.DaysBack, cfg.Pipeline.Offset, cfg.Location())
}

// Close releases every backend connection
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}
