// Package scheduler keeps the rolling retrieval window warm in the cache.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"station-availability/internal/models"
	"station-availability/internal/services"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// Retriever runs a cached retrieval
type Retriever interface {
	Retrieve(ctx context.Context, req services.Request) (*services.Retrieval, error)
}

// Pruner removes cache entries saved before a cutoff
type Pruner interface {
	Prune(cutoff time.Time) (int, error)
}

// Config controls what is pre-warmed and how often
type Config struct {
	Interval  time.Duration
	DaysBack  int
	Offset    int
	Location  *time.Location
	Timeout   time.Duration
	Retention time.Duration // 0 keeps every entry
}

// Scheduler periodically retrieves the rolling window so reads hit the cache
type Scheduler struct {
	scheduler *gocron.Scheduler
	retriever Retriever
	pruner    Pruner
	checklist models.Checklist
	config    Config
	now       func() time.Time
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// New creates a new Scheduler
func New(retriever Retriever, pruner Pruner, checklist models.Checklist, cfg Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		retriever: retriever,
		pruner:    pruner,
		checklist: checklist,
		config:    cfg,
		now:       time.Now,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Start schedules the pre-warm job, which also runs immediately
func (s *Scheduler) Start() error {
	minutes := int(s.config.Interval.Minutes())
	if minutes <= 0 {
		minutes = 60
	}

	_, err := s.scheduler.Every(minutes).Minutes().Do(func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}

	s.logger.Info(context.Background(), "[SCHEDULER_START] Cache pre-warm scheduled", logging.Fields{
		"interval_minutes": minutes,
		"days_back":        s.config.DaysBack,
		"offset_days":      s.config.Offset,
	})
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// RunOnce retrieves the current rolling window and prunes expired entries
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	window := models.RollingWindow(s.now(), s.config.DaysBack, s.config.Offset, s.config.Location)
	r, err := s.retriever.Retrieve(ctx, services.Request{Window: window, Checklist: s.checklist})
	if err != nil {
		s.metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error(ctx, "[SCHEDULER_ERROR] Pre-warm retrieval failed", logging.Fields{
			"window": window.String(),
		}, err)
		return
	}
	s.metrics.SchedulerRunsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info(ctx, "[SCHEDULER_RUN] Rolling window pre-warmed", logging.Fields{
		"window":   window.String(),
		"status":   r.Status,
		"cached":   r.Cached,
		"backends": r.Backends,
	})

	if s.pruner == nil || s.config.Retention <= 0 {
		return
	}
	removed, err := s.pruner.Prune(s.now().Add(-s.config.Retention))
	if err != nil {
		s.logger.Warn(ctx, "[SCHEDULER_PRUNE] Cache prune failed", logging.Fields{"error": err.Error()})
		return
	}
	if removed > 0 {
		s.logger.Info(ctx, "[SCHEDULER_PRUNE] Expired cache entries removed", logging.Fields{"removed": removed})
	}
}
