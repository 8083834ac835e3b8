// Package fetch retrieves long-format observations from one backend.
package fetch

import (
	"context"
	"fmt"
	"time"

	"station-availability/internal/models"
	"station-availability/internal/repository"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// Config bounds what a single fetch may read
type Config struct {
	// Limit caps the total rows returned; 0 reads everything in the window
	Limit int
	// PageSize splits the read into keyset pages; 0 issues a single query
	PageSize int
	// QueryTimeout applies to each query; 0 disables it
	QueryTimeout time.Duration
}

// Fetcher reads observations for resolved sensors
type Fetcher struct {
	repo    repository.SourceRepository
	config  Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewFetcher creates a fetcher for one backend
func NewFetcher(repo repository.SourceRepository, cfg Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Fetcher {
	return &Fetcher{
		repo:    repo,
		config:  cfg,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Fetch returns observations of sensorIDs with timestamps in the inclusive window.
// A successful read with no rows is Empty; a query error is Failed and carries
// no rows, even if earlier pages succeeded.
func (f *Fetcher) Fetch(ctx context.Context, sensorIDs []int64, window models.Window) models.Result[[]models.Observation] {
	source := f.repo.Source()
	if len(sensorIDs) == 0 {
		return models.Empty[[]models.Observation]()
	}

	filter := repository.ObservationFilter{
		SensorIDs: sensorIDs,
		Start:     window.Start,
		End:       window.End,
	}

	f.logger.Info(ctx, "[FETCH_START] Fetching observations", logging.Fields{
		"backend": source,
		"sensors": len(sensorIDs),
		"start":   window.Start,
		"end":     window.End,
		"limit":   f.config.Limit,
	})

	var (
		rows  []models.Observation
		pages int
	)
	for {
		filter.Limit = f.pageLimit(len(rows))
		page, err := f.fetchPage(ctx, filter)
		if err != nil {
			f.metrics.RecordBackendOutcome(string(source), "fetch", string(models.StatusFailed))
			f.logger.Error(ctx, "[FETCH_ERROR] Observation query failed, backend contributes no data", logging.Fields{
				"backend": source,
				"page":    pages,
			}, err)
			return models.Failed[[]models.Observation](fmt.Errorf("fetch %s: %w", source, err))
		}
		pages++
		rows = append(rows, page...)

		if filter.Limit == 0 || len(page) < filter.Limit || f.limitReached(len(rows)) {
			break
		}
		last := page[len(page)-1]
		filter.After = &repository.Cursor{Timestamp: last.Timestamp, SensorID: last.SensorID}
	}

	f.logger.Info(ctx, "[FETCH_COMPLETE] Observations fetched", logging.Fields{
		"backend": source,
		"rows":    len(rows),
		"pages":   pages,
	})

	if len(rows) == 0 {
		f.metrics.RecordBackendOutcome(string(source), "fetch", string(models.StatusEmpty))
		return models.Empty[[]models.Observation]()
	}
	f.metrics.RecordBackendOutcome(string(source), "fetch", string(models.StatusOK))
	return models.OK(rows)
}

// pageLimit returns the row limit for the next query given how many rows
// were already read
func (f *Fetcher) pageLimit(read int) int {
	limit := f.config.PageSize
	if f.config.Limit > 0 {
		remaining := f.config.Limit - read
		if limit == 0 || remaining < limit {
			limit = remaining
		}
	}
	return limit
}

func (f *Fetcher) limitReached(read int) bool {
	return f.config.Limit > 0 && read >= f.config.Limit
}

func (f *Fetcher) fetchPage(ctx context.Context, filter repository.ObservationFilter) ([]models.Observation, error) {
	if f.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.QueryTimeout)
		defer cancel()
	}
	return f.repo.FetchObservations(ctx, filter)
}

// SensorIDs returns the backend-local ids of the sensors from source, in
// metadata order
func SensorIDs(meta models.MetadataTable, source models.Source) []int64 {
	var ids []int64
	for _, s := range meta.Sensors {
		if s.Source == source {
			ids = append(ids, s.SensorID)
		}
	}
	return ids
}
