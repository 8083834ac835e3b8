package services

import (
	"context"

	"station-availability/internal/analysis"
	"station-availability/internal/models"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// AvailabilityService computes completeness statistics over retrievals
type AvailabilityService struct {
	retrieval *RetrievalService
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// AvailabilityResult is a report together with the outcome of the retrieval
// it was computed from
type AvailabilityResult struct {
	Status   models.Status                   `json:"status"`
	Backends map[models.Source]models.Status `json:"backends"`
	Cached   bool                            `json:"cached"`
	Report   models.AvailabilityReport       `json:"report"`
}

// NewAvailabilityService creates a new availability service
func NewAvailabilityService(retrieval *RetrievalService, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AvailabilityService {
	return &AvailabilityService{
		retrieval: retrieval,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Report returns one availability row per checklist entry
func (s *AvailabilityService) Report(ctx context.Context, req Request) (*AvailabilityResult, error) {
	r, err := s.retrieval.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.FromRetrieval(ctx, r, req.Checklist), nil
}

// FromRetrieval computes the report for a retrieval already in hand, such as
// the result of a refresh
func (s *AvailabilityService) FromRetrieval(ctx context.Context, r *Retrieval, list models.Checklist) *AvailabilityResult {
	timer := s.metrics.NewTimer(s.metrics.AvailabilityDuration)
	rows := analysis.Analyze(r.Table, r.Metadata, list)
	timer.ObserveDuration()

	counts := make(map[models.Reason]int)
	for _, row := range rows {
		counts[row.Reason]++
	}
	s.logger.Info(ctx, "[AVAILABILITY_COMPLETE] Availability computed", logging.Fields{
		"run_id":           r.RunID,
		"rows":             len(rows),
		"data_available":   counts[models.ReasonDataAvailable],
		"no_sensor":        counts[models.ReasonNoSensor],
		"sensor_not_found": counts[models.ReasonSensorNotFound],
		"status":           r.Status,
	})

	return &AvailabilityResult{
		Status:   r.Status,
		Backends: r.Backends,
		Cached:   r.Cached,
		Report: models.AvailabilityReport{
			Window: r.Window,
			Rows:   rows,
		},
	}
}

// Matrix returns the report pivoted by station and variable
func (s *AvailabilityService) Matrix(ctx context.Context, req Request) (models.AvailabilityMatrix, *AvailabilityResult, error) {
	res, err := s.Report(ctx, req)
	if err != nil {
		return models.AvailabilityMatrix{}, nil, err
	}
	return analysis.Matrix(res.Report.Rows), res, nil
}
