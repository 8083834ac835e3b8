// Package catalog resolves checklist entries against a backend's station and
// sensor registries.
package catalog

import (
	"context"
	"fmt"
	"time"

	"station-availability/internal/models"
	"station-availability/internal/repository"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// Resolution is the outcome of resolving one backend's checklist subset
type Resolution struct {
	Metadata models.MetadataTable
	Gaps     []models.ResolutionGap
}

// Resolver maps (station, sensor name) pairs to backend sensor metadata
type Resolver struct {
	repo         repository.SourceRepository
	queryTimeout time.Duration
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewResolver creates a resolver for one backend. A zero queryTimeout disables
// the per-query deadline.
func NewResolver(repo repository.SourceRepository, queryTimeout time.Duration, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Resolver {
	return &Resolver{
		repo:         repo,
		queryTimeout: queryTimeout,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// Source returns the backend this resolver queries
func (r *Resolver) Source() models.Source {
	return r.repo.Source()
}

// Resolve looks up the sensors of the entries assigned to this backend.
//
// Stations unknown to the registry get repository.UnmatchedStation and yield no
// sensors. Every entry whose configured sensor does not resolve is reported as a
// gap; gaps never abort resolution. Metadata follows checklist order and a sensor
// matched by more than one entry appears once, with the first entry's variable.
// A backend error yields a Failed result with no partial metadata.
func (r *Resolver) Resolve(ctx context.Context, list models.Checklist) models.Result[Resolution] {
	source := r.repo.Source()
	entries := make(models.Checklist, 0, len(list))
	for _, e := range list.ForSource(source) {
		if e.HasSensor() {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return models.Empty[Resolution]()
	}

	r.logger.Info(ctx, "[RESOLVE_START] Resolving checklist against sensor registry", logging.Fields{
		"backend": source,
		"entries": len(entries),
	})

	stations := entries.Stations()
	stationIDs, err := r.lookupStations(ctx, stations)
	if err != nil {
		return r.fail(ctx, "lookup_stations", err)
	}

	var (
		gaps    []models.ResolutionGap
		lookups []repository.SensorLookup
	)
	seenLookup := make(map[repository.SensorLookup]bool)
	for _, e := range entries {
		id, ok := stationIDs[e.Station]
		if !ok {
			id = repository.UnmatchedStation
			gaps = append(gaps, gapFor(e, models.GapStationNotFound))
		}
		l := repository.SensorLookup{StationID: id, SiteName: e.Station, SensorName: e.SensorName}
		if id != repository.UnmatchedStation && !seenLookup[l] {
			seenLookup[l] = true
			lookups = append(lookups, l)
		}
	}

	var found []models.SensorMeta
	if len(lookups) > 0 {
		found, err = r.lookupSensors(ctx, lookups)
		if err != nil {
			return r.fail(ctx, "lookup_sensors", err)
		}
	}

	byPair := make(map[[2]string][]models.SensorMeta, len(found))
	for _, s := range found {
		pair := [2]string{s.SiteName, s.SensorName}
		byPair[pair] = append(byPair[pair], s)
	}

	res := Resolution{Metadata: models.MetadataTable{Fields: r.repo.MetadataFields()}}
	seenSensor := make(map[int64]bool, len(found))
	for _, e := range entries {
		if _, ok := stationIDs[e.Station]; !ok {
			continue
		}
		matches := byPair[[2]string{e.Station, e.SensorName}]
		if len(matches) == 0 {
			gaps = append(gaps, gapFor(e, models.GapSensorNotFound))
			continue
		}
		for _, s := range matches {
			if seenSensor[s.SensorID] {
				continue
			}
			seenSensor[s.SensorID] = true
			s.VariableName = e.Variable
			s.Source = source
			res.Metadata.Sensors = append(res.Metadata.Sensors, s)
		}
	}
	res.Gaps = gaps

	for _, g := range gaps {
		r.metrics.ResolutionGapsTotal.WithLabelValues(string(source), string(g.Reason)).Inc()
		r.logger.Warn(ctx, "[RESOLVE_GAP] Checklist entry did not resolve", logging.Fields{
			"backend":     source,
			"station":     g.Station,
			"variable":    g.Variable,
			"sensor_name": g.SensorName,
			"reason":      g.Reason,
		})
	}

	r.logger.Info(ctx, "[RESOLVE_COMPLETE] Checklist resolved", logging.Fields{
		"backend":  source,
		"stations": len(stations),
		"matched":  len(stationIDs),
		"sensors":  res.Metadata.Len(),
		"gaps":     len(gaps),
	})

	switch {
	case res.Metadata.Len() == 0:
		r.metrics.RecordBackendOutcome(string(source), "resolve", string(models.StatusEmpty))
		return models.Result[Resolution]{Status: models.StatusEmpty, Value: res}
	case len(gaps) > 0:
		r.metrics.RecordBackendOutcome(string(source), "resolve", string(models.StatusPartial))
		return models.Partial(res, fmt.Errorf("%d checklist entries did not resolve", len(gaps)))
	default:
		r.metrics.RecordBackendOutcome(string(source), "resolve", string(models.StatusOK))
		return models.OK(res)
	}
}

func (r *Resolver) lookupStations(ctx context.Context, names []string) (map[string]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.repo.LookupStations(ctx, names)
}

func (r *Resolver) lookupSensors(ctx context.Context, lookups []repository.SensorLookup) ([]models.SensorMeta, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.repo.LookupSensors(ctx, lookups)
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

func (r *Resolver) fail(ctx context.Context, stage string, err error) models.Result[Resolution] {
	source := r.repo.Source()
	r.metrics.RecordBackendOutcome(string(source), "resolve", string(models.StatusFailed))
	r.logger.Error(ctx, "[RESOLVE_ERROR] Sensor registry unavailable, backend contributes no data", logging.Fields{
		"backend": source,
		"stage":   stage,
	}, err)
	return models.Failed[Resolution](fmt.Errorf("resolve %s: %w", source, err))
}

func gapFor(e models.ChecklistEntry, reason models.GapReason) models.ResolutionGap {
	return models.ResolutionGap{
		Station:    e.Station,
		Variable:   e.Variable,
		Source:     e.Source,
		SensorName: e.SensorName,
		Reason:     reason,
	}
}
