package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"station-availability/internal/models"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// PgxQuerier is the part of database.PgxPool the flat-schema backend needs
type PgxQuerier interface {
	Query(ctx context.Context, queryType, sql string, args ...any) (pgx.Rows, error)
	HealthCheck(ctx context.Context) error
}

// wurRepository reads the flat-schema backend: sensors and sensor_data. Units are
// stored as abbreviations on the sensor row and stations are identified by name.
type wurRepository struct {
	db      PgxQuerier
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWURRepository creates the repository for the flat-schema backend
func NewWURRepository(db PgxQuerier, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SourceRepository {
	return &wurRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

func (r *wurRepository) Source() models.Source {
	return models.SourceWUR
}

func (r *wurRepository) MetadataFields() models.FieldSet {
	return 0
}

// LookupStations returns the station names that own at least one sensor.
// The station id is the name itself.
func (r *wurRepository) LookupStations(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}

	query := `
		SELECT DISTINCT stationname
		FROM sensors
		WHERE stationname = ANY($1)
	`

	rows, err := r.db.Query(ctx, "lookup_stations", query, names)
	if err != nil {
		return nil, wrapQueryError(models.SourceWUR, "lookup_stations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapQueryError(models.SourceWUR, "lookup_stations", err)
		}
		out[name] = name
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError(models.SourceWUR, "lookup_stations", err)
	}

	r.logger.Debug(ctx, "[REPO_LOOKUP_STATIONS] Stations resolved", logging.Fields{
		"backend":   models.SourceWUR,
		"requested": len(names),
		"matched":   len(out),
	})
	return out, nil
}

// LookupSensors queries sensors for (stationname, name) pairs
func (r *wurRepository) LookupSensors(ctx context.Context, lookups []SensorLookup) ([]models.SensorMeta, error) {
	stations := make([]string, 0, len(lookups))
	names := make([]string, 0, len(lookups))
	for _, l := range lookups {
		if l.StationID == UnmatchedStation {
			continue
		}
		stations = append(stations, l.StationID)
		names = append(names, l.SensorName)
	}
	if len(stations) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, name, unit, stationname
		FROM sensors
		WHERE (stationname, name) IN (SELECT * FROM unnest($1::text[], $2::text[]))
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, "lookup_sensors", query, stations, names)
	if err != nil {
		return nil, wrapQueryError(models.SourceWUR, "lookup_sensors", err)
	}
	defer rows.Close()

	var out []models.SensorMeta
	for rows.Next() {
		var (
			id                int64
			name, stationName string
			unit              *string
		)
		if err := rows.Scan(&id, &name, &unit, &stationName); err != nil {
			return nil, wrapQueryError(models.SourceWUR, "lookup_sensors", err)
		}
		meta := models.SensorMeta{
			SensorID:   id,
			Source:     models.SourceWUR,
			SiteName:   stationName,
			SensorName: name,
		}
		if unit != nil {
			meta.Unit = *unit
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError(models.SourceWUR, "lookup_sensors", err)
	}
	return out, nil
}

// FetchObservations reads sensor_data rows for the filter
func (r *wurRepository) FetchObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT time, sensor_id, value
		FROM sensor_data
		WHERE sensor_id = ANY($1)
		AND time BETWEEN $2 AND $3
	`
	args := []interface{}{filter.SensorIDs, filter.Start, filter.End}
	query, args = appendPaging(query, args, "time", "sensor_id", filter)

	rows, err := r.db.Query(ctx, "fetch_sensor_data", query, args...)
	if err != nil {
		return nil, wrapQueryError(models.SourceWUR, "fetch_sensor_data", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var (
			ts    time.Time
			id    int64
			value *float64
		)
		if err := rows.Scan(&ts, &id, &value); err != nil {
			return nil, wrapQueryError(models.SourceWUR, "fetch_sensor_data", err)
		}
		out = append(out, models.Observation{Timestamp: ts, SensorID: id, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError(models.SourceWUR, "fetch_sensor_data", err)
	}

	r.metrics.ObservationsFetched.WithLabelValues(string(models.SourceWUR)).Add(float64(len(out)))
	return out, nil
}

func (r *wurRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
