package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"station-availability/internal/models"
	"station-availability/pkg/database"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// vuRepository reads the custom-schema backend: sites, logvalproviders, units
// and pointdata. Tables are resolved through the connection's search_path.
type vuRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewVURepository creates the repository for the custom-schema backend
func NewVURepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SourceRepository {
	return &vuRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

func (r *vuRepository) Source() models.Source {
	return models.SourceVU
}

func (r *vuRepository) MetadataFields() models.FieldSet {
	return models.FieldSiteID | models.FieldUnitID | models.FieldAggregationMethod
}

type vuSite struct {
	ID        int64  `db:"site_id"`
	Shortname string `db:"name"`
}

// LookupStations matches station names against sites.shortname
func (r *vuRepository) LookupStations(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}

	query := `
		SELECT id AS site_id, shortname AS name
		FROM sites
		WHERE shortname = ANY($1)
	`

	var sites []vuSite
	if err := r.db.SelectContext(ctx, "lookup_sites", &sites, query, pq.Array(names)); err != nil {
		return nil, wrapQueryError(models.SourceVU, "lookup_sites", err)
	}
	for _, s := range sites {
		if _, dup := out[s.Shortname]; !dup {
			out[s.Shortname] = strconv.FormatInt(s.ID, 10)
		}
	}

	r.logger.Debug(ctx, "[REPO_LOOKUP_SITES] Sites resolved", logging.Fields{
		"backend":   models.SourceVU,
		"requested": len(names),
		"matched":   len(out),
	})
	return out, nil
}

type vuSensor struct {
	ID        int64   `db:"sensor_id"`
	UnitID    int64   `db:"unit_id"`
	Name      string  `db:"sensor_name"`
	AggMethod *string `db:"aggmethod"`
	SiteID    int64   `db:"site_id"`
}

type vuUnit struct {
	ID           int64  `db:"unit_id"`
	Abbreviation string `db:"unit"`
}

// LookupSensors queries logvalproviders for (site, name) pairs and joins unit
// abbreviations from the units table
func (r *vuRepository) LookupSensors(ctx context.Context, lookups []SensorLookup) ([]models.SensorMeta, error) {
	siteIDs := make([]int64, 0, len(lookups))
	names := make([]string, 0, len(lookups))
	siteNames := make(map[int64]string, len(lookups))
	for _, l := range lookups {
		if l.StationID == UnmatchedStation {
			continue
		}
		id, err := strconv.ParseInt(l.StationID, 10, 64)
		if err != nil {
			return nil, &models.ValidationError{
				Field:   "station_id",
				Value:   l.StationID,
				Message: fmt.Sprintf("site id %q is not numeric", l.StationID),
			}
		}
		siteIDs = append(siteIDs, id)
		names = append(names, l.SensorName)
		siteNames[id] = l.SiteName
	}
	if len(siteIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id AS sensor_id, unit AS unit_id, name AS sensor_name, aggmethod, site AS site_id
		FROM logvalproviders
		WHERE (site, name) IN (SELECT * FROM unnest($1::bigint[], $2::text[]))
		ORDER BY id
	`

	var sensors []vuSensor
	if err := r.db.SelectContext(ctx, "lookup_sensors", &sensors, query, pq.Array(siteIDs), pq.Array(names)); err != nil {
		return nil, wrapQueryError(models.SourceVU, "lookup_sensors", err)
	}
	if len(sensors) == 0 {
		return nil, nil
	}

	unitIDs := make([]int64, 0, len(sensors))
	for _, s := range sensors {
		unitIDs = append(unitIDs, s.UnitID)
	}
	units, err := r.lookupUnits(ctx, unitIDs)
	if err != nil {
		return nil, err
	}

	out := make([]models.SensorMeta, 0, len(sensors))
	for _, s := range sensors {
		meta := models.SensorMeta{
			SensorID:   s.ID,
			Source:     models.SourceVU,
			SiteName:   siteNames[s.SiteID],
			SensorName: s.Name,
			Unit:       units[s.UnitID],
			SiteID:     s.SiteID,
			UnitID:     s.UnitID,
		}
		if s.AggMethod != nil {
			meta.AggregationMethod = *s.AggMethod
		}
		out = append(out, meta)
	}
	return out, nil
}

func (r *vuRepository) lookupUnits(ctx context.Context, ids []int64) (map[int64]string, error) {
	query := `
		SELECT id AS unit_id, abbreviation AS unit
		FROM units
		WHERE id = ANY($1)
	`

	var units []vuUnit
	if err := r.db.SelectContext(ctx, "lookup_units", &units, query, pq.Array(ids)); err != nil {
		return nil, wrapQueryError(models.SourceVU, "lookup_units", err)
	}
	out := make(map[int64]string, len(units))
	for _, u := range units {
		out[u.ID] = u.Abbreviation
	}
	return out, nil
}

// FetchObservations reads pointdata rows for the filter
func (r *vuRepository) FetchObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT dt, logicid, value
		FROM pointdata
		WHERE logicid = ANY($1)
		AND dt BETWEEN $2 AND $3
	`
	args := []interface{}{pq.Array(filter.SensorIDs), filter.Start, filter.End}
	query, args = appendPaging(query, args, "dt", "logicid", filter)

	var rows []models.Observation
	if err := r.db.SelectContext(ctx, "fetch_pointdata", &rows, query, args...); err != nil {
		return nil, wrapQueryError(models.SourceVU, "fetch_pointdata", err)
	}

	r.metrics.ObservationsFetched.WithLabelValues(string(models.SourceVU)).Add(float64(len(rows)))
	return rows, nil
}

func (r *vuRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// appendPaging adds the keyset predicate, ordering and limit shared by both backends
func appendPaging(query string, args []interface{}, tsCol, idCol string, filter ObservationFilter) (string, []interface{}) {
	argNum := len(args) + 1
	if filter.After != nil {
		query += fmt.Sprintf("\t\tAND (%s, %s) > ($%d, $%d)\n", tsCol, idCol, argNum, argNum+1)
		args = append(args, filter.After.Timestamp, filter.After.SensorID)
		argNum += 2
	}
	if filter.Ordered() {
		query += fmt.Sprintf("\t\tORDER BY %s, %s\n", tsCol, idCol)
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf("\t\tLIMIT $%d\n", argNum)
		args = append(args, filter.Limit)
	}
	return query, args
}
