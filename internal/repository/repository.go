package repository

import (
	"context"
	"fmt"
	"time"

	"station-availability/internal/models"
)

// UnmatchedStation is the station id assigned to checklist stations the
// backend registry does not know. Lookups for it never return sensors.
const UnmatchedStation = "-9999"

// SourceRepository provides read access to one observation backend.
// Implementations normalize their native schema into the shared models.
type SourceRepository interface {
	// Source returns the backend tag
	Source() models.Source

	// MetadataFields lists the backend-specific metadata fields LookupSensors fills
	MetadataFields() models.FieldSet

	// LookupStations maps station names to backend station ids. Names the
	// registry does not know are absent from the result.
	LookupStations(ctx context.Context, names []string) (map[string]string, error)

	// LookupSensors returns the registry rows matching the (station id, sensor name)
	// pairs, with unit and site name attached. VariableName is left empty.
	LookupSensors(ctx context.Context, lookups []SensorLookup) ([]models.SensorMeta, error)

	// FetchObservations returns raw long-format observations
	FetchObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, error)

	HealthCheck(ctx context.Context) error
}

// SensorLookup identifies one sensor in a backend's registry
type SensorLookup struct {
	StationID  string
	SiteName   string
	SensorName string
}

// ObservationFilter defines filters for querying observations
type ObservationFilter struct {
	SensorIDs []int64
	Start     time.Time
	End       time.Time
	Limit     int     // 0 means no limit
	After     *Cursor // keyset position, rows strictly after it
}

// Cursor is a keyset position in (timestamp, sensor id) order
type Cursor struct {
	Timestamp time.Time
	SensorID  int64
}

// Ordered reports whether the query must sort by (timestamp, sensor id)
func (f ObservationFilter) Ordered() bool {
	return f.Limit > 0 || f.After != nil
}

// Validate rejects filters that would scan without bounds
func (f ObservationFilter) Validate() error {
	if len(f.SensorIDs) == 0 {
		return &models.ValidationError{Field: "sensor_ids", Message: "at least one sensor id is required"}
	}
	if f.Start.IsZero() || f.End.IsZero() || f.End.Before(f.Start) {
		return &models.ValidationError{
			Field:   "window",
			Value:   fmt.Sprintf("%s - %s", f.Start, f.End),
			Message: "observation window must have a start before its end",
		}
	}
	if f.Limit < 0 {
		return &models.ValidationError{Field: "limit", Value: fmt.Sprint(f.Limit), Message: "limit must not be negative"}
	}
	return nil
}
