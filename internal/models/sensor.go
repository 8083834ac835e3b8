package models

import (
	"fmt"
	"strconv"
	"strings"
)

// SensorKey returns the globally unique column key of a backend-local sensor id
func SensorKey(source Source, id int64) string {
	return string(source) + ":" + strconv.FormatInt(id, 10)
}

// ParseSensorKey splits a key produced by SensorKey
func ParseSensorKey(key string) (Source, int64, error) {
	tag, rawID, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, &ValidationError{Field: "sensor_key", Value: key, Message: fmt.Sprintf("malformed sensor key %q", key)}
	}
	source, err := ParseSource(tag)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return "", 0, &ValidationError{Field: "sensor_key", Value: key, Message: fmt.Sprintf("malformed sensor id in %q", key)}
	}
	return source, id, nil
}

// FieldSet marks which backend-specific metadata fields a table carries
type FieldSet uint8

const (
	FieldSiteID FieldSet = 1 << iota
	FieldUnitID
	FieldAggregationMethod
)

// Has reports whether every field in f is set
func (s FieldSet) Has(f FieldSet) bool {
	return s&f == f
}

// Names lists the field names in s
func (s FieldSet) Names() []string {
	var out []string
	if s.Has(FieldSiteID) {
		out = append(out, "site_id")
	}
	if s.Has(FieldUnitID) {
		out = append(out, "unit_id")
	}
	if s.Has(FieldAggregationMethod) {
		out = append(out, "aggregation_method")
	}
	return out
}

// SensorMeta describes one resolved sensor. SensorID is backend-local;
// Key() makes it unique across backends.
type SensorMeta struct {
	SensorID     int64  `json:"sensor_id" parquet:"sensor_id"`
	Source       Source `json:"source" parquet:"source"`
	SiteName     string `json:"site_name" parquet:"site_name"`
	SensorName   string `json:"sensor_name" parquet:"sensor_name"`
	VariableName string `json:"variable_name" parquet:"variable_name"`
	Unit         string `json:"unit" parquet:"unit"`
	LongName     string `json:"long_name,omitempty" parquet:"long_name"`

	// Backend-specific; only meaningful when the owning table's FieldSet has them
	SiteID            int64  `json:"site_id,omitempty" parquet:"site_id"`
	UnitID            int64  `json:"unit_id,omitempty" parquet:"unit_id"`
	AggregationMethod string `json:"aggregation_method,omitempty" parquet:"aggregation_method"`
}

// Key returns the sensor's wide-table column key
func (m SensorMeta) Key() string {
	return SensorKey(m.Source, m.SensorID)
}

// MetadataTable is the ordered sensor metadata of one retrieval
type MetadataTable struct {
	Sensors []SensorMeta `json:"sensors"`
	Fields  FieldSet     `json:"fields"`
}

// Len returns the number of sensors
func (t MetadataTable) Len() int {
	return len(t.Sensors)
}

// Keys returns the column keys in metadata order
func (t MetadataTable) Keys() []string {
	keys := make([]string, len(t.Sensors))
	for i, s := range t.Sensors {
		keys[i] = s.Key()
	}
	return keys
}

// ByKey finds the sensor with the given column key
func (t MetadataTable) ByKey(key string) (SensorMeta, bool) {
	for _, s := range t.Sensors {
		if s.Key() == key {
			return s, true
		}
	}
	return SensorMeta{}, false
}

// Find returns the sensor resolved for (source, station, sensor name)
func (t MetadataTable) Find(source Source, station, sensorName string) (SensorMeta, bool) {
	for _, s := range t.Sensors {
		if s.Source == source && s.SiteName == station && s.SensorName == sensorName {
			return s, true
		}
	}
	return SensorMeta{}, false
}

// Clone returns a copy that shares no slice storage with t
func (t MetadataTable) Clone() MetadataTable {
	out := MetadataTable{Fields: t.Fields}
	if t.Sensors != nil {
		out.Sensors = append([]SensorMeta(nil), t.Sensors...)
	}
	return out
}

// Filter keeps the sensors whose key is in keep
func (t MetadataTable) Filter(keep map[string]bool) MetadataTable {
	out := MetadataTable{Fields: t.Fields}
	for _, s := range t.Sensors {
		if keep[s.Key()] {
			out.Sensors = append(out.Sensors, s)
		}
	}
	return out
}

// Equal compares two tables field by field, in order
func (t MetadataTable) Equal(other MetadataTable) bool {
	if t.Fields != other.Fields || len(t.Sensors) != len(other.Sensors) {
		return false
	}
	for i := range t.Sensors {
		if t.Sensors[i] != other.Sensors[i] {
			return false
		}
	}
	return true
}

// Concat appends other to t. When both tables have rows, only the fields both
// carry survive: the others are cleared on every row and returned as dropped.
// An empty side contributes nothing and does not narrow the field set.
func (t MetadataTable) Concat(other MetadataTable) (MetadataTable, []string) {
	switch {
	case other.Len() == 0:
		return t.Clone(), nil
	case t.Len() == 0:
		return other.Clone(), nil
	}

	fields := t.Fields & other.Fields
	dropped := (t.Fields | other.Fields) &^ fields

	out := MetadataTable{
		Sensors: make([]SensorMeta, 0, t.Len()+other.Len()),
		Fields:  fields,
	}
	for _, s := range append(append([]SensorMeta(nil), t.Sensors...), other.Sensors...) {
		out.Sensors = append(out.Sensors, s.restrict(fields))
	}
	return out, dropped.Names()
}

func (m SensorMeta) restrict(fields FieldSet) SensorMeta {
	if !fields.Has(FieldSiteID) {
		m.SiteID = 0
	}
	if !fields.Has(FieldUnitID) {
		m.UnitID = 0
	}
	if !fields.Has(FieldAggregationMethod) {
		m.AggregationMethod = ""
	}
	return m
}

// GapReason explains why a checklist entry resolved to no sensor
type GapReason string

const (
	GapStationNotFound GapReason = "station_not_found"
	GapSensorNotFound  GapReason = "sensor_not_found"
)

// ResolutionGap is a checklist entry with a configured sensor name that the
// backend registry could not resolve
type ResolutionGap struct {
	Station    string    `json:"station"`
	Variable   string    `json:"variable"`
	Source     Source    `json:"source"`
	SensorName string    `json:"sensor_name"`
	Reason     GapReason `json:"reason"`
}
