package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Source tags one of the two observation backends
type Source string

const (
	// SourceVU is the custom-schema backend (sites, logvalproviders, units, pointdata)
	SourceVU Source = "vu_db"
	// SourceWUR is the flat-schema backend (sensors, sensor_data)
	SourceWUR Source = "wur_db"
)

// Sources lists every backend in merge order
var Sources = []Source{SourceVU, SourceWUR}

// Valid reports whether s names a known backend
func (s Source) Valid() bool {
	return s == SourceVU || s == SourceWUR
}

// ParseSource maps a checklist tag onto a Source
func ParseSource(tag string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(tag)))
	if !s.Valid() {
		return "", &ValidationError{
			Field:   "source",
			Value:   tag,
			Message: fmt.Sprintf("unknown source tag %q, expected %q or %q", tag, SourceVU, SourceWUR),
		}
	}
	return s, nil
}

// ChecklistEntry is one requested (station, variable) pair and where to find it
type ChecklistEntry struct {
	Station    string `json:"station"`
	Variable   string `json:"variable"`
	Source     Source `json:"source"`
	SensorName string `json:"sensor_name,omitempty"` // empty means no sensor configured
}

// HasSensor reports whether a backend sensor name is configured for the entry
func (e ChecklistEntry) HasSensor() bool {
	return e.SensorName != ""
}

// Checklist is the ordered set of entries for one retrieval request
type Checklist []ChecklistEntry

// Validate checks that every entry has a station, a variable and a known source,
// and that (station, variable) pairs are unique
func (c Checklist) Validate() error {
	seen := make(map[[2]string]int, len(c))
	for i, e := range c {
		if e.Station == "" || e.Variable == "" {
			return &ValidationError{
				Field:   "checklist",
				Value:   strconv.Itoa(i),
				Message: fmt.Sprintf("checklist entry %d has an empty station or variable", i),
			}
		}
		if !e.Source.Valid() {
			return &ValidationError{
				Field:   "source",
				Value:   string(e.Source),
				Message: fmt.Sprintf("checklist entry %d has unknown source %q", i, e.Source),
			}
		}
		key := [2]string{e.Station, e.Variable}
		if prev, ok := seen[key]; ok {
			return &ValidationError{
				Field:   "checklist",
				Value:   e.Station + "/" + e.Variable,
				Message: fmt.Sprintf("duplicate station/variable %s/%s at entries %d and %d", e.Station, e.Variable, prev, i),
			}
		}
		seen[key] = i
	}
	return nil
}

// ForSource returns the entries assigned to one backend, keeping their order
func (c Checklist) ForSource(s Source) Checklist {
	var out Checklist
	for _, e := range c {
		if e.Source == s {
			out = append(out, e)
		}
	}
	return out
}

// Equal compares two checklists structurally. Order matters.
func (c Checklist) Equal(other Checklist) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Stations returns the distinct station names in first-seen order
func (c Checklist) Stations() []string {
	seen := make(map[string]struct{}, len(c))
	var out []string
	for _, e := range c {
		if _, ok := seen[e.Station]; ok {
			continue
		}
		seen[e.Station] = struct{}{}
		out = append(out, e.Station)
	}
	return out
}
