package models

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Window is an inclusive retrieval time range
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// UTC returns the window with both bounds normalized to UTC
func (w Window) UTC() Window {
	return Window{Start: w.Start.UTC(), End: w.End.UTC()}
}

// Equal compares the instants of both bounds, ignoring location
func (w Window) Equal(other Window) bool {
	return w.Start.Equal(other.Start) && w.End.Equal(other.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s - %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Validate rejects windows whose start is not before their end
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return &ValidationError{Field: "window", Value: w.String(), Message: "window start and end are required"}
	}
	if !w.Start.Before(w.End) {
		return &ValidationError{Field: "window", Value: w.String(), Message: "window start must be before end"}
	}
	return nil
}

// ParseWindow parses explicit bounds in loc. A date-only start means 00:00:00
// and a date-only end means 23:59:00 of that day. Bounds with an explicit
// offset are converted to loc.
func ParseWindow(start, end string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := parseBound("start", start, loc, 0, 0)
	if err != nil {
		return Window{}, err
	}
	e, err := parseBound("end", end, loc, 23, 59)
	if err != nil {
		return Window{}, err
	}
	w := Window{Start: s, End: e}
	return w, w.Validate()
}

func parseBound(field, raw string, loc *time.Location, hour, minute int) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: field, Value: raw, Message: fmt.Sprintf("%s is required", field)}
	}
	if d, err := time.ParseInLocation(dateLayout, raw, loc); err == nil {
		return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc), nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(loc), nil
	}
	return time.Time{}, &ValidationError{
		Field:   field,
		Value:   raw,
		Message: fmt.Sprintf("invalid %s %q, expected YYYY-MM-DD, YYYY-MM-DD HH:MM[:SS] or RFC3339", field, raw),
	}
}

// RollingWindow covers daysBack days ending offset days before now: from
// 00:00:00 of (now - daysBack - offset) to 23:59:00 of (now - offset), in loc.
func RollingWindow(now time.Time, daysBack, offset int, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return Window{
		Start: time.Date(y, m, d-daysBack-offset, 0, 0, 0, 0, loc),
		End:   time.Date(y, m, d-offset, 23, 59, 0, 0, loc),
	}
}
