package models

import "time"

// Observation is one long-format measurement row. A nil Value is absent.
type Observation struct {
	Timestamp time.Time `json:"timestamp" db:"dt"`
	SensorID  int64     `json:"sensor_id" db:"logicid"`
	Value     *float64  `json:"value" db:"value"`
}

// Float returns a pointer to v, for building observations and table cells
func Float(v float64) *float64 {
	return &v
}
