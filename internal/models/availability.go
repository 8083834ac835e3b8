package models

// Reason explains how an availability percentage was obtained
type Reason string

const (
	ReasonDataAvailable  Reason = "Data_available"
	ReasonNoSensor       Reason = "No_sensor"
	ReasonSensorNotFound Reason = "Sensor_not_found"
)

// AvailabilityRow is the completeness of one checklist entry over a window
type AvailabilityRow struct {
	Station    string  `json:"station"`
	Variable   string  `json:"variable"`
	Source     Source  `json:"source"`
	SensorName string  `json:"sensor_name,omitempty"`
	SensorKey  string  `json:"sensor_key,omitempty"`
	Percentage float64 `json:"percentage"`
	Reason     Reason  `json:"reason"`
	Expected   int     `json:"expected"`
	Present    int     `json:"present"`
}

// AvailabilityReport is the ordered result of one analysis run
type AvailabilityReport struct {
	Window Window            `json:"window"`
	Rows   []AvailabilityRow `json:"rows"`
}

// AvailabilityMatrix pivots a report into station rows and variable columns
type AvailabilityMatrix struct {
	Stations    []string    `json:"stations"`
	Variables   []string    `json:"variables"`
	Percentages [][]float64 `json:"percentages"`
	Reasons     [][]Reason  `json:"reasons"`
}
