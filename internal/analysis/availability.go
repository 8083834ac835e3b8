// Package analysis computes data availability over a merged retrieval and
// applies value corrections to sensors whose units look wrong.
package analysis

import (
	"math"
	"time"

	"station-availability/internal/models"
	"station-availability/internal/table"
)

// Analyze reports, for every checklist entry in order, the share of expected
// timestamps that carry a value.
//
// A sensor whose present values all fall on :00 or :30 (zero seconds) is
// treated as half-hourly: only the table rows on those marks are expected. Any
// other sensor is expected on every row. Cadence is decided per sensor.
func Analyze(wide *table.WideTable, meta models.MetadataTable, checklist models.Checklist) []models.AvailabilityRow {
	if wide == nil {
		wide = table.Empty()
	}
	index := wide.Index()
	halfHourRows := 0
	for _, ts := range index {
		if onHalfHour(ts) {
			halfHourRows++
		}
	}

	rows := make([]models.AvailabilityRow, 0, len(checklist))
	for _, e := range checklist {
		row := models.AvailabilityRow{
			Station:    e.Station,
			Variable:   e.Variable,
			Source:     e.Source,
			SensorName: e.SensorName,
			Reason:     models.ReasonNoSensor,
		}
		if !e.HasSensor() {
			rows = append(rows, row)
			continue
		}

		sensor, ok := meta.Find(e.Source, e.Station, e.SensorName)
		if !ok || !wide.HasColumn(sensor.Key()) {
			row.Reason = models.ReasonSensorNotFound
			rows = append(rows, row)
			continue
		}

		col, _ := wide.Column(sensor.Key())
		row.SensorKey = sensor.Key()
		row.Reason = models.ReasonDataAvailable
		row.Present, row.Expected = countCells(index, col, halfHourRows)
		row.Percentage = percentage(row.Present, row.Expected)
		rows = append(rows, row)
	}
	return rows
}

// countCells returns the present cells of one column and how many rows are
// expected given the column's cadence
func countCells(index []time.Time, col []*float64, halfHourRows int) (present, expected int) {
	halfHourly := true
	for r, v := range col {
		if v == nil {
			continue
		}
		present++
		if !onHalfHour(index[r]) {
			halfHourly = false
		}
	}
	if halfHourly {
		return present, halfHourRows
	}
	return present, len(index)
}

func onHalfHour(ts time.Time) bool {
	return (ts.Minute() == 0 || ts.Minute() == 30) && ts.Second() == 0 && ts.Nanosecond() == 0
}

// percentage rounds present/expected to one decimal; no expected rows is 0%
func percentage(present, expected int) float64 {
	if expected == 0 {
		return 0
	}
	return math.Round(float64(present)/float64(expected)*1000) / 10
}

// Matrix pivots availability rows into a station by variable grid. Stations
// and variables keep their first-seen order; cells without a row are 0 with
// an empty reason.
func Matrix(rows []models.AvailabilityRow) models.AvailabilityMatrix {
	var m models.AvailabilityMatrix
	stationPos := make(map[string]int)
	variablePos := make(map[string]int)
	for _, r := range rows {
		if _, ok := stationPos[r.Station]; !ok {
			stationPos[r.Station] = len(m.Stations)
			m.Stations = append(m.Stations, r.Station)
		}
		if _, ok := variablePos[r.Variable]; !ok {
			variablePos[r.Variable] = len(m.Variables)
			m.Variables = append(m.Variables, r.Variable)
		}
	}

	m.Percentages = make([][]float64, len(m.Stations))
	m.Reasons = make([][]models.Reason, len(m.Stations))
	for i := range m.Stations {
		m.Percentages[i] = make([]float64, len(m.Variables))
		m.Reasons[i] = make([]models.Reason, len(m.Variables))
	}
	for _, r := range rows {
		s, v := stationPos[r.Station], variablePos[r.Variable]
		m.Percentages[s][v] = r.Percentage
		m.Reasons[s][v] = r.Reason
	}
	return m
}

// DropEmptySensors removes the columns without any value, and their metadata
func DropEmptySensors(wide *table.WideTable, meta models.MetadataTable) (*table.WideTable, models.MetadataTable, []string) {
	trimmed, dropped := wide.DropEmptyColumns()
	if len(dropped) == 0 {
		return trimmed, meta.Clone(), nil
	}
	keep := make(map[string]bool, trimmed.Width())
	for _, key := range trimmed.Columns() {
		keep[key] = true
	}
	return trimmed, meta.Filter(keep), dropped
}
