// Package checklist reads the check table and the variable metadata file.
//
// The check table is a ';'-separated file: the first column names the station,
// a "source" column tags the backend and every other column is a variable code
// whose cell holds the backend-local sensor name (empty when none is configured).
package checklist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"station-availability/internal/models"
)

const (
	separator    = ';'
	sourceColumn = "source"
)

// Load reads and validates a check table file
func Load(path string) (models.Checklist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open check table: %w", err)
	}
	defer f.Close()

	list, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}

// Parse reads a check table. Entries follow row order, then column order.
func Parse(r io.Reader) (models.Checklist, error) {
	reader := newReader(r)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &models.ValidationError{Field: "header", Message: "check table is empty"}
		}
		return nil, fmt.Errorf("failed to read check table header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	sourceIdx := -1
	for i, name := range header {
		if i > 0 && strings.EqualFold(name, sourceColumn) {
			sourceIdx = i
			break
		}
	}
	if len(header) < 2 || sourceIdx < 0 {
		return nil, &models.ValidationError{
			Field:   "header",
			Value:   strings.Join(header, ";"),
			Message: "check table needs a station column followed by a source column",
		}
	}

	var list models.Checklist
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read check table line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}

		station := cell(record, 0)
		if station == "" {
			return nil, &models.ValidationError{Field: "station", Message: fmt.Sprintf("line %d: empty station", line)}
		}
		source, err := models.ParseSource(cell(record, sourceIdx))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		for col := 1; col < len(header); col++ {
			if col == sourceIdx || header[col] == "" {
				continue
			}
			name := cell(record, col)
			if name == "0" {
				name = ""
			}
			list = append(list, models.ChecklistEntry{
				Station:    station,
				Variable:   header[col],
				Source:     source,
				SensorName: name,
			})
		}
	}

	if len(list) == 0 {
		return nil, &models.ValidationError{Field: "checklist", Message: "check table has no stations"}
	}
	if err := list.Validate(); err != nil {
		return nil, err
	}
	return list, nil
}

// LoadVariables reads a "variable;long_name" file into a code to long name map
func LoadVariables(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open variables file: %w", err)
	}
	defer f.Close()

	vars, err := ParseVariables(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vars, nil
}

// ParseVariables reads variable metadata. The header row is required.
func ParseVariables(r io.Reader) (map[string]string, error) {
	reader := newReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read variables header: %w", err)
	}
	varIdx, nameIdx := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "variable":
			varIdx = i
		case "long_name":
			nameIdx = i
		}
	}
	if varIdx < 0 || nameIdx < 0 {
		return nil, &models.ValidationError{
			Field:   "header",
			Value:   strings.Join(header, ";"),
			Message: "variables file needs variable and long_name columns",
		}
	}

	vars := make(map[string]string)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read variables file: %w", err)
		}
		if code := cell(record, varIdx); code != "" {
			vars[code] = cell(record, nameIdx)
		}
	}
	return vars, nil
}

// ApplyLongNames returns a copy of meta with LongName set from vars
func ApplyLongNames(meta models.MetadataTable, vars map[string]string) models.MetadataTable {
	out := meta.Clone()
	for i := range out.Sensors {
		out.Sensors[i].LongName = vars[out.Sensors[i].VariableName]
	}
	return out
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = separator
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader
}

func cell(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
