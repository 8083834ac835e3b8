package table

import (
	"fmt"
	"sort"
	"time"

	"station-availability/internal/models"
)

// Reshape pivots long-format observations of one backend into a wide table.
//
// Duplicate (timestamp, sensor) pairs keep their first occurrence. Rows are sorted
// ascending by timestamp. Columns follow order exactly: sensors without
// observations get an all-absent column and observations of sensors not in
// order are dropped.
func Reshape(records []models.Observation, source models.Source, order []string) *WideTable {
	pos := make(map[string]int, len(order))
	columns := make([]string, 0, len(order))
	for _, key := range order {
		if _, dup := pos[key]; dup {
			continue
		}
		pos[key] = len(columns)
		columns = append(columns, key)
	}

	seen := make(map[cellKey]struct{}, len(records))
	rows := make(map[int64]time.Time)
	kept := make([]keptCell, 0, len(records))

	for _, rec := range records {
		col, ok := pos[models.SensorKey(source, rec.SensorID)]
		if !ok {
			continue
		}
		ts := rec.Timestamp.UTC()
		ck := cellKey{ts: ts.UnixNano(), col: col}
		if _, dup := seen[ck]; dup {
			continue
		}
		seen[ck] = struct{}{}
		rows[ck.ts] = ts
		kept = append(kept, keptCell{ck: ck, value: rec.Value})
	}

	index := make([]time.Time, 0, len(rows))
	for _, ts := range rows {
		index = append(index, ts)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Before(index[j]) })

	rowOf := make(map[int64]int, len(index))
	for i, ts := range index {
		rowOf[ts.UnixNano()] = i
	}

	cells := make([][]*float64, len(columns))
	for c := range cells {
		cells[c] = make([]*float64, len(index))
	}
	for _, k := range kept {
		if k.value == nil {
			continue
		}
		v := *k.value
		cells[k.ck.col][rowOf[k.ck.ts]] = &v
	}

	return &WideTable{index: index, columns: columns, pos: pos, cells: cells}
}

type cellKey struct {
	ts  int64
	col int
}

type keptCell struct {
	ck    cellKey
	value *float64
}

// Merge outer-joins tables on the timestamp axis. Columns keep their table
// order, first table first; rows missing from one table are absent in its
// columns. Tables with neither rows nor columns contribute nothing.
func Merge(tables ...*WideTable) (*WideTable, error) {
	var parts []*WideTable
	for _, t := range tables {
		if !t.IsEmpty() {
			parts = append(parts, t)
		}
	}
	switch len(parts) {
	case 0:
		return Empty(), nil
	case 1:
		return parts[0].Clone(), nil
	}

	axis := make(map[int64]time.Time)
	var columns []string
	seenCols := make(map[string]struct{})
	for _, t := range parts {
		for _, ts := range t.index {
			axis[ts.UnixNano()] = ts
		}
		for _, name := range t.columns {
			if _, dup := seenCols[name]; dup {
				return nil, fmt.Errorf("column %q present in more than one table", name)
			}
			seenCols[name] = struct{}{}
			columns = append(columns, name)
		}
	}

	index := make([]time.Time, 0, len(axis))
	for _, ts := range axis {
		index = append(index, ts)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Before(index[j]) })
	rowOf := make(map[int64]int, len(index))
	for i, ts := range index {
		rowOf[ts.UnixNano()] = i
	}

	cells := make([][]*float64, 0, len(columns))
	for _, t := range parts {
		for c := range t.columns {
			col := make([]*float64, len(index))
			for r, v := range t.cells[c] {
				if v != nil {
					nv := *v
					col[rowOf[t.index[r].UnixNano()]] = &nv
				}
			}
			cells = append(cells, col)
		}
	}

	return New(index, columns, cells)
}
