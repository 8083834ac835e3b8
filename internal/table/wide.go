// Package table holds the wide observation table shared by every pipeline stage:
// a strictly increasing UTC timestamp axis and one nullable float column per sensor key.
package table

import (
	"fmt"
	"sort"
	"time"
)

// IndexName is the canonical label of the timestamp axis
const IndexName = "datetime"

// WideTable is a column-major table keyed by timestamp. A nil cell is absent.
type WideTable struct {
	index   []time.Time
	columns []string
	pos     map[string]int
	cells   [][]*float64 // cells[column][row]
}

// New builds a table from an index and columns. The index must be strictly
// increasing and every column must have one cell per index entry.
func New(index []time.Time, columns []string, cells [][]*float64) (*WideTable, error) {
	if len(columns) != len(cells) {
		return nil, fmt.Errorf("got %d column names for %d columns", len(columns), len(cells))
	}
	for i := 1; i < len(index); i++ {
		if !index[i-1].Before(index[i]) {
			return nil, fmt.Errorf("index not strictly increasing at row %d", i)
		}
	}
	t := &WideTable{
		index:   make([]time.Time, len(index)),
		columns: append([]string(nil), columns...),
		pos:     make(map[string]int, len(columns)),
		cells:   make([][]*float64, len(columns)),
	}
	for i, ts := range index {
		t.index[i] = ts.UTC()
	}
	for c, name := range columns {
		if _, dup := t.pos[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		if len(cells[c]) != len(index) {
			return nil, fmt.Errorf("column %q has %d cells for %d rows", name, len(cells[c]), len(index))
		}
		t.pos[name] = c
		t.cells[c] = append([]*float64(nil), cells[c]...)
	}
	return t, nil
}

// Empty returns a table with no rows and no columns
func Empty() *WideTable {
	return &WideTable{pos: map[string]int{}}
}

// Len returns the number of rows
func (t *WideTable) Len() int {
	return len(t.index)
}

// Width returns the number of columns
func (t *WideTable) Width() int {
	return len(t.columns)
}

// IsEmpty reports whether the table has neither rows nor columns
func (t *WideTable) IsEmpty() bool {
	return t == nil || (len(t.index) == 0 && len(t.columns) == 0)
}

// Index returns a copy of the timestamp axis
func (t *WideTable) Index() []time.Time {
	return append([]time.Time(nil), t.index...)
}

// Columns returns a copy of the column keys in order
func (t *WideTable) Columns() []string {
	return append([]string(nil), t.columns...)
}

// HasColumn reports whether key is a column
func (t *WideTable) HasColumn(key string) bool {
	_, ok := t.pos[key]
	return ok
}

// Column returns the cells of one column. The slice must not be modified.
func (t *WideTable) Column(key string) ([]*float64, bool) {
	c, ok := t.pos[key]
	if !ok {
		return nil, false
	}
	return t.cells[c], true
}

// Cell returns the value at (row, key); ok is false when absent
func (t *WideTable) Cell(row int, key string) (float64, bool) {
	col, found := t.Column(key)
	if !found || row < 0 || row >= len(col) || col[row] == nil {
		return 0, false
	}
	return *col[row], true
}

// Clone returns a deep copy
func (t *WideTable) Clone() *WideTable {
	out := &WideTable{
		index:   append([]time.Time(nil), t.index...),
		columns: append([]string(nil), t.columns...),
		pos:     make(map[string]int, len(t.columns)),
		cells:   make([][]*float64, len(t.cells)),
	}
	for c, name := range t.columns {
		out.pos[name] = c
		out.cells[c] = cloneColumn(t.cells[c])
	}
	return out
}

// MapColumn returns a copy of t with fn applied to every present cell of key
func (t *WideTable) MapColumn(key string, fn func(float64) float64) *WideTable {
	out := t.Clone()
	c, ok := out.pos[key]
	if !ok {
		return out
	}
	for r, v := range out.cells[c] {
		if v != nil {
			nv := fn(*v)
			out.cells[c][r] = &nv
		}
	}
	return out
}

// Select returns a table with only the given columns, in the given order.
// Keys that are not columns are skipped.
func (t *WideTable) Select(keys []string) *WideTable {
	out := &WideTable{
		index: append([]time.Time(nil), t.index...),
		pos:   make(map[string]int, len(keys)),
	}
	for _, k := range keys {
		c, ok := t.pos[k]
		if !ok {
			continue
		}
		if _, dup := out.pos[k]; dup {
			continue
		}
		out.pos[k] = len(out.columns)
		out.columns = append(out.columns, k)
		out.cells = append(out.cells, cloneColumn(t.cells[c]))
	}
	return out
}

// Slice returns the rows whose timestamp lies in [from, to]
func (t *WideTable) Slice(from, to time.Time) *WideTable {
	lo := sort.Search(len(t.index), func(i int) bool { return !t.index[i].Before(from) })
	hi := sort.Search(len(t.index), func(i int) bool { return t.index[i].After(to) })
	if hi < lo {
		hi = lo
	}
	out := &WideTable{
		index:   append([]time.Time(nil), t.index[lo:hi]...),
		columns: append([]string(nil), t.columns...),
		pos:     make(map[string]int, len(t.columns)),
		cells:   make([][]*float64, len(t.cells)),
	}
	for c, name := range t.columns {
		out.pos[name] = c
		out.cells[c] = cloneColumn(t.cells[c][lo:hi])
	}
	return out
}

// Equal compares axis, column order and every cell
func (t *WideTable) Equal(other *WideTable) bool {
	if t.IsEmpty() || other.IsEmpty() {
		return t.IsEmpty() && other.IsEmpty()
	}
	if len(t.index) != len(other.index) || len(t.columns) != len(other.columns) {
		return false
	}
	for i := range t.index {
		if !t.index[i].Equal(other.index[i]) {
			return false
		}
	}
	for c := range t.columns {
		if t.columns[c] != other.columns[c] {
			return false
		}
		for r := range t.cells[c] {
			a, b := t.cells[c][r], other.cells[c][r]
			if (a == nil) != (b == nil) || (a != nil && *a != *b) {
				return false
			}
		}
	}
	return true
}

// DropEmptyColumns returns a copy without the columns that have no present cell,
// and the keys that were dropped
func (t *WideTable) DropEmptyColumns() (*WideTable, []string) {
	var keep, dropped []string
	for c, name := range t.columns {
		if countPresent(t.cells[c]) > 0 {
			keep = append(keep, name)
		} else {
			dropped = append(dropped, name)
		}
	}
	return t.Select(keep), dropped
}

// PresentCount returns the number of present cells in column key
func (t *WideTable) PresentCount(key string) int {
	col, ok := t.Column(key)
	if !ok {
		return 0
	}
	return countPresent(col)
}

func countPresent(col []*float64) int {
	n := 0
	for _, v := range col {
		if v != nil {
			n++
		}
	}
	return n
}

func cloneColumn(col []*float64) []*float64 {
	out := make([]*float64, len(col))
	for i, v := range col {
		if v != nil {
			nv := *v
			out[i] = &nv
		}
	}
	return out
}
