// Package render writes geocoded records as CSV, XLSX or GeoJSON.
package render

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/ppiankov/foodmap/internal/model"
)

// CellKind is the JSON type a cell was flattened from
type CellKind int

const (
	CellEmpty  CellKind = iota // Absent key or null
	CellString
	CellNumber
	CellBool
	CellJSON // Object or array kept as compact JSON text
)

// Cell is one flattened value
type Cell struct {
	Kind  CellKind
	Value string
}

// Number returns the cell as a float64 when it holds a finite JSON number
func (c Cell) Number() (float64, bool) {
	if c.Kind != CellNumber {
		return 0, false
	}
	v, err := strconv.ParseFloat(c.Value, 64)
	return v, err == nil
}

// Flatten turns a JSON value into a cell: strings as-is, numbers and
// booleans as their JSON text, null as empty, objects and arrays as JSON
func Flatten(v gjson.Result) Cell {
	switch v.Type {
	case gjson.String:
		return Cell{Kind: CellString, Value: v.Str}
	case gjson.Number:
		return Cell{Kind: CellNumber, Value: v.Raw}
	case gjson.True, gjson.False:
		return Cell{Kind: CellBool, Value: v.Raw}
	case gjson.JSON:
		return Cell{Kind: CellJSON, Value: compact(v.Raw)}
	default:
		return Cell{Kind: CellEmpty}
	}
}

// compact strips insignificant whitespace from JSON text
func compact(raw string) string {
	return gjson.Get(raw, "@ugly").Raw
}

// Table is the tabular view of a record set: the union of keys in first-seen
// order and one row per record, empty where a record lacks a column
type Table struct {
	Columns []string
	Rows    [][]Cell
}

// NewTable buffers records into a table
func NewTable(records []*model.Record) *Table {
	t := &Table{}
	index := make(map[string]int)

	for _, rec := range records {
		for _, key := range rec.Keys() {
			if _, ok := index[key]; !ok {
				index[key] = len(t.Columns)
				t.Columns = append(t.Columns, key)
			}
		}
	}

	t.Rows = make([][]Cell, 0, len(records))
	for _, rec := range records {
		row := make([]Cell, len(t.Columns))
		for _, key := range rec.Keys() {
			row[index[key]] = Flatten(rec.Get(key))
		}
		t.Rows = append(t.Rows, row)
	}

	return t
}
