package types

import (
	"fmt"
	"slices"
)

// Frame is an in-memory table of row values in column order. Cell values may
// be nil, string, bool, any Go integer or float type, time.Time, a slice (for
// list columns) or a map (for JSON columns).
type Frame struct {
	Columns []string
	Rows    [][]any
}

// NewFrame returns an empty frame with the given columns.
func NewFrame(columns ...string) *Frame {
	return &Frame{Columns: slices.Clone(columns)}
}

// FrameFromColumns builds a frame from column-major data. Every column must
// have the same number of values.
func FrameFromColumns(order []string, data map[string][]any) (*Frame, error) {
	f := NewFrame(order...)
	n := -1
	for _, name := range order {
		vals, ok := data[name]
		if !ok {
			return nil, fmt.Errorf("frame: column %q has no values", name)
		}
		if n >= 0 && len(vals) != n {
			return nil, fmt.Errorf("frame: column %q has %d values, expected %d", name, len(vals), n)
		}
		n = len(vals)
	}
	if len(data) != len(order) {
		return nil, fmt.Errorf("frame: %d columns ordered but %d provided", len(order), len(data))
	}
	for i := 0; i < n; i++ {
		row := make([]any, len(order))
		for j, name := range order {
			row[j] = data[name][i]
		}
		f.Rows = append(f.Rows, row)
	}
	return f, nil
}

// FrameFromRecords builds a frame from row-major records. Keys missing from
// a record become nil cells; keys not listed in order are an error.
func FrameFromRecords(order []string, records []map[string]any) (*Frame, error) {
	f := NewFrame(order...)
	for i, rec := range records {
		row := make([]any, len(order))
		for k := range rec {
			if !slices.Contains(order, k) {
				return nil, fmt.Errorf("frame: record %d has unknown column %q", i, k)
			}
		}
		for j, name := range order {
			row[j] = rec[name]
		}
		f.Rows = append(f.Rows, row)
	}
	return f, nil
}

// Append adds one row. The number of values must match the columns.
func (f *Frame) Append(values ...any) error {
	if len(values) != len(f.Columns) {
		return fmt.Errorf("frame: row has %d values, expected %d", len(values), len(f.Columns))
	}
	f.Rows = append(f.Rows, slices.Clone(values))
	return nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Index returns the position of the named column or -1.
func (f *Frame) Index(name string) int {
	return slices.Index(f.Columns, name)
}

// Column returns the values of the named column.
func (f *Frame) Column(name string) ([]any, bool) {
	idx := f.Index(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]any, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row[idx]
	}
	return out, true
}

// Select returns a frame holding the given rows, in the given order. Row
// slices are shared with f.
func (f *Frame) Select(rows []int) *Frame {
	out := NewFrame(f.Columns...)
	out.Rows = make([][]any, 0, len(rows))
	for _, i := range rows {
		out.Rows = append(out.Rows, f.Rows[i])
	}
	return out
}

// Slice returns the rows in [from, to). Row slices are shared with f.
func (f *Frame) Slice(from, to int) *Frame {
	out := NewFrame(f.Columns...)
	out.Rows = f.Rows[from:to]
	return out
}
