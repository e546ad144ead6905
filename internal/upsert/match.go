package upsert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/pkg/types"
)

// cell is a canonical value; ok is false for NULL.
type cell struct {
	s  string
	ok bool
}

// encodeKey joins canonical key parts so that no two tuples share an
// encoding. It returns false when any part is NULL.
func encodeKey(parts []cell) (string, bool) {
	var sb strings.Builder
	for _, p := range parts {
		if !p.ok {
			return "", false
		}
		sb.WriteString(strconv.Itoa(len(p.s)))
		sb.WriteByte(':')
		sb.WriteString(p.s)
	}
	return sb.String(), true
}

// keyIndex maps primary key tuples to incoming row positions. Tuples are
// bucketed by their 128-bit murmur3 hash and compared in full on lookup.
type keyIndex struct {
	buckets map[[2]uint64][]keyEntry
}

type keyEntry struct {
	key  string
	rows []int
}

func newKeyIndex() *keyIndex {
	return &keyIndex{buckets: make(map[[2]uint64][]keyEntry)}
}

func hashKey(key string) [2]uint64 {
	h := murmur3.New128()
	h.Write([]byte(key))
	h1, h2 := h.Sum128()
	return [2]uint64{h1, h2}
}

func (x *keyIndex) add(key string, row int) {
	h := hashKey(key)
	bucket := x.buckets[h]
	for i := range bucket {
		if bucket[i].key == key {
			bucket[i].rows = append(bucket[i].rows, row)
			return
		}
	}
	x.buckets[h] = append(bucket, keyEntry{key: key, rows: []int{row}})
}

// lookup returns every incoming row holding key.
func (x *keyIndex) lookup(key string) []int {
	for _, e := range x.buckets[hashKey(key)] {
		if e.key == key {
			return e.rows
		}
	}
	return nil
}

// DiffRow compares an incoming row with the stored row it matched. It returns
// a cell for every column whose canonical value differs: the new value, or
// nil when the incoming value is NULL and the stored one is not. Unchanged
// columns produce no cell. Columns must carry their server ids.
func DiffRow(columns []types.ColumnModel, incoming []any, stored []*string) ([]types.Cell, error) {
	if len(incoming) != len(columns) || len(stored) != len(columns) {
		return nil, fmt.Errorf("upsert: diff of %d columns with %d incoming and %d stored values",
			len(columns), len(incoming), len(stored))
	}
	in := make([]cell, len(columns))
	for i, col := range columns {
		s, ok, err := Canonical(col.ColumnType, incoming[i])
		if err != nil {
			return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues,
				fmt.Sprintf("column %q: %v", col.Name, err))
		}
		in[i] = cell{s, ok}
	}
	return diffCells(columns, in, stored), nil
}

func diffCells(columns []types.ColumnModel, incoming []cell, stored []*string) []types.Cell {
	var out []types.Cell
	for i, col := range columns {
		old := storedCell(col.ColumnType, stored[i])
		in := incoming[i]
		switch {
		case !in.ok && !old.ok:
			continue
		case in.ok && old.ok && in.s == old.s:
			continue
		}
		c := types.Cell{ColumnID: col.ID}
		if in.ok {
			c.Value = types.StringPtr(in.s)
		}
		out = append(out, c)
	}
	return out
}

// storedCell canonicalizes a queried value. Values the column type cannot
// parse are compared verbatim.
func storedCell(t types.ColumnType, v *string) cell {
	s, ok, err := Canonical(t, v)
	if err != nil {
		return cell{*v, true}
	}
	return cell{s, ok}
}
