package schema

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/arkilian/tablesync/internal/csvutil"
	"github.com/arkilian/tablesync/pkg/types"
)

// String sizing used by inference.
const (
	MaxStringSize     = 1000
	MinStringSize     = 50
	StringSizeHeadway = 1.5

	// DefaultStringSize is the server-side size of a STRING column created
	// without a maximum size.
	DefaultStringSize = 50
)

// StringSize returns the maximum size inferred for strings whose longest
// value has n characters.
func StringSize(n int) int64 {
	return int64(math.Round(math.Min(MaxStringSize, math.Max(MinStringSize, float64(n)*StringSizeHeadway))))
}

// kind is the inferred scalar class of a set of values.
type kind int

const (
	kindNull kind = iota
	kindBool
	kindInt
	kindFloat
	kindDate
	kindString
	kindJSON
)

func merge(a, b kind) kind {
	switch {
	case a == kindNull:
		return b
	case b == kindNull || a == b:
		return a
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

// classify returns the class of one scalar value. Strings holding numbers or
// booleans are classified by what they hold. Floats holding whole numbers are
// integers.
func classify(v any) kind {
	switch t := v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindInt
	case float32:
		return classifyFloat(float64(t))
	case float64:
		return classifyFloat(t)
	case time.Time:
		if t.IsZero() {
			return kindNull
		}
		return kindDate
	case string:
		return classifyString(t)
	}
	if reflect.ValueOf(v).Kind() == reflect.Map {
		return kindJSON
	}
	return kindString
}

func classifyFloat(f float64) kind {
	switch {
	case math.IsNaN(f):
		return kindNull
	case math.IsInf(f, 0):
		return kindFloat
	case f == math.Trunc(f):
		return kindInt
	default:
		return kindFloat
	}
}

func classifyString(s string) kind {
	s = strings.TrimSpace(s)
	if s == "" {
		return kindNull
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return kindInt
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return classifyFloat(f)
	}
	if strings.EqualFold(s, "true") || strings.EqualFold(s, "false") {
		return kindBool
	}
	return kindString
}

func (k kind) columnType() types.ColumnType {
	switch k {
	case kindBool:
		return types.ColumnTypeBoolean
	case kindInt:
		return types.ColumnTypeInteger
	case kindFloat:
		return types.ColumnTypeDouble
	case kindDate:
		return types.ColumnTypeDate
	case kindJSON:
		return types.ColumnTypeJSON
	default:
		return types.ColumnTypeString
	}
}

func (k kind) listType() types.ColumnType {
	switch k {
	case kindBool:
		return types.ColumnTypeBooleanList
	case kindInt:
		return types.ColumnTypeIntegerList
	case kindDate:
		return types.ColumnTypeDateList
	default:
		return types.ColumnTypeStringList
	}
}

// profile summarizes the values of one column.
type profile struct {
	scalar      kind
	element     kind
	lists       int
	scalars     int
	maxLen      int
	maxListLen  int
	maxElemLen  int
	nonNullSeen bool
}

func profileValues(values []any) profile {
	var p profile
	for _, v := range values {
		if list, ok := csvutil.NormalizeList(v); ok {
			if len(list) == 0 {
				continue
			}
			p.lists++
			p.nonNullSeen = true
			p.maxListLen = max(p.maxListLen, len(list))
			for _, e := range list {
				p.element = merge(p.element, classify(e))
				if s, ok := csvutil.FormatValue(e); ok {
					p.maxElemLen = max(p.maxElemLen, utf8.RuneCountInString(s))
				}
			}
			continue
		}
		k := classify(v)
		if k == kindNull {
			continue
		}
		p.nonNullSeen = true
		p.scalars++
		p.scalar = merge(p.scalar, k)
		if s, ok := csvutil.FormatValue(v); ok {
			p.maxLen = max(p.maxLen, utf8.RuneCountInString(s))
		}
	}
	return p
}

// InferColumn infers the column model of one named column of values.
func InferColumn(name string, values []any) types.ColumnModel {
	p := profileValues(values)
	col := types.ColumnModel{Name: name}
	switch {
	case p.lists > 0 && p.scalars == 0:
		col.ColumnType = p.element.listType()
		col.MaximumListLength = int64(p.maxListLen)
		if col.ColumnType == types.ColumnTypeStringList {
			col.MaximumSize = StringSize(p.maxElemLen)
		}
	case p.lists > 0:
		col.ColumnType = types.ColumnTypeString
		col.MaximumSize = StringSize(p.maxLen)
	default:
		col.ColumnType = p.scalar.columnType()
		if col.ColumnType == types.ColumnTypeString {
			if p.maxLen > MaxStringSize {
				col.ColumnType = types.ColumnTypeLargeText
			} else {
				col.MaximumSize = StringSize(p.maxLen)
			}
		}
	}
	return col
}

// InferColumns infers a column model for every column of f, in order.
func InferColumns(f *types.Frame) []types.ColumnModel {
	out := make([]types.ColumnModel, len(f.Columns))
	for i, name := range f.Columns {
		values, _ := f.Column(name)
		out[i] = InferColumn(name, values)
	}
	return out
}

// ExpandColumns widens existing columns of c that are too narrow for the
// values in f: STRING columns grow their maximum size (or become LARGETEXT
// past MaxStringSize), list columns grow their maximum list length. Columns
// are never narrowed or changed to an unrelated type. It returns the names of
// the expanded columns.
func ExpandColumns(c *Collection, f *types.Frame) []string {
	var expanded []string
	for _, name := range f.Columns {
		col, ok := c.Get(name)
		if !ok {
			continue
		}
		values, _ := f.Column(name)
		p := profileValues(values)
		if !p.nonNullSeen {
			continue
		}
		changed := false
		switch {
		case col.ColumnType == types.ColumnTypeString:
			if p.lists > 0 {
				p.maxLen = max(p.maxLen, longestFormatted(values))
			}
			limit := col.MaximumSize
			if limit == 0 {
				limit = DefaultStringSize
			}
			if int64(p.maxLen) > limit {
				if p.maxLen > MaxStringSize {
					col.ColumnType = types.ColumnTypeLargeText
					col.MaximumSize = 0
				} else {
					col.MaximumSize = StringSize(p.maxLen)
				}
				changed = true
			}
		case col.ColumnType.IsList():
			if col.MaximumListLength > 0 && int64(p.maxListLen) > col.MaximumListLength {
				col.MaximumListLength = int64(p.maxListLen)
				changed = true
			}
			if col.ColumnType == types.ColumnTypeStringList && col.MaximumSize > 0 &&
				int64(p.maxElemLen) > col.MaximumSize && p.maxElemLen <= MaxStringSize {
				col.MaximumSize = StringSize(p.maxElemLen)
				changed = true
			}
		}
		if changed {
			expanded = append(expanded, name)
		}
	}
	return expanded
}

func longestFormatted(values []any) int {
	n := 0
	for _, v := range values {
		if s, ok := csvutil.FormatValue(v); ok {
			n = max(n, utf8.RuneCountInString(s))
		}
	}
	return n
}
