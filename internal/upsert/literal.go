package upsert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/tablesync/internal/csvutil"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/pkg/types"
)

// Canonical renders v the way the service stores a value of type t, so that
// incoming values and queried values compare as strings. It returns false
// for NULL: nil, NaN, empty strings and empty lists.
func Canonical(t types.ColumnType, v any) (string, bool, error) {
	if s, ok := v.(*string); ok {
		if s == nil {
			return "", false, nil
		}
		v = *s
	}
	if v == nil {
		return "", false, nil
	}
	if s, ok := v.(string); ok && s == "" {
		return "", false, nil
	}

	if t.IsList() {
		return canonicalList(t, v)
	}
	if t == types.ColumnTypeJSON {
		return canonicalJSON(v)
	}
	return canonicalScalar(t, v)
}

func canonicalScalar(t types.ColumnType, v any) (string, bool, error) {
	switch t {
	case types.ColumnTypeBoolean:
		switch b := v.(type) {
		case bool:
			return strconv.FormatBool(b), true, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return "", false, fmt.Errorf("%q is not a boolean", b)
			}
			return strconv.FormatBool(parsed), true, nil
		}
		return "", false, fmt.Errorf("%v (%T) is not a boolean", v, v)

	case types.ColumnTypeDouble:
		f, ok, err := toFloat(v)
		if err != nil || !ok {
			return "", ok, err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true, nil

	case types.ColumnTypeDate:
		if tm, ok := v.(time.Time); ok {
			if tm.IsZero() {
				return "", false, nil
			}
			return strconv.FormatInt(tm.UnixMilli(), 10), true, nil
		}
		if s, ok := v.(string); ok {
			if tm, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
				return strconv.FormatInt(tm.UnixMilli(), 10), true, nil
			}
		}
		return canonicalInteger(v)
	}

	if t.IsNumeric() {
		return canonicalInteger(v)
	}
	s, ok := csvutil.FormatValue(v)
	return s, ok, nil
}

// canonicalInteger accepts integers, whole floats and their string forms.
func canonicalInteger(v any) (string, bool, error) {
	f, ok, err := toFloat(v)
	if err != nil || !ok {
		return "", ok, err
	}
	if f != math.Trunc(f) {
		return "", false, fmt.Errorf("%v is not a whole number", v)
	}
	if s, isString := v.(string); isString {
		// Keep the exact digits of large ids.
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return strconv.FormatInt(n, 10), true, nil
		}
	}
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10), true, nil
	case uint64:
		return strconv.FormatUint(n, 10), true, nil
	}
	return strconv.FormatInt(int64(f), 10), true, nil
}

func toFloat(v any) (float64, bool, error) {
	switch n := v.(type) {
	case int:
		return float64(n), true, nil
	case int8:
		return float64(n), true, nil
	case int16:
		return float64(n), true, nil
	case int32:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint:
		return float64(n), true, nil
	case uint8:
		return float64(n), true, nil
	case uint16:
		return float64(n), true, nil
	case uint32:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float32:
		return toFloat(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false, nil
		}
		return n, true, nil
	case json.Number:
		return toFloat(string(n))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false, fmt.Errorf("%q is not a number", n)
		}
		return toFloat(f)
	}
	return 0, false, fmt.Errorf("%v (%T) is not a number", v, v)
}

func canonicalList(t types.ColumnType, v any) (string, bool, error) {
	items, ok := csvutil.NormalizeList(v)
	if !ok {
		s, isString := v.(string)
		if !isString {
			return "", false, fmt.Errorf("%v (%T) is not a list", v, v)
		}
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&items); err != nil {
			return "", false, fmt.Errorf("%q is not a JSON list", s)
		}
	}
	if len(items) == 0 {
		return "", false, nil
	}
	elem := t.ElementType()
	out := make([]any, 0, len(items))
	for _, item := range items {
		s, ok, err := canonicalScalar(elem, item)
		if err != nil {
			return "", false, err
		}
		if !ok {
			out = append(out, nil)
			continue
		}
		if elem.IsText() {
			out = append(out, s)
		} else {
			out = append(out, json.RawMessage(s))
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// canonicalJSON re-encodes JSON so that key order and spacing do not matter.
func canonicalJSON(v any) (string, bool, error) {
	var doc any
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return "", false, fmt.Errorf("%q is not valid JSON", s)
		}
	} else {
		doc = v
	}
	if doc == nil {
		return "", false, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// FormatLiteral renders v as a SQL literal for a column: text types are
// single-quoted with quotes doubled, booleans are true or false and numbers
// are unquoted. Values that do not fit the column type are rejected so that
// no caller text reaches the query unquoted.
func FormatLiteral(col types.ColumnModel, v any) (string, error) {
	s, ok, err := Canonical(col.ColumnType.ElementType(), v)
	if err != nil {
		return "", tserrors.NewValidationError(tserrors.CodeInvalidValues,
			fmt.Sprintf("column %q: %v", col.Name, err))
	}
	if !ok {
		return "NULL", nil
	}
	return quoteLiteral(col.ColumnType.ElementType(), s), nil
}

// quoteLiteral renders an already canonical value.
func quoteLiteral(t types.ColumnType, s string) string {
	if t == types.ColumnTypeBoolean || t.IsNumeric() {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdentifier double-quotes a column name.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BuildSelect returns the lookup query of one batch. It projects the row
// identity columns and the given columns, and keeps rows whose key columns
// each take one of the batch values. keyValues holds the distinct non-null
// literals of every key column, in key order; an empty list matches nothing.
func BuildSelect(tableID string, columns []string, keys []types.ColumnModel, keyValues [][]string, rowEtags bool) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(types.RowIDColumn)
	sb.WriteString(", ")
	sb.WriteString(types.RowVersionColumn)
	if rowEtags {
		sb.WriteString(", ")
		sb.WriteString(types.RowEtagColumn)
	}
	for _, c := range columns {
		sb.WriteString(", ")
		sb.WriteString(QuoteIdentifier(c))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(tableID)
	sb.WriteString(" WHERE ")
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString("(")
		sb.WriteString(QuoteIdentifier(key.Name))
		sb.WriteString(" IN (")
		sb.WriteString(strings.Join(keyValues[i], ", "))
		sb.WriteString("))")
	}
	return sb.String()
}
