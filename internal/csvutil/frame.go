package csvutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/arkilian/tablesync/pkg/types"
)

// FormatValue renders a frame cell as CSV text. It returns false for values
// the service stores as NULL: nil, NaN and empty lists.
func FormatValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case *string:
		if t == nil {
			return "", false
		}
		return *t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.FormatInt(int64(t), 10), true
	case int8:
		return strconv.FormatInt(int64(t), 10), true
	case int16:
		return strconv.FormatInt(int64(t), 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint:
		return strconv.FormatUint(uint64(t), 10), true
	case uint8:
		return strconv.FormatUint(uint64(t), 10), true
	case uint16:
		return strconv.FormatUint(uint64(t), 10), true
	case uint32:
		return strconv.FormatUint(uint64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float32:
		return formatFloat(float64(t))
	case float64:
		return formatFloat(t)
	case time.Time:
		if t.IsZero() {
			return "", false
		}
		return strconv.FormatInt(t.UnixMilli(), 10), true
	case json.RawMessage:
		if len(t) == 0 || string(t) == "null" {
			return "", false
		}
		return string(t), true
	case fmt.Stringer:
		return t.String(), true
	}
	if list, ok := NormalizeList(v); ok {
		if len(list) == 0 {
			return "", false
		}
		b, err := json.Marshal(list)
		if err != nil {
			return fmt.Sprint(v), true
		}
		return string(b), true
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Map {
		if rv.IsNil() {
			return "", false
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), true
		}
		return string(b), true
	}
	return fmt.Sprint(v), true
}

func formatFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// NormalizeList converts any slice except []byte into a []any whose time
// elements are epoch milliseconds. It returns false for non-slices.
func NormalizeList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		e := rv.Index(i).Interface()
		if tm, ok := e.(time.Time); ok {
			e = tm.UnixMilli()
		}
		out[i] = e
	}
	return out, true
}

// WriteFrame writes f as CSV, including a header line when the descriptor
// asks for one.
func WriteFrame(w io.Writer, f *types.Frame, desc types.CsvTableDescriptor) (*Writer, error) {
	cw, err := NewWriter(w, desc)
	if err != nil {
		return nil, err
	}
	if desc.IsFirstLineHeader {
		if err := cw.Write(f.Columns); err != nil {
			return nil, err
		}
	}
	record := make([]string, len(f.Columns))
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return nil, fmt.Errorf("csvutil: row %d has %d values, expected %d", i, len(row), len(f.Columns))
		}
		for j, v := range row {
			record[j], _ = FormatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return nil, err
		}
	}
	return cw, cw.Flush()
}

// ReadFrame reads a CSV with a header line into a frame. Every cell is a
// string; empty fields are nil.
func ReadFrame(r io.Reader, desc types.CsvTableDescriptor) (*types.Frame, error) {
	if !desc.IsFirstLineHeader {
		return nil, fmt.Errorf("csvutil: reading a frame requires a header line")
	}
	rr, err := NewRecordReader(r, desc)
	if err != nil {
		return nil, err
	}
	header, err := rr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csvutil: empty input, expected a header line")
	}
	if err != nil {
		return nil, err
	}
	f := types.NewFrame(header...)
	for {
		fields, err := rr.Read()
		if errors.Is(err, io.EOF) {
			return f, nil
		}
		if err != nil {
			return nil, err
		}
		if len(fields) == 1 && fields[0] == "" && len(header) > 1 {
			continue
		}
		if len(fields) != len(header) {
			return nil, fmt.Errorf("csvutil: record %d has %d fields, expected %d", rr.Records(), len(fields), len(header))
		}
		row := make([]any, len(fields))
		for i, field := range fields {
			if field != "" {
				row[i] = field
			}
		}
		f.Rows = append(f.Rows, row)
	}
}
