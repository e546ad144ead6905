package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/arkilian/tablesync/pkg/types"
)

func TestStringSize(t *testing.T) {
	tests := []struct {
		n    int
		want int64
	}{
		{0, 50},
		{10, 50},
		{34, 51},
		{100, 150},
		{666, 999},
		{667, 1000},
		{1000, 1000},
	}
	for _, tt := range tests {
		if got := StringSize(tt.n); got != tt.want {
			t.Errorf("StringSize(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestInferColumn(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		values []any
		want   types.ColumnModel
	}{
		{"bools", []any{true, false, nil}, types.ColumnModel{ColumnType: types.ColumnTypeBoolean}},
		{"ints", []any{1, int64(2), nil}, types.ColumnModel{ColumnType: types.ColumnTypeInteger}},
		{"whole floats", []any{1.0, 2.0, 3.0}, types.ColumnModel{ColumnType: types.ColumnTypeInteger}},
		{"fractional floats", []any{1.0, 2.5}, types.ColumnModel{ColumnType: types.ColumnTypeDouble}},
		{"csv ints", []any{"1", "22", nil}, types.ColumnModel{ColumnType: types.ColumnTypeInteger}},
		{"csv floats", []any{"1.5", "2"}, types.ColumnModel{ColumnType: types.ColumnTypeDouble}},
		{"csv bools", []any{"true", "FALSE"}, types.ColumnModel{ColumnType: types.ColumnTypeBoolean}},
		{"dates", []any{ts}, types.ColumnModel{ColumnType: types.ColumnTypeDate}},
		{"strings", []any{"abc", "de"}, types.ColumnModel{ColumnType: types.ColumnTypeString, MaximumSize: 50}},
		{"mixed", []any{"abc", 1}, types.ColumnModel{ColumnType: types.ColumnTypeString, MaximumSize: 50}},
		{"all null", []any{nil, nil}, types.ColumnModel{ColumnType: types.ColumnTypeString, MaximumSize: 50}},
		{"string list", []any{[]string{"a", "b", "c"}, nil}, types.ColumnModel{ColumnType: types.ColumnTypeStringList, MaximumSize: 50, MaximumListLength: 3}},
		{"int list", []any{[]int{1, 2}}, types.ColumnModel{ColumnType: types.ColumnTypeIntegerList, MaximumListLength: 2}},
		{"json", []any{map[string]any{"k": 1}}, types.ColumnModel{ColumnType: types.ColumnTypeJSON}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want.Name = "col"
			got := InferColumn("col", tt.values)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestInferColumn_LargeTextBoundary(t *testing.T) {
	atLimit := InferColumn("s", []any{strings.Repeat("x", 1000), "short"})
	if atLimit.ColumnType != types.ColumnTypeString || atLimit.MaximumSize != 1000 {
		t.Errorf("1000 chars: got %s(%d), want STRING(1000)", atLimit.ColumnType, atLimit.MaximumSize)
	}
	over := InferColumn("s", []any{strings.Repeat("x", 1001)})
	if over.ColumnType != types.ColumnTypeLargeText || over.MaximumSize != 0 {
		t.Errorf("1001 chars: got %s(%d), want LARGETEXT with no size", over.ColumnType, over.MaximumSize)
	}
}

func TestInferColumns_FrameOrder(t *testing.T) {
	f, err := types.FrameFromColumns([]string{"id", "score"}, map[string][]any{
		"id":    {"x", "y"},
		"score": {5, nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := InferColumns(f)
	want := []types.ColumnModel{
		{Name: "id", ColumnType: types.ColumnTypeString, MaximumSize: 50},
		{Name: "score", ColumnType: types.ColumnTypeInteger},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestExpandColumns(t *testing.T) {
	c := mustCollection(t, []types.ColumnModel{
		{ID: "1", Name: "short", ColumnType: types.ColumnTypeString, MaximumSize: 10},
		{ID: "2", Name: "wide", ColumnType: types.ColumnTypeString, MaximumSize: 500},
		{ID: "3", Name: "huge", ColumnType: types.ColumnTypeString, MaximumSize: 100},
		{ID: "4", Name: "tags", ColumnType: types.ColumnTypeStringList, MaximumSize: 50, MaximumListLength: 2},
		{ID: "5", Name: "n", ColumnType: types.ColumnTypeInteger},
	})
	f := types.NewFrame("short", "wide", "huge", "tags", "n", "extra")
	if err := f.Append(strings.Repeat("a", 40), "fits", strings.Repeat("h", 1200), []string{"a", "b", "c"}, 7, "x"); err != nil {
		t.Fatal(err)
	}

	expanded := ExpandColumns(c, f)
	if diff := cmp.Diff([]string{"short", "huge", "tags"}, expanded); diff != "" {
		t.Errorf("expanded (-want +got):\n%s", diff)
	}
	short, _ := c.Get("short")
	if short.MaximumSize != 60 {
		t.Errorf("short size = %d, want 60", short.MaximumSize)
	}
	wide, _ := c.Get("wide")
	if wide.MaximumSize != 500 {
		t.Errorf("wide must not be narrowed, size = %d", wide.MaximumSize)
	}
	huge, _ := c.Get("huge")
	if huge.ColumnType != types.ColumnTypeLargeText || huge.MaximumSize != 0 {
		t.Errorf("huge = %s(%d), want LARGETEXT", huge.ColumnType, huge.MaximumSize)
	}
	tags, _ := c.Get("tags")
	if tags.MaximumListLength != 3 {
		t.Errorf("tags list length = %d, want 3", tags.MaximumListLength)
	}

	// Expanded columns become dirty replacements of their persisted IDs.
	base := []types.ColumnModel{
		{ID: "1", Name: "short", ColumnType: types.ColumnTypeString, MaximumSize: 10},
		{ID: "2", Name: "wide", ColumnType: types.ColumnTypeString, MaximumSize: 500},
		{ID: "3", Name: "huge", ColumnType: types.ColumnTypeString, MaximumSize: 100},
		{ID: "4", Name: "tags", ColumnType: types.ColumnTypeStringList, MaximumSize: 50, MaximumListLength: 2},
		{ID: "5", Name: "n", ColumnType: types.ColumnTypeInteger},
	}
	if n := len(Diff(base, c).Dirty()); n != 3 {
		t.Errorf("dirty columns = %d, want 3", n)
	}
}
