package upsert

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/internal/transaction"
	"github.com/arkilian/tablesync/pkg/types"
)

// fakeTable answers lookups from fixed stored rows and records updates.
type fakeTable struct {
	headers []types.SelectColumn
	rows    []types.Row
	queries []string
	submits [][]types.Change
	failAt  int
}

func (f *fakeTable) Query(ctx context.Context, entityID, sql string, opts transaction.QueryOptions) (*types.ResultSet, error) {
	f.queries = append(f.queries, sql)
	return &types.ResultSet{TableID: entityID, Headers: f.headers, Rows: f.rows}, nil
}

func (f *fakeTable) Submit(ctx context.Context, entityID string, changes []types.Change, timeout time.Duration) (*types.TableUpdateTransactionResponse, error) {
	f.submits = append(f.submits, changes)
	if f.failAt == len(f.submits) {
		return nil, tserrors.NewJobFailedError("job", "etag mismatch", "")
	}
	return &types.TableUpdateTransactionResponse{}, nil
}

func storedRow(id int64, values ...string) types.Row {
	row := types.Row{RowID: &id, VersionNumber: new(int64)}
	for _, v := range values {
		if v == "<null>" {
			row.Values = append(row.Values, nil)
			continue
		}
		row.Values = append(row.Values, types.StringPtr(v))
	}
	return row
}

var threeColumns = []types.ColumnModel{
	{ID: "1", Name: "pk", ColumnType: types.ColumnTypeString},
	{ID: "2", Name: "col2", ColumnType: types.ColumnTypeInteger},
	{ID: "3", Name: "col3", ColumnType: types.ColumnTypeInteger},
}

func headersOf(cols []types.ColumnModel) []types.SelectColumn {
	out := make([]types.SelectColumn, len(cols))
	for i, c := range cols {
		out[i] = types.SelectColumn{Name: c.Name, ColumnType: c.ColumnType, ID: c.ID}
	}
	return out
}

func newTestReconciler(f *fakeTable, opts Options) *Reconciler {
	opts.Logger = logging.Discard()
	return NewReconciler(f, f, opts)
}

func TestReconcile_OnlyChangedCellsAreSent(t *testing.T) {
	f := &fakeTable{headers: headersOf(threeColumns), rows: []types.Row{storedRow(7, "A", "1", "1")}}
	values, _ := types.FrameFromRecords([]string{"pk", "col2", "col3"}, []map[string]any{
		{"pk": "A", "col2": 22, "col3": 1},
	})

	report, err := newTestReconciler(f, Options{}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns}, values, []string{"pk"})
	if err != nil {
		t.Fatal(err)
	}
	want := []types.PartialRow{{RowID: 7, Values: []types.Cell{{ColumnID: "2", Value: types.StringPtr("22")}}}}
	if diff := cmp.Diff(want, report.Updates); diff != "" {
		t.Errorf("updates (-want +got):\n%s", diff)
	}
	if report.Matched != 1 || report.Updated != 1 || len(report.Unmatched) != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(f.submits) != 1 {
		t.Fatalf("%d transactions, want 1", len(f.submits))
	}
	req, ok := f.submits[0][0].(*types.AppendableRowSetRequest)
	if !ok || req.ToAppend.TableID != "syn1" || len(req.ToAppend.Rows) != 1 {
		t.Errorf("unexpected change %#v", f.submits[0][0])
	}
}

func TestReconcile_DuplicateKeysAreAmbiguous(t *testing.T) {
	cols := []types.ColumnModel{
		{ID: "1", Name: "pk", ColumnType: types.ColumnTypeString},
		{ID: "2", Name: "v", ColumnType: types.ColumnTypeInteger},
	}
	f := &fakeTable{headers: headersOf(cols), rows: []types.Row{storedRow(3, "A", "0")}}
	values, _ := types.FrameFromRecords([]string{"pk", "v"}, []map[string]any{
		{"pk": "A", "v": 1},
		{"pk": "A", "v": 2},
	})

	_, err := newTestReconciler(f, Options{}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: cols}, values, []string{"pk"})
	if !errors.Is(err, tserrors.ErrAmbiguousMatch) {
		t.Fatalf("got %v, want ErrAmbiguousMatch", err)
	}
	if len(f.submits) != 0 {
		t.Error("nothing may be written when keys are ambiguous")
	}
}

func TestReconcile_DuplicateKeysAcrossBatches(t *testing.T) {
	cols := threeColumns[:2]
	f := &fakeTable{headers: headersOf(cols), rows: []types.Row{storedRow(3, "A", "0")}}
	values, _ := types.FrameFromRecords([]string{"pk", "col2"}, []map[string]any{
		{"pk": "A", "col2": 1},
		{"pk": "A", "col2": 2},
	})
	_, err := newTestReconciler(f, Options{RowsPerQuery: 1}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: cols}, values, []string{"pk"})
	if !errors.Is(err, tserrors.ErrAmbiguousMatch) {
		t.Fatalf("got %v, want ErrAmbiguousMatch", err)
	}
	if len(f.queries) != 2 || len(f.submits) != 0 {
		t.Errorf("queries = %d submits = %d", len(f.queries), len(f.submits))
	}
}

func TestReconcile_ClearedAndUnmatched(t *testing.T) {
	cols := []types.ColumnModel{
		{ID: "10", Name: "id", ColumnType: types.ColumnTypeString},
		{ID: "11", Name: "score", ColumnType: types.ColumnTypeInteger},
	}
	f := &fakeTable{headers: headersOf(cols), rows: []types.Row{storedRow(1, "x", "1"), storedRow(2, "z", "4")}}
	values, _ := types.FrameFromColumns([]string{"id", "score"}, map[string][]any{
		"id":    {"x", "y", "z"},
		"score": {5, nil, nil},
	})
	stats := observability.NewTransferStats()

	report, err := newTestReconciler(f, Options{Stats: stats}).Reconcile(context.Background(),
		Target{TableID: "syn9", Columns: cols}, values, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	want := []types.PartialRow{
		{RowID: 1, Values: []types.Cell{{ColumnID: "11", Value: types.StringPtr("5")}}},
		{RowID: 2, Values: []types.Cell{{ColumnID: "11", Value: nil}}},
	}
	if diff := cmp.Diff(want, report.Updates); diff != "" {
		t.Errorf("updates (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, report.Unmatched); diff != "" {
		t.Errorf("unmatched (-want +got):\n%s", diff)
	}
	if snap := stats.Snapshot(); snap.RowsUpdated != 2 {
		t.Errorf("rows updated = %d", snap.RowsUpdated)
	}
	if top := stats.TopColumns(1); len(top) != 1 || top[0].Column != "score" || top[0].Frequency != 2 {
		t.Errorf("top columns = %+v", top)
	}
	if !strings.Contains(f.queries[0], `"id" IN ('x', 'y', 'z')`) {
		t.Errorf("query %q", f.queries[0])
	}
}

func TestReconcile_UnchangedRowsAreCounted(t *testing.T) {
	f := &fakeTable{headers: headersOf(threeColumns), rows: []types.Row{storedRow(7, "A", "1", "<null>")}}
	values, _ := types.FrameFromRecords([]string{"pk", "col2", "col3"}, []map[string]any{
		{"pk": "A", "col2": 1.0, "col3": math.NaN()},
	})
	stats := observability.NewTransferStats()
	report, err := newTestReconciler(f, Options{Stats: stats}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns}, values, []string{"pk"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Unchanged != 1 || len(report.Updates) != 0 || len(f.submits) != 0 {
		t.Errorf("report = %+v, submits = %d", report, len(f.submits))
	}
	if stats.Snapshot().RowsUnchanged != 1 {
		t.Error("unchanged row not recorded")
	}
}

func TestReconcile_RowEtagsAreCarried(t *testing.T) {
	row := storedRow(4, "A", "1", "1")
	row.Etag = "etag-4"
	f := &fakeTable{headers: headersOf(threeColumns), rows: []types.Row{row}}
	values, _ := types.FrameFromRecords([]string{"pk", "col3"}, []map[string]any{{"pk": "A", "col3": 9}})

	report, err := newTestReconciler(f, Options{}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns, RowEtags: true}, values, []string{"pk"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Updates) != 1 || report.Updates[0].Etag != "etag-4" {
		t.Errorf("updates = %+v", report.Updates)
	}
	if !strings.Contains(f.queries[0], "ROW_ETAG") {
		t.Errorf("query %q does not project the row etag", f.queries[0])
	}
}

func TestReconcile_RejectInserts(t *testing.T) {
	f := &fakeTable{headers: headersOf(threeColumns), rows: []types.Row{storedRow(1, "A", "1", "1")}}
	values, _ := types.FrameFromRecords([]string{"pk", "col2"}, []map[string]any{
		{"pk": "A", "col2": 2},
		{"pk": "B", "col2": 2},
	})
	_, err := newTestReconciler(f, Options{}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns, RejectInserts: true}, values, []string{"pk"})
	if tserrors.GetCode(err) != tserrors.CodeUnsupportedOperation {
		t.Fatalf("got %v, want UNSUPPORTED_OPERATION", err)
	}
	if len(f.submits) != 0 {
		t.Error("no update may be sent when the merge is rejected")
	}
}

func TestReconcile_DryRun(t *testing.T) {
	f := &fakeTable{headers: headersOf(threeColumns), rows: []types.Row{storedRow(7, "A", "1", "1")}}
	values, _ := types.FrameFromRecords([]string{"pk", "col2"}, []map[string]any{{"pk": "A", "col2": 3}})
	report, err := newTestReconciler(f, Options{DryRun: true}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns}, values, []string{"pk"})
	if err != nil {
		t.Fatal(err)
	}
	if !report.DryRun || len(report.Updates) != 1 || report.Transactions != 0 || len(f.submits) != 0 {
		t.Errorf("report = %+v, submits = %d", report, len(f.submits))
	}
}

func TestReconcile_PartialFailure(t *testing.T) {
	var rows []types.Row
	records := make([]map[string]any, 0, 3)
	for i, pk := range []string{"a", "b", "c"} {
		rows = append(rows, storedRow(int64(i+1), pk, "0", "0"))
		records = append(records, map[string]any{"pk": pk, "col2": 1})
	}
	f := &fakeTable{headers: headersOf(threeColumns), rows: rows, failAt: 2}
	values, _ := types.FrameFromRecords([]string{"pk", "col2"}, records)

	// Each partial row weighs 4 * (len("2") + len("1")) = 8.
	_, err := newTestReconciler(f, Options{UpdateSizeByte: 8}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns}, values, []string{"pk"})
	pf, ok := tserrors.GetPartialFailure(err)
	if !ok {
		t.Fatalf("got %v, want a partial failure", err)
	}
	if diff := cmp.Diff(tserrors.PartialFailure{CommittedChunks: 1, FailedChunk: 2, CommittedRows: 1}, pf); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if !errors.Is(err, tserrors.ErrJobFailed) {
		t.Error("the job failure must be kept as the cause")
	}
}

func TestReconcile_Validation(t *testing.T) {
	schema := append([]types.ColumnModel{
		{ID: "4", Name: "tags", ColumnType: types.ColumnTypeStringList},
		{ID: "", Name: "fresh", ColumnType: types.ColumnTypeString},
	}, threeColumns...)

	tests := []struct {
		name    string
		columns []string
		keys    []string
		cols    []types.ColumnModel
		row     []any
		code    string
	}{
		{"no keys", []string{"pk"}, nil, schema, []any{"a"}, tserrors.CodeInvalidPrimaryKey},
		{"repeated key", []string{"pk"}, []string{"pk", "pk"}, schema, []any{"a"}, tserrors.CodeInvalidPrimaryKey},
		{"key not in values", []string{"col2"}, []string{"pk"}, schema, []any{1}, tserrors.CodeInvalidPrimaryKey},
		{"list key", []string{"tags"}, []string{"tags"}, schema, []any{[]string{"a"}}, tserrors.CodeDisallowedKeyType},
		{"unknown column", []string{"pk", "nope"}, []string{"pk"}, schema, []any{"a", 1}, tserrors.CodeUnknownColumn},
		{"reserved column", []string{"pk", "ROW_ID"}, []string{"pk"}, schema, []any{"a", 1}, tserrors.CodeReservedColumnName},
		{"unstored column", []string{"pk", "fresh"}, []string{"pk"}, schema, []any{"a", "b"}, tserrors.CodeNoBaseline},
		{"no schema", []string{"pk"}, []string{"pk"}, nil, []any{"a"}, tserrors.CodeNoBaseline},
		{"bad integer", []string{"pk", "col2"}, []string{"pk"}, schema, []any{"a", "twelve"}, tserrors.CodeInvalidValues},
		{"fractional integer", []string{"pk", "col2"}, []string{"pk"}, schema, []any{"a", 1.5}, tserrors.CodeInvalidValues},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeTable{}
			values := types.NewFrame(tt.columns...)
			if err := values.Append(tt.row...); err != nil {
				t.Fatal(err)
			}
			_, err := newTestReconciler(f, Options{}).Reconcile(context.Background(),
				Target{TableID: "syn1", Columns: tt.cols}, values, tt.keys)
			if got := tserrors.GetCode(err); got != tt.code {
				t.Errorf("code = %q (%v), want %q", got, err, tt.code)
			}
			if len(f.queries) != 0 {
				t.Error("validation must fail before any query")
			}
		})
	}
}

func TestReconcile_NullKeysNeverMatch(t *testing.T) {
	f := &fakeTable{headers: headersOf(threeColumns)}
	values, _ := types.FrameFromRecords([]string{"pk", "col2"}, []map[string]any{
		{"pk": nil, "col2": 1},
		{"pk": "", "col2": 2},
	})
	report, err := newTestReconciler(f, Options{}).Reconcile(context.Background(),
		Target{TableID: "syn1", Columns: threeColumns}, values, []string{"pk"})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.queries) != 0 {
		t.Errorf("queried %q for a batch without keys", f.queries)
	}
	if diff := cmp.Diff([]int{0, 1}, report.Unmatched); diff != "" {
		t.Errorf("unmatched (-want +got):\n%s", diff)
	}
}
