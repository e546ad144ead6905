package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arkilian/tablesync/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("", nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTable creates a table entity with the given columns and returns it
// with the stored column models.
func createTable(t *testing.T, s *Store, name string, cols ...types.ColumnModel) (*types.Entity, []types.ColumnModel) {
	t.Helper()
	ctx := context.Background()
	stored, err := s.CreateColumns(ctx, cols)
	if err != nil {
		t.Fatalf("CreateColumns() error = %v", err)
	}
	ids := make([]string, len(stored))
	for i, c := range stored {
		ids[i] = c.ID
	}
	e, err := s.CreateEntity(ctx, &types.Entity{
		ConcreteType: types.ConcreteTypeTableEntity,
		Name:         name,
		ParentID:     "syn100",
		ColumnIDs:    ids,
	})
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	return e, stored
}

func rawChanges(t *testing.T, changes ...types.Change) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(changes))
	for i, c := range changes {
		b, err := json.Marshal(c)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = b
	}
	return out
}

func uploadCSV(t *testing.T, s *Store, tableID, content string) *types.TableUpdateResponse {
	t.Helper()
	ctx := context.Background()
	fh, err := s.CreateFileHandle(ctx, "rows.csv", "text/csv", []byte(content))
	if err != nil {
		t.Fatalf("CreateFileHandle() error = %v", err)
	}
	desc := types.DefaultCsvTableDescriptor()
	desc.LineEnd = "\n"
	resp, err := s.Transact(ctx, tableID, rawChanges(t, &types.UploadToTableRequest{
		TableID:            tableID,
		UploadFileHandleID: fh.ID,
		CsvTableDescriptor: desc,
	}))
	if err != nil {
		t.Fatalf("Transact(upload) error = %v", err)
	}
	return &resp.Results[0]
}

// queryAll runs sql and returns the values of every page as strings, with
// "<nil>" for NULL cells.
func queryAll(t *testing.T, s *Store, tableID, sql string, pageSize int) ([]string, [][]string, []types.Row) {
	t.Helper()
	ctx := context.Background()
	bundle, err := s.Query(ctx, &types.QueryBundleRequest{
		EntityID: tableID,
		Query:    types.Query{SQL: sql},
		PartMask: types.PartMaskQueryResults,
	}, pageSize)
	if err != nil {
		t.Fatalf("Query(%q) error = %v", sql, err)
	}
	var headers []string
	for _, h := range bundle.QueryResult.QueryResults.Headers {
		headers = append(headers, h.Name)
	}
	rows := bundle.QueryResult.QueryResults.Rows
	next := bundle.QueryResult.NextPageToken
	for next != nil {
		page, err := s.NextPage(ctx, tableID, next.Token, pageSize)
		if err != nil {
			t.Fatalf("NextPage() error = %v", err)
		}
		rows = append(rows, page.QueryResults.Rows...)
		next = page.NextPageToken
	}
	values := make([][]string, len(rows))
	for i, r := range rows {
		for _, v := range r.Values {
			if v == nil {
				values[i] = append(values[i], "<nil>")
			} else {
				values[i] = append(values[i], *v)
			}
		}
	}
	return headers, values, rows
}

func TestCreateColumns_SharesIdenticalDefinitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateColumns(ctx, []types.ColumnModel{
		{Name: "x", ColumnType: types.ColumnTypeInteger},
		{Name: "y", ColumnType: types.ColumnTypeString, MaximumSize: 50},
	})
	if err != nil {
		t.Fatalf("CreateColumns() error = %v", err)
	}
	again, err := s.CreateColumns(ctx, []types.ColumnModel{
		{ID: "ignored", Name: "y", ColumnType: types.ColumnTypeString, MaximumSize: 50},
		{Name: "y", ColumnType: types.ColumnTypeString, MaximumSize: 100},
	})
	if err != nil {
		t.Fatalf("CreateColumns() error = %v", err)
	}
	if again[0].ID != first[1].ID {
		t.Errorf("identical definition got id %s, want %s", again[0].ID, first[1].ID)
	}
	if again[1].ID == first[1].ID {
		t.Error("a different definition shares the id of y")
	}

	got, err := s.GetColumn(ctx, first[0].ID)
	if err != nil {
		t.Fatalf("GetColumn() error = %v", err)
	}
	if diff := cmp.Diff(&first[0], got); diff != "" {
		t.Errorf("GetColumn() mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateColumns_Invalid(t *testing.T) {
	tests := []struct {
		name string
		col  types.ColumnModel
	}{
		{"no name", types.ColumnModel{ColumnType: types.ColumnTypeString}},
		{"reserved", types.ColumnModel{Name: "row_id", ColumnType: types.ColumnTypeInteger}},
		{"unknown type", types.ColumnModel{Name: "a", ColumnType: "DECIMAL"}},
		{"negative size", types.ColumnModel{Name: "a", ColumnType: types.ColumnTypeString, MaximumSize: -1}},
	}
	s := newTestStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateColumns(context.Background(), []types.ColumnModel{tt.col})
			if statusOf(err) != http.StatusBadRequest {
				t.Errorf("CreateColumns() error = %v, want a bad request", err)
			}
		})
	}
}

func TestEntityLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, _ := createTable(t, s, "samples", types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger})

	if e.ID == "" || e.Etag == "" {
		t.Fatalf("created entity has no id or etag: %+v", e)
	}
	id, err := s.LookupChild(ctx, "syn100", "samples")
	if err != nil || id != e.ID {
		t.Fatalf("LookupChild() = %q, %v, want %q", id, err, e.ID)
	}
	if _, err := s.LookupChild(ctx, "syn100", "missing"); statusOf(err) != http.StatusNotFound {
		t.Errorf("LookupChild(missing) error = %v, want not found", err)
	}

	_, err = s.CreateEntity(ctx, &types.Entity{
		ConcreteType: types.ConcreteTypeTableEntity, Name: "samples", ParentID: "syn100",
	})
	if statusOf(err) != http.StatusConflict {
		t.Errorf("duplicate CreateEntity() error = %v, want conflict", err)
	}

	update := *e
	update.Description = "measured samples"
	update.Extra = map[string]json.RawMessage{"isSearchEnabled": json.RawMessage(`true`)}
	updated, err := s.UpdateEntity(ctx, &update)
	if err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}
	if updated.Etag == e.Etag {
		t.Error("UpdateEntity() kept the etag")
	}
	if updated.Description != "measured samples" || string(updated.Extra["isSearchEnabled"]) != "true" {
		t.Errorf("UpdateEntity() = %+v", updated)
	}
	if diff := cmp.Diff(e.ColumnIDs, updated.ColumnIDs); diff != "" {
		t.Errorf("UpdateEntity() changed the columns (-want +got):\n%s", diff)
	}

	if _, err := s.UpdateEntity(ctx, &update); statusOf(err) != http.StatusPreconditionFailed {
		t.Errorf("UpdateEntity(stale etag) error = %v, want precondition failed", err)
	}
}

func TestTransact_UploadInsertUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	e, _ := createTable(t, s, "t",
		types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger},
		types.ColumnModel{Name: "y", ColumnType: types.ColumnTypeString, MaximumSize: 20},
		types.ColumnModel{Name: "ok", ColumnType: types.ColumnTypeBoolean, DefaultValue: "false"},
	)

	res := uploadCSV(t, s, e.ID, "x,y\n1,a\n2,b\n3,\n")
	if res.RowsProcessed != 3 {
		t.Fatalf("RowsProcessed = %d, want 3", res.RowsProcessed)
	}
	headers, values, rows := queryAll(t, s, e.ID, "SELECT * FROM "+e.ID+" ORDER BY x", 0)
	if diff := cmp.Diff([]string{"x", "y", "ok"}, headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	want := [][]string{{"1", "a", "false"}, {"2", "b", "false"}, {"3", "<nil>", "false"}}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if rows[0].RowID == nil || rows[0].VersionNumber == nil || *rows[0].VersionNumber != 1 {
		t.Fatalf("row identity = %+v", rows[0])
	}

	// Only the listed cells of an identified row change.
	second := types.FormatRowID(*rows[1].RowID)
	uploadCSV(t, s, e.ID, "ROW_ID,ROW_VERSION,y\n"+second+",1,B\n")
	_, values, rows = queryAll(t, s, e.ID, "SELECT x, y FROM "+e.ID+" ORDER BY x", 0)
	if diff := cmp.Diff([][]string{{"1", "a"}, {"2", "B"}, {"3", "<nil>"}}, values); diff != "" {
		t.Errorf("rows after update mismatch (-want +got):\n%s", diff)
	}
	if *rows[1].VersionNumber != 2 || *rows[0].VersionNumber != 1 {
		t.Errorf("versions = %d, %d, want 1, 2", *rows[0].VersionNumber, *rows[1].VersionNumber)
	}

	// A file of identities only deletes.
	first := types.FormatRowID(*rows[0].RowID)
	uploadCSV(t, s, e.ID, "ROW_ID,ROW_VERSION\n"+first+",1\n")
	_, values, _ = queryAll(t, s, e.ID, "SELECT x FROM "+e.ID+" ORDER BY x", 0)
	if diff := cmp.Diff([][]string{{"2"}, {"3"}}, values); diff != "" {
		t.Errorf("rows after delete mismatch (-want +got):\n%s", diff)
	}
}

func TestTransact_UploadRejectsBadValues(t *testing.T) {
	s := newTestStore(t)
	e, _ := createTable(t, s, "t", types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger})
	ctx := context.Background()

	for _, content := range []string{"x\nnot-a-number\n", "x,z\n1,2\n"} {
		fh, err := s.CreateFileHandle(ctx, "rows.csv", "text/csv", []byte(content))
		if err != nil {
			t.Fatal(err)
		}
		desc := types.DefaultCsvTableDescriptor()
		desc.LineEnd = "\n"
		_, err = s.Transact(ctx, e.ID, rawChanges(t, &types.UploadToTableRequest{
			TableID: e.ID, UploadFileHandleID: fh.ID, CsvTableDescriptor: desc,
		}))
		if statusOf(err) != http.StatusBadRequest {
			t.Errorf("Transact(%q) error = %v, want a bad request", content, err)
		}
	}
	_, values, _ := queryAll(t, s, e.ID, "SELECT x FROM "+e.ID, 0)
	if len(values) != 0 {
		t.Errorf("failed transactions wrote %d rows", len(values))
	}
}

func TestTransact_SchemaChangeCarriesValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, cols := createTable(t, s, "t",
		types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger},
		types.ColumnModel{Name: "y", ColumnType: types.ColumnTypeString, MaximumSize: 10},
	)
	uploadCSV(t, s, e.ID, "x,y\n1,a\n2,b\n")

	added, err := s.CreateColumns(ctx, []types.ColumnModel{
		{Name: "label", ColumnType: types.ColumnTypeString, MaximumSize: 10},
		{Name: "z", ColumnType: types.ColumnTypeInteger, DefaultValue: "7"},
	})
	if err != nil {
		t.Fatal(err)
	}
	label, z := added[0], added[1]
	resp, err := s.Transact(ctx, e.ID, rawChanges(t, &types.TableSchemaChangeRequest{
		EntityID: e.ID,
		Changes: []types.ColumnChange{
			{OldColumnID: &cols[1].ID, NewColumnID: &label.ID},
			{OldColumnID: nil, NewColumnID: &z.ID},
			{OldColumnID: &cols[0].ID, NewColumnID: nil},
		},
		OrderedColumnIDs: []string{z.ID, label.ID},
	}))
	if err != nil {
		t.Fatalf("Transact(schema) error = %v", err)
	}
	schema := resp.SchemaResult()
	if schema == nil || len(schema.Schema) != 2 || schema.Schema[0].Name != "z" {
		t.Fatalf("schema result = %+v", resp.Results)
	}

	headers, values, _ := queryAll(t, s, e.ID, "SELECT * FROM "+e.ID+" ORDER BY label", 0)
	if diff := cmp.Diff([]string{"z", "label"}, headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"7", "a"}, {"7", "b"}}, values); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	got, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{z.ID, label.ID}, got.ColumnIDs); diff != "" {
		t.Errorf("column ids mismatch (-want +got):\n%s", diff)
	}
	if got.Etag == e.Etag {
		t.Error("schema change kept the entity etag")
	}
}

func TestTransact_SchemaChangeUnknownColumn(t *testing.T) {
	s := newTestStore(t)
	e, _ := createTable(t, s, "t", types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger})
	missing := "99999"
	_, err := s.Transact(context.Background(), e.ID, rawChanges(t, &types.TableSchemaChangeRequest{
		EntityID:         e.ID,
		Changes:          []types.ColumnChange{{OldColumnID: &missing}},
		OrderedColumnIDs: []string{},
	}))
	if statusOf(err) != http.StatusBadRequest {
		t.Errorf("Transact() error = %v, want a bad request", err)
	}
}

func TestTransact_PartialRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, cols := createTable(t, s, "t",
		types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger},
		types.ColumnModel{Name: "tags", ColumnType: types.ColumnTypeStringList, MaximumListLength: 2},
	)
	x, tags := cols[0].ID, cols[1].ID

	resp, err := s.Transact(ctx, e.ID, rawChanges(t, &types.AppendableRowSetRequest{
		EntityID: e.ID,
		ToAppend: types.PartialRowSet{TableID: e.ID, Rows: []types.PartialRow{
			{Values: []types.Cell{{ColumnID: x, Value: types.StringPtr("1")}, {ColumnID: tags, Value: types.StringPtr(`["a", "b"]`)}}},
		}},
	}))
	if err != nil {
		t.Fatalf("Transact(insert) error = %v", err)
	}
	refs := resp.Results[0].Rows
	if len(refs) != 1 || refs[0].RowID == 0 {
		t.Fatalf("row references = %+v", refs)
	}

	_, err = s.Transact(ctx, e.ID, rawChanges(t, &types.AppendableRowSetRequest{
		EntityID: e.ID,
		ToAppend: types.PartialRowSet{TableID: e.ID, Rows: []types.PartialRow{
			{RowID: refs[0].RowID, Values: []types.Cell{{ColumnID: tags, Value: nil}}},
		}},
	}))
	if err != nil {
		t.Fatalf("Transact(update) error = %v", err)
	}
	_, values, _ := queryAll(t, s, e.ID, "SELECT x, tags FROM "+e.ID, 0)
	if diff := cmp.Diff([][]string{{"1", "<nil>"}}, values); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Transact(ctx, e.ID, rawChanges(t, &types.AppendableRowSetRequest{
		EntityID: e.ID,
		ToAppend: types.PartialRowSet{TableID: e.ID, Rows: []types.PartialRow{
			{Values: []types.Cell{{ColumnID: tags, Value: types.StringPtr(`["a","b","c"]`)}}},
		}},
	}))
	if statusOf(err) != http.StatusBadRequest {
		t.Errorf("Transact(long list) error = %v, want a bad request", err)
	}
}

func TestQuery_Pagination(t *testing.T) {
	s := newTestStore(t)
	e, _ := createTable(t, s, "t", types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger})
	uploadCSV(t, s, e.ID, "x\n1\n2\n3\n4\n5\n")

	_, values, _ := queryAll(t, s, e.ID, "SELECT x FROM "+e.ID+" ORDER BY x", 2)
	if diff := cmp.Diff([][]string{{"1"}, {"2"}, {"3"}, {"4"}, {"5"}}, values); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	headers, values, rows := queryAll(t, s, e.ID, "SELECT COUNT(*) AS n FROM "+e.ID, 2)
	if diff := cmp.Diff([]string{"n"}, headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"5"}}, values); diff != "" {
		t.Errorf("count mismatch (-want +got):\n%s", diff)
	}
	if rows[0].RowID != nil {
		t.Error("aggregate row has a row id")
	}

	if _, err := s.NextPage(context.Background(), e.ID, "unknown", 2); statusOf(err) != http.StatusBadRequest {
		t.Errorf("NextPage(unknown) error = %v, want a bad request", err)
	}
}

func TestQuery_Rejects(t *testing.T) {
	s := newTestStore(t)
	e, _ := createTable(t, s, "t", types.ColumnModel{Name: "x", ColumnType: types.ColumnTypeInteger})
	tests := []string{
		"DELETE FROM " + e.ID,
		"SELECT x FROM " + e.ID + "; DROP TABLE " + e.ID,
		"SELECT 1",
		"SELECT x FROM syn999",
		"SELECT nope FROM " + e.ID,
	}
	for _, sql := range tests {
		_, err := s.Query(context.Background(), &types.QueryBundleRequest{
			EntityID: e.ID, Query: types.Query{SQL: sql},
		}, 0)
		if statusOf(err) != http.StatusBadRequest {
			t.Errorf("Query(%q) error = %v, want a bad request", sql, err)
		}
	}
}

func TestStatusOf(t *testing.T) {
	if got := statusOf(notFound("x")); got != http.StatusNotFound {
		t.Errorf("statusOf(notFound) = %d", got)
	}
	if got := statusOf(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("statusOf(plain) = %d", got)
	}
}
