package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arkilian/tablesync/internal/devserver"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/table"
	"github.com/arkilian/tablesync/pkg/types"
)

// cli runs tablesync commands against an in-process devserver.
type cli struct {
	t        *testing.T
	endpoint string
	dir      string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	store, err := devserver.OpenStore("", nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	srv := httptest.NewServer(devserver.New(store, devserver.Options{Logger: logging.Discard()}).Handler())
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	dir := t.TempDir()
	t.Setenv("TABLESYNC_POLL_INTERVAL", "5ms")
	t.Setenv("TABLESYNC_TEMP_DIR", dir)
	t.Setenv("TABLESYNC_HTTP_RATE_LIMIT", "1000")
	return &cli{t: t, endpoint: srv.URL + devserver.BasePath, dir: dir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&out, &errOut)
	cmd.SetArgs(append([]string{"--endpoint", c.endpoint, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("tablesync %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func (c *cli) file(name, content string) string {
	c.t.Helper()
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		c.t.Fatal(err)
	}
	return path
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output does not contain %q:\n%s", w, out)
		}
	}
}

const samplesYAML = `name: samples
parent_id: syn100
description: test table
columns:
  - name: x
    column_type: integer
  - name: y
    column_type: STRING
    maximum_size: 50
`

func TestSchemaApply(t *testing.T) {
	c := newCLI(t)
	path := c.file("samples.yaml", samplesYAML)

	out := c.mustRun("schema", "apply", path, "--dry-run")
	assertContains(t, out, "dry run: would create samples")

	out = c.mustRun("schema", "apply", path)
	assertContains(t, out, "created samples (syn1)")

	out = c.mustRun("schema", "apply", path)
	assertContains(t, out, "samples (syn1) is up to date")

	renamed := c.file("renamed.yaml", `name: samples
parent_id: syn100
description: test table
columns:
  - name: label
    column_type: STRING
    maximum_size: 50
  - name: x
    column_type: INTEGER
rename:
  y: label
`)
	out = c.mustRun("schema", "apply", renamed)
	assertContains(t, out, "updated schema of samples (syn1)")

	out = c.mustRun("schema", "show", "--id", "syn1")
	assertContains(t, out, "table samples (syn1)", "label", "STRING", "INTEGER")
	if strings.Contains(out, " y ") {
		t.Errorf("renamed column still listed:\n%s", out)
	}
}

func TestRowCommands(t *testing.T) {
	c := newCLI(t)
	c.mustRun("schema", "apply", c.file("samples.yaml", samplesYAML))

	out := c.mustRun("store-rows", "--id", "syn1", "-f", c.file("rows.csv", "x,y\n1,a\n2,b\n3,c\n"))
	assertContains(t, out, "stored 3 rows in syn1")

	out = c.mustRun("upsert", "--id", "syn1", "--key", "x", "-f", c.file("upsert.csv", "x,y\n1,a\n2,B\n4,d\n"))
	assertContains(t, out, "matched 2, updated 1, unchanged 1, inserted 1")

	out = c.mustRun("query", "--id", "syn1", "--sql", "SELECT x, y FROM syn1 ORDER BY x")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("query printed %d lines, want 5:\n%s", len(lines), out)
	}
	if lines[0] != "ROW_ID,ROW_VERSION,x,y" {
		t.Errorf("header = %q", lines[0])
	}
	var got []string
	for _, line := range lines[1:] {
		fields := strings.Split(line, ",")
		got = append(got, strings.Join(fields[2:], ","))
	}
	if diff := cmp.Diff([]string{"1,a", "2,B", "3,c", "4,d"}, got); diff != "" {
		t.Errorf("query rows mismatch (-want +got):\n%s", diff)
	}

	out = c.mustRun("delete-rows", "--id", "syn1", "--sql", "SELECT * FROM syn1 WHERE x > 2", "--dry-run")
	assertContains(t, out, "dry run: would delete 2 rows from syn1")
	out = c.mustRun("delete-rows", "--id", "syn1", "--sql", "SELECT * FROM syn1 WHERE x > 2")
	assertContains(t, out, "deleted 2 rows from syn1")

	out = c.mustRun("query", "--id", "syn1", "--sql", "SELECT COUNT(*) FROM syn1", "--format", "json")
	var res struct {
		Rows []struct {
			RowID  *int64            `json:"row_id"`
			Values map[string]string `json:"values"`
		} `json:"rows"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("query output is not JSON: %v\n%s", err, out)
	}
	if len(res.Rows) != 1 || len(res.Rows[0].Values) != 1 {
		t.Fatalf("count result = %+v", res.Rows)
	}
	if res.Rows[0].RowID != nil {
		t.Errorf("aggregate row has row id %d", *res.Rows[0].RowID)
	}
	for _, v := range res.Rows[0].Values {
		if v != "2" {
			t.Errorf("COUNT(*) = %q, want 2", v)
		}
	}
}

func TestStoreRows_CreatesByName(t *testing.T) {
	c := newCLI(t)
	path := c.file("scores.csv", "name,score\nann,1.5\nbob,2\n")
	out := c.mustRun("store-rows", "--parent", "syn100", "--name", "scores", "--infer", "--dry-run", "-f", path)
	assertContains(t, out, `add column "name"`, `add column "score" DOUBLE`, "dry run: would store 2 rows in scores")

	out = c.mustRun("store-rows", "--parent", "syn100", "--name", "scores", "--infer", "-f", path)
	assertContains(t, out, "stored 2 rows in syn1")

	out = c.mustRun("schema", "show", "--parent", "syn100", "--name", "scores")
	assertContains(t, out, "name", "score", "DOUBLE")
}

func TestSync(t *testing.T) {
	c := newCLI(t)
	a := c.file("a.yaml", "name: a\nparent_id: syn100\ncolumns:\n  - name: x\n    column_type: INTEGER\n")
	b := c.file("b.yaml", "name: b\nparent_id: syn100\ncolumns:\n  - name: y\n    column_type: DOUBLE\n")

	out := c.mustRun("sync", a, b, "--concurrency", "2")
	assertContains(t, out, "created a (", "created b (")

	out = c.mustRun("sync", a, b)
	assertContains(t, out, "a (", "b (", "is up to date")
}

func TestCommandErrors(t *testing.T) {
	c := newCLI(t)
	cases := []struct {
		description string
		args        []string
		want        string
	}{
		{"no table selected", []string{"query", "--sql", "SELECT * FROM syn1"}, "select a table"},
		{"unknown format", []string{"query", "--id", "syn1", "--sql", "SELECT * FROM syn1", "--format", "xml"}, "unknown format"},
		{"missing key flag", []string{"upsert", "--id", "syn1", "-f", "rows.csv"}, "key"},
		{"missing table file", []string{"schema", "apply", filepath.Join(c.dir, "none.yaml")}, "none.yaml"},
	}
	for _, tc := range cases {
		_, err := c.run(tc.args...)
		if err == nil {
			t.Errorf("%s: expected an error", tc.description)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error = %q, want it to mention %q", tc.description, err, tc.want)
		}
	}

	_, err := c.run("query", "--id", "syn42", "--sql", "SELECT * FROM syn42")
	if !errors.Is(err, tserrors.ErrNotFound) {
		t.Errorf("query of a missing table: error = %v, want ErrNotFound", err)
	}
}

func TestLoadTableFile(t *testing.T) {
	c := &cli{t: t, dir: t.TempDir()}
	cases := []struct {
		description string
		content     string
		err         string
	}{
		{"valid", samplesYAML, ""},
		{"by id", "id: syn5\ncolumns: []\n", ""},
		{"no parent", "name: samples\n", "needs an id"},
		{"unknown type", "id: syn5\ncolumns:\n  - name: x\n    column_type: NUMBER\n", `column "x"`},
		{"bad yaml", "name: [", "bad-yaml.yaml"},
	}
	for _, tc := range cases {
		path := c.file(strings.ReplaceAll(tc.description, " ", "-")+".yaml", tc.content)
		tf, err := loadTableFile(path)
		if tc.err == "" {
			if err != nil {
				t.Errorf("%s: unexpected error: %v", tc.description, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.err) {
			t.Errorf("%s: error = %v, want it to mention %q (file %+v)", tc.description, err, tc.err, tf)
		}
	}

	tf, err := loadTableFile(c.file("types.yaml", samplesYAML))
	if err != nil {
		t.Fatal(err)
	}
	if tf.Columns[0].ColumnType != types.ColumnTypeInteger {
		t.Errorf("column type = %q, want it normalized to INTEGER", tf.Columns[0].ColumnType)
	}
}

func TestTableFileBuild_NewTable(t *testing.T) {
	tf := &tableFile{
		Name:     "views",
		ParentID: "syn100",
		Kind:     "entity-view",
		Columns: []types.ColumnModel{
			{Name: "a", ColumnType: types.ColumnTypeInteger},
			{Name: "b", ColumnType: types.ColumnTypeBoolean},
		},
	}
	tb, err := tf.build(nil, func(*table.Table) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if tb.Kind != table.KindEntityView {
		t.Errorf("kind = %v, want entity view", tb.Kind)
	}
	if diff := cmp.Diff([]string{"a", "b"}, tb.Columns.Names()); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}

	tf.Kind = "warehouse"
	if _, err := tf.build(nil, func(*table.Table) (bool, error) { return false, nil }); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}
