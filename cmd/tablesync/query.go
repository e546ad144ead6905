package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arkilian/tablesync/internal/csvutil"
	"github.com/arkilian/tablesync/internal/table"
	"github.com/arkilian/tablesync/pkg/types"
)

// QueryOptions encapsulates state for the query command.
type QueryOptions struct {
	Ref      tableRef
	SQL      string
	Format   string
	MaxPages int
}

func newQueryCommand(o *options) *cobra.Command {
	opts := &QueryOptions{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a query against a table and print every result page",
		Example: `  # print as CSV, with the row id and version of each row
  tablesync query --id syn123 --sql "SELECT * FROM syn123 WHERE weight > 10"

  # print as JSON
  tablesync query --id syn123 --sql "SELECT COUNT(*) FROM syn123" --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context(), o)
		},
	}
	opts.Ref.addFlags(cmd)
	cmd.Flags().StringVar(&opts.SQL, "sql", "", "query to run")
	cmd.Flags().StringVar(&opts.Format, "format", "csv", "output format: csv or json")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "stop after that many result pages")
	cmd.MarkFlagRequired("sql")
	return cmd
}

// Run runs the query.
func (opts *QueryOptions) Run(ctx context.Context, o *options) error {
	if opts.Format != "csv" && opts.Format != "json" {
		return fmt.Errorf("unknown format %q, expected csv or json", opts.Format)
	}
	client, err := o.Client(ctx)
	if err != nil {
		return err
	}
	t, err := opts.Ref.open(client)
	if err != nil {
		return err
	}
	rs, err := t.Query(ctx, opts.SQL, table.QueryOptions{MaxPages: opts.MaxPages})
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(o, rs)
	}
	cfg, err := o.Config()
	if err != nil {
		return err
	}
	return writeCSV(o, rs, cfg.CSV)
}

// identity reports whether the rows of rs carry row ids.
func identity(rs *types.ResultSet) bool {
	return rs.Len() > 0 && rs.Rows[0].RowID != nil
}

func writeCSV(o *options, rs *types.ResultSet, desc types.CsvTableDescriptor) error {
	desc.IsFirstLineHeader = true
	w, err := csvutil.NewWriter(o.out, desc)
	if err != nil {
		return err
	}
	withIdentity := identity(rs)
	var header []string
	if withIdentity {
		header = append(header, types.RowIDColumn, types.RowVersionColumn)
	}
	for _, h := range rs.Headers {
		header = append(header, h.Name)
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rs.Rows {
		record := make([]string, 0, len(header))
		if withIdentity {
			record = append(record, formatOptional(row.RowID), formatOptional(row.VersionNumber))
		}
		for _, v := range row.Values {
			if v == nil {
				record = append(record, "")
			} else {
				record = append(record, *v)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Flush()
}

func formatOptional(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

// jsonRow is one row of the JSON output. NULL cells are omitted.
type jsonRow struct {
	RowID         *int64            `json:"row_id,omitempty"`
	VersionNumber *int64            `json:"row_version,omitempty"`
	Etag          string            `json:"row_etag,omitempty"`
	Values        map[string]string `json:"values"`
}

func writeJSON(o *options, rs *types.ResultSet) error {
	out := struct {
		TableID string               `json:"table_id"`
		Headers []types.SelectColumn `json:"headers"`
		Rows    []jsonRow            `json:"rows"`
	}{TableID: rs.TableID, Headers: rs.Headers, Rows: make([]jsonRow, 0, rs.Len())}
	for _, row := range rs.Rows {
		jr := jsonRow{RowID: row.RowID, VersionNumber: row.VersionNumber, Etag: row.Etag,
			Values: make(map[string]string, len(row.Values))}
		for i, v := range row.Values {
			if v != nil && i < len(rs.Headers) {
				jr.Values[rs.Headers[i].Name] = *v
			}
		}
		out.Rows = append(out.Rows, jr)
	}
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
