package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arkilian/tablesync/internal/csvutil"
	"github.com/arkilian/tablesync/internal/table"
	"github.com/arkilian/tablesync/pkg/types"
)

// readFrame reads a CSV file in the configured dialect. The file must start
// with a header line.
func readFrame(o *options, path string) (*types.Frame, error) {
	cfg, err := o.Config()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	desc := cfg.CSV
	desc.IsFirstLineHeader = true
	frame, err := csvutil.ReadFrame(f, desc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

// StoreRowsOptions encapsulates state for the store-rows command.
type StoreRowsOptions struct {
	Ref    tableRef
	File   string
	Infer  bool
	Expand bool
	DryRun bool
}

func newStoreRowsCommand(o *options) *cobra.Command {
	opts := &StoreRowsOptions{}
	cmd := &cobra.Command{
		Use:   "store-rows",
		Short: "Append the rows of a CSV file to a table",
		Long: `Append the rows of a CSV file to a table. The table is created when it
does not exist; with --infer, columns of the file that the table lacks are
added with a type inferred from their values.`,
		Example: `  tablesync store-rows --parent syn100 --name samples --file samples.csv --infer`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context(), o)
		},
	}
	opts.Ref.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "CSV file with a header line")
	cmd.Flags().BoolVar(&opts.Infer, "infer", false, "add unknown columns with an inferred type")
	cmd.Flags().BoolVar(&opts.Expand, "expand", false, "widen columns too narrow for the values")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print what would be uploaded without uploading")
	cmd.MarkFlagRequired("file")
	return cmd
}

// Run uploads the file.
func (opts *StoreRowsOptions) Run(ctx context.Context, o *options) error {
	values, err := readFrame(o, opts.File)
	if err != nil {
		return err
	}
	client, err := o.Client(ctx)
	if err != nil {
		return err
	}
	t, err := opts.Ref.open(client)
	if err != nil {
		return err
	}
	ro := table.StoreRowsOptions{DryRun: opts.DryRun}
	if opts.Infer {
		ro.SchemaStorage = table.SchemaStorageInferFromData
	}
	if opts.Expand {
		ro.ColumnExpansion = table.ColumnExpansionAutoExpandContentLength
	}
	res, err := t.StoreRows(ctx, values, ro)
	if err != nil {
		return err
	}
	for _, line := range res.SchemaPlan {
		o.printf("  %s", line)
	}
	if res.DryRun {
		o.printf("dry run: would store %d rows in %s", values.Len(), t.Name)
		return nil
	}
	o.printf("stored %d rows in %s in %d chunks", res.Rows, res.TableID, res.Chunks)
	return nil
}

// UpsertOptions encapsulates state for the upsert command.
type UpsertOptions struct {
	Ref    tableRef
	File   string
	Keys   []string
	DryRun bool
}

func newUpsertCommand(o *options) *cobra.Command {
	opts := &UpsertOptions{}
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Update rows matching on primary key columns and insert the rest",
		Long: `Update the stored rows whose primary key values match a row of the CSV
file and insert the other rows. Only changed cells are sent.`,
		Example: `  tablesync upsert --id syn123 --file samples.csv --key sample_id --dry-run`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context(), o)
		},
	}
	opts.Ref.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "CSV file with a header line")
	cmd.Flags().StringSliceVarP(&opts.Keys, "key", "k", nil, "primary key columns")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the changes without applying them")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("key")
	return cmd
}

// Run upserts the file.
func (opts *UpsertOptions) Run(ctx context.Context, o *options) error {
	values, err := readFrame(o, opts.File)
	if err != nil {
		return err
	}
	client, err := o.Client(ctx)
	if err != nil {
		return err
	}
	t, err := opts.Ref.open(client)
	if err != nil {
		return err
	}
	report, err := t.UpsertRows(ctx, values, opts.Keys, table.UpsertOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}
	verb := "upserted"
	if report.DryRun {
		verb = "dry run: would upsert"
	}
	o.printf("%s %s: matched %d, updated %d, unchanged %d, inserted %d",
		verb, t.ID, report.Matched, report.Updated, report.Unchanged, report.Inserted)
	for _, c := range client.Stats().TopColumns(5) {
		o.printf("  %s: %d cells", c.Column, c.Frequency)
	}
	return nil
}

// DeleteRowsOptions encapsulates state for the delete-rows command.
type DeleteRowsOptions struct {
	Ref    tableRef
	SQL    string
	DryRun bool
}

func newDeleteRowsCommand(o *options) *cobra.Command {
	opts := &DeleteRowsOptions{}
	cmd := &cobra.Command{
		Use:   "delete-rows",
		Short: "Delete the rows selected by a query",
		Example: `  tablesync delete-rows --id syn123 --sql "SELECT * FROM syn123 WHERE weight IS NULL"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context(), o)
		},
	}
	opts.Ref.addFlags(cmd)
	cmd.Flags().StringVar(&opts.SQL, "sql", "", "query selecting the rows to delete")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the number of rows without deleting them")
	cmd.MarkFlagRequired("sql")
	return cmd
}

// Run deletes the selected rows.
func (opts *DeleteRowsOptions) Run(ctx context.Context, o *options) error {
	if strings.TrimSpace(opts.SQL) == "" {
		return fmt.Errorf("--sql is empty")
	}
	client, err := o.Client(ctx)
	if err != nil {
		return err
	}
	t, err := opts.Ref.open(client)
	if err != nil {
		return err
	}
	rs, err := t.DeleteRows(ctx, opts.SQL, table.DeleteOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}
	if opts.DryRun {
		o.printf("dry run: would delete %d rows from %s", rs.Len(), t.ID)
		return nil
	}
	o.printf("deleted %d rows from %s", rs.Len(), t.ID)
	return nil
}
