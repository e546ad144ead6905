package main

import (
	"context"
	"errors"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/table"
)

func newSchemaCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show or apply table schemas",
	}
	cmd.AddCommand(newSchemaApplyCommand(o), newSchemaShowCommand(o))
	return cmd
}

// SchemaApplyOptions encapsulates state for the schema apply command.
type SchemaApplyOptions struct {
	DryRun bool
}

func newSchemaApplyCommand(o *options) *cobra.Command {
	opts := &SchemaApplyOptions{}
	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Create a table or bring its schema in line with a table file",
		Example: `  # preview the column changes
  tablesync schema apply samples.yaml --dry-run

  # apply them
  tablesync schema apply samples.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context(), o, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the planned changes without applying them")
	return cmd
}

// Run applies the table file at path.
func (opts *SchemaApplyOptions) Run(ctx context.Context, o *options, path string) error {
	tf, err := loadTableFile(path)
	if err != nil {
		return err
	}
	client, err := o.Client(ctx)
	if err != nil {
		return err
	}
	t, err := tf.build(client, existsFunc(ctx))
	if err != nil {
		return err
	}
	res, err := t.Store(ctx, table.StoreOptions{DryRun: opts.DryRun})
	if err != nil {
		return err
	}
	printStoreResult(o, tf.Name, res)
	return nil
}

// existsFunc reads a table, reporting false when it does not exist.
func existsFunc(ctx context.Context) func(*table.Table) (bool, error) {
	return func(t *table.Table) (bool, error) {
		err := t.Get(ctx)
		if errors.Is(err, tserrors.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

func printStoreResult(o *options, name string, res *table.StoreResult) {
	prefix := ""
	if res.DryRun {
		prefix = "dry run: would "
	}
	switch {
	case res.Created:
		o.printf("created %s (%s)", name, res.TableID)
	case res.DryRun && res.TableID == "":
		o.printf("%screate %s", prefix, name)
	case res.SchemaChanged:
		o.printf("updated schema of %s (%s)", name, res.TableID)
	case len(res.Plan) == 0:
		o.printf("%s (%s) is up to date", name, res.TableID)
	}
	for _, line := range res.Plan {
		o.printf("  %s%s", prefix, line)
	}
}

func newSchemaShowCommand(o *options) *cobra.Command {
	var ref tableRef
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored columns of a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := o.Client(ctx)
			if err != nil {
				return err
			}
			t, err := ref.open(client)
			if err != nil {
				return err
			}
			if err := t.Get(ctx); err != nil {
				return err
			}
			o.printf("%s %s (%s)", t.Kind, t.Name, t.ID)
			w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			defer w.Flush()
			for _, c := range t.Baseline() {
				size := ""
				switch {
				case c.MaximumSize > 0:
					size = strconv.FormatInt(c.MaximumSize, 10)
				case c.MaximumListLength > 0:
					size = "[" + strconv.FormatInt(c.MaximumListLength, 10) + "]"
				}
				_, err := w.Write([]byte(c.ID + "\t" + c.Name + "\t" + string(c.ColumnType) + "\t" + size + "\n"))
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	ref.addFlags(cmd)
	return cmd
}
