package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arkilian/tablesync/internal/table"
)

// SyncOptions encapsulates state for the sync command.
type SyncOptions struct {
	Concurrency int
	CollectAll  bool
	DryRun      bool
}

func newSyncCommand(o *options) *cobra.Command {
	opts := &SyncOptions{}
	cmd := &cobra.Command{
		Use:   "sync FILE...",
		Short: "Apply several table files concurrently",
		Long: `Apply several table files concurrently. By default the first failure
cancels the tables still being stored; with --collect-all every table is
stored and the failures are reported together.`,
		Example: `  tablesync sync tables/*.yaml --concurrency 4`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context(), o, args)
		},
	}
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 4, "number of tables stored at once")
	cmd.Flags().BoolVar(&opts.CollectAll, "collect-all", false, "store every table even after a failure")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the planned changes without applying them")
	return cmd
}

// Run stores the tables of paths.
func (opts *SyncOptions) Run(ctx context.Context, o *options, paths []string) error {
	files := make([]*tableFile, len(paths))
	for i, p := range paths {
		tf, err := loadTableFile(p)
		if err != nil {
			return err
		}
		files[i] = tf
	}
	client, err := o.Client(ctx)
	if err != nil {
		return err
	}
	tables := make([]*table.Table, len(files))
	for i, tf := range files {
		if tables[i], err = tf.build(client, existsFunc(ctx)); err != nil {
			return fmt.Errorf("%s: %w", paths[i], err)
		}
	}

	policy := table.FailFast
	if opts.CollectAll {
		policy = table.CollectAll
	}
	results, err := table.StoreAll(ctx, tables, table.StoreAllOptions{
		Policy:      policy,
		Concurrency: opts.Concurrency,
		Store:       table.StoreOptions{DryRun: opts.DryRun},
	})
	for i, res := range results {
		if res != nil {
			printStoreResult(o, files[i].Name, res)
		}
	}
	return err
}
