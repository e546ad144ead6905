package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/arkilian/tablesync/internal/api"
	"github.com/arkilian/tablesync/internal/config"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/internal/table"
	"github.com/arkilian/tablesync/internal/upload"
)

var (
	version = "dev"
	commit  = "unknown"
)

// newRootCommand builds the tablesync command tree.
func newRootCommand(out, errOut io.Writer) *cobra.Command {
	o := &options{out: out, errOut: errOut}
	cmd := &cobra.Command{
		Use:   "tablesync",
		Short: "Keep tables of the data platform in sync with local data",
		Long: `tablesync creates tables and evolves their schema, uploads rows in
byte-bounded chunks, upserts rows by primary key and deletes rows selected by
a query.

Configuration is read from --config (YAML or JSON), then from TABLESYNC_*
environment variables, then from flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "path to a configuration file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&o.endpoint, "endpoint", "", "base URL of the table service REST API")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newSchemaCommand(o),
		newStoreRowsCommand(o),
		newUpsertCommand(o),
		newDeleteRowsCommand(o),
		newQueryCommand(o),
		newSyncCommand(o),
	)
	return cmd
}

// options is the state shared by every command. The client is built on
// first use so that --help and flag errors need no configuration.
type options struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	endpoint   string
	logLevel   string

	once   sync.Once
	cfg    *config.Config
	logger *slog.Logger
	client *table.Client
	err    error
}

// Config returns the resolved configuration.
func (o *options) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	return cfg, nil
}

// Client returns the table client, building it on first use.
func (o *options) Client(ctx context.Context) (*table.Client, error) {
	o.once.Do(func() {
		o.client, o.err = o.buildClient(ctx)
	})
	return o.client, o.err
}

func (o *options) buildClient(ctx context.Context) (*table.Client, error) {
	cfg, err := o.Config()
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if f, ok := o.errOut.(*os.File); ok && f == os.Stderr {
		o.logger = logging.New(level)
	} else {
		o.logger = logging.NewWriter(o.errOut, level, true)
	}

	apiOpts := api.OptionsFromConfig(cfg)
	apiOpts.Logger = o.logger
	apiClient := api.NewClient(apiOpts)
	uploader, err := upload.New(ctx, cfg, apiClient, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize uploads: %w", err)
	}
	return table.NewClient(apiClient, uploader, table.Options{
		Transfer: cfg.Transfer,
		CSV:      cfg.CSV,
		Logger:   o.logger,
		Stats:    observability.NewTransferStats(),
	}), nil
}

// printf writes a line of command output.
func (o *options) printf(format string, args ...any) {
	fmt.Fprintf(o.out, format+"\n", args...)
}

// tableRef selects an existing table by id or by parent and name.
type tableRef struct {
	id     string
	parent string
	name   string
}

func (r *tableRef) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.id, "id", "", "id of the table")
	cmd.Flags().StringVar(&r.parent, "parent", "", "id of the project or folder holding the table")
	cmd.Flags().StringVar(&r.name, "name", "", "name of the table")
}

func (r *tableRef) validate() error {
	if r.id == "" && (r.parent == "" || r.name == "") {
		return fmt.Errorf("select a table with --id, or with --parent and --name")
	}
	return nil
}

// open returns a handle on the selected table without local columns, so
// that it adopts the stored schema.
func (r *tableRef) open(client *table.Client) (*table.Table, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if r.id != "" {
		return table.Open(client, r.id), nil
	}
	return table.New(client, r.name, r.parent, table.KindTable)
}
