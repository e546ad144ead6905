// Package table keeps table entities in sync with their remote copy: schema
// changes, bulk row uploads, upserts by primary key, row deletion and
// queries.
//
// A Table is not safe for concurrent use. Independent tables may be stored
// concurrently with StoreAll.
package table

import (
	"context"
	"log/slog"

	"github.com/arkilian/tablesync/internal/config"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/internal/schema"
	"github.com/arkilian/tablesync/internal/transaction"
	"github.com/arkilian/tablesync/internal/upload"
	"github.com/arkilian/tablesync/pkg/types"
)

// Service is the remote table service.
type Service interface {
	schema.ColumnRegistry
	transaction.JobService
	GetColumns(ctx context.Context, tableID string) ([]types.ColumnModel, error)
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	LookupChild(ctx context.Context, parentID, name string) (string, error)
	CreateEntity(ctx context.Context, e *types.Entity) (*types.Entity, error)
	UpdateEntity(ctx context.Context, e *types.Entity) (*types.Entity, error)
}

// Options configures a Client.
type Options struct {
	Transfer config.TransferConfig
	// CSV is the dialect of the files written for uploads.
	CSV    types.CsvTableDescriptor
	Logger *slog.Logger
	Stats  *observability.TransferStats
}

// Client bundles the collaborators every table operation needs.
type Client struct {
	service     Service
	uploader    upload.Uploader
	coordinator *transaction.Coordinator
	engine      *schema.Engine
	transfer    config.TransferConfig
	csv         types.CsvTableDescriptor
	logger      *slog.Logger
	stats       *observability.TransferStats
}

// NewClient creates a client. Zero transfer settings take the defaults of the
// config package.
func NewClient(service Service, uploader upload.Uploader, opts Options) *Client {
	t := opts.Transfer
	if t.InsertSizeByte <= 0 {
		t.InsertSizeByte = config.DefaultInsertSizeByte
	}
	if t.UpdateSizeByte <= 0 {
		t.UpdateSizeByte = config.DefaultUpdateSizeByte
	}
	if t.RowsPerQuery <= 0 {
		t.RowsPerQuery = config.DefaultRowsPerQuery
	}
	if t.JobTimeout <= 0 {
		t.JobTimeout = config.DefaultJobTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = config.DefaultPollInterval
	}
	csv := opts.CSV
	if csv.Separator == "" {
		csv = types.DefaultCsvTableDescriptor()
	}
	logger := logging.OrDefault(opts.Logger)
	return &Client{
		service:  service,
		uploader: uploader,
		coordinator: transaction.NewCoordinator(service, transaction.Options{
			Timeout:      t.JobTimeout,
			PollInterval: t.PollInterval,
			Logger:       logger,
			Stats:        opts.Stats,
		}),
		engine:   schema.NewEngine(service, logger),
		transfer: t,
		csv:      csv,
		logger:   logger,
		stats:    opts.Stats,
	}
}

// Stats returns the transfer statistics, which may be nil.
func (c *Client) Stats() *observability.TransferStats { return c.stats }

// Coordinator returns the job runner of the client.
func (c *Client) Coordinator() *transaction.Coordinator { return c.coordinator }
