package table

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/tablesync/internal/chunk"
	"github.com/arkilian/tablesync/internal/csvutil"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/internal/schema"
	"github.com/arkilian/tablesync/internal/transaction"
	"github.com/arkilian/tablesync/internal/upsert"
	"github.com/arkilian/tablesync/pkg/types"
)

// SchemaStorageStrategy decides how StoreRows treats columns of the values
// that the table does not have.
type SchemaStorageStrategy int

const (
	// SchemaStorageNone rejects unknown columns.
	SchemaStorageNone SchemaStorageStrategy = iota
	// SchemaStorageInferFromData adds unknown columns with a type inferred
	// from their values.
	SchemaStorageInferFromData
)

// ColumnExpansionStrategy decides whether StoreRows widens existing columns
// that are too narrow for the values.
type ColumnExpansionStrategy int

const (
	// ColumnExpansionNone leaves existing columns as they are.
	ColumnExpansionNone ColumnExpansionStrategy = iota
	// ColumnExpansionAutoExpandContentLength grows STRING sizes and list
	// lengths, turning STRING into LARGETEXT past the maximum size.
	ColumnExpansionAutoExpandContentLength
)

// StoreRowsOptions controls StoreRows.
type StoreRowsOptions struct {
	SchemaStorage   SchemaStorageStrategy
	ColumnExpansion ColumnExpansionStrategy
	DryRun          bool
	// InsertSizeByte bounds one upload; zero uses the client default.
	InsertSizeByte int64
	// JobTimeout bounds each transaction; zero uses the client default.
	JobTimeout time.Duration
}

// StoreRowsResult describes a completed upload.
type StoreRowsResult struct {
	TableID string
	// Rows is the number of rows uploaded.
	Rows int64
	// Chunks is the number of committed upload transactions.
	Chunks int
	// SchemaPlan lists the schema changes sent with the first chunk.
	SchemaPlan []string
	DryRun     bool
	Stats      observability.Snapshot
}

// StoreRows appends the rows of values to the table, creating the table
// first when it does not exist. Rows carrying a ROW_ID replace the cells of
// that row instead; views and datasets only accept such rows, with their
// ROW_ETAG. Values are written to a CSV file and uploaded in chunks of at
// most InsertSizeByte; pending schema changes are committed with the first
// chunk.
func (t *Table) StoreRows(ctx context.Context, values *types.Frame, opts StoreRowsOptions) (*StoreRowsResult, error) {
	if values == nil || len(values.Columns) == 0 {
		return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues, "no columns to store")
	}
	values, err := normalizeIdentity(values)
	if err != nil {
		return nil, err
	}

	exists, err := t.attach(ctx)
	if err != nil {
		return nil, err
	}
	if !t.Kind.AllowsInserts() {
		if err := t.checkReplacements(values, exists); err != nil {
			return nil, err
		}
	}
	if err := t.prepareColumns(values, opts); err != nil {
		return nil, err
	}
	res := &StoreRowsResult{TableID: t.ID, DryRun: opts.DryRun}
	plan := schema.Diff(t.baseline, t.Columns)
	res.SchemaPlan = plan.Describe()

	var first []types.Change
	if !exists {
		if opts.DryRun {
			t.client.logger.Info("dry run: would create "+t.Kind.String()+" and upload rows",
				"name", t.Name, "rows", values.Len(), "columns", t.Columns.Len())
			return res, nil
		}
		if _, err := t.Store(ctx, StoreOptions{JobTimeout: opts.JobTimeout}); err != nil {
			return nil, err
		}
		res.TableID = t.ID
	} else {
		change, err := t.client.engine.Apply(ctx, plan, opts.DryRun)
		if err != nil {
			return nil, err
		}
		if change != nil {
			first = []types.Change{change.Request(t.ID)}
		}
	}
	if opts.DryRun {
		t.client.logger.Info("dry run: would upload rows", "table", t.ID, "rows", values.Len())
		return res, nil
	}
	if values.Len() == 0 && first == nil {
		return res, nil
	}

	path, err := t.writeCSV(values)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	out, err := t.upload(ctx, path, first, opts.InsertSizeByte, opts.JobTimeout, t.client.stats)
	if first != nil && (err == nil || errors.Is(err, tserrors.ErrPartialFailure)) {
		var resp *types.TableUpdateTransactionResponse
		if out != nil && len(out.Responses) > 0 {
			resp = out.Responses[0]
		}
		if rerr := t.refresh(ctx, resp); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return nil, err
	}
	res.Rows = out.Rows
	res.Chunks = out.Chunks
	res.Stats = t.client.stats.Snapshot()
	t.client.logger.Info("rows stored", "table", t.ID, "rows", out.Rows, "chunks", out.Chunks, "bytes", out.Bytes)
	return res, nil
}

// normalizeIdentity upper-cases the row identity columns of values. Other
// reserved names are rejected, as are frames holding nothing else, which
// the service would read as a deletion.
func normalizeIdentity(values *types.Frame) (*types.Frame, error) {
	out := values
	seen := make(map[string]bool, len(values.Columns))
	user := 0
	for i, name := range values.Columns {
		if !types.IsReservedColumnName(name) {
			user++
			continue
		}
		if !types.IsRowIdentityColumn(name) {
			return nil, tserrors.NewValidationError(tserrors.CodeReservedColumnName,
				fmt.Sprintf("%q is a system column and cannot be written", name))
		}
		up := strings.ToUpper(name)
		if seen[up] {
			return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues,
				fmt.Sprintf("column %s appears twice", up))
		}
		seen[up] = true
		if up != name {
			if out == values {
				out = &types.Frame{Columns: slices.Clone(values.Columns), Rows: values.Rows}
			}
			out.Columns[i] = up
		}
	}
	if user == 0 {
		return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues,
			"no columns to store besides the row identity")
	}
	return out, nil
}

// checkReplacements checks that every row of values names an existing row
// of a kind that takes no inserts, with its etag when the kind has them.
func (t *Table) checkReplacements(values *types.Frame, exists bool) error {
	if values.Len() == 0 {
		return nil
	}
	unsupported := func(reason string) error {
		return tserrors.NewValidationError(tserrors.CodeUnsupportedOperation,
			fmt.Sprintf("rows cannot be inserted into a %s; %s", t.Kind, reason))
	}
	if !exists {
		return unsupported(fmt.Sprintf("%q does not exist", t.Name))
	}
	required := []string{types.RowIDColumn}
	if t.Kind.RowEtags() {
		required = append(required, types.RowEtagColumn)
	}
	for _, name := range required {
		col, ok := values.Column(name)
		if !ok {
			return unsupported("rows must carry " + strings.Join(required, " and "))
		}
		for i, v := range col {
			if s, ok := csvutil.FormatValue(v); !ok || s == "" {
				return unsupported(fmt.Sprintf("row %d has no %s", i, name))
			}
		}
	}
	return nil
}

// prepareColumns applies the schema strategies to the local columns and
// checks that every column of values exists.
func (t *Table) prepareColumns(values *types.Frame, opts StoreRowsOptions) error {
	for _, name := range values.Columns {
		if t.Columns.Has(name) || types.IsRowIdentityColumn(name) {
			continue
		}
		if opts.SchemaStorage != SchemaStorageInferFromData {
			return tserrors.NewValidationError(tserrors.CodeUnknownColumn,
				fmt.Sprintf("column %q is not in the schema of %s", name, t.describe()))
		}
		col, _ := values.Column(name)
		inferred := schema.InferColumn(name, col)
		if err := t.Columns.Add(inferred, -1); err != nil {
			return err
		}
		t.client.logger.Info("inferred column", "table", t.describe(), "column", name, "type", inferred.ColumnType,
			"maximum_size", inferred.MaximumSize)
	}
	if opts.ColumnExpansion == ColumnExpansionAutoExpandContentLength {
		if expanded := schema.ExpandColumns(t.Columns, values); len(expanded) > 0 {
			t.client.logger.Info("expanded columns", "table", t.describe(), "columns", expanded)
		}
	}
	return nil
}

func (t *Table) describe() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Name
}

// writeCSV writes values to a temporary file with a header line.
func (t *Table) writeCSV(values *types.Frame) (string, error) {
	f, err := os.CreateTemp(t.client.transfer.TempDir, "tablesync-rows-*.csv")
	if err != nil {
		return "", fmt.Errorf("table: %w", err)
	}
	desc := t.uploadDescriptor()
	if _, err := csvutil.WriteFrame(f, values, desc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("table: write rows: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("table: %w", err)
	}
	return f.Name(), nil
}

func (t *Table) uploadDescriptor() types.CsvTableDescriptor {
	desc := t.client.csv
	desc.IsFirstLineHeader = true
	return desc
}

// upload sends a CSV file through the chunker.
func (t *Table) upload(ctx context.Context, path string, first []types.Change, budget int64, timeout time.Duration, stats *observability.TransferStats) (*chunk.Result, error) {
	if budget <= 0 {
		budget = t.client.transfer.InsertSizeByte
	}
	c := chunk.NewChunker(t.client.uploader, chunk.Options{
		TableID:    t.ID,
		Budget:     budget,
		Descriptor: t.uploadDescriptor(),
		TempDir:    t.client.transfer.TempDir,
		Logger:     t.client.logger,
		Stats:      stats,
	})
	return c.Run(ctx, path, first, func(ctx context.Context, changes []types.Change) (*types.TableUpdateTransactionResponse, error) {
		return t.client.coordinator.Submit(ctx, t.ID, changes, timeout)
	})
}

// UpsertOptions controls UpsertRows.
type UpsertOptions struct {
	DryRun bool
	// RowsPerQuery, UpdateSizeByte and InsertSizeByte override the client
	// defaults when positive.
	RowsPerQuery   int
	UpdateSizeByte int64
	InsertSizeByte int64
	JobTimeout     time.Duration
}

// UpsertReport describes a completed upsert.
type UpsertReport struct {
	upsert.Report
	// Inserted is the number of new rows uploaded.
	Inserted int64
	Stats    observability.Snapshot
}

// UpsertRows updates the stored rows whose primary key values match a row of
// values and inserts the others. Only changed cells are sent. Views and
// datasets reject rows that match nothing.
func (t *Table) UpsertRows(ctx context.Context, values *types.Frame, primaryKeys []string, opts UpsertOptions) (*UpsertReport, error) {
	exists, err := t.attach(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, tserrors.NewValidationError(tserrors.CodeNoBaseline,
			fmt.Sprintf("table %q does not exist; store it first", t.Name))
	}

	rowsPerQuery := opts.RowsPerQuery
	if rowsPerQuery <= 0 {
		rowsPerQuery = t.client.transfer.RowsPerQuery
	}
	updateSize := opts.UpdateSizeByte
	if updateSize <= 0 {
		updateSize = t.client.transfer.UpdateSizeByte
	}
	r := upsert.NewReconciler(t.client.coordinator, t.client.coordinator, upsert.Options{
		RowsPerQuery:   rowsPerQuery,
		UpdateSizeByte: updateSize,
		JobTimeout:     opts.JobTimeout,
		DryRun:         opts.DryRun,
		Logger:         t.client.logger,
		Stats:          t.client.stats,
	})
	report, err := r.Reconcile(ctx, upsert.Target{
		TableID:       t.ID,
		Columns:       t.Baseline(),
		RowEtags:      t.Kind.RowEtags(),
		RejectInserts: !t.Kind.AllowsInserts(),
	}, values, primaryKeys)
	if err != nil {
		return nil, err
	}

	out := &UpsertReport{Report: *report}
	if len(report.Unmatched) > 0 {
		inserted, err := t.StoreRows(ctx, values.Select(report.Unmatched), StoreRowsOptions{
			DryRun:         opts.DryRun,
			InsertSizeByte: opts.InsertSizeByte,
			JobTimeout:     opts.JobTimeout,
		})
		if err != nil {
			return nil, afterUpdates(report, err)
		}
		out.Inserted = inserted.Rows
		if opts.DryRun {
			out.Inserted = int64(len(report.Unmatched))
		}
	}
	out.Stats = t.client.stats.Snapshot()
	t.client.logger.Info("upsert complete", "table", t.ID, "matched", report.Matched, "updated", report.Updated,
		"unchanged", report.Unchanged, "inserted", out.Inserted, "dry_run", opts.DryRun)
	return out, nil
}

// afterUpdates reports an insert failure that follows committed updates as a
// partial failure counting both passes.
func afterUpdates(report *upsert.Report, err error) error {
	if report.Transactions == 0 {
		return err
	}
	pf := tserrors.PartialFailure{
		CommittedChunks: report.Transactions,
		FailedChunk:     report.Transactions + 1,
		CommittedRows:   int64(report.Updated),
	}
	if inner, ok := tserrors.GetPartialFailure(err); ok {
		pf.CommittedChunks += inner.CommittedChunks
		pf.FailedChunk = report.Transactions + inner.FailedChunk
		pf.CommittedRows += inner.CommittedRows
	}
	return tserrors.NewPartialFailureError(pf, err)
}

// DeleteOptions controls DeleteRows.
type DeleteOptions struct {
	DryRun     bool
	JobTimeout time.Duration
}

// DeleteRows deletes the rows selected by sql and returns them as they were
// before the deletion. The rows are sent as an upload holding only their
// identity columns, which the service applies as a deletion.
func (t *Table) DeleteRows(ctx context.Context, sql string, opts DeleteOptions) (*types.ResultSet, error) {
	if _, err := t.requireID(ctx); err != nil {
		return nil, err
	}
	etags := t.Kind.RowEtags()
	rs, err := t.client.coordinator.Query(ctx, t.ID, sql, transaction.QueryOptions{
		IncludeEntityEtag: etags,
		Timeout:           opts.JobTimeout,
	})
	if err != nil {
		return nil, err
	}
	header := []string{types.RowIDColumn, types.RowVersionColumn}
	if etags {
		header = append(header, types.RowEtagColumn)
	}
	records := make([][]string, 0, rs.Len())
	for i, row := range rs.Rows {
		if row.RowID == nil || row.VersionNumber == nil || (etags && row.Etag == "") {
			return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues,
				fmt.Sprintf("row %d of the query result lacks %v; select them to delete rows", i, header))
		}
		rec := []string{types.FormatRowID(*row.RowID), strconv.FormatInt(*row.VersionNumber, 10)}
		if etags {
			rec = append(rec, row.Etag)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return rs, nil
	}
	if opts.DryRun {
		t.client.logger.Info("dry run: would delete rows", "table", t.ID, "rows", len(records))
		return rs, nil
	}

	path, err := t.writeRecords(header, records)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	if _, err := t.upload(ctx, path, nil, 0, opts.JobTimeout, nil); err != nil {
		return nil, fmt.Errorf("table: delete rows of %s: %w", t.ID, err)
	}
	t.client.stats.RecordDeleted(int64(len(records)))
	t.client.logger.Info("rows deleted", "table", t.ID, "rows", len(records))
	return rs, nil
}

func (t *Table) writeRecords(header []string, records [][]string) (string, error) {
	f, err := os.CreateTemp(t.client.transfer.TempDir, "tablesync-delete-*.csv")
	if err != nil {
		return "", fmt.Errorf("table: %w", err)
	}
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("table: write row ids: %w", err)
	}
	w, err := csvutil.NewWriter(f, t.uploadDescriptor())
	if err != nil {
		return fail(err)
	}
	if err := w.Write(header); err != nil {
		return fail(err)
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return fail(err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("table: %w", err)
	}
	return f.Name(), nil
}

// QueryOptions controls Query.
type QueryOptions struct {
	// MaxPages stops after that many result pages when positive.
	MaxPages   int
	JobTimeout time.Duration
}

// Query runs sql against the table and returns every result page.
func (t *Table) Query(ctx context.Context, sql string, opts QueryOptions) (*types.ResultSet, error) {
	if _, err := t.requireID(ctx); err != nil {
		return nil, err
	}
	return t.client.coordinator.Query(ctx, t.ID, sql, transaction.QueryOptions{
		IncludeEntityEtag: t.Kind.RowEtags(),
		Timeout:           opts.JobTimeout,
		MaxPages:          opts.MaxPages,
	})
}

// requireID resolves the ID of a table that must exist.
func (t *Table) requireID(ctx context.Context) (string, error) {
	if t.entity != nil {
		return t.ID, nil
	}
	exists, err := t.attach(ctx)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", tserrors.New(tserrors.ErrCategoryTransport, tserrors.CodeNotFound,
			fmt.Sprintf("table %q not found in %s", t.Name, t.ParentID))
	}
	return t.ID, nil
}
