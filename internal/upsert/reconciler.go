// Package upsert merges incoming rows into a table by primary key. Rows
// whose key already exists are updated cell by cell; the rest are returned
// to the caller for insertion.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/arkilian/tablesync/internal/config"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/internal/transaction"
	"github.com/arkilian/tablesync/pkg/types"
)

// Querier runs a query against a table.
type Querier interface {
	Query(ctx context.Context, entityID, sql string, opts transaction.QueryOptions) (*types.ResultSet, error)
}

// Submitter submits one transaction and waits for it.
type Submitter interface {
	Submit(ctx context.Context, entityID string, changes []types.Change, timeout time.Duration) (*types.TableUpdateTransactionResponse, error)
}

// Target is the table rows are merged into.
type Target struct {
	TableID string
	// Columns is the current schema of the table, with server ids.
	Columns []types.ColumnModel
	// RowEtags is set for tables whose rows carry concurrency etags.
	RowEtags bool
	// RejectInserts fails the merge before any update when some incoming
	// rows match nothing.
	RejectInserts bool
}

// Options configures a Reconciler.
type Options struct {
	// RowsPerQuery is the number of incoming rows looked up per query.
	RowsPerQuery int
	// UpdateSizeByte bounds the estimated size of one partial row set.
	UpdateSizeByte int64
	// JobTimeout bounds each query and update job.
	JobTimeout time.Duration
	// DryRun computes and logs the updates without submitting them.
	DryRun bool
	Logger *slog.Logger
	Stats  *observability.TransferStats
}

// Report describes the outcome of a merge.
type Report struct {
	// Matched is the number of incoming rows that matched a stored row.
	Matched int
	// Updated is the number of stored rows that received new values.
	Updated int
	// Unchanged is the number of matched rows without any difference.
	Unchanged int
	// Transactions is the number of committed update transactions.
	Transactions int
	// Updates holds every partial row, in submission order.
	Updates []types.PartialRow
	// Unmatched lists the positions of incoming rows to insert, ascending.
	Unmatched []int
	DryRun    bool
}

// Reconciler merges frames into tables.
type Reconciler struct {
	querier   Querier
	submitter Submitter
	opts      Options
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. Zero options take the defaults of the
// config package.
func NewReconciler(q Querier, s Submitter, opts Options) *Reconciler {
	if opts.RowsPerQuery <= 0 {
		opts.RowsPerQuery = config.DefaultRowsPerQuery
	}
	if opts.UpdateSizeByte <= 0 {
		opts.UpdateSizeByte = config.DefaultUpdateSizeByte
	}
	return &Reconciler{querier: q, submitter: s, opts: opts, logger: logging.OrDefault(opts.Logger)}
}

// plan is a validated merge: frame columns resolved against the schema and
// every incoming value canonicalized.
type plan struct {
	target  Target
	columns []types.ColumnModel // frame order
	keys    []int               // frame positions of the primary key columns
	values  [][]cell
	names   map[string]string // column id -> name
}

// Reconcile looks up every incoming row by its primary key values and
// updates the stored rows it matches. All lookups complete before the first
// update is submitted, so a key conflict anywhere in values fails the merge
// without writing. Updates are packed into transactions bounded by
// UpdateSizeByte and submitted in order; a failure after the first commit is
// reported as a partial failure.
func (r *Reconciler) Reconcile(ctx context.Context, target Target, values *types.Frame, primaryKeys []string) (*Report, error) {
	p, err := newPlan(target, values, primaryKeys)
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: r.opts.DryRun}
	matched := make([]bool, len(p.values))
	claimed := make(map[int64]int)
	for start := 0; start < len(p.values); start += r.opts.RowsPerQuery {
		end := min(start+r.opts.RowsPerQuery, len(p.values))
		if err := r.matchBatch(ctx, p, start, end, matched, claimed, report); err != nil {
			return nil, err
		}
	}
	for i, m := range matched {
		if !m {
			report.Unmatched = append(report.Unmatched, i)
		}
	}
	if target.RejectInserts && len(report.Unmatched) > 0 {
		return nil, tserrors.NewValidationError(tserrors.CodeUnsupportedOperation,
			fmt.Sprintf("%d rows match no stored row and %s does not accept new rows", len(report.Unmatched), target.TableID))
	}
	r.opts.Stats.RecordUnchanged(int64(report.Unchanged))

	packs := PackPartialRows(report.Updates, r.opts.UpdateSizeByte)
	if r.opts.DryRun {
		r.logger.Info("dry run: would update rows", "table", target.TableID,
			"rows", len(report.Updates), "transactions", len(packs), "unmatched", len(report.Unmatched))
		for _, row := range report.Updates {
			r.logger.Info("dry run: update", "table", target.TableID, "row_id", row.RowID, "cells", len(row.Values))
		}
		return report, nil
	}

	var committed int64
	for i, pack := range packs {
		change := &types.AppendableRowSetRequest{
			EntityID: target.TableID,
			ToAppend: types.PartialRowSet{TableID: target.TableID, Rows: pack},
		}
		if _, err := r.submitter.Submit(ctx, target.TableID, []types.Change{change}, r.opts.JobTimeout); err != nil {
			if i == 0 {
				return nil, err
			}
			return nil, tserrors.NewPartialFailureError(tserrors.PartialFailure{
				CommittedChunks: i,
				FailedChunk:     i + 1,
				CommittedRows:   committed,
			}, err)
		}
		committed += int64(len(pack))
		report.Transactions++
		report.Updated += len(pack)
		for _, row := range pack {
			cols := make([]string, 0, len(row.Values))
			for _, c := range row.Values {
				cols = append(cols, p.names[c.ColumnID])
			}
			r.opts.Stats.RecordUpdatedRow(cols...)
		}
		r.logger.Info("rows updated", "table", target.TableID, "rows", len(pack), "transaction", i+1, "of", len(packs))
	}
	return report, nil
}

// matchBatch queries the stored rows of values[start:end] and diffs every
// match. claimed records which incoming row each stored row matched so far,
// so that duplicate keys split across batches are detected too.
func (r *Reconciler) matchBatch(ctx context.Context, p *plan, start, end int, matched []bool, claimed map[int64]int, report *Report) error {
	index := newKeyIndex()
	literals := make([][]string, len(p.keys))
	seen := make([]map[string]bool, len(p.keys))
	for k := range p.keys {
		seen[k] = make(map[string]bool)
	}
	for i := start; i < end; i++ {
		parts := make([]cell, len(p.keys))
		for k, pos := range p.keys {
			v := p.values[i][pos]
			parts[k] = v
			if v.ok && !seen[k][v.s] {
				seen[k][v.s] = true
				literals[k] = append(literals[k], quoteLiteral(p.columns[pos].ColumnType, v.s))
			}
		}
		if key, ok := encodeKey(parts); ok {
			index.add(key, i)
		}
	}
	for k := range literals {
		if len(literals[k]) == 0 {
			r.logger.Debug("batch has no complete key", "table", p.target.TableID, "start", start, "end", end)
			return nil
		}
	}

	keyCols := make([]types.ColumnModel, len(p.keys))
	for k, pos := range p.keys {
		keyCols[k] = p.columns[pos]
	}
	names := make([]string, len(p.columns))
	for i, c := range p.columns {
		names[i] = c.Name
	}
	sql := BuildSelect(p.target.TableID, names, keyCols, literals, p.target.RowEtags)
	rs, err := r.querier.Query(ctx, p.target.TableID, sql, transaction.QueryOptions{
		IncludeEntityEtag: p.target.RowEtags,
		Timeout:           r.opts.JobTimeout,
	})
	if err != nil {
		return fmt.Errorf("upsert: look up rows %d-%d: %w", start, end-1, err)
	}

	headers := make([]int, len(p.columns))
	for i, c := range p.columns {
		headers[i] = rs.ColumnIndex(c.Name)
	}
	etagCol := rs.ColumnIndex(types.RowEtagColumn)

	for _, row := range rs.Rows {
		if row.RowID == nil {
			return tserrors.NewInternalError("query result row without row id", nil)
		}
		stored := make([]*string, len(p.columns))
		for i, h := range headers {
			if h >= 0 && h < len(row.Values) {
				stored[i] = row.Values[h]
			}
		}
		parts := make([]cell, len(p.keys))
		for k, pos := range p.keys {
			parts[k] = storedCell(p.columns[pos].ColumnType, stored[pos])
		}
		key, ok := encodeKey(parts)
		if !ok {
			continue
		}
		rows := index.lookup(key)
		switch len(rows) {
		case 0:
			continue
		case 1:
		default:
			return tserrors.NewAmbiguousMatchError(*row.RowID, describeKey(p, parts), rows)
		}

		i := rows[0]
		if prev, ok := claimed[*row.RowID]; ok {
			if prev != i {
				return tserrors.NewAmbiguousMatchError(*row.RowID, describeKey(p, parts), []int{prev, i})
			}
			continue
		}
		claimed[*row.RowID] = i
		if !matched[i] {
			matched[i] = true
			report.Matched++
		}
		cells := diffCells(p.columns, p.values[i], stored)
		cells = slices.DeleteFunc(cells, func(c types.Cell) bool { return p.isKey(c.ColumnID) })
		if len(cells) == 0 {
			report.Unchanged++
			continue
		}
		update := types.PartialRow{RowID: *row.RowID, Etag: row.Etag, Values: cells}
		if update.Etag == "" && etagCol >= 0 && etagCol < len(row.Values) && row.Values[etagCol] != nil {
			update.Etag = *row.Values[etagCol]
		}
		report.Updates = append(report.Updates, update)
	}
	r.logger.Debug("batch matched", "table", p.target.TableID, "start", start, "end", end, "stored_rows", rs.Len())
	return nil
}

func (p *plan) isKey(columnID string) bool {
	for _, pos := range p.keys {
		if p.columns[pos].ID == columnID {
			return true
		}
	}
	return false
}

func describeKey(p *plan, parts []cell) string {
	s := ""
	for k, pos := range p.keys {
		if k > 0 {
			s += ", "
		}
		s += p.columns[pos].Name + "=" + parts[k].s
	}
	return s
}

// newPlan validates the merge request without touching the network.
func newPlan(target Target, values *types.Frame, primaryKeys []string) (*plan, error) {
	if len(primaryKeys) == 0 {
		return nil, tserrors.NewValidationError(tserrors.CodeInvalidPrimaryKey, "at least one primary key column is required")
	}
	if len(target.Columns) == 0 {
		return nil, tserrors.NewValidationError(tserrors.CodeNoBaseline,
			fmt.Sprintf("the columns of %s are not known; get the table first", target.TableID))
	}
	if values == nil {
		values = types.NewFrame()
	}

	schema := make(map[string]types.ColumnModel, len(target.Columns))
	for _, c := range target.Columns {
		schema[c.Name] = c
	}
	p := &plan{target: target, names: make(map[string]string)}
	for _, name := range values.Columns {
		if types.IsReservedColumnName(name) {
			return nil, tserrors.NewValidationError(tserrors.CodeReservedColumnName,
				fmt.Sprintf("%q is a system column and cannot be written", name))
		}
		col, ok := schema[name]
		if !ok {
			return nil, tserrors.NewValidationError(tserrors.CodeUnknownColumn,
				fmt.Sprintf("column %q is not in the schema of %s", name, target.TableID))
		}
		if col.ID == "" {
			return nil, tserrors.NewValidationError(tserrors.CodeNoBaseline,
				fmt.Sprintf("column %q has not been stored yet", name))
		}
		p.columns = append(p.columns, col)
		p.names[col.ID] = col.Name
	}

	for _, name := range primaryKeys {
		if slices.ContainsFunc(p.keys, func(pos int) bool { return p.columns[pos].Name == name }) {
			return nil, tserrors.NewValidationError(tserrors.CodeInvalidPrimaryKey,
				fmt.Sprintf("primary key column %q is listed twice", name))
		}
		pos := values.Index(name)
		if pos < 0 {
			return nil, tserrors.NewValidationError(tserrors.CodeInvalidPrimaryKey,
				fmt.Sprintf("primary key column %q is not in the values", name))
		}
		t := p.columns[pos].ColumnType
		if t.IsList() || t == types.ColumnTypeJSON {
			return nil, tserrors.NewValidationError(tserrors.CodeDisallowedKeyType,
				fmt.Sprintf("primary key column %q has type %s", name, t))
		}
		p.keys = append(p.keys, pos)
	}

	p.values = make([][]cell, len(values.Rows))
	for i, row := range values.Rows {
		if len(row) != len(p.columns) {
			return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues,
				fmt.Sprintf("row %d has %d values, expected %d", i, len(row), len(p.columns)))
		}
		cells := make([]cell, len(row))
		for j, v := range row {
			s, ok, err := Canonical(p.columns[j].ColumnType, v)
			if err != nil {
				return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues,
					fmt.Sprintf("row %d column %q: %v", i, p.columns[j].Name, err))
			}
			cells[j] = cell{s, ok}
		}
		p.values[i] = cells
	}
	return p, nil
}
