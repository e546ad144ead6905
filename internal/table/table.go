package table

import (
	"context"
	"errors"
	"fmt"
	"time"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/schema"
	"github.com/arkilian/tablesync/pkg/types"
)

// Table is a local model of a table-like entity. Columns holds the schema the
// table should have; the last schema read from or written to the service is
// kept as the baseline that Store diffs against.
type Table struct {
	ID          string
	Name        string
	ParentID    string
	Description string
	Kind        Kind
	Columns     *schema.Collection

	client   *Client
	entity   *types.Entity
	baseline []types.ColumnModel
}

// New returns a local table that is created on the first Store, unless an
// entity with the same name already exists under parentID.
func New(client *Client, name, parentID string, kind Kind, columns ...types.ColumnModel) (*Table, error) {
	cols, err := schema.NewCollection(columns...)
	if err != nil {
		return nil, err
	}
	return &Table{Name: name, ParentID: parentID, Kind: kind, Columns: cols, client: client}, nil
}

// Open returns a handle on an existing table. Call Get to load it.
func Open(client *Client, id string) *Table {
	cols, _ := schema.NewCollection()
	return &Table{ID: id, Columns: cols, client: client}
}

// Entity returns the entity as last read from the service, or nil.
func (t *Table) Entity() *types.Entity { return t.entity }

// Baseline returns the schema as last read from the service.
func (t *Table) Baseline() []types.ColumnModel {
	out := make([]types.ColumnModel, len(t.baseline))
	for i := range t.baseline {
		out[i] = *t.baseline[i].Clone()
	}
	return out
}

// HasBaseline reports whether the table has been read from the service.
func (t *Table) HasBaseline() bool { return t.entity != nil }

// Get loads the entity and its columns, by ID or else by name and parent.
// Local column edits are discarded.
func (t *Table) Get(ctx context.Context) error {
	id, err := t.resolveID(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		return tserrors.New(tserrors.ErrCategoryTransport, tserrors.CodeNotFound,
			fmt.Sprintf("table %q not found in %s", t.Name, t.ParentID))
	}
	e, cols, err := t.fetch(ctx, id)
	if err != nil {
		return err
	}
	t.setEntity(e)
	t.setSchema(cols)
	return nil
}

// resolveID returns the table ID, looking the table up by name when needed.
// It returns "" when no such table exists.
func (t *Table) resolveID(ctx context.Context) (string, error) {
	if t.ID != "" {
		return t.ID, nil
	}
	if t.Name == "" || t.ParentID == "" {
		return "", tserrors.NewValidationError(tserrors.CodeInvalidValues,
			"a table needs an id, or a name and a parent id")
	}
	id, err := t.client.service.LookupChild(ctx, t.ParentID, t.Name)
	if errors.Is(err, tserrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("table: look up %q in %s: %w", t.Name, t.ParentID, err)
	}
	return id, nil
}

func (t *Table) fetch(ctx context.Context, id string) (*types.Entity, []types.ColumnModel, error) {
	e, err := t.client.service.GetEntity(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("table: get %s: %w", id, err)
	}
	if _, err := KindOf(e.ConcreteType); err != nil {
		return nil, nil, err
	}
	cols, err := t.client.service.GetColumns(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("table: get columns of %s: %w", id, err)
	}
	return e, cols, nil
}

func (t *Table) setEntity(e *types.Entity) {
	t.entity = e
	t.ID = e.ID
	t.Name = e.Name
	t.ParentID = e.ParentID
	t.Description = e.Description
	t.Kind, _ = KindOf(e.ConcreteType)
}

func (t *Table) setSchema(cols []types.ColumnModel) {
	t.baseline = make([]types.ColumnModel, len(cols))
	for i := range cols {
		t.baseline[i] = *cols[i].Clone()
	}
	t.Columns.Reset(cols)
}

// attach reads the remote copy of a table that was built locally, keeping
// the local columns as the target schema. Local columns without an ID take
// the ID of the remote column of the same name, so that unchanged columns
// are not recreated. A table without local columns adopts the remote schema.
// It returns false when the table does not exist yet.
func (t *Table) attach(ctx context.Context) (bool, error) {
	if t.entity != nil {
		return true, nil
	}
	id, err := t.resolveID(ctx)
	if err != nil || id == "" {
		return false, err
	}
	e, cols, err := t.fetch(ctx, id)
	if err != nil {
		return false, err
	}
	local := t.Columns
	pending := len(local.Pending())
	description := t.Description
	t.setEntity(e)
	if description != "" {
		t.Description = description
	}
	if local.Len() == 0 && pending == 0 {
		t.setSchema(cols)
		return true, nil
	}
	t.baseline = cols
	for _, remote := range cols {
		if col, ok := local.Get(remote.Name); ok && col.ID == "" {
			col.ID = remote.ID
		}
	}
	t.client.logger.Info("merged with existing table", "table", t.ID, "name", t.Name)
	return true, nil
}

// StoreOptions controls Store.
type StoreOptions struct {
	// DryRun logs the planned changes without applying them.
	DryRun bool
	// JobTimeout bounds the schema change job; zero uses the client default.
	JobTimeout time.Duration
}

// StoreResult describes what Store did or, in dry-run mode, would do.
type StoreResult struct {
	TableID string
	// Created is set when the entity did not exist before.
	Created bool
	// SchemaChanged is set when a schema change transaction was committed.
	SchemaChanged bool
	// Plan lists the schema changes, one line each.
	Plan   []string
	DryRun bool
}

// Store creates the table or brings the remote schema in line with Columns.
// An existing entity with the same name and parent is updated rather than
// duplicated. After a successful store the local columns are reset to the
// order the service reports.
func (t *Table) Store(ctx context.Context, opts StoreOptions) (*StoreResult, error) {
	exists, err := t.attach(ctx)
	if err != nil {
		return nil, err
	}
	plan := schema.Diff(t.baseline, t.Columns)
	res := &StoreResult{TableID: t.ID, Plan: plan.Describe(), DryRun: opts.DryRun}

	if !exists {
		if opts.DryRun {
			t.client.logger.Info("dry run: would create "+t.Kind.String(), "name", t.Name, "parent", t.ParentID,
				"columns", t.Columns.Len())
			for _, line := range res.Plan {
				t.client.logger.Info("dry run: would " + line)
			}
			return res, nil
		}
		if err := t.create(ctx, plan); err != nil {
			return nil, err
		}
		res.TableID = t.ID
		res.Created = true
		return res, nil
	}

	change, err := t.client.engine.Apply(ctx, plan, opts.DryRun)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return res, nil
	}
	if change != nil {
		resp, err := t.client.coordinator.Submit(ctx, t.ID, []types.Change{change.Request(t.ID)}, opts.JobTimeout)
		if err != nil {
			return nil, fmt.Errorf("table: schema change of %s: %w", t.ID, err)
		}
		res.SchemaChanged = true
		if err := t.refresh(ctx, resp); err != nil {
			return nil, err
		}
	}
	if err := t.storeMetadata(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// create persists the columns and creates the entity referencing them.
func (t *Table) create(ctx context.Context, plan *schema.Plan) error {
	change, err := t.client.engine.Apply(ctx, plan, false)
	if err != nil {
		return err
	}
	e := &types.Entity{
		ConcreteType: t.Kind.ConcreteType(),
		Name:         t.Name,
		ParentID:     t.ParentID,
		Description:  t.Description,
		ColumnIDs:    []string{},
	}
	if change != nil {
		e.ColumnIDs = change.OrderedColumnIDs
	}
	created, err := t.client.service.CreateEntity(ctx, e)
	if err != nil {
		return fmt.Errorf("table: create %q: %w", t.Name, err)
	}
	t.setEntity(created)
	t.client.logger.Info("created "+t.Kind.String(), "table", t.ID, "name", t.Name, "columns", len(e.ColumnIDs))
	return t.refresh(ctx, nil)
}

// refresh resets the schema to the one reported by a schema change, or to
// the one the service returns when resp carries none.
func (t *Table) refresh(ctx context.Context, resp *types.TableUpdateTransactionResponse) error {
	if resp != nil {
		if r := resp.SchemaResult(); r != nil && r.Schema != nil {
			t.setSchema(r.Schema)
			return nil
		}
	}
	cols, err := t.client.service.GetColumns(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("table: get columns of %s: %w", t.ID, err)
	}
	t.setSchema(cols)
	return nil
}

// storeMetadata updates the entity when its name or description changed.
func (t *Table) storeMetadata(ctx context.Context) error {
	if t.entity.Name == t.Name && t.entity.Description == t.Description {
		return nil
	}
	current, err := t.client.service.GetEntity(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("table: get %s: %w", t.ID, err)
	}
	current.Name = t.Name
	current.Description = t.Description
	updated, err := t.client.service.UpdateEntity(ctx, current)
	if err != nil {
		return fmt.Errorf("table: update %s: %w", t.ID, err)
	}
	t.setEntity(updated)
	return nil
}

// AddColumn adds a column at index, or last when index is negative.
func (t *Table) AddColumn(col types.ColumnModel, index int) error {
	return t.Columns.Add(col, index)
}

// DeleteColumn removes a column. Removing a stored column needs the baseline
// it is deleted from, so the table must have been read first.
func (t *Table) DeleteColumn(name string) error {
	col, ok := t.Columns.Get(name)
	if ok && col.ID != "" && !t.HasBaseline() {
		return tserrors.NewValidationError(tserrors.CodeNoBaseline,
			fmt.Sprintf("cannot delete column %q before the table is read", name))
	}
	return t.Columns.Delete(name)
}

// ReorderColumn moves a column to index.
func (t *Table) ReorderColumn(name string, index int) error {
	return t.Columns.Reorder(name, index)
}

// RenameColumn renames a column. The next Store replaces the stored column
// with a renamed copy; the service cannot tell this apart from a delete and
// an add at the same position.
func (t *Table) RenameColumn(oldName, newName string) error {
	return t.Columns.Rename(oldName, newName)
}
