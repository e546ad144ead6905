// Package schema keeps the client-side column model of a table and computes
// the schema changes needed to bring the server in line with it.
package schema

import (
	"fmt"
	"regexp"
	"slices"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/pkg/types"
)

// MaxColumnNameLength is the longest column name the service accepts.
const MaxColumnNameLength = 256

var columnNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _\-.+()']+$`)

// ValidateColumnName checks that name can be used for a user-defined column.
func ValidateColumnName(name string) error {
	if name == "" {
		return tserrors.NewValidationError(tserrors.CodeInvalidColumn, "column name must not be empty")
	}
	if types.IsReservedColumnName(name) {
		return tserrors.NewValidationError(tserrors.CodeReservedColumnName,
			fmt.Sprintf("column name %q is reserved", name))
	}
	if len(name) > MaxColumnNameLength {
		return tserrors.NewValidationError(tserrors.CodeInvalidColumn,
			fmt.Sprintf("column name %q is longer than %d characters", name, MaxColumnNameLength))
	}
	if !columnNamePattern.MatchString(name) {
		return tserrors.NewValidationError(tserrors.CodeInvalidColumn,
			fmt.Sprintf("column name %q contains unsupported characters", name))
	}
	return nil
}

// Collection is an ordered set of columns keyed by name. Removed columns that
// had been persisted are kept aside until the next schema change deletes them.
//
// A Collection is not safe for concurrent use.
type Collection struct {
	columns []*types.ColumnModel
	pending []*types.ColumnModel
}

// NewCollection returns a collection holding cols in order.
func NewCollection(cols ...types.ColumnModel) (*Collection, error) {
	c := &Collection{}
	for _, col := range cols {
		if err := c.Add(col, -1); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add inserts col at index, or appends it when index is negative or past the
// end.
func (c *Collection) Add(col types.ColumnModel, index int) error {
	if err := ValidateColumnName(col.Name); err != nil {
		return err
	}
	if c.indexOf(col.Name) >= 0 {
		return tserrors.NewValidationError(tserrors.CodeDuplicateColumn,
			fmt.Sprintf("column %q already exists", col.Name))
	}
	cp := col.Clone()
	if index < 0 || index >= len(c.columns) {
		c.columns = append(c.columns, cp)
	} else {
		c.columns = slices.Insert(c.columns, index, cp)
	}
	// Re-adding a column that was pending deletion keeps it.
	if cp.ID != "" {
		c.pending = slices.DeleteFunc(c.pending, func(p *types.ColumnModel) bool { return p.ID == cp.ID })
	}
	return nil
}

// Delete removes the named column. Persisted columns are remembered so that
// the next schema change removes them from the table.
func (c *Collection) Delete(name string) error {
	i := c.indexOf(name)
	if i < 0 {
		return unknownColumn(name)
	}
	col := c.columns[i]
	c.columns = slices.Delete(c.columns, i, i+1)
	if col.ID != "" {
		c.pending = append(c.pending, col)
	}
	return nil
}

// Reorder moves the named column to index. A negative index or one past the
// end moves it last.
func (c *Collection) Reorder(name string, index int) error {
	i := c.indexOf(name)
	if i < 0 {
		return unknownColumn(name)
	}
	col := c.columns[i]
	c.columns = slices.Delete(c.columns, i, i+1)
	if index < 0 || index >= len(c.columns) {
		c.columns = append(c.columns, col)
	} else {
		c.columns = slices.Insert(c.columns, index, col)
	}
	return nil
}

// Rename changes the name of a column in place. The column keeps its ID, so
// the next diff replaces the old column with a renamed copy.
func (c *Collection) Rename(oldName, newName string) error {
	i := c.indexOf(oldName)
	if i < 0 {
		return unknownColumn(oldName)
	}
	if oldName == newName {
		return nil
	}
	if err := ValidateColumnName(newName); err != nil {
		return err
	}
	if c.indexOf(newName) >= 0 {
		return tserrors.NewValidationError(tserrors.CodeDuplicateColumn,
			fmt.Sprintf("column %q already exists", newName))
	}
	c.columns[i].Name = newName
	return nil
}

// Get returns the named column. The returned model is live: edits to it are
// picked up by the next diff.
func (c *Collection) Get(name string) (*types.ColumnModel, bool) {
	i := c.indexOf(name)
	if i < 0 {
		return nil, false
	}
	return c.columns[i], true
}

// Has reports whether the named column exists.
func (c *Collection) Has(name string) bool { return c.indexOf(name) >= 0 }

// Columns returns copies of the columns in order.
func (c *Collection) Columns() []types.ColumnModel {
	out := make([]types.ColumnModel, len(c.columns))
	for i, col := range c.columns {
		out[i] = *col.Clone()
	}
	return out
}

// Names returns the column names in order.
func (c *Collection) Names() []string {
	out := make([]string, len(c.columns))
	for i, col := range c.columns {
		out[i] = col.Name
	}
	return out
}

// Len returns the number of columns.
func (c *Collection) Len() int { return len(c.columns) }

// Pending returns copies of the persisted columns removed since the last sync.
func (c *Collection) Pending() []types.ColumnModel {
	out := make([]types.ColumnModel, len(c.pending))
	for i, col := range c.pending {
		out[i] = *col.Clone()
	}
	return out
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	cp := &Collection{
		columns: make([]*types.ColumnModel, len(c.columns)),
		pending: make([]*types.ColumnModel, len(c.pending)),
	}
	for i, col := range c.columns {
		cp.columns[i] = col.Clone()
	}
	for i, col := range c.pending {
		cp.pending[i] = col.Clone()
	}
	return cp
}

// Reset replaces the content with cols and clears pending deletions. It is
// used after the server reported the authoritative schema.
func (c *Collection) Reset(cols []types.ColumnModel) {
	c.columns = make([]*types.ColumnModel, len(cols))
	for i := range cols {
		c.columns[i] = cols[i].Clone()
	}
	c.pending = nil
}

func (c *Collection) indexOf(name string) int {
	return slices.IndexFunc(c.columns, func(col *types.ColumnModel) bool { return col.Name == name })
}

func unknownColumn(name string) error {
	return tserrors.NewValidationError(tserrors.CodeUnknownColumn,
		fmt.Sprintf("column %q does not exist", name))
}
