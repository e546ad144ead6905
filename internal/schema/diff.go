package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/arkilian/tablesync/pkg/types"
)

// Entry is one column of the target schema.
type Entry struct {
	Column types.ColumnModel
	// Dirty columns must be persisted to obtain a new ID.
	Dirty bool
	// OldID is the baseline column the dirty column replaces, if any.
	OldID string
}

// Plan is the difference between a baseline schema and the current one.
//
// Columns are matched by name: a renamed column that kept its ID replaces
// that ID, while a column deleted and re-added under the same name is
// indistinguishable from an edit of the original column.
type Plan struct {
	// Entries is the target schema in order.
	Entries []Entry
	// Deletes holds baseline columns removed without replacement.
	Deletes []types.ColumnModel
	// BaselineOrder is the column ID order of the baseline.
	BaselineOrder []string
}

// Diff compares current against baseline. A nil baseline means the table has
// no known server schema yet.
func Diff(baseline []types.ColumnModel, current *Collection) *Plan {
	byName := make(map[string]*types.ColumnModel, len(baseline))
	baselineIDs := make(map[string]*types.ColumnModel, len(baseline))
	plan := &Plan{}
	for i := range baseline {
		col := &baseline[i]
		byName[col.Name] = col
		if col.ID != "" {
			baselineIDs[col.ID] = col
			plan.BaselineOrder = append(plan.BaselineOrder, col.ID)
		}
	}

	replaced := make(map[string]bool)
	kept := make(map[string]bool)
	for _, col := range current.columns {
		entry := Entry{Column: *col.Clone()}
		base, ok := byName[col.Name]
		if col.ID == "" || !ok || !base.Equal(col) {
			entry.Dirty = true
			if _, persisted := baselineIDs[col.ID]; persisted && !replaced[col.ID] {
				entry.OldID = col.ID
				replaced[col.ID] = true
			}
		} else {
			kept[col.ID] = true
		}
		plan.Entries = append(plan.Entries, entry)
	}

	deleted := make(map[string]bool)
	addDelete := func(col *types.ColumnModel) {
		if col.ID == "" || replaced[col.ID] || kept[col.ID] || deleted[col.ID] {
			return
		}
		if _, ok := baselineIDs[col.ID]; !ok {
			return
		}
		deleted[col.ID] = true
		plan.Deletes = append(plan.Deletes, *col.Clone())
	}
	for _, col := range current.pending {
		addDelete(col)
	}
	// Baseline columns dropped from the collection without Delete are
	// removed too.
	for i := range baseline {
		addDelete(&baseline[i])
	}
	return plan
}

// Dirty returns the entries that must be persisted.
func (p *Plan) Dirty() []Entry {
	var out []Entry
	for _, e := range p.Entries {
		if e.Dirty {
			out = append(out, e)
		}
	}
	return out
}

// Reordered reports whether the clean target order differs from the
// baseline order. It is only meaningful when no column is dirty.
func (p *Plan) Reordered() bool {
	order := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Dirty {
			return true
		}
		order = append(order, e.Column.ID)
	}
	return !slices.Equal(order, p.BaselineOrder)
}

// Empty reports whether applying the plan would not change anything.
func (p *Plan) Empty() bool {
	return len(p.Deletes) == 0 && !p.Reordered()
}

// Describe lists the planned changes, one line each.
func (p *Plan) Describe() []string {
	var lines []string
	for _, e := range p.Entries {
		if !e.Dirty {
			continue
		}
		if e.OldID != "" {
			lines = append(lines, fmt.Sprintf("replace column %q (id %s) with %s", e.Column.Name, e.OldID, describeColumn(e.Column)))
		} else {
			lines = append(lines, fmt.Sprintf("add column %q %s", e.Column.Name, describeColumn(e.Column)))
		}
	}
	for _, d := range p.Deletes {
		lines = append(lines, fmt.Sprintf("delete column %q (id %s)", d.Name, d.ID))
	}
	if len(lines) == 0 && p.Reordered() {
		names := make([]string, len(p.Entries))
		for i, e := range p.Entries {
			names[i] = e.Column.Name
		}
		lines = append(lines, "reorder columns to "+strings.Join(names, ", "))
	}
	return lines
}

func describeColumn(c types.ColumnModel) string {
	var sb strings.Builder
	sb.WriteString(string(c.ColumnType))
	if c.MaximumSize > 0 {
		fmt.Fprintf(&sb, "(%d)", c.MaximumSize)
	}
	if c.MaximumListLength > 0 {
		fmt.Fprintf(&sb, " max list length %d", c.MaximumListLength)
	}
	if len(c.EnumValues) > 0 {
		fmt.Fprintf(&sb, " enum %v", c.EnumValues)
	}
	if c.DefaultValue != "" {
		fmt.Fprintf(&sb, " default %q", c.DefaultValue)
	}
	return sb.String()
}
