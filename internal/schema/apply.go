package schema

import (
	"context"
	"fmt"
	"log/slog"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/pkg/types"
)

// ColumnRegistry persists column definitions and assigns their IDs.
type ColumnRegistry interface {
	PostColumns(ctx context.Context, cols []types.ColumnModel) ([]types.ColumnModel, error)
}

// Change is a persisted plan, ready to be sent as a schema change request.
type Change struct {
	Changes          []types.ColumnChange
	OrderedColumnIDs []string
	// Persisted maps column names to their newly persisted models.
	Persisted map[string]types.ColumnModel
}

// Request returns the schema change request for entityID.
func (c *Change) Request(entityID string) *types.TableSchemaChangeRequest {
	return &types.TableSchemaChangeRequest{
		EntityID:         entityID,
		Changes:          c.Changes,
		OrderedColumnIDs: c.OrderedColumnIDs,
	}
}

// Engine turns plans into schema changes.
type Engine struct {
	registry ColumnRegistry
	logger   *slog.Logger
}

// NewEngine creates an engine persisting columns through registry.
func NewEngine(registry ColumnRegistry, logger *slog.Logger) *Engine {
	return &Engine{registry: registry, logger: logging.OrDefault(logger)}
}

// Apply persists the dirty columns of plan in one batch and returns the
// resulting change. It returns nil when the plan is empty. In dry-run mode
// the plan is only logged and nil is returned.
func (e *Engine) Apply(ctx context.Context, plan *Plan, dryRun bool) (*Change, error) {
	if plan.Empty() {
		e.logger.Debug("schema unchanged")
		return nil, nil
	}
	if dryRun {
		for _, line := range plan.Describe() {
			e.logger.Info("dry run: would "+line, "dry_run", true)
		}
		return nil, nil
	}

	dirty := plan.Dirty()
	defs := make([]types.ColumnModel, len(dirty))
	for i, entry := range dirty {
		defs[i] = *entry.Column.Definition()
	}

	persisted := make(map[string]types.ColumnModel, len(dirty))
	if len(defs) > 0 {
		created, err := e.registry.PostColumns(ctx, defs)
		if err != nil {
			return nil, tserrors.NewSchemaError(tserrors.CodeColumnPersistFailed,
				fmt.Sprintf("persist %d columns", len(defs)), err)
		}
		if len(created) != len(defs) {
			return nil, tserrors.NewSchemaError(tserrors.CodeColumnPersistFailed,
				fmt.Sprintf("persisted %d columns but the registry returned %d", len(defs), len(created)), nil)
		}
		for i, col := range created {
			if col.ID == "" {
				return nil, tserrors.NewSchemaError(tserrors.CodeColumnPersistFailed,
					fmt.Sprintf("registry returned no id for column %q", defs[i].Name), nil)
			}
			persisted[dirty[i].Column.Name] = col
		}
	}

	change := &Change{Persisted: persisted}
	for _, entry := range plan.Entries {
		id := entry.Column.ID
		if entry.Dirty {
			newID := persisted[entry.Column.Name].ID
			id = newID
			cc := types.ColumnChange{NewColumnID: types.StringPtr(newID)}
			if entry.OldID != "" {
				cc.OldColumnID = types.StringPtr(entry.OldID)
			}
			// Re-persisting an unchanged definition can return the same ID.
			if entry.OldID != newID {
				change.Changes = append(change.Changes, cc)
			}
		}
		change.OrderedColumnIDs = append(change.OrderedColumnIDs, id)
	}
	for _, d := range plan.Deletes {
		change.Changes = append(change.Changes, types.ColumnChange{OldColumnID: types.StringPtr(d.ID)})
	}
	for _, line := range plan.Describe() {
		e.logger.Info(line)
	}
	return change, nil
}
