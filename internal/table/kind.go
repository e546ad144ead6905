package table

import (
	"fmt"
	"strings"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/pkg/types"
)

// Kind is the type of a table-like entity.
type Kind int

const (
	// KindTable is a plain table. Rows are inserted and replaced freely.
	KindTable Kind = iota
	// KindEntityView projects entity annotations as rows.
	KindEntityView
	// KindSubmissionView projects evaluation submissions as rows.
	KindSubmissionView
	// KindDataset is a curated collection of entities.
	KindDataset
)

var kindConcreteTypes = map[Kind]string{
	KindTable:          types.ConcreteTypeTableEntity,
	KindEntityView:     types.ConcreteTypeEntityView,
	KindSubmissionView: types.ConcreteTypeSubmissionView,
	KindDataset:        types.ConcreteTypeDataset,
}

// KindOf maps an entity concrete type to a Kind.
func KindOf(concreteType string) (Kind, error) {
	for k, ct := range kindConcreteTypes {
		if ct == concreteType {
			return k, nil
		}
	}
	return 0, tserrors.NewValidationError(tserrors.CodeUnsupportedOperation,
		fmt.Sprintf("entity type %q is not a table", concreteType))
}

// ParseKind parses a kind name as written in table files: table,
// entity-view, submission-view or dataset. Spaces and underscores may stand
// in for the dash.
func ParseKind(s string) (Kind, error) {
	name := strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(strings.TrimSpace(s)))
	if name == "" {
		return KindTable, nil
	}
	for k := range kindConcreteTypes {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, tserrors.NewValidationError(tserrors.CodeInvalidValues, fmt.Sprintf("unknown table kind %q", s))
}

// ConcreteType returns the entity concrete type of k.
func (k Kind) ConcreteType() string { return kindConcreteTypes[k] }

// RowEtags reports whether rows of k carry concurrency etags that updates
// must echo.
func (k Kind) RowEtags() bool { return k != KindTable }

// AllowsInserts reports whether new rows can be uploaded to k. The rows of
// views and datasets are derived from other entities.
func (k Kind) AllowsInserts() bool { return k == KindTable }

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindEntityView:
		return "entity view"
	case KindSubmissionView:
		return "submission view"
	case KindDataset:
		return "dataset"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}
