// Package types provides the wire and data model shared by every tablesync component.
package types

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownColumnType is returned when a column type string is not recognized.
var ErrUnknownColumnType = errors.New("unknown column type")

// ColumnType enumerates the value types a table column can hold.
type ColumnType string

const (
	ColumnTypeString       ColumnType = "STRING"
	ColumnTypeDouble       ColumnType = "DOUBLE"
	ColumnTypeInteger      ColumnType = "INTEGER"
	ColumnTypeBoolean      ColumnType = "BOOLEAN"
	ColumnTypeDate         ColumnType = "DATE"
	ColumnTypeFileHandleID ColumnType = "FILEHANDLEID"
	ColumnTypeEntityID     ColumnType = "ENTITYID"
	ColumnTypeLink         ColumnType = "LINK"
	ColumnTypeMediumText   ColumnType = "MEDIUMTEXT"
	ColumnTypeLargeText    ColumnType = "LARGETEXT"
	ColumnTypeUserID       ColumnType = "USERID"
	ColumnTypeSubmissionID ColumnType = "SUBMISSIONID"
	ColumnTypeEvaluationID ColumnType = "EVALUATIONID"
	ColumnTypeJSON         ColumnType = "JSON"

	ColumnTypeStringList   ColumnType = "STRING_LIST"
	ColumnTypeIntegerList  ColumnType = "INTEGER_LIST"
	ColumnTypeBooleanList  ColumnType = "BOOLEAN_LIST"
	ColumnTypeDateList     ColumnType = "DATE_LIST"
	ColumnTypeEntityIDList ColumnType = "ENTITYID_LIST"
	ColumnTypeUserIDList   ColumnType = "USERID_LIST"
)

var allColumnTypes = []ColumnType{
	ColumnTypeString, ColumnTypeDouble, ColumnTypeInteger, ColumnTypeBoolean,
	ColumnTypeDate, ColumnTypeFileHandleID, ColumnTypeEntityID, ColumnTypeLink,
	ColumnTypeMediumText, ColumnTypeLargeText, ColumnTypeUserID,
	ColumnTypeSubmissionID, ColumnTypeEvaluationID, ColumnTypeJSON,
	ColumnTypeStringList, ColumnTypeIntegerList, ColumnTypeBooleanList,
	ColumnTypeDateList, ColumnTypeEntityIDList, ColumnTypeUserIDList,
}

// ParseColumnType parses a case-insensitive column type name.
func ParseColumnType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(allColumnTypes, t) {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownColumnType, s)
}

// IsList reports whether the type is one of the *_LIST variants.
func (t ColumnType) IsList() bool {
	return strings.HasSuffix(string(t), "_LIST")
}

// ElementType returns the scalar type of a list type, or t itself.
func (t ColumnType) ElementType() ColumnType {
	if !t.IsList() {
		return t
	}
	return ColumnType(strings.TrimSuffix(string(t), "_LIST"))
}

// IsText reports whether values of this type are quoted text in SQL.
func (t ColumnType) IsText() bool {
	switch t.ElementType() {
	case ColumnTypeString, ColumnTypeLink, ColumnTypeMediumText, ColumnTypeLargeText,
		ColumnTypeEntityID, ColumnTypeJSON:
		return true
	}
	return false
}

// IsNumeric reports whether values of this type are unquoted numbers in SQL.
func (t ColumnType) IsNumeric() bool {
	switch t.ElementType() {
	case ColumnTypeDouble, ColumnTypeInteger, ColumnTypeDate, ColumnTypeFileHandleID,
		ColumnTypeUserID, ColumnTypeSubmissionID, ColumnTypeEvaluationID:
		return true
	}
	return false
}

// FacetType controls how a column is faceted in query results.
type FacetType string

const (
	FacetTypeEnumeration FacetType = "enumeration"
	FacetTypeRange       FacetType = "range"
)

// Reserved column names that can never be used for user-defined columns.
const (
	RowIDColumn            = "ROW_ID"
	RowVersionColumn       = "ROW_VERSION"
	RowEtagColumn          = "ROW_ETAG"
	RowBenefactorColumn    = "ROW_BENEFACTOR"
	RowSearchContentColumn = "ROW_SEARCH_CONTENT"
	RowHashCodeColumn      = "ROW_HASH_CODE"
)

var reservedColumnNames = []string{
	RowIDColumn, RowVersionColumn, RowEtagColumn,
	RowBenefactorColumn, RowSearchContentColumn, RowHashCodeColumn,
}

// IsReservedColumnName reports whether name collides with a system column.
// The comparison is case-insensitive.
func IsReservedColumnName(name string) bool {
	return slices.Contains(reservedColumnNames, strings.ToUpper(name))
}

// IsRowIdentityColumn reports whether name is ROW_ID, ROW_VERSION or
// ROW_ETAG, the system columns an upload may carry to replace rows.
func IsRowIdentityColumn(name string) bool {
	switch strings.ToUpper(name) {
	case RowIDColumn, RowVersionColumn, RowEtagColumn:
		return true
	}
	return false
}

// JSONSubColumn describes a path inside a JSON column exposed for faceting.
type JSONSubColumn struct {
	Name       string     `json:"name" yaml:"name"`
	ColumnType ColumnType `json:"columnType" yaml:"column_type"`
	JSONPath   string     `json:"jsonPath" yaml:"json_path"`
	FacetType  FacetType  `json:"facetType,omitempty" yaml:"facet_type,omitempty"`
}

// ColumnModel describes one table column.
//
// Column models are immutable on the server: any change to a persisted column
// produces a new model with a new ID. ID is empty until the column has been
// persisted.
type ColumnModel struct {
	ID                string          `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string          `json:"name" yaml:"name"`
	ColumnType        ColumnType      `json:"columnType" yaml:"column_type"`
	MaximumSize       int64           `json:"maximumSize,omitempty" yaml:"maximum_size,omitempty"`
	MaximumListLength int64           `json:"maximumListLength,omitempty" yaml:"maximum_list_length,omitempty"`
	EnumValues        []string        `json:"enumValues,omitempty" yaml:"enum_values,omitempty"`
	FacetType         FacetType       `json:"facetType,omitempty" yaml:"facet_type,omitempty"`
	DefaultValue      string          `json:"defaultValue,omitempty" yaml:"default_value,omitempty"`
	JSONSubColumns    []JSONSubColumn `json:"jsonSubColumns,omitempty" yaml:"json_sub_columns,omitempty"`
}

// Equal compares every field, including ID.
func (c *ColumnModel) Equal(o *ColumnModel) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.ID == o.ID && c.sameDefinition(o)
}

// SameDefinition compares every field except ID.
func (c *ColumnModel) SameDefinition(o *ColumnModel) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.sameDefinition(o)
}

func (c *ColumnModel) sameDefinition(o *ColumnModel) bool {
	return c.Name == o.Name &&
		c.ColumnType == o.ColumnType &&
		c.MaximumSize == o.MaximumSize &&
		c.MaximumListLength == o.MaximumListLength &&
		slices.Equal(c.EnumValues, o.EnumValues) &&
		c.FacetType == o.FacetType &&
		c.DefaultValue == o.DefaultValue &&
		slices.Equal(c.JSONSubColumns, o.JSONSubColumns)
}

// Clone returns a deep copy.
func (c *ColumnModel) Clone() *ColumnModel {
	cp := *c
	cp.EnumValues = slices.Clone(c.EnumValues)
	cp.JSONSubColumns = slices.Clone(c.JSONSubColumns)
	return &cp
}

// Definition returns a copy with the ID cleared, ready to be persisted as a
// new column model.
func (c *ColumnModel) Definition() *ColumnModel {
	cp := c.Clone()
	cp.ID = ""
	return cp
}
