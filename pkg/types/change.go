package types

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
)

// Concrete type discriminators used on the wire.
const (
	ConcreteTypeColumnChange                  = "org.sagebionetworks.repo.model.table.ColumnChange"
	ConcreteTypeTableSchemaChangeRequest      = "org.sagebionetworks.repo.model.table.TableSchemaChangeRequest"
	ConcreteTypeUploadToTableRequest          = "org.sagebionetworks.repo.model.table.UploadToTableRequest"
	ConcreteTypeAppendableRowSetRequest       = "org.sagebionetworks.repo.model.table.AppendableRowSetRequest"
	ConcreteTypePartialRowSet                 = "org.sagebionetworks.repo.model.table.PartialRowSet"
	ConcreteTypeTableUpdateTransactionRequest = "org.sagebionetworks.repo.model.table.TableUpdateTransactionRequest"

	ConcreteTypeTableSchemaChangeResponse = "org.sagebionetworks.repo.model.table.TableSchemaChangeResponse"
	ConcreteTypeUploadToTableResult       = "org.sagebionetworks.repo.model.table.UploadToTableResult"
	ConcreteTypeRowReferenceSetResults    = "org.sagebionetworks.repo.model.table.RowReferenceSetResults"
	ConcreteTypeEntityUpdateResults       = "org.sagebionetworks.repo.model.table.EntityUpdateResults"
)

// Change is one entry of a table update transaction.
type Change interface {
	// ConcreteType returns the wire discriminator of the change.
	ConcreteType() string
}

// ColumnChange is one edge between two schema generations. A nil OldColumnID
// adds a column, a nil NewColumnID removes one, both set replaces one column
// with another.
type ColumnChange struct {
	OldColumnID *string `json:"oldColumnId"`
	NewColumnID *string `json:"newColumnId"`
}

// IsDelete reports whether the change removes a column without replacement.
func (c ColumnChange) IsDelete() bool { return c.OldColumnID != nil && c.NewColumnID == nil }

// IsAdd reports whether the change adds a column without replacing one.
func (c ColumnChange) IsAdd() bool { return c.OldColumnID == nil && c.NewColumnID != nil }

func (c ColumnChange) String() string {
	deref := func(s *string) string {
		if s == nil {
			return "null"
		}
		return *s
	}
	return deref(c.OldColumnID) + "->" + deref(c.NewColumnID)
}

func (c ColumnChange) MarshalJSON() ([]byte, error) {
	type alias ColumnChange
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		alias
	}{ConcreteTypeColumnChange, alias(c)})
}

// TableSchemaChangeRequest applies a set of column changes and a full column
// order atomically.
type TableSchemaChangeRequest struct {
	EntityID         string         `json:"entityId"`
	Changes          []ColumnChange `json:"changes"`
	OrderedColumnIDs []string       `json:"orderedColumnIds"`
}

func (*TableSchemaChangeRequest) ConcreteType() string { return ConcreteTypeTableSchemaChangeRequest }

func (r *TableSchemaChangeRequest) MarshalJSON() ([]byte, error) {
	type alias TableSchemaChangeRequest
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypeTableSchemaChangeRequest, (*alias)(r)})
}

// CsvTableDescriptor describes how an uploaded CSV file must be parsed.
type CsvTableDescriptor struct {
	Separator         string `json:"separator" yaml:"separator"`
	QuoteCharacter    string `json:"quoteCharacter" yaml:"quote_character"`
	EscapeCharacter   string `json:"escapeCharacter" yaml:"escape_character"`
	LineEnd           string `json:"lineEnd" yaml:"line_end"`
	IsFirstLineHeader bool   `json:"isFirstLineHeader" yaml:"is_first_line_header"`
}

// DefaultCsvTableDescriptor returns the descriptor used when none is configured.
func DefaultCsvTableDescriptor() CsvTableDescriptor {
	lineEnd := "\n"
	if runtime.GOOS == "windows" {
		lineEnd = "\r\n"
	}
	return CsvTableDescriptor{
		Separator:         ",",
		QuoteCharacter:    `"`,
		EscapeCharacter:   `\`,
		LineEnd:           lineEnd,
		IsFirstLineHeader: true,
	}
}

// Validate checks that every delimiter is a single character and that they do
// not collide.
func (d CsvTableDescriptor) Validate() error {
	fields := []struct{ name, value string }{
		{"separator", d.Separator},
		{"quoteCharacter", d.QuoteCharacter},
		{"escapeCharacter", d.EscapeCharacter},
	}
	seen := make(map[string]string, len(fields))
	for _, f := range fields {
		if len([]rune(f.value)) != 1 {
			return fmt.Errorf("csv descriptor: %s must be a single character, got %q", f.name, f.value)
		}
		if other, ok := seen[f.value]; ok {
			return fmt.Errorf("csv descriptor: %s and %s are both %q", other, f.name, f.value)
		}
		seen[f.value] = f.name
	}
	if d.LineEnd != "\n" && d.LineEnd != "\r\n" {
		return fmt.Errorf("csv descriptor: lineEnd must be \\n or \\r\\n, got %q", d.LineEnd)
	}
	return nil
}

// UploadToTableRequest appends, replaces or deletes rows from an uploaded CSV
// file handle.
type UploadToTableRequest struct {
	TableID            string             `json:"tableId"`
	UploadFileHandleID string             `json:"uploadFileHandleId"`
	UpdateEtag         string             `json:"updateEtag,omitempty"`
	LinesToSkip        int64              `json:"linesToSkip"`
	CsvTableDescriptor CsvTableDescriptor `json:"csvTableDescriptor"`
}

func (*UploadToTableRequest) ConcreteType() string { return ConcreteTypeUploadToTableRequest }

func (r *UploadToTableRequest) MarshalJSON() ([]byte, error) {
	type alias UploadToTableRequest
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypeUploadToTableRequest, (*alias)(r)})
}

// Cell is one changed value of a partial row. A nil Value clears the cell.
type Cell struct {
	ColumnID string
	Value    *string
}

// PartialRow updates only the listed cells of an existing row.
type PartialRow struct {
	RowID int64
	// Etag is only set for row types carrying per-row concurrency tokens.
	Etag   string
	Values []Cell
}

// EstimatedSize approximates the wire cost of the row. It is only used for
// local chunk boundary decisions.
func (r *PartialRow) EstimatedSize() int64 {
	var n int64
	for _, c := range r.Values {
		n += int64(len(c.ColumnID))
		if c.Value == nil {
			n += int64(len("null"))
		} else {
			n += int64(len(*c.Value))
		}
	}
	return 4 * n
}

func (r *PartialRow) MarshalJSON() ([]byte, error) {
	values := make(map[string]*string, len(r.Values))
	for _, c := range r.Values {
		values[c.ColumnID] = c.Value
	}
	return json.Marshal(struct {
		RowID  int64              `json:"rowId"`
		Etag   string             `json:"etag,omitempty"`
		Values map[string]*string `json:"values"`
	}{r.RowID, r.Etag, values})
}

func (r *PartialRow) UnmarshalJSON(data []byte) error {
	var wire struct {
		RowID  int64              `json:"rowId"`
		Etag   string             `json:"etag"`
		Values map[string]*string `json:"values"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.RowID = wire.RowID
	r.Etag = wire.Etag
	r.Values = r.Values[:0]
	for id, v := range wire.Values {
		r.Values = append(r.Values, Cell{ColumnID: id, Value: v})
	}
	return nil
}

// PartialRowSet is a batch of partial rows for one table.
type PartialRowSet struct {
	TableID string       `json:"tableId"`
	Rows    []PartialRow `json:"rows"`
}

func (s *PartialRowSet) MarshalJSON() ([]byte, error) {
	type alias PartialRowSet
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypePartialRowSet, (*alias)(s)})
}

// AppendableRowSetRequest wraps a partial row set as a transaction change.
type AppendableRowSetRequest struct {
	EntityID string        `json:"entityId"`
	ToAppend PartialRowSet `json:"toAppend"`
}

func (*AppendableRowSetRequest) ConcreteType() string { return ConcreteTypeAppendableRowSetRequest }

func (r *AppendableRowSetRequest) MarshalJSON() ([]byte, error) {
	type alias AppendableRowSetRequest
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypeAppendableRowSetRequest, (*alias)(r)})
}

// TableUpdateTransactionRequest is the body submitted to start a transaction job.
type TableUpdateTransactionRequest struct {
	EntityID string   `json:"entityId"`
	Changes  []Change `json:"changes"`
}

func (r *TableUpdateTransactionRequest) MarshalJSON() ([]byte, error) {
	type alias TableUpdateTransactionRequest
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypeTableUpdateTransactionRequest, (*alias)(r)})
}

// RowReference identifies one committed row version.
type RowReference struct {
	RowID         int64 `json:"rowId"`
	VersionNumber int64 `json:"versionNumber"`
}

// EntityUpdateResult reports the outcome of one row update on a view.
type EntityUpdateResult struct {
	EntityID       string `json:"entityId"`
	FailureCode    string `json:"failureCode,omitempty"`
	FailureMessage string `json:"failureMessage,omitempty"`
}

// TableUpdateResponse is the result of one change in a transaction. Which
// fields are set depends on ConcreteType.
type TableUpdateResponse struct {
	ConcreteType string `json:"concreteType"`

	// TableSchemaChangeResponse
	Schema []ColumnModel `json:"schema,omitempty"`

	// UploadToTableResult
	RowsProcessed int64  `json:"rowsProcessed,omitempty"`
	Etag          string `json:"etag,omitempty"`

	// RowReferenceSetResults
	Rows []RowReference `json:"rows,omitempty"`

	// EntityUpdateResults
	UpdateResults []EntityUpdateResult `json:"updateResults,omitempty"`
}

// TableUpdateTransactionResponse mirrors the submitted changes, one result each.
type TableUpdateTransactionResponse struct {
	Results []TableUpdateResponse `json:"results"`
}

// SchemaResult returns the first schema change result, if any.
func (r *TableUpdateTransactionResponse) SchemaResult() *TableUpdateResponse {
	for i := range r.Results {
		if r.Results[i].ConcreteType == ConcreteTypeTableSchemaChangeResponse {
			return &r.Results[i]
		}
	}
	return nil
}

// FormatRowID formats a row id the way the query service expects it.
func FormatRowID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
