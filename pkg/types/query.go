package types

import (
	"encoding/json"
	"strings"
)

const (
	ConcreteTypeQueryBundleRequest = "org.sagebionetworks.repo.model.table.QueryBundleRequest"
	ConcreteTypeQueryNextPageToken = "org.sagebionetworks.repo.model.table.QueryNextPageToken"
	ConcreteTypeQueryResultBundle  = "org.sagebionetworks.repo.model.table.QueryResultBundle"
	ConcreteTypeQueryResult        = "org.sagebionetworks.repo.model.table.QueryResult"
)

// Part mask bits of a query bundle request.
const (
	PartMaskQueryResults  = 0x1
	PartMaskCount         = 0x2
	PartMaskSelectColumns = 0x4
	PartMaskColumnModels  = 0x10
)

// Query is the SQL sent to the query service.
type Query struct {
	SQL    string `json:"sql"`
	Offset *int64 `json:"offset,omitempty"`
	Limit  *int64 `json:"limit,omitempty"`
	// IncludeEntityEtag adds the row etag of view rows to the results.
	IncludeEntityEtag bool `json:"includeEntityEtag,omitempty"`
}

// QueryBundleRequest starts the first page of a query.
type QueryBundleRequest struct {
	EntityID string `json:"entityId"`
	Query    Query  `json:"query"`
	PartMask int64  `json:"partMask"`
}

func (r *QueryBundleRequest) MarshalJSON() ([]byte, error) {
	type alias QueryBundleRequest
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypeQueryBundleRequest, (*alias)(r)})
}

// QueryNextPageToken requests a subsequent page of a query.
type QueryNextPageToken struct {
	EntityID string `json:"entityId"`
	Token    string `json:"token"`
}

func (t *QueryNextPageToken) MarshalJSON() ([]byte, error) {
	type alias QueryNextPageToken
	return json.Marshal(struct {
		ConcreteType string `json:"concreteType"`
		*alias
	}{ConcreteTypeQueryNextPageToken, (*alias)(t)})
}

// SelectColumn is one header of a query result.
type SelectColumn struct {
	Name       string     `json:"name"`
	ColumnType ColumnType `json:"columnType"`
	ID         string     `json:"id,omitempty"`
}

// Row is one row of a query result. Values are rendered as strings; a nil
// value is a NULL cell.
type Row struct {
	RowID         *int64    `json:"rowId,omitempty"`
	VersionNumber *int64    `json:"versionNumber,omitempty"`
	Etag          string    `json:"etag,omitempty"`
	Values        []*string `json:"values"`
}

// RowSet is one page of rows.
type RowSet struct {
	TableID string         `json:"tableId"`
	Etag    string         `json:"etag,omitempty"`
	Headers []SelectColumn `json:"headers"`
	Rows    []Row          `json:"rows"`
}

// QueryResult is one page of a query plus a token for the next page.
type QueryResult struct {
	QueryResults  RowSet              `json:"queryResults"`
	NextPageToken *QueryNextPageToken `json:"nextPageToken,omitempty"`
}

// QueryResultBundle is the response of the first query page.
type QueryResultBundle struct {
	QueryResult  QueryResult   `json:"queryResult"`
	QueryCount   *int64        `json:"queryCount,omitempty"`
	ColumnModels []ColumnModel `json:"columnModels,omitempty"`
}

// ResultSet is a fully paginated query result.
type ResultSet struct {
	TableID string
	Etag    string
	Headers []SelectColumn
	Rows    []Row
}

// ColumnIndex returns the position of the named header or -1. System columns
// (ROW_ID, ROW_VERSION, ROW_ETAG) are not headers; use the Row fields.
func (r *ResultSet) ColumnIndex(name string) int {
	for i, h := range r.Headers {
		if h.Name == name {
			return i
		}
	}
	for i, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// Value returns the cell of row i in the named column.
func (r *ResultSet) Value(i int, name string) (*string, bool) {
	idx := r.ColumnIndex(name)
	if idx < 0 || i < 0 || i >= len(r.Rows) || idx >= len(r.Rows[i].Values) {
		return nil, false
	}
	return r.Rows[i].Values[idx], true
}

// Len returns the number of rows.
func (r *ResultSet) Len() int { return len(r.Rows) }
