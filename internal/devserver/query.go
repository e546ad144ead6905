package devserver

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/arkilian/tablesync/pkg/types"
)

// DefaultPageSize is the number of rows of one query result page.
const DefaultPageSize = 5000

var (
	selectPrefix = regexp.MustCompile(`(?is)^\s*select\s+`)
	fromTable    = regexp.MustCompile(`(?is)\bfrom\s+"?([A-Za-z0-9_]+)"?`)
	// Queries that do not return table rows one to one get no row ids.
	aggregate = regexp.MustCompile(`(?is)^\s*select\s+distinct\b|\bgroup\s+by\b|\b(count|sum|avg|min|max)\s*\(`)
)

// Marker aliases of the system columns added to row queries.
const (
	rowIDAlias      = "__tablesync_row_id"
	rowVersionAlias = "__tablesync_row_version"
	rowEtagAlias    = "__tablesync_row_etag"
)

// cursor holds the pages of a query not yet fetched.
type cursor struct {
	set  types.RowSet
	rest []types.Row
}

// checkQuery accepts a single SELECT over entityID.
func checkQuery(entityID, sql string) (string, error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	if !selectPrefix.MatchString(sql) {
		return "", badRequest("only SELECT statements are supported")
	}
	if strings.Contains(sql, ";") {
		return "", badRequest("only one statement is supported")
	}
	m := fromTable.FindStringSubmatch(sql)
	if m == nil {
		return "", badRequest("query has no FROM clause")
	}
	if !strings.EqualFold(m[1], entityID) {
		return "", badRequest("query selects from %s, not %s", m[1], entityID)
	}
	return sql, nil
}

// withRowIdentity adds the system columns of each row to a row query.
func withRowIdentity(sql string) (string, bool) {
	if aggregate.MatchString(sql) {
		return sql, false
	}
	loc := selectPrefix.FindStringIndex(sql)
	return sql[:loc[1]] + "ROW_ID AS " + rowIDAlias + ", ROW_VERSION AS " + rowVersionAlias +
		", ROW_ETAG AS " + rowEtagAlias + ", " + sql[loc[1]:], true
}

// Query runs a query and returns its first page. Later pages are fetched
// with NextPage.
func (s *Store) Query(ctx context.Context, req *types.QueryBundleRequest, pageSize int) (*types.QueryResultBundle, error) {
	sql, err := checkQuery(req.EntityID, req.Query.SQL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := getEntity(ctx, s.db, req.EntityID)
	if err != nil {
		return nil, err
	}
	cols, err := resolveColumns(ctx, s.db, e.ColumnIDs)
	if err != nil {
		return nil, err
	}
	typeOf := make(map[string]*types.ColumnModel, len(cols))
	for i := range cols {
		typeOf[cols[i].Name] = &cols[i]
	}

	sql, identity := withRowIdentity(sql)
	rows, err := s.db.QueryContext(ctx, sql)
	if err != nil {
		return nil, badRequest("query: %v", err)
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	set := types.RowSet{TableID: e.ID, Etag: e.rowEtag, Headers: []types.SelectColumn{}}
	var keep []int
	for i, name := range names {
		switch strings.ToUpper(name) {
		case types.RowIDColumn, types.RowVersionColumn, types.RowEtagColumn,
			strings.ToUpper(rowIDAlias), strings.ToUpper(rowVersionAlias), strings.ToUpper(rowEtagAlias):
			continue
		}
		h := types.SelectColumn{Name: name, ColumnType: types.ColumnTypeString}
		if c, ok := typeOf[name]; ok {
			h.ColumnType = c.ColumnType
			h.ID = c.ID
		}
		set.Headers = append(set.Headers, h)
		keep = append(keep, i)
	}

	var all []types.Row
	raw := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := types.Row{Values: make([]*string, len(keep))}
		for j, i := range keep {
			row.Values[j] = renderCell(set.Headers[j].ColumnType, raw[i])
		}
		if identity {
			if id, ok := raw[0].(int64); ok {
				row.RowID = &id
			}
			if v, ok := raw[1].(int64); ok {
				row.VersionNumber = &v
			}
			if req.Query.IncludeEntityEtag {
				if etag := renderCell(types.ColumnTypeString, raw[2]); etag != nil {
					row.Etag = *etag
				}
			}
		}
		all = append(all, row)
	}
	if err := rows.Err(); err != nil {
		return nil, badRequest("query: %v", err)
	}

	bundle := &types.QueryResultBundle{QueryResult: s.page(&cursor{set: set, rest: all}, pageSize)}
	if req.PartMask&types.PartMaskColumnModels != 0 {
		bundle.ColumnModels = cols
	}
	return bundle, nil
}

// page cuts the next page off c and parks the rest under a new token. The
// caller holds s.mu.
func (s *Store) page(c *cursor, pageSize int) types.QueryResult {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	n := min(pageSize, len(c.rest))
	out := types.QueryResult{QueryResults: c.set}
	out.QueryResults.Rows = c.rest[:n]
	if out.QueryResults.Rows == nil {
		out.QueryResults.Rows = []types.Row{}
	}
	if n < len(c.rest) {
		token := uuid.NewString()
		if s.cursors == nil {
			s.cursors = make(map[string]*cursor)
		}
		s.cursors[token] = &cursor{set: c.set, rest: c.rest[n:]}
		out.NextPageToken = &types.QueryNextPageToken{EntityID: c.set.TableID, Token: token}
	}
	return out
}

// NextPage returns the page parked under a token. A token is good for one
// fetch.
func (s *Store) NextPage(ctx context.Context, entityID, token string, pageSize int) (*types.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[token]
	if !ok || c.set.TableID != entityID {
		return nil, badRequest("unknown page token %q", token)
	}
	delete(s.cursors, token)
	page := s.page(c, pageSize)
	return &page, nil
}
