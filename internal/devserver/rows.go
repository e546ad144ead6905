package devserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/arkilian/tablesync/internal/csvutil"
	"github.com/arkilian/tablesync/pkg/types"
)

// quoteIdent quotes a SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqlType is the declared type of a column, which sets its SQLite affinity.
func sqlType(t types.ColumnType) string {
	switch t {
	case types.ColumnTypeInteger, types.ColumnTypeDate, types.ColumnTypeBoolean,
		types.ColumnTypeFileHandleID, types.ColumnTypeUserID,
		types.ColumnTypeSubmissionID, types.ColumnTypeEvaluationID:
		return "INTEGER"
	case types.ColumnTypeDouble:
		return "REAL"
	}
	return "TEXT"
}

func rowTableDDL(name string, cols []types.ColumnModel) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE " + quoteIdent(name) + " (ROW_ID INTEGER PRIMARY KEY AUTOINCREMENT, ")
	sb.WriteString("ROW_VERSION INTEGER NOT NULL, ROW_ETAG TEXT NOT NULL")
	for _, c := range cols {
		sb.WriteString(", " + quoteIdent(c.Name) + " " + sqlType(c.ColumnType))
	}
	sb.WriteString(")")
	return sb.String()
}

func createRowTable(ctx context.Context, tx *sql.Tx, id string, cols []types.ColumnModel) error {
	if _, err := tx.ExecContext(ctx, rowTableDDL(id, cols)); err != nil {
		return fmt.Errorf("devserver: create rows of %s: %w", id, err)
	}
	return nil
}

// encodeCell converts a wire value to the value stored for a column. Empty
// values are NULL.
func encodeCell(c *types.ColumnModel, v *string) (any, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	s := *v
	switch sqlType(c.ColumnType) {
	case "INTEGER":
		if c.ColumnType == types.ColumnTypeBoolean {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, badRequest("value %q of column %q is not a boolean", s, c.Name)
			}
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, badRequest("value %q of column %q is not an integer", s, c.Name)
		}
		return n, nil
	case "REAL":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, badRequest("value %q of column %q is not a number", s, c.Name)
		}
		return f, nil
	}
	switch {
	case c.ColumnType.IsList():
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, badRequest("value %q of column %q is not a JSON array", s, c.Name)
		}
		if c.MaximumListLength > 0 && int64(len(list)) > c.MaximumListLength {
			return nil, badRequest("column %q holds at most %d values, got %d", c.Name, c.MaximumListLength, len(list))
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(s)); err != nil {
			return nil, badRequest("value %q of column %q: %v", s, c.Name, err)
		}
		return buf.String(), nil
	case c.ColumnType == types.ColumnTypeJSON:
		if !json.Valid([]byte(s)) {
			return nil, badRequest("value of column %q is not valid JSON", c.Name)
		}
	case c.ColumnType == types.ColumnTypeString || c.ColumnType == types.ColumnTypeLink:
		if c.MaximumSize > 0 && int64(len([]rune(s))) > c.MaximumSize {
			return nil, badRequest("value of column %q exceeds the maximum size of %d", c.Name, c.MaximumSize)
		}
	case c.ColumnType == types.ColumnTypeEntityID:
		if !strings.HasPrefix(strings.ToLower(s), "syn") {
			return nil, badRequest("value %q of column %q is not an entity id", s, c.Name)
		}
	}
	return s, nil
}

// renderCell converts a stored value to its wire string.
func renderCell(t types.ColumnType, v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case int64:
		if t == types.ColumnTypeBoolean {
			s = strconv.FormatBool(x != 0)
		} else {
			s = strconv.FormatInt(x, 10)
		}
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		s = string(x)
	case string:
		s = x
	default:
		s = fmt.Sprint(x)
	}
	return &s
}

// tableState is an entity with its resolved schema, loaded inside a
// transaction.
type tableState struct {
	entity  *entityRecord
	columns []types.ColumnModel
	version int64
	etag    string
}

func (t *tableState) column(id string) *types.ColumnModel {
	for i := range t.columns {
		if t.columns[i].ID == id {
			return &t.columns[i]
		}
	}
	return nil
}

func (t *tableState) columnByName(name string) *types.ColumnModel {
	for i := range t.columns {
		if t.columns[i].Name == name {
			return &t.columns[i]
		}
	}
	return nil
}

func (t *tableState) rowEtags() bool {
	return t.entity.ConcreteType != types.ConcreteTypeTableEntity
}

func loadTable(ctx context.Context, tx *sql.Tx, id string) (*tableState, error) {
	e, err := getEntity(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	cols, err := resolveColumns(ctx, tx, e.ColumnIDs)
	if err != nil {
		return nil, err
	}
	return &tableState{entity: e, columns: cols, version: e.rowVersion}, nil
}

// Transact applies the changes of one transaction atomically. Rows written
// by the transaction share one new row version.
func (s *Store) Transact(ctx context.Context, entityID string, changes []json.RawMessage) (*types.TableUpdateTransactionResponse, error) {
	resp := &types.TableUpdateTransactionResponse{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTable(ctx, tx, entityID)
		if err != nil {
			return err
		}
		t.version++
		t.etag = uuid.NewString()
		for i, raw := range changes {
			var head struct {
				ConcreteType string `json:"concreteType"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				return badRequest("change %d: %v", i, err)
			}
			var result *types.TableUpdateResponse
			switch head.ConcreteType {
			case types.ConcreteTypeTableSchemaChangeRequest:
				result, err = s.applySchemaChange(ctx, tx, t, raw)
			case types.ConcreteTypeUploadToTableRequest:
				result, err = s.applyUpload(ctx, tx, t, raw)
			case types.ConcreteTypeAppendableRowSetRequest:
				result, err = s.applyPartialRows(ctx, tx, t, raw)
			default:
				err = badRequest("unsupported change type %q", head.ConcreteType)
			}
			if err != nil {
				return fmt.Errorf("change %d: %w", i, err)
			}
			resp.Results = append(resp.Results, *result)
		}
		_, err = tx.ExecContext(ctx, `UPDATE entities SET row_version = ?, row_etag = ? WHERE id = ?`,
			t.version, t.etag, entityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Store) applySchemaChange(ctx context.Context, tx *sql.Tx, t *tableState, raw json.RawMessage) (*types.TableUpdateResponse, error) {
	var req types.TableSchemaChangeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("schema change: %v", err)
	}
	if req.EntityID != "" && req.EntityID != t.entity.ID {
		return nil, badRequest("schema change of %s sent to %s", req.EntityID, t.entity.ID)
	}
	// A replaced or kept column carries its values over.
	source := make(map[string]string, len(t.columns))
	for _, c := range t.columns {
		source[c.ID] = c.Name
	}
	for _, ch := range req.Changes {
		if ch.OldColumnID == nil {
			continue
		}
		old := t.column(*ch.OldColumnID)
		if old == nil {
			return nil, badRequest("column %s is not in the schema of %s", *ch.OldColumnID, t.entity.ID)
		}
		delete(source, old.ID)
		if ch.NewColumnID != nil {
			source[*ch.NewColumnID] = old.Name
		}
	}
	ordered := req.OrderedColumnIDs
	if ordered == nil {
		ordered = []string{}
	}
	cols, err := resolveColumns(ctx, tx, ordered)
	if err != nil {
		return nil, err
	}

	next := t.entity.ID + "__next"
	if _, err := tx.ExecContext(ctx, rowTableDDL(next, cols)); err != nil {
		return nil, err
	}
	targets := []string{"ROW_ID", "ROW_VERSION", "ROW_ETAG"}
	sources := []string{"ROW_ID", "ROW_VERSION", "ROW_ETAG"}
	for _, c := range cols {
		targets = append(targets, quoteIdent(c.Name))
		if name, ok := source[c.ID]; ok {
			sources = append(sources, quoteIdent(name))
		} else if c.DefaultValue != "" {
			v, err := encodeCell(&c, &c.DefaultValue)
			if err != nil {
				return nil, err
			}
			sources = append(sources, sqlLiteral(v))
		} else {
			sources = append(sources, "NULL")
		}
	}
	copyRows := "INSERT INTO " + quoteIdent(next) + " (" + strings.Join(targets, ", ") + ") SELECT " +
		strings.Join(sources, ", ") + " FROM " + quoteIdent(t.entity.ID)
	stmts := []string{
		copyRows,
		"DROP TABLE " + quoteIdent(t.entity.ID),
		"ALTER TABLE " + quoteIdent(next) + " RENAME TO " + quoteIdent(t.entity.ID),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("devserver: rebuild %s: %w", t.entity.ID, err)
		}
	}
	ids, _ := json.Marshal(ordered)
	if _, err := tx.ExecContext(ctx, `UPDATE entities SET column_ids = ?, etag = ? WHERE id = ?`,
		string(ids), uuid.NewString(), t.entity.ID); err != nil {
		return nil, err
	}
	t.columns = cols
	t.entity.ColumnIDs = ordered
	return &types.TableUpdateResponse{
		ConcreteType: types.ConcreteTypeTableSchemaChangeResponse,
		Schema:       cols,
	}, nil
}

// sqlLiteral renders an encoded cell as a SQL literal.
func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	}
	return "NULL"
}

// uploadField maps a CSV field to a system column or a table column.
type uploadField struct {
	system string
	column *types.ColumnModel
}

func (s *Store) applyUpload(ctx context.Context, tx *sql.Tx, t *tableState, raw json.RawMessage) (*types.TableUpdateResponse, error) {
	var req types.UploadToTableRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("upload: %v", err)
	}
	if req.UpdateEtag != "" && req.UpdateEtag != t.entity.rowEtag {
		return nil, conflict("table %s changed since etag %s", t.entity.ID, req.UpdateEtag)
	}
	desc := req.CsvTableDescriptor
	if desc.Separator == "" {
		desc = types.DefaultCsvTableDescriptor()
	}
	data, err := s.fileContent(ctx, tx, req.UploadFileHandleID)
	if err != nil {
		return nil, err
	}
	rr, err := csvutil.NewRecordReader(bytes.NewReader(data), desc)
	if err != nil {
		return nil, badRequest("upload: %v", err)
	}
	for i := int64(0); i < req.LinesToSkip; i++ {
		if _, err := rr.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, badRequest("upload: %v", err)
		}
	}

	var header []string
	if desc.IsFirstLineHeader {
		header, err = rr.Read()
		if errors.Is(err, io.EOF) {
			return &types.TableUpdateResponse{ConcreteType: types.ConcreteTypeUploadToTableResult, Etag: t.etag}, nil
		}
		if err != nil {
			return nil, badRequest("upload: %v", err)
		}
	} else {
		for _, c := range t.columns {
			header = append(header, c.Name)
		}
	}
	fields := make([]uploadField, len(header))
	deletion := true
	for i, name := range header {
		switch up := strings.ToUpper(name); up {
		case types.RowIDColumn, types.RowVersionColumn, types.RowEtagColumn:
			fields[i].system = up
			continue
		}
		deletion = false
		if fields[i].column = t.columnByName(name); fields[i].column == nil {
			return nil, badRequest("column %q is not in the schema of %s", name, t.entity.ID)
		}
	}
	hasRowID := slices.ContainsFunc(fields, func(f uploadField) bool { return f.system == types.RowIDColumn })
	deletion = deletion && hasRowID

	var processed int64
	for {
		record, err := rr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, badRequest("upload: %v", err)
		}
		if len(record) == 1 && record[0] == "" && len(header) > 1 {
			continue
		}
		if len(record) != len(header) {
			return nil, badRequest("record %d has %d fields, expected %d", rr.Records(), len(record), len(header))
		}
		if deletion {
			err = deleteRow(ctx, tx, t, fields, record)
		} else {
			err = s.writeRecord(ctx, tx, t, fields, record)
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rr.Records(), err)
		}
		processed++
	}
	return &types.TableUpdateResponse{
		ConcreteType:  types.ConcreteTypeUploadToTableResult,
		RowsProcessed: processed,
		Etag:          t.etag,
	}, nil
}

func systemValue(fields []uploadField, record []string, name string) string {
	for i, f := range fields {
		if f.system == name {
			return record[i]
		}
	}
	return ""
}

func parseRowID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, badRequest("invalid ROW_ID %q", s)
	}
	return id, nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, t *tableState, fields []uploadField, record []string) error {
	id, err := parseRowID(systemValue(fields, record, types.RowIDColumn))
	if err != nil {
		return err
	}
	if t.rowEtags() {
		if err := checkRowEtag(ctx, tx, t, id, systemValue(fields, record, types.RowEtagColumn)); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(t.entity.ID)+" WHERE ROW_ID = ?", id)
	return err
}

// writeRecord inserts a record without a row id and replaces the listed
// cells of a record with one.
func (s *Store) writeRecord(ctx context.Context, tx *sql.Tx, t *tableState, fields []uploadField, record []string) error {
	rowID := systemValue(fields, record, types.RowIDColumn)
	values := make(map[string]any, len(fields))
	for i, f := range fields {
		if f.column == nil {
			continue
		}
		v, err := encodeCell(f.column, &record[i])
		if err != nil {
			return err
		}
		values[f.column.Name] = v
	}
	if rowID == "" {
		for _, c := range t.columns {
			if _, ok := values[c.Name]; !ok && c.DefaultValue != "" {
				v, err := encodeCell(&c, &c.DefaultValue)
				if err != nil {
					return err
				}
				values[c.Name] = v
			}
		}
		_, err := insertRow(ctx, tx, t, values)
		return err
	}
	id, err := parseRowID(rowID)
	if err != nil {
		return err
	}
	if t.rowEtags() {
		if err := checkRowEtag(ctx, tx, t, id, systemValue(fields, record, types.RowEtagColumn)); err != nil {
			return err
		}
	}
	return updateRow(ctx, tx, t, id, values)
}

func insertRow(ctx context.Context, tx *sql.Tx, t *tableState, values map[string]any) (int64, error) {
	names := []string{"ROW_VERSION", "ROW_ETAG"}
	marks := []string{"?", "?"}
	args := []any{t.version, uuid.NewString()}
	for _, c := range t.columns {
		if v, ok := values[c.Name]; ok {
			names = append(names, quoteIdent(c.Name))
			marks = append(marks, "?")
			args = append(args, v)
		}
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO "+quoteIdent(t.entity.ID)+" ("+strings.Join(names, ", ")+
		") VALUES ("+strings.Join(marks, ", ")+")", args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func updateRow(ctx context.Context, tx *sql.Tx, t *tableState, id int64, values map[string]any) error {
	sets := []string{"ROW_VERSION = ?", "ROW_ETAG = ?"}
	args := []any{t.version, uuid.NewString()}
	for _, c := range t.columns {
		if v, ok := values[c.Name]; ok {
			sets = append(sets, quoteIdent(c.Name)+" = ?")
			args = append(args, v)
		}
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, "UPDATE "+quoteIdent(t.entity.ID)+" SET "+strings.Join(sets, ", ")+
		" WHERE ROW_ID = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return badRequest("row %d does not exist in %s", id, t.entity.ID)
	}
	return nil
}

func checkRowEtag(ctx context.Context, tx *sql.Tx, t *tableState, id int64, etag string) error {
	if etag == "" {
		return badRequest("row %d of %s needs its ROW_ETAG", id, t.entity.ID)
	}
	var stored string
	err := tx.QueryRowContext(ctx, "SELECT ROW_ETAG FROM "+quoteIdent(t.entity.ID)+" WHERE ROW_ID = ?", id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return badRequest("row %d does not exist in %s", id, t.entity.ID)
	}
	if err != nil {
		return err
	}
	if stored != etag {
		return conflict("row %d of %s was updated since it was read", id, t.entity.ID)
	}
	return nil
}

func (s *Store) applyPartialRows(ctx context.Context, tx *sql.Tx, t *tableState, raw json.RawMessage) (*types.TableUpdateResponse, error) {
	var req struct {
		EntityID string `json:"entityId"`
		ToAppend struct {
			ConcreteType string             `json:"concreteType"`
			TableID      string             `json:"tableId"`
			Rows         []types.PartialRow `json:"rows"`
		} `json:"toAppend"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("row set: %v", err)
	}
	if req.ToAppend.ConcreteType != "" && req.ToAppend.ConcreteType != types.ConcreteTypePartialRowSet {
		return nil, badRequest("unsupported row set type %q", req.ToAppend.ConcreteType)
	}
	result := &types.TableUpdateResponse{ConcreteType: types.ConcreteTypeRowReferenceSetResults}
	for _, row := range req.ToAppend.Rows {
		values := make(map[string]any, len(row.Values))
		for _, cell := range row.Values {
			c := t.column(cell.ColumnID)
			if c == nil {
				return nil, badRequest("column %s is not in the schema of %s", cell.ColumnID, t.entity.ID)
			}
			v, err := encodeCell(c, cell.Value)
			if err != nil {
				return nil, err
			}
			values[c.Name] = v
		}
		id := row.RowID
		if id == 0 {
			var err error
			if id, err = insertRow(ctx, tx, t, values); err != nil {
				return nil, err
			}
		} else {
			if t.rowEtags() {
				if err := checkRowEtag(ctx, tx, t, id, row.Etag); err != nil {
					return nil, err
				}
			}
			if err := updateRow(ctx, tx, t, id, values); err != nil {
				return nil, err
			}
		}
		result.Rows = append(result.Rows, types.RowReference{RowID: id, VersionNumber: t.version})
	}
	return result, nil
}
