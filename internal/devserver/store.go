// Package devserver emulates the table service for local development and
// end-to-end tests. Entities, column models, file handles and rows live in
// one SQLite database; each table entity is a SQLite table named by its id,
// so the SQL the client sends runs unchanged.
package devserver

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/tablesync/internal/storage"
	"github.com/arkilian/tablesync/pkg/types"
)

// apiError is returned to the client with a status code and a reason.
type apiError struct {
	status int
	reason string
}

func (e *apiError) Error() string { return e.reason }

func badRequest(format string, args ...any) error {
	return &apiError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &apiError{http.StatusNotFound, fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) error {
	return &apiError{http.StatusConflict, fmt.Sprintf(format, args...)}
}

func preconditionFailed(format string, args ...any) error {
	return &apiError{http.StatusPreconditionFailed, fmt.Sprintf(format, args...)}
}

// statusOf returns the HTTP status of err.
func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status
	}
	return http.StatusInternalServerError
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS column_models (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	definition TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS entities (
	num            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	parent_id      TEXT NOT NULL,
	name           TEXT NOT NULL,
	concrete_type  TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	etag           TEXT NOT NULL,
	version_number INTEGER NOT NULL DEFAULT 1,
	column_ids     TEXT NOT NULL DEFAULT '[]',
	extra          TEXT,
	row_version    INTEGER NOT NULL DEFAULT 0,
	row_etag       TEXT NOT NULL DEFAULT '',
	UNIQUE (parent_id, name)
);

CREATE TABLE IF NOT EXISTS file_handles (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	file_name    TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content_size INTEGER NOT NULL,
	content_md5  TEXT NOT NULL,
	bucket       TEXT,
	object_key   TEXT,
	data         BLOB
);
`

// Store is the database of the development server. Every method is
// serialized; SQLite allows a single writer anyway.
type Store struct {
	db      *sql.DB
	staging storage.Staging

	mu      sync.Mutex
	cursors map[string]*cursor
}

// OpenStore opens the database at path, or an in-memory database when path
// is empty. staging, when set, resolves external file handles.
func OpenStore(path string, staging storage.Staging) (*Store, error) {
	dsn := "file::memory:?_foreign_keys=on"
	if path != "" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("devserver: open database: %w", err)
	}
	// One connection: an in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("devserver: initialize schema: %w", err)
	}
	return &Store{db: db, staging: staging}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction that is committed when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("devserver: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// columnDefinition is the key under which identical column models share an
// id.
func columnDefinition(c *types.ColumnModel) (string, error) {
	b, err := json.Marshal(c.Definition())
	return string(b), err
}

func validateColumn(c *types.ColumnModel) error {
	if strings.TrimSpace(c.Name) == "" {
		return badRequest("column name is required")
	}
	if types.IsReservedColumnName(c.Name) {
		return badRequest("column name %q is reserved", c.Name)
	}
	if _, err := types.ParseColumnType(string(c.ColumnType)); err != nil {
		return badRequest("column %q: %v", c.Name, err)
	}
	if c.MaximumSize < 0 || c.MaximumListLength < 0 {
		return badRequest("column %q: sizes must not be negative", c.Name)
	}
	return nil
}

// CreateColumns stores column models and returns them with ids in request
// order. A model identical to a stored one gets the stored id.
func (s *Store) CreateColumns(ctx context.Context, cols []types.ColumnModel) ([]types.ColumnModel, error) {
	out := make([]types.ColumnModel, len(cols))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range cols {
			c := cols[i].Definition()
			if err := validateColumn(c); err != nil {
				return err
			}
			def, err := columnDefinition(c)
			if err != nil {
				return err
			}
			var id int64
			err = tx.QueryRowContext(ctx, `SELECT id FROM column_models WHERE definition = ?`, def).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				res, err := tx.ExecContext(ctx, `INSERT INTO column_models (definition) VALUES (?)`, def)
				if err != nil {
					return err
				}
				if id, err = res.LastInsertId(); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			c.ID = strconv.FormatInt(id, 10)
			out[i] = *c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getColumn(ctx context.Context, q querier, id string) (*types.ColumnModel, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, notFound("column %q does not exist", id)
	}
	var def string
	err = q.QueryRowContext(ctx, `SELECT definition FROM column_models WHERE id = ?`, n).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("column %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	var c types.ColumnModel
	if err := json.Unmarshal([]byte(def), &c); err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

// resolveColumns loads column models in the order of ids and rejects
// duplicate names.
func resolveColumns(ctx context.Context, q querier, ids []string) ([]types.ColumnModel, error) {
	cols := make([]types.ColumnModel, 0, len(ids))
	names := make(map[string]bool, len(ids))
	for _, id := range ids {
		c, err := getColumn(ctx, q, id)
		if err != nil {
			var ae *apiError
			if errors.As(err, &ae) {
				return nil, badRequest("%s", ae.reason)
			}
			return nil, err
		}
		key := strings.ToLower(c.Name)
		if names[key] {
			return nil, badRequest("duplicate column name %q", c.Name)
		}
		names[key] = true
		cols = append(cols, *c)
	}
	return cols, nil
}

// GetColumn returns a column model.
func (s *Store) GetColumn(ctx context.Context, id string) (*types.ColumnModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getColumn(ctx, s.db, id)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// entityRecord is an entity row plus its table bookkeeping.
type entityRecord struct {
	types.Entity
	rowVersion int64
	rowEtag    string
}

const entityColumns = `id, parent_id, name, concrete_type, description, etag, version_number, column_ids, extra, row_version, row_etag`

func scanEntity(row interface{ Scan(...any) error }) (*entityRecord, error) {
	var (
		e        entityRecord
		colIDs   string
		extra    sql.NullString
		rowEtag  string
		rowVer   int64
		entityID string
	)
	err := row.Scan(&entityID, &e.ParentID, &e.Name, &e.ConcreteType, &e.Description, &e.Etag,
		&e.VersionNumber, &colIDs, &extra, &rowVer, &rowEtag)
	if err != nil {
		return nil, err
	}
	e.ID = entityID
	if err := json.Unmarshal([]byte(colIDs), &e.ColumnIDs); err != nil {
		return nil, err
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &e.Extra); err != nil {
			return nil, err
		}
	}
	e.rowVersion = rowVer
	e.rowEtag = rowEtag
	return &e, nil
}

func getEntity(ctx context.Context, q querier, id string) (*entityRecord, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("entity %s does not exist", id)
	}
	return e, err
}

var tableTypes = map[string]bool{
	types.ConcreteTypeTableEntity:    true,
	types.ConcreteTypeEntityView:     true,
	types.ConcreteTypeSubmissionView: true,
	types.ConcreteTypeDataset:        true,
}

func encodeExtra(extra map[string]json.RawMessage) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(extra)
	return sql.NullString{String: string(b), Valid: true}, err
}

// CreateEntity creates a table-like entity and its row storage.
func (s *Store) CreateEntity(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	if strings.TrimSpace(e.Name) == "" {
		return nil, badRequest("entity name is required")
	}
	if e.ParentID == "" {
		return nil, badRequest("parentId is required")
	}
	if !tableTypes[e.ConcreteType] {
		return nil, badRequest("unsupported entity type %q", e.ConcreteType)
	}
	var created *entityRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE parent_id = ? AND name = ?`,
			e.ParentID, e.Name).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return conflict("an entity with the name %q already exists in %s", e.Name, e.ParentID)
		}
		ids := e.ColumnIDs
		if ids == nil {
			ids = []string{}
		}
		cols, err := resolveColumns(ctx, tx, ids)
		if err != nil {
			return err
		}
		colIDs, _ := json.Marshal(ids)
		extra, err := encodeExtra(e.Extra)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO entities
			(id, parent_id, name, concrete_type, description, etag, column_ids, extra, row_etag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), e.ParentID, e.Name, e.ConcreteType, e.Description, uuid.NewString(),
			string(colIDs), extra, uuid.NewString())
		if err != nil {
			return err
		}
		num, err := res.LastInsertId()
		if err != nil {
			return err
		}
		id := "syn" + strconv.FormatInt(num, 10)
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET id = ? WHERE num = ?`, id, num); err != nil {
			return err
		}
		if err := createRowTable(ctx, tx, id, cols); err != nil {
			return err
		}
		created, err = getEntity(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &created.Entity, nil
}

// GetEntity returns an entity.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := getEntity(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &e.Entity, nil
}

// LookupChild returns the id of the entity called name under parentID.
func (s *Store) LookupChild(ctx context.Context, parentID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM entities WHERE parent_id = ? AND name = ?`,
		parentID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("no entity named %q in %s", name, parentID)
	}
	return id, err
}

// UpdateEntity updates the name, description and unmodeled fields of an
// entity. The etag must be current. Columns only change through schema
// change transactions.
func (s *Store) UpdateEntity(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	var updated *entityRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getEntity(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if e.Etag != cur.Etag {
			return preconditionFailed("entity %s was updated since it was last fetched", e.ID)
		}
		if strings.TrimSpace(e.Name) == "" {
			return badRequest("entity name is required")
		}
		if e.Name != cur.Name {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE parent_id = ? AND name = ?`,
				cur.ParentID, e.Name).Scan(&exists)
			if err != nil {
				return err
			}
			if exists > 0 {
				return conflict("an entity with the name %q already exists in %s", e.Name, cur.ParentID)
			}
		}
		extra, err := encodeExtra(e.Extra)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entities SET name = ?, description = ?, extra = ?, etag = ?
			WHERE id = ?`, e.Name, e.Description, extra, uuid.NewString(), e.ID)
		if err != nil {
			return err
		}
		updated, err = getEntity(ctx, tx, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &updated.Entity, nil
}

// TableColumns returns the schema of a table.
func (s *Store) TableColumns(ctx context.Context, id string) ([]types.ColumnModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := getEntity(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return resolveColumns(ctx, s.db, e.ColumnIDs)
}

// CreateFileHandle stores an uploaded file, compressed.
func (s *Store) CreateFileHandle(ctx context.Context, name, contentType string, data []byte) (*types.FileHandle, error) {
	sum := md5.Sum(data)
	fh := &types.FileHandle{
		ConcreteType: types.ConcreteTypeS3FileHandle,
		FileName:     name,
		ContentType:  contentType,
		ContentSize:  int64(len(data)),
		ContentMD5:   hex.EncodeToString(sum[:]),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO file_handles
			(file_name, content_type, content_size, content_md5, data) VALUES (?, ?, ?, ?, ?)`,
			fh.FileName, fh.ContentType, fh.ContentSize, fh.ContentMD5, snappy.Encode(nil, data))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		fh.ID = strconv.FormatInt(id, 10)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fh, nil
}

// CreateExternalFileHandle registers an object of the staging storage.
func (s *Store) CreateExternalFileHandle(ctx context.Context, in *types.FileHandle) (*types.FileHandle, error) {
	if s.staging == nil {
		return nil, badRequest("external storage is not configured")
	}
	if in.Bucket != s.staging.Bucket() {
		return nil, badRequest("unknown bucket %q", in.Bucket)
	}
	size, err := s.staging.Stat(ctx, in.Key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, badRequest("object %s does not exist in %s", in.Key, in.Bucket)
	}
	if err != nil {
		return nil, err
	}
	if in.ContentSize > 0 && in.ContentSize != size {
		return nil, badRequest("object %s holds %d bytes, not %d", in.Key, size, in.ContentSize)
	}
	fh := *in
	fh.ConcreteType = types.ConcreteTypeS3FileHandle
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO file_handles
			(file_name, content_type, content_size, content_md5, bucket, object_key) VALUES (?, ?, ?, ?, ?, ?)`,
			fh.FileName, fh.ContentType, fh.ContentSize, fh.ContentMD5, fh.Bucket, fh.Key)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		fh.ID = strconv.FormatInt(id, 10)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &fh, nil
}

// fileContent returns the content of a file handle.
func (s *Store) fileContent(ctx context.Context, q querier, id string) ([]byte, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, badRequest("file handle %q does not exist", id)
	}
	var (
		data []byte
		key  sql.NullString
	)
	err = q.QueryRowContext(ctx, `SELECT data, object_key FROM file_handles WHERE id = ?`, n).Scan(&data, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, badRequest("file handle %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	if key.Valid {
		return s.download(ctx, key.String)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("devserver: decompress file handle %s: %w", id, err)
	}
	return raw, nil
}

func (s *Store) download(ctx context.Context, key string) ([]byte, error) {
	if s.staging == nil {
		return nil, badRequest("external storage is not configured")
	}
	r, err := s.staging.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("devserver: open %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
