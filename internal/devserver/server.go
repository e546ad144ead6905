package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/server"
	"github.com/arkilian/tablesync/pkg/types"
)

// BasePath prefixes every route of the REST API.
const BasePath = "/repo/v1"

// Options configures a Server.
type Options struct {
	// PageSize is the number of rows per query page; zero uses
	// DefaultPageSize.
	PageSize int
	// JobDelay is how long jobs report PROCESSING.
	JobDelay time.Duration
	// MaxUploadBytes bounds an uploaded file; zero means 1 GiB.
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server serves the REST API of the table service from a Store.
type Server struct {
	store  *Store
	jobs   *jobs
	opts   Options
	logger *slog.Logger
}

// New returns a server over store.
func New(store *Store, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 30
	}
	return &Server{
		store:  store,
		jobs:   newJobs(opts.JobDelay),
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
	}
}

// Handler returns the routes of the API behind request id, recovery and
// access log middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+BasePath+"/column/batch", s.postColumns)
	mux.HandleFunc("GET "+BasePath+"/column/{id}", s.getColumn)
	mux.HandleFunc("POST "+BasePath+"/entity/child", s.lookupChild)
	mux.HandleFunc("POST "+BasePath+"/entity/bundle2/create", s.createEntity)
	mux.HandleFunc("GET "+BasePath+"/entity/{id}", s.getEntity)
	mux.HandleFunc("PUT "+BasePath+"/entity/{id}/bundle2", s.updateEntity)
	mux.HandleFunc("GET "+BasePath+"/entity/{id}/column", s.getTableColumns)
	mux.HandleFunc("POST "+BasePath+"/entity/{id}/table/transaction/async/start", s.startTransaction)
	mux.HandleFunc("POST "+BasePath+"/entity/{id}/table/query/async/start", s.startQuery)
	mux.HandleFunc("POST "+BasePath+"/entity/{id}/table/query/nextPage/async/start", s.startNextPage)
	mux.HandleFunc("GET "+BasePath+"/asynchronous/job/{token}", s.getJob)
	mux.HandleFunc("POST "+BasePath+"/fileHandle", s.uploadFile)
	mux.HandleFunc("POST "+BasePath+"/externalFileHandle/s3", s.createExternalFileHandle)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		server.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "tablesync-devserver"})
	})
	return server.Chain(
		server.Recovery(s.logger),
		server.RequestID,
		server.AccessLog(s.logger),
	)(mux)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", server.GetRequestID(r.Context()), "err", err)
	}
	server.WriteError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<20)).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) postColumns(w http.ResponseWriter, r *http.Request) {
	var in types.ColumnModelList
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	cols, err := s.store.CreateColumns(r.Context(), in.List)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusCreated, types.ColumnModelList{List: cols})
}

func (s *Server) getColumn(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetColumn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) lookupChild(w http.ResponseWriter, r *http.Request) {
	var in types.EntityLookupRequest
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.store.LookupChild(r.Context(), in.ParentID, in.EntityName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, types.EntityID{ID: id})
}

func (s *Server) createEntity(w http.ResponseWriter, r *http.Request) {
	var in types.EntityBundle
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Entity == nil {
		s.fail(w, r, badRequest("bundle has no entity"))
		return
	}
	e, err := s.store.CreateEntity(r.Context(), in.Entity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("entity created", "id", e.ID, "name", e.Name, "columns", len(e.ColumnIDs))
	server.WriteJSON(w, http.StatusCreated, types.EntityBundle{Entity: e})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEntity(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, e)
}

func (s *Server) updateEntity(w http.ResponseWriter, r *http.Request) {
	var in types.EntityBundle
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Entity == nil || in.Entity.ID != r.PathValue("id") {
		s.fail(w, r, badRequest("bundle entity does not match %s", r.PathValue("id")))
		return
	}
	e, err := s.store.UpdateEntity(r.Context(), in.Entity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, types.EntityBundle{Entity: e})
}

func (s *Server) getTableColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := s.store.TableColumns(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, types.PaginatedColumnModels{
		Results:              cols,
		TotalNumberOfResults: int64(len(cols)),
	})
}

// checkEntity rejects a body addressed to another entity than the path.
func checkEntity(r *http.Request, bodyID string) error {
	if bodyID != "" && bodyID != r.PathValue("id") {
		return badRequest("request for %s sent to %s", bodyID, r.PathValue("id"))
	}
	return nil
}

func (s *Server) startTransaction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		EntityID string            `json:"entityId"`
		Changes  []json.RawMessage `json:"changes"`
	}
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := checkEntity(r, in.EntityID); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	token := s.jobs.start(func() (any, error) {
		resp, err := s.store.Transact(r.Context(), id, in.Changes)
		if err != nil {
			s.logger.Warn("transaction failed", "table", id, "err", err)
			return nil, err
		}
		s.logger.Info("transaction committed", "table", id, "changes", len(in.Changes))
		return resp, nil
	})
	server.WriteJSON(w, http.StatusCreated, types.AsyncJobID{Token: token})
}

func (s *Server) startQuery(w http.ResponseWriter, r *http.Request) {
	var in types.QueryBundleRequest
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := checkEntity(r, in.EntityID); err != nil {
		s.fail(w, r, err)
		return
	}
	in.EntityID = r.PathValue("id")
	token := s.jobs.start(func() (any, error) {
		return s.store.Query(r.Context(), &in, s.opts.PageSize)
	})
	server.WriteJSON(w, http.StatusCreated, types.AsyncJobID{Token: token})
}

func (s *Server) startNextPage(w http.ResponseWriter, r *http.Request) {
	var in types.QueryNextPageToken
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := checkEntity(r, in.EntityID); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	token := s.jobs.start(func() (any, error) {
		return s.store.NextPage(r.Context(), id, in.Token, s.opts.PageSize)
	})
	server.WriteJSON(w, http.StatusCreated, types.AsyncJobID{Token: token})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	st, ok := s.jobs.status(r.PathValue("token"))
	if !ok {
		s.fail(w, r, notFound("job %s does not exist", r.PathValue("token")))
		return
	}
	server.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.fail(w, r, badRequest("expected a multipart upload: %v", err))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.fail(w, r, badRequest("multipart upload has no file part"))
			return
		}
		if err != nil {
			s.fail(w, r, badRequest("read upload: %v", err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, s.opts.MaxUploadBytes+1))
		part.Close()
		if err != nil {
			s.fail(w, r, badRequest("read upload: %v", err))
			return
		}
		if int64(len(data)) > s.opts.MaxUploadBytes {
			s.fail(w, r, &apiError{http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds %d bytes", s.opts.MaxUploadBytes)})
			return
		}
		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fh, err := s.store.CreateFileHandle(r.Context(), part.FileName(), contentType, data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.logger.Debug("file uploaded", "file_handle", fh.ID, "bytes", fh.ContentSize)
		server.WriteJSON(w, http.StatusCreated, fh)
		return
	}
}

func (s *Server) createExternalFileHandle(w http.ResponseWriter, r *http.Request) {
	var in types.FileHandle
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	fh, err := s.store.CreateExternalFileHandle(r.Context(), &in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusCreated, fh)
}
