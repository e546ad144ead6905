package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/pkg/types"
)

// PostColumns persists column definitions in one batch and returns them with
// their assigned IDs, in request order.
func (c *Client) PostColumns(ctx context.Context, cols []types.ColumnModel) ([]types.ColumnModel, error) {
	var out types.ColumnModelList
	if err := c.doJSON(ctx, http.MethodPost, "/column/batch", &types.ColumnModelList{List: cols}, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// GetColumns returns the columns of a table in schema order.
func (c *Client) GetColumns(ctx context.Context, tableID string) ([]types.ColumnModel, error) {
	var out types.PaginatedColumnModels
	if err := c.doJSON(ctx, http.MethodGet, "/entity/"+url.PathEscape(tableID)+"/column", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// GetEntity fetches entity metadata.
func (c *Client) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var out types.Entity
	if err := c.doJSON(ctx, http.MethodGet, "/entity/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupChild resolves the id of the entity called name under parentID. It
// returns an error matching errors.ErrNotFound when there is none.
func (c *Client) LookupChild(ctx context.Context, parentID, name string) (string, error) {
	var out types.EntityID
	err := c.doJSON(ctx, http.MethodPost, "/entity/child",
		&types.EntityLookupRequest{ParentID: parentID, EntityName: name}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateEntity creates an entity and returns it as stored.
func (c *Client) CreateEntity(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	var out types.EntityBundle
	if err := c.doJSON(ctx, http.MethodPost, "/entity/bundle2/create", &types.EntityBundle{Entity: e}, &out); err != nil {
		return nil, err
	}
	if out.Entity == nil {
		return nil, tserrors.NewTransportError(tserrors.CodeBadRequest, "create entity: response has no entity", nil)
	}
	return out.Entity, nil
}

// UpdateEntity updates an entity. The etag of e must be current.
func (c *Client) UpdateEntity(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	if e.ID == "" {
		return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues, "update entity: entity has no id")
	}
	var out types.EntityBundle
	if err := c.doJSON(ctx, http.MethodPut, "/entity/"+url.PathEscape(e.ID)+"/bundle2", &types.EntityBundle{Entity: e}, &out); err != nil {
		return nil, err
	}
	if out.Entity == nil {
		return nil, tserrors.NewTransportError(tserrors.CodeBadRequest, "update entity: response has no entity", nil)
	}
	return out.Entity, nil
}

// StartAsyncJob starts an asynchronous job at path and returns its token.
// A job may have started when the response is lost, so the request is only
// repeated when it was rate limited or never sent.
func (c *Client) StartAsyncJob(ctx context.Context, path string, body any) (string, error) {
	var out types.AsyncJobID
	if err := c.doJSONWith(ctx, retryUnsent, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", tserrors.NewTransportError(tserrors.CodeBadRequest, "start job "+path+": response has no token", nil)
	}
	return out.Token, nil
}

// GetAsyncJob returns the status of a job.
func (c *Client) GetAsyncJob(ctx context.Context, token string) (*types.AsyncJobStatus, error) {
	var out types.AsyncJobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/asynchronous/job/"+url.PathEscape(token), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFile uploads a local file and returns its file handle. The body is
// streamed from disk, so retries reopen the file.
func (c *Client) UploadFile(ctx context.Context, path, contentType string) (*types.FileHandle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, tserrors.NewStorageError(tserrors.CodeUploadFailed, "stat "+path, err)
	}
	if info.IsDir() {
		return nil, tserrors.NewValidationError(tserrors.CodeInvalidValues, path+" is a directory")
	}

	body := func() (io.Reader, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", err
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path))},
				"Content-Type":        {contentType},
			})
			if err == nil {
				_, err = io.Copy(part, f)
			}
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}

	var out types.FileHandle
	if err := c.do(ctx, retryTransient, http.MethodPost, "/fileHandle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateExternalS3FileHandle registers an object already stored in an
// external bucket as a file handle.
func (c *Client) CreateExternalS3FileHandle(ctx context.Context, fh *types.FileHandle) (*types.FileHandle, error) {
	in := *fh
	in.ConcreteType = types.ConcreteTypeS3FileHandle
	var out types.FileHandle
	if err := c.doJSON(ctx, http.MethodPost, "/externalFileHandle/s3", &in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
