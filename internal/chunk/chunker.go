// Package chunk splits CSV files into upload units bounded by a byte budget
// and submits them one transaction at a time.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/arkilian/tablesync/internal/config"
	"github.com/arkilian/tablesync/internal/csvutil"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/internal/upload"
	"github.com/arkilian/tablesync/pkg/types"
)

// SubmitFunc submits one transaction and waits for it.
type SubmitFunc func(ctx context.Context, changes []types.Change) (*types.TableUpdateTransactionResponse, error)

// Options configures a Chunker.
type Options struct {
	// TableID is the table the rows are uploaded to.
	TableID string
	// Budget is the maximum size of one upload unit in bytes, header included.
	Budget int64
	// Descriptor describes the CSV dialect of the source files.
	Descriptor types.CsvTableDescriptor
	// TempDir holds chunk files while they are uploaded.
	TempDir string
	Logger  *slog.Logger
	Stats   *observability.TransferStats
}

// Chunker uploads CSV files in budget-bounded units.
type Chunker struct {
	uploader upload.Uploader
	opts     Options
	logger   *slog.Logger
}

// NewChunker creates a chunker uploading units through uploader.
func NewChunker(uploader upload.Uploader, opts Options) *Chunker {
	if opts.Budget <= 0 {
		opts.Budget = config.DefaultInsertSizeByte
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Chunker{uploader: uploader, opts: opts, logger: logging.OrDefault(opts.Logger)}
}

// Result summarizes a completed run.
type Result struct {
	// Chunks is the number of committed transactions.
	Chunks int
	// Rows is the number of data records sent, or the number reported by the
	// service when the file was sent whole.
	Rows int64
	// Bytes is the total size of the uploaded units.
	Bytes int64
	// Responses holds one transaction response per chunk.
	Responses []*types.TableUpdateTransactionResponse
}

// Run uploads the CSV file at path. A file within the budget is uploaded as
// is; a larger one is split into record-aligned units that each repeat the
// header line. The first changes are sent only with the first unit.
//
// Units are submitted sequentially and each transaction is awaited before
// the next unit is prepared. When a unit fails after earlier units were
// committed, the returned error carries an errors.PartialFailure.
func (c *Chunker) Run(ctx context.Context, path string, first []types.Change, submit SubmitFunc) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	if info.Size() <= c.opts.Budget {
		return c.runWhole(ctx, path, info.Size(), first, submit)
	}
	return c.runSplit(ctx, path, first, submit)
}

func (c *Chunker) runWhole(ctx context.Context, path string, size int64, first []types.Change, submit SubmitFunc) (*Result, error) {
	resp, err := c.send(ctx, path, first, submit)
	if err != nil {
		return nil, err
	}
	c.opts.Stats.RecordChunk(size)
	res := &Result{Chunks: 1, Bytes: size, Responses: []*types.TableUpdateTransactionResponse{resp}}
	for _, r := range resp.Results {
		res.Rows += r.RowsProcessed
	}
	c.opts.Stats.RecordInserted(res.Rows)
	return res, nil
}

// send uploads one unit and submits it after the extra changes.
func (c *Chunker) send(ctx context.Context, path string, extra []types.Change, submit SubmitFunc) (*types.TableUpdateTransactionResponse, error) {
	handleID, err := c.uploader.Upload(ctx, path, upload.ContentTypeCSV)
	if err != nil {
		return nil, err
	}
	changes := make([]types.Change, 0, len(extra)+1)
	changes = append(changes, extra...)
	changes = append(changes, &types.UploadToTableRequest{
		TableID:            c.opts.TableID,
		UploadFileHandleID: handleID,
		CsvTableDescriptor: c.opts.Descriptor,
	})
	return submit(ctx, changes)
}

func (c *Chunker) runSplit(ctx context.Context, path string, first []types.Change, submit SubmitFunc) (*Result, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	defer src.Close()

	rr, err := csvutil.NewRecordReader(src, c.opts.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	var header []byte
	if c.opts.Descriptor.IsFirstLineHeader {
		raw, err := rr.Next()
		if err != nil {
			return nil, fmt.Errorf("chunk: read header of %s: %w", path, err)
		}
		header = append([]byte(nil), raw...)
	}

	res := &Result{}
	s := &splitter{rr: rr, header: header, budget: c.opts.Budget}
	for n := 1; ; n++ {
		unit, err := s.writeUnit(c.opts.TempDir)
		if errors.Is(err, io.EOF) {
			if n == 1 && len(first) > 0 {
				return c.runChanges(ctx, first, submit)
			}
			return res, nil
		}
		if err != nil {
			return nil, c.failure(res, n, fmt.Errorf("chunk %d: %w", n, err))
		}

		var extra []types.Change
		if n == 1 {
			extra = first
		}
		resp, err := c.sendUnit(ctx, unit, extra, submit)
		if err != nil {
			return nil, c.failure(res, n, err)
		}
		res.Chunks++
		res.Rows += unit.rows
		res.Bytes += unit.size
		res.Responses = append(res.Responses, resp)
		c.opts.Stats.RecordChunk(unit.size)
		c.opts.Stats.RecordInserted(unit.rows)
		c.logger.Info("chunk committed", "table", c.opts.TableID, "chunk", int64(n), "rows", unit.rows, "bytes", unit.size)
	}
}

// runChanges submits the first changes alone when the file holds no records.
func (c *Chunker) runChanges(ctx context.Context, first []types.Change, submit SubmitFunc) (*Result, error) {
	resp, err := submit(ctx, first)
	if err != nil {
		return nil, err
	}
	return &Result{Chunks: 1, Responses: []*types.TableUpdateTransactionResponse{resp}}, nil
}

// sendUnit uploads and submits a unit file, removing it on every path.
func (c *Chunker) sendUnit(ctx context.Context, u *unit, extra []types.Change, submit SubmitFunc) (*types.TableUpdateTransactionResponse, error) {
	defer os.Remove(u.path)
	return c.send(ctx, u.path, extra, submit)
}

// failure wraps err as a partial failure when earlier chunks committed.
func (c *Chunker) failure(res *Result, failed int, err error) error {
	if res.Chunks == 0 {
		return err
	}
	return tserrors.NewPartialFailureError(tserrors.PartialFailure{
		CommittedChunks: res.Chunks,
		FailedChunk:     failed,
		CommittedRows:   res.Rows,
	}, err)
}

// unit is one chunk file on disk.
type unit struct {
	path string
	rows int64
	size int64
}

// splitter cuts a record stream into units. It keeps at most one record of
// lookahead.
type splitter struct {
	rr      *csvutil.RecordReader
	header  []byte
	budget  int64
	pending []byte
	done    bool
}

// next returns the next record, including a pushed back one.
func (s *splitter) next() ([]byte, error) {
	if s.pending != nil {
		rec := s.pending
		s.pending = nil
		return rec, nil
	}
	if s.done {
		return nil, io.EOF
	}
	rec, err := s.rr.Next()
	if errors.Is(err, io.EOF) {
		s.done = true
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec...), nil
}

// writeUnit writes the header and as many whole records as fit the budget to
// a temporary file. A record larger than the budget gets a unit of its own.
// It returns io.EOF when no records remain.
func (s *splitter) writeUnit(dir string) (*unit, error) {
	rec, err := s.next()
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, "tablesync-chunk-*.csv")
	if err != nil {
		return nil, err
	}
	u := &unit{path: f.Name()}
	keep := false
	defer func() {
		if !keep {
			f.Close()
			os.Remove(u.path)
		}
	}()

	write := func(b []byte) error {
		n, err := f.Write(b)
		u.size += int64(n)
		return err
	}
	if err := write(s.header); err != nil {
		return nil, err
	}
	for {
		if err := write(rec); err != nil {
			return nil, err
		}
		u.rows++

		rec, err = s.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if u.size+int64(len(rec)) > s.budget {
			s.pending = rec
			break
		}
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	keep = true
	return u, nil
}
