// Package transaction submits table update transactions and queries as
// asynchronous jobs and waits for them to finish.
//
// The coordinator never retries a job. A failed or timed-out transaction may
// have been partially applied, so the caller decides what to do next.
package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/arkilian/tablesync/internal/config"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/pkg/types"
)

// JobService starts asynchronous jobs and reports their status.
type JobService interface {
	StartAsyncJob(ctx context.Context, path string, body any) (string, error)
	GetAsyncJob(ctx context.Context, token string) (*types.AsyncJobStatus, error)
}

// Options configures a Coordinator.
type Options struct {
	// Timeout is the default wait for one job.
	Timeout time.Duration
	// PollInterval is the delay between status checks.
	PollInterval time.Duration
	Logger       *slog.Logger
	Stats        *observability.TransferStats
}

// Coordinator runs asynchronous table jobs.
type Coordinator struct {
	jobs         JobService
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	stats        *observability.TransferStats
}

// NewCoordinator creates a coordinator. Zero options take the defaults of
// the config package.
func NewCoordinator(jobs JobService, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultJobTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	return &Coordinator{
		jobs:         jobs,
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		logger:       logging.OrDefault(opts.Logger),
		stats:        opts.Stats,
	}
}

// Stats returns the stats tracker, which may be nil.
func (c *Coordinator) Stats() *observability.TransferStats { return c.stats }

func transactionPath(entityID string) string {
	return "/entity/" + url.PathEscape(entityID) + "/table/transaction/async/start"
}

func queryPath(entityID string) string {
	return "/entity/" + url.PathEscape(entityID) + "/table/query/async/start"
}

func nextPagePath(entityID string) string {
	return "/entity/" + url.PathEscape(entityID) + "/table/query/nextPage/async/start"
}

// Submit sends changes as one transaction job and waits up to timeout for
// its results. A zero timeout uses the coordinator default. The results
// mirror changes one to one.
func (c *Coordinator) Submit(ctx context.Context, entityID string, changes []types.Change, timeout time.Duration) (*types.TableUpdateTransactionResponse, error) {
	if len(changes) == 0 {
		return &types.TableUpdateTransactionResponse{}, nil
	}
	req := &types.TableUpdateTransactionRequest{EntityID: entityID, Changes: changes}
	var resp types.TableUpdateTransactionResponse
	if err := c.run(ctx, transactionPath(entityID), req, timeout, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(changes) {
		c.logger.Warn("transaction result count mismatch", "entity", entityID,
			"changes", len(changes), "results", len(resp.Results))
	}
	return &resp, nil
}

// run starts a job and polls it until it completes, fails or times out. The
// response body of a completed job is decoded into out.
func (c *Coordinator) run(ctx context.Context, path string, body any, timeout time.Duration, out any) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()
	token, err := c.jobs.StartAsyncJob(ctx, path, body)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	defer func() { c.stats.RecordJob(time.Since(start)) }()

	deadline := start.Add(timeout)
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	for {
		status, err := c.jobs.GetAsyncJob(ctx, token)
		if err != nil {
			return fmt.Errorf("poll job %s: %w", token, err)
		}
		switch status.JobState {
		case types.JobStateComplete:
			c.logger.Debug("job complete", "token", token, "took", time.Since(start).Round(time.Millisecond))
			if out == nil || len(status.ResponseBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(status.ResponseBody, out); err != nil {
				return tserrors.NewInternalError("decode result of job "+token, err)
			}
			return nil
		case types.JobStateFailed:
			return tserrors.NewJobFailedError(token, status.ErrorMessage, status.ErrorDetails)
		}

		if !time.Now().Before(deadline) {
			return tserrors.NewJobTimeoutError(token, timeout)
		}
		if status.ProgressTotal > 0 {
			c.logger.Debug("job running", "token", token,
				"progress", fmt.Sprintf("%d/%d", status.ProgressCurrent, status.ProgressTotal),
				"message", status.ProgressMessage)
		}
		timer.Reset(min(c.pollInterval, time.Until(deadline)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// QueryOptions controls a query.
type QueryOptions struct {
	// IncludeEntityEtag adds the row etags of view rows.
	IncludeEntityEtag bool
	// Timeout bounds each page job; zero uses the coordinator default.
	Timeout time.Duration
	// MaxPages stops pagination early when positive.
	MaxPages int
}

// Query runs sql against a table and follows every next page token.
func (c *Coordinator) Query(ctx context.Context, entityID, sql string, opts QueryOptions) (*types.ResultSet, error) {
	req := &types.QueryBundleRequest{
		EntityID: entityID,
		Query:    types.Query{SQL: sql, IncludeEntityEtag: opts.IncludeEntityEtag},
		PartMask: types.PartMaskQueryResults | types.PartMaskSelectColumns,
	}
	var bundle types.QueryResultBundle
	if err := c.run(ctx, queryPath(entityID), req, opts.Timeout, &bundle); err != nil {
		return nil, fmt.Errorf("query %s: %w", entityID, err)
	}
	c.stats.RecordQuery()

	page := bundle.QueryResult
	rs := &types.ResultSet{
		TableID: page.QueryResults.TableID,
		Etag:    page.QueryResults.Etag,
		Headers: page.QueryResults.Headers,
		Rows:    page.QueryResults.Rows,
	}
	for pages := 1; page.NextPageToken != nil; pages++ {
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			break
		}
		var next types.QueryResult
		token := &types.QueryNextPageToken{EntityID: entityID, Token: page.NextPageToken.Token}
		if err := c.run(ctx, nextPagePath(entityID), token, opts.Timeout, &next); err != nil {
			return nil, fmt.Errorf("query %s page %d: %w", entityID, pages+1, err)
		}
		c.stats.RecordQuery()
		rs.Rows = append(rs.Rows, next.QueryResults.Rows...)
		page = next
	}
	return rs, nil
}
