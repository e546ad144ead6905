package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/observability"
	"github.com/arkilian/tablesync/pkg/types"
)

// fakeJobs completes each job after a number of PROCESSING polls.
type fakeJobs struct {
	mu       sync.Mutex
	polls    int
	statuses map[string]*types.AsyncJobStatus
	started  []string
	bodies   []any
	respond  func(path string, body any) *types.AsyncJobStatus
	pending  map[string]int
}

func newFakeJobs(polls int, respond func(path string, body any) *types.AsyncJobStatus) *fakeJobs {
	return &fakeJobs{
		polls:    polls,
		respond:  respond,
		statuses: make(map[string]*types.AsyncJobStatus),
		pending:  make(map[string]int),
	}
}

func (f *fakeJobs) StartAsyncJob(ctx context.Context, path string, body any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := string(rune('a' + len(f.started)))
	f.started = append(f.started, path)
	f.bodies = append(f.bodies, body)
	f.statuses[token] = f.respond(path, body)
	f.pending[token] = f.polls
	return token, nil
}

func (f *fakeJobs) GetAsyncJob(ctx context.Context, token string) (*types.AsyncJobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[token] > 0 {
		f.pending[token]--
		return &types.AsyncJobStatus{JobID: token, JobState: types.JobStateProcessing}, nil
	}
	return f.statuses[token], nil
}

func complete(t *testing.T, v any) *types.AsyncJobStatus {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return &types.AsyncJobStatus{JobState: types.JobStateComplete, ResponseBody: raw}
}

func testCoordinator(jobs JobService, stats *observability.TransferStats) *Coordinator {
	return NewCoordinator(jobs, Options{
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		Logger:       logging.Discard(),
		Stats:        stats,
	})
}

func TestSubmit_WaitsForCompletion(t *testing.T) {
	jobs := newFakeJobs(3, func(path string, body any) *types.AsyncJobStatus {
		return complete(t, types.TableUpdateTransactionResponse{Results: []types.TableUpdateResponse{
			{ConcreteType: types.ConcreteTypeUploadToTableResult, RowsProcessed: 2},
		}})
	})
	stats := observability.NewTransferStats()
	c := testCoordinator(jobs, stats)

	resp, err := c.Submit(context.Background(), "syn1", []types.Change{
		&types.UploadToTableRequest{TableID: "syn1", UploadFileHandleID: "fh1"},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].RowsProcessed != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if jobs.started[0] != "/entity/syn1/table/transaction/async/start" {
		t.Errorf("started %q", jobs.started[0])
	}
	if req, ok := jobs.bodies[0].(*types.TableUpdateTransactionRequest); !ok || req.EntityID != "syn1" {
		t.Errorf("unexpected body %#v", jobs.bodies[0])
	}
	if stats.Snapshot().Jobs != 1 {
		t.Errorf("jobs = %d, want 1", stats.Snapshot().Jobs)
	}
}

func TestSubmit_NoChangesIsNoop(t *testing.T) {
	jobs := newFakeJobs(0, nil)
	if _, err := testCoordinator(jobs, nil).Submit(context.Background(), "syn1", nil, 0); err != nil {
		t.Fatal(err)
	}
	if len(jobs.started) != 0 {
		t.Error("an empty transaction must not start a job")
	}
}

func TestSubmit_JobFailure(t *testing.T) {
	jobs := newFakeJobs(1, func(string, any) *types.AsyncJobStatus {
		return &types.AsyncJobStatus{JobState: types.JobStateFailed, ErrorMessage: "column 7 does not exist"}
	})
	_, err := testCoordinator(jobs, nil).Submit(context.Background(), "syn1",
		[]types.Change{&types.TableSchemaChangeRequest{EntityID: "syn1"}}, 0)
	if !errors.Is(err, tserrors.ErrJobFailed) {
		t.Fatalf("got %v, want ErrJobFailed", err)
	}
	if errors.Is(err, tserrors.ErrJobTimeout) {
		t.Error("a failed job must not look like a timeout")
	}
	if len(jobs.started) != 1 {
		t.Errorf("job started %d times, failures must not be retried", len(jobs.started))
	}
}

func TestSubmit_Timeout(t *testing.T) {
	jobs := newFakeJobs(1<<30, func(string, any) *types.AsyncJobStatus { return nil })
	start := time.Now()
	_, err := testCoordinator(jobs, nil).Submit(context.Background(), "syn1",
		[]types.Change{&types.TableSchemaChangeRequest{EntityID: "syn1"}}, 20*time.Millisecond)
	if !errors.Is(err, tserrors.ErrJobTimeout) {
		t.Fatalf("got %v, want ErrJobTimeout", err)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("timeout took %s", took)
	}
}

func TestSubmit_ContextCanceled(t *testing.T) {
	jobs := newFakeJobs(1<<30, func(string, any) *types.AsyncJobStatus { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := testCoordinator(jobs, nil).Submit(ctx, "syn1",
		[]types.Change{&types.TableSchemaChangeRequest{EntityID: "syn1"}}, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestQuery_FollowsPages(t *testing.T) {
	row := func(id int64, v string) types.Row {
		return types.Row{RowID: &id, VersionNumber: &id, Values: []*string{&v}}
	}
	headers := []types.SelectColumn{{Name: "id", ColumnType: types.ColumnTypeString}}
	jobs := newFakeJobs(0, func(path string, body any) *types.AsyncJobStatus {
		switch b := body.(type) {
		case *types.QueryBundleRequest:
			return complete(t, types.QueryResultBundle{QueryResult: types.QueryResult{
				QueryResults:  types.RowSet{TableID: "syn1", Headers: headers, Rows: []types.Row{row(1, "x")}},
				NextPageToken: &types.QueryNextPageToken{Token: "p2"},
			}})
		case *types.QueryNextPageToken:
			if b.Token != "p2" {
				t.Errorf("next page token = %q", b.Token)
			}
			return complete(t, types.QueryResult{
				QueryResults: types.RowSet{TableID: "syn1", Headers: headers, Rows: []types.Row{row(2, "y")}},
			})
		}
		t.Fatalf("unexpected body %T", body)
		return nil
	})
	stats := observability.NewTransferStats()

	rs, err := testCoordinator(jobs, stats).Query(context.Background(), "syn1", "SELECT id FROM syn1", QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rs.Len() != 2 || *rs.Rows[1].Values[0] != "y" {
		t.Errorf("unexpected rows %+v", rs.Rows)
	}
	if v, ok := rs.Value(0, "id"); !ok || *v != "x" {
		t.Errorf("Value(0, id) = %v, %v", v, ok)
	}
	if stats.Snapshot().Queries != 2 {
		t.Errorf("queries = %d, want 2", stats.Snapshot().Queries)
	}
}
