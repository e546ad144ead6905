package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/tablesync/pkg/types"
)

// job is an asynchronous job. Its work is done when it starts; it reports
// PROCESSING until readyAt so that clients exercise their polling.
type job struct {
	id      string
	readyAt time.Time
	body    json.RawMessage
	err     error
}

// jobs tracks started jobs. A job is dropped a retention period after it
// finishes.
type jobs struct {
	delay     time.Duration
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	byID map[string]*job
}

func newJobs(delay time.Duration) *jobs {
	return &jobs{delay: delay, retention: 10 * time.Minute, now: time.Now, byID: make(map[string]*job)}
}

// start records the outcome of work under a new token.
func (j *jobs) start(work func() (any, error)) string {
	out, err := work()
	jb := &job{id: uuid.NewString(), readyAt: j.now().Add(j.delay), err: err}
	if err == nil && out != nil {
		jb.body, jb.err = json.Marshal(out)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.expire()
	j.byID[jb.id] = jb
	return jb.id
}

// expire drops jobs finished more than the retention period ago. The caller
// holds j.mu.
func (j *jobs) expire() {
	cutoff := j.now().Add(-j.retention)
	for id, jb := range j.byID {
		if jb.readyAt.Before(cutoff) {
			delete(j.byID, id)
		}
	}
}

// status returns the status of a job, or false when the token is unknown.
func (j *jobs) status(token string) (*types.AsyncJobStatus, bool) {
	j.mu.Lock()
	jb, ok := j.byID[token]
	j.mu.Unlock()
	if !ok {
		return nil, false
	}
	st := &types.AsyncJobStatus{JobID: jb.id}
	if now := j.now(); now.Before(jb.readyAt) {
		st.JobState = types.JobStateProcessing
		st.ProgressTotal = j.delay.Milliseconds()
		st.ProgressCurrent = st.ProgressTotal - jb.readyAt.Sub(now).Milliseconds()
		st.ProgressMessage = "processing"
		return st, true
	}
	if jb.err != nil {
		st.JobState = types.JobStateFailed
		st.ErrorMessage = jb.err.Error()
		return st, true
	}
	st.JobState = types.JobStateComplete
	st.ResponseBody = jb.body
	return st, true
}
