// Package observability tracks what a table transfer did: jobs submitted,
// chunks uploaded, rows inserted, updated and deleted, and which columns
// received cell updates.
package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TransferStats accumulates transfer counters. All methods are safe for
// concurrent use and a nil *TransferStats ignores every record.
type TransferStats struct {
	mu sync.RWMutex

	jobs          int64
	jobTime       time.Duration
	chunks        int64
	bytes         int64
	rowsInserted  int64
	rowsUpdated   int64
	rowsUnchanged int64
	rowsDeleted   int64
	queries       int64
	cellFreq      map[string]*ColumnStats
}

// ColumnStats holds the cell update count of one column.
type ColumnStats struct {
	Column    string
	Frequency int64
	LastSeen  time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Jobs          int64         `json:"jobs"`
	JobTime       time.Duration `json:"job_time"`
	Chunks        int64         `json:"chunks"`
	Bytes         int64         `json:"bytes"`
	RowsInserted  int64         `json:"rows_inserted"`
	RowsUpdated   int64         `json:"rows_updated"`
	RowsUnchanged int64         `json:"rows_unchanged"`
	RowsDeleted   int64         `json:"rows_deleted"`
	Queries       int64         `json:"queries"`
}

// NewTransferStats creates an empty tracker.
func NewTransferStats() *TransferStats {
	return &TransferStats{cellFreq: make(map[string]*ColumnStats)}
}

// RecordJob records one completed or failed asynchronous job.
func (s *TransferStats) RecordJob(took time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs++
	s.jobTime += took
}

// RecordQuery records one query page.
func (s *TransferStats) RecordQuery() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
}

// RecordChunk records one uploaded chunk file of the given size.
func (s *TransferStats) RecordChunk(bytes int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.bytes += bytes
}

// RecordInserted adds n committed inserted rows.
func (s *TransferStats) RecordInserted(n int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsInserted += n
}

// RecordUnchanged adds n matched rows that needed no update.
func (s *TransferStats) RecordUnchanged(n int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsUnchanged += n
}

// RecordDeleted adds n deleted rows.
func (s *TransferStats) RecordDeleted(n int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsDeleted += n
}

// RecordUpdatedRow records one committed partial row update touching the
// named columns. This method is O(len(columns)).
func (s *TransferStats) RecordUpdatedRow(columns ...string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsUpdated++
	now := time.Now()
	for _, col := range columns {
		stats, ok := s.cellFreq[col]
		if !ok {
			stats = &ColumnStats{Column: col}
			s.cellFreq[col] = stats
		}
		stats.Frequency++
		stats.LastSeen = now
	}
}

// Snapshot returns a copy of the counters.
func (s *TransferStats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Jobs:          s.jobs,
		JobTime:       s.jobTime,
		Chunks:        s.chunks,
		Bytes:         s.bytes,
		RowsInserted:  s.rowsInserted,
		RowsUpdated:   s.rowsUpdated,
		RowsUnchanged: s.rowsUnchanged,
		RowsDeleted:   s.rowsDeleted,
		Queries:       s.queries,
	}
}

// TopColumns returns the n columns with the most cell updates, most
// frequent first. Ties are ordered by name.
func (s *TransferStats) TopColumns(n int) []ColumnStats {
	if s == nil || n <= 0 {
		return []ColumnStats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]ColumnStats, 0, len(s.cellFreq))
	for _, c := range s.cellFreq {
		stats = append(stats, *c)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})
	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// LogValue renders the counters as a structured log group.
func (s *TransferStats) LogValue() slog.Value {
	snap := s.Snapshot()
	return slog.GroupValue(
		slog.Int64("jobs", snap.Jobs),
		slog.Int64("chunks", snap.Chunks),
		slog.Int64("bytes", snap.Bytes),
		slog.Int64("inserted", snap.RowsInserted),
		slog.Int64("updated", snap.RowsUpdated),
		slog.Int64("unchanged", snap.RowsUnchanged),
		slog.Int64("deleted", snap.RowsDeleted),
	)
}
