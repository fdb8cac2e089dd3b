// Package history keeps a summary of every ingestion run.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/raaihank/salesdash/internal/etl"
)

// ErrNoRuns is returned when no finished run has been recorded.
var ErrNoRuns = errors.New("no finished runs recorded")

// Run is the stored summary of one ingestion run
type Run struct {
	ID               string    `db:"id" json:"id"`
	StartedAt        time.Time `db:"started_at" json:"started_at"`
	FinishedAt       time.Time `db:"finished_at" json:"finished_at"`
	State            string    `db:"state" json:"state"`
	Trigger          string    `db:"triggered_by" json:"triggered_by"`
	TotalRows        int64     `db:"total_rows" json:"total_rows"`
	ProcessedRows    int64     `db:"processed_rows" json:"processed_rows"`
	SkippedRows      int64     `db:"skipped_rows" json:"skipped_rows"`
	TotalBatches     int       `db:"total_batches" json:"total_batches"`
	ProcessedBatches int       `db:"processed_batches" json:"processed_batches"`
	KeysWritten      int64     `db:"keys_written" json:"keys_written"`
	SalesChecksum    string    `db:"sales_checksum" json:"sales_checksum"`
	PriceChecksum    string    `db:"price_checksum" json:"price_checksum"`
	Error            string    `db:"error" json:"error,omitempty"`
}

// FromResult builds the summary of a completed pipeline run
func FromResult(res *etl.Result, trigger string) *Run {
	return &Run{
		ID:               res.RunID,
		StartedAt:        res.StartedAt.UTC(),
		FinishedAt:       res.StartedAt.Add(res.Duration).UTC(),
		State:            string(res.State),
		Trigger:          trigger,
		TotalRows:        res.TotalRows,
		ProcessedRows:    res.ProcessedRows,
		SkippedRows:      res.SkippedRows,
		TotalBatches:     res.TotalBatches,
		ProcessedBatches: res.ProcessedBatches,
		KeysWritten:      res.KeysWritten,
		SalesChecksum:    res.SalesChecksum,
		PriceChecksum:    res.PriceChecksum,
		Error:            res.Error,
	}
}

// SameInputs reports whether both runs read identical input content
func (r *Run) SameInputs(other *Run) bool {
	return r.SalesChecksum != "" && r.PriceChecksum != "" &&
		r.SalesChecksum == other.SalesChecksum && r.PriceChecksum == other.PriceChecksum
}

// Store persists run summaries
type Store interface {
	Record(ctx context.Context, run *Run) error
	List(ctx context.Context, limit int) ([]*Run, error)
	LastFinished(ctx context.Context) (*Run, error)
	Close() error
}

// MemoryStore keeps the most recent runs in process. It is used when no
// database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	runs []*Run
	max  int
}

// NewMemoryStore creates a store holding up to max runs
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 100
	}
	return &MemoryStore{max: max}
}

// Record adds or replaces a run
func (m *MemoryStore) Record(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *run
	for i, existing := range m.runs {
		if existing.ID == run.ID {
			m.runs[i] = &copied
			return nil
		}
	}

	m.runs = append(m.runs, &copied)
	sort.SliceStable(m.runs, func(i, j int) bool { return m.runs[i].StartedAt.After(m.runs[j].StartedAt) })
	if len(m.runs) > m.max {
		m.runs = m.runs[:m.max]
	}
	return nil
}

// List returns the newest runs first
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	out := make([]*Run, limit)
	copy(out, m.runs[:limit])
	return out, nil
}

// LastFinished returns the newest run that completed successfully
func (m *MemoryStore) LastFinished(_ context.Context) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.State == string(etl.StateFinished) {
			return run, nil
		}
	}
	return nil, ErrNoRuns
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }
