package ingest

import "time"

// RunState is the lifecycle state of an orchestrated run.
type RunState string

const (
	RunNotStarted      RunState = "NOT_STARTED"
	RunRunning         RunState = "RUNNING"
	RunCompleted       RunState = "COMPLETED"
	RunPartiallyFailed RunState = "PARTIALLY_FAILED"
	RunCancelled       RunState = "CANCELLED"
)

// Stats summarizes one run. JSON names follow the reporting format consumed
// by downstream tooling.
type Stats struct {
	RunID             string     `json:"run_id"`
	DataType          DataType   `json:"data_type"`
	Mode              Mode       `json:"mode"`
	State             RunState   `json:"state"`
	TotalProcessed    int        `json:"total_processed"`
	DuplicatesSkipped int        `json:"duplicates_skipped"`
	TotalBatches      int        `json:"total_batches"`
	Errors            int        `json:"errors"`
	Rejected          int        `json:"rejected"`
	Discarded         int        `json:"discarded"`
	Chunks            int        `json:"chunks"`
	BatchIDs          []string   `json:"batch_ids"`
	Checkpoint        *time.Time `json:"checkpoint,omitempty"`
	LastProcessedDate *time.Time `json:"last_processed_date,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        time.Time  `json:"finished_at"`
}

// NewStats returns zeroed statistics for a run.
func NewStats(runID string, dataType DataType, mode Mode) *Stats {
	return &Stats{
		RunID:    runID,
		DataType: dataType,
		Mode:     mode,
		State:    RunNotStarted,
		BatchIDs: []string{},
	}
}

// SetCheckpoint records the checkpoint the run started from. It also seeds
// LastProcessedDate so the run never reports a date before its start point.
func (s *Stats) SetCheckpoint(t time.Time) {
	cp := t
	s.Checkpoint = &cp
	s.AdvanceTo(t)
}

// AdvanceTo moves LastProcessedDate forward to t. Earlier values are ignored.
func (s *Stats) AdvanceTo(t time.Time) {
	if t.IsZero() {
		return
	}
	if s.LastProcessedDate == nil || t.After(*s.LastProcessedDate) {
		lp := t
		s.LastProcessedDate = &lp
	}
}

// RecordBatch adds the outcome of one written batch.
func (s *Stats) RecordBatch(batchID string, processed, duplicates int, last time.Time) {
	s.TotalBatches++
	s.TotalProcessed += processed
	s.DuplicatesSkipped += duplicates
	s.BatchIDs = append(s.BatchIDs, batchID)
	s.AdvanceTo(last)
}

// Finish sets the terminal state from the error count unless the run was cancelled.
func (s *Stats) Finish(at time.Time, cancelled bool) {
	s.FinishedAt = at
	switch {
	case cancelled:
		s.State = RunCancelled
	case s.Errors > 0:
		s.State = RunPartiallyFailed
	default:
		s.State = RunCompleted
	}
}
