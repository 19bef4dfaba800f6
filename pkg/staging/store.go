// Package staging writes record batches into staging tables and keeps the
// processing control ledger that incremental runs resume from.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// Prometheus metrics for staging writes.
var (
	stagingRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_staging_records_total",
		Help: "Staging rows by table and outcome (inserted, duplicate, archived)",
	}, []string{"table", "outcome"})

	stagingWriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_staging_write_errors_total",
		Help: "Failed batch writes by table and mode",
	}, []string{"table", "mode"})

	stagingWriteSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_staging_write_seconds",
		Help:    "Batch write duration by mode",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"mode"})
)

const staleMessage = "abandoned: exceeded stale timeout"

// Config holds store configuration.
type Config struct {
	// Tables maps every DataType to its tables.
	Tables map[ingest.DataType]TableSpec

	// StaleAfter is how long an IN_PROGRESS entry blocks new writes before it
	// is treated as abandoned.
	StaleAfter time.Duration
}

// DefaultConfig returns the default table layout and a 30 minute stale timeout.
func DefaultConfig() Config {
	return Config{
		Tables:     DefaultTables(),
		StaleAfter: 30 * time.Minute,
	}
}

// WriteResult is the outcome of one successful batch write.
type WriteResult struct {
	BatchID           string    `json:"batch_id"`
	RecordsProcessed  int       `json:"records_processed"`
	DuplicatesSkipped int       `json:"duplicates_skipped"`
	Archived          int       `json:"archived"`
	LastProcessedDate time.Time `json:"last_processed_date"`
}

// Store implements the APPEND and REPLACE write protocols on a Repository.
type Store struct {
	repo       Repository
	tables     map[ingest.DataType]TableSpec
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewStore creates a store.
func NewStore(repo Repository, cfg Config, logger zerolog.Logger) (*Store, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one table spec is required")
	}
	for dt, spec := range cfg.Tables {
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", dt, err)
		}
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale_after must be > 0 (got %v)", cfg.StaleAfter)
	}

	return &Store{
		repo:       repo,
		tables:     cfg.Tables,
		staleAfter: cfg.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "staging").Logger(),
	}, nil
}

// Table returns the table spec for a DataType.
func (s *Store) Table(dataType ingest.DataType) (TableSpec, error) {
	spec, ok := s.tables[dataType]
	if !ok {
		return TableSpec{}, fmt.Errorf("no staging table configured for %s", dataType)
	}
	return spec, nil
}

// Initialize creates the logical tables.
func (s *Store) Initialize(ctx context.Context) error {
	specs := make([]TableSpec, 0, len(s.tables))
	for _, spec := range s.tables {
		specs = append(specs, spec)
	}
	if err := s.repo.Migrate(ctx, specs); err != nil {
		return fmt.Errorf("initialize staging tables: %w", err)
	}
	s.logger.Info().Int("tables", len(specs)).Msg("Staging tables initialized")
	return nil
}

// Write dispatches on the batch mode.
func (s *Store) Write(ctx context.Context, dataType ingest.DataType, batch ingest.Batch, fallback time.Time) (WriteResult, error) {
	switch batch.Mode {
	case ingest.ModeAppend:
		return s.Append(ctx, dataType, batch, fallback)
	case ingest.ModeReplace:
		return s.Replace(ctx, dataType, batch, fallback)
	default:
		return WriteResult{}, fmt.Errorf("unknown write mode %q", batch.Mode)
	}
}

// Append writes the records of batch whose business key is not already
// staged. Duplicates, including repeats inside the batch, are counted and
// skipped. The insert and the SUCCESS control entry commit together; on any
// failure nothing is staged and the control entry is closed as ERROR.
func (s *Store) Append(ctx context.Context, dataType ingest.DataType, batch ingest.Batch, fallback time.Time) (WriteResult, error) {
	start := time.Now()
	defer func() {
		stagingWriteSeconds.WithLabelValues(string(ingest.ModeAppend)).Observe(time.Since(start).Seconds())
	}()

	spec, err := s.Table(dataType)
	if err != nil {
		return WriteResult{}, err
	}

	entry, err := s.claim(ctx, dataType, spec, ingest.ModeAppend, batch)
	if err != nil {
		return WriteResult{}, err
	}

	now := s.now()
	last := lastProcessed(batch, fallback, now)
	res := WriteResult{BatchID: batch.ID, LastProcessedDate: last}

	err = s.repo.Transaction(ctx, func(tx Repository) error {
		existing, err := tx.ExistingKeys(ctx, spec.Staging, uniqueKeys(batch))
		if err != nil {
			return err
		}

		rows, dups, err := toRows(batch, existing, now)
		if err != nil {
			return err
		}

		inserted, err := tx.InsertStaging(ctx, spec.Staging, rows, spec.Dedup)
		if err != nil {
			return err
		}
		res.RecordsProcessed = inserted
		// Rows lost to the unique index were inserted by a concurrent writer.
		res.DuplicatesSkipped = dups + len(rows) - inserted

		return tx.FinishControl(ctx, entry.ID, ControlUpdate{
			Status:            ControlSuccess,
			RecordsProcessed:  inserted,
			LastProcessedDate: &last,
			EndedAt:           now,
		})
	})
	if err != nil {
		return WriteResult{}, s.fail(ctx, entry, spec, batch, err)
	}

	stagingRecordsTotal.WithLabelValues(spec.Staging, "inserted").Add(float64(res.RecordsProcessed))
	stagingRecordsTotal.WithLabelValues(spec.Staging, "duplicate").Add(float64(res.DuplicatesSkipped))
	s.logger.Info().
		Str("data_type", string(dataType)).
		Str("batch_id", batch.ID).
		Int("records", res.RecordsProcessed).
		Int("duplicates", res.DuplicatesSkipped).
		Time("last_processed_date", last).
		Msg("Batch appended")
	return res, nil
}

// Replace moves every staged row not written by the batch's run into the
// archive table, then writes all records of the batch. The first batch of a
// REPLACE run therefore swaps out the previous contents and later batches of
// the same run accumulate next to it. Archive, insert and the SUCCESS entry
// commit together.
func (s *Store) Replace(ctx context.Context, dataType ingest.DataType, batch ingest.Batch, fallback time.Time) (WriteResult, error) {
	start := time.Now()
	defer func() {
		stagingWriteSeconds.WithLabelValues(string(ingest.ModeReplace)).Observe(time.Since(start).Seconds())
	}()

	spec, err := s.Table(dataType)
	if err != nil {
		return WriteResult{}, err
	}

	entry, err := s.claim(ctx, dataType, spec, ingest.ModeReplace, batch)
	if err != nil {
		return WriteResult{}, err
	}

	now := s.now()
	last := lastProcessed(batch, fallback, now)
	res := WriteResult{BatchID: batch.ID, LastProcessedDate: last}

	err = s.repo.Transaction(ctx, func(tx Repository) error {
		archived, err := tx.ArchiveAndDelete(ctx, spec, batch.RunID, now)
		if err != nil {
			return err
		}
		res.Archived = archived

		rows, _, err := toRows(batch, nil, now)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertStaging(ctx, spec.Staging, rows, false)
		if err != nil {
			return err
		}
		res.RecordsProcessed = inserted

		return tx.FinishControl(ctx, entry.ID, ControlUpdate{
			Status:            ControlSuccess,
			RecordsProcessed:  inserted,
			LastProcessedDate: &last,
			EndedAt:           now,
		})
	})
	if err != nil {
		return WriteResult{}, s.fail(ctx, entry, spec, batch, err)
	}

	stagingRecordsTotal.WithLabelValues(spec.Staging, "inserted").Add(float64(res.RecordsProcessed))
	stagingRecordsTotal.WithLabelValues(spec.Staging, "archived").Add(float64(res.Archived))
	s.logger.Info().
		Str("data_type", string(dataType)).
		Str("batch_id", batch.ID).
		Int("records", res.RecordsProcessed).
		Int("archived", res.Archived).
		Msg("Batch replaced")
	return res, nil
}

// claim opens the IN_PROGRESS control entry for a batch.
func (s *Store) claim(ctx context.Context, dataType ingest.DataType, spec TableSpec, mode ingest.Mode, batch ingest.Batch) (*ControlEntry, error) {
	now := s.now()
	entry := &ControlEntry{
		DataType:    dataType,
		RunID:       batch.RunID,
		LastBatchID: batch.ID,
		StartedAt:   now,
	}

	if err := s.repo.ClaimControl(ctx, entry, now.Add(-s.staleAfter)); err != nil {
		if errors.Is(err, ingest.ErrCheckpointConflict) {
			s.logger.Warn().Err(err).Str("data_type", string(dataType)).Msg("Batch write rejected")
			return nil, err
		}
		stagingWriteErrorsTotal.WithLabelValues(spec.Staging, string(mode)).Inc()
		return nil, &ingest.StagingWriteError{Table: spec.Staging, Mode: mode, BatchID: batch.ID, Err: err}
	}
	return entry, nil
}

// fail closes the control entry as ERROR. It uses a context that survives
// cancellation of ctx so an interrupted write still leaves a ledger trace.
func (s *Store) fail(ctx context.Context, entry *ControlEntry, spec TableSpec, batch ingest.Batch, cause error) error {
	stagingWriteErrorsTotal.WithLabelValues(spec.Staging, string(batch.Mode)).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	update := ControlUpdate{
		Status:           ControlError,
		RecordsProcessed: 0,
		Message:          truncate(cause.Error(), 1000),
		EndedAt:          s.now(),
	}
	if err := s.repo.FinishControl(ctx, entry.ID, update); err != nil {
		s.logger.Error().Err(err).Uint64("control_id", entry.ID).Msg("Failed to record batch error")
	}

	s.logger.Error().
		Err(cause).
		Str("data_type", string(entry.DataType)).
		Str("batch_id", batch.ID).
		Str("mode", string(batch.Mode)).
		Msg("Batch write failed")
	return &ingest.StagingWriteError{Table: spec.Staging, Mode: batch.Mode, BatchID: batch.ID, Err: cause}
}

// RecordInterrupted writes an ERROR control entry for a chunk that was
// abandoned before its batches were written, typically on cancellation.
func (s *Store) RecordInterrupted(ctx context.Context, dataType ingest.DataType, runID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	now := s.now()
	entry := &ControlEntry{DataType: dataType, RunID: runID, StartedAt: now}
	if err := s.repo.ClaimControl(ctx, entry, now.Add(-s.staleAfter)); err != nil {
		return fmt.Errorf("record interrupted chunk: %w", err)
	}
	return s.repo.FinishControl(ctx, entry.ID, ControlUpdate{
		Status:  ControlError,
		Message: truncate("interrupted: "+cause.Error(), 1000),
		EndedAt: now,
	})
}

// LastProcessedDate returns the checkpoint of the latest successful batch.
func (s *Store) LastProcessedDate(ctx context.Context, dataType ingest.DataType) (time.Time, bool, error) {
	latest, err := s.repo.LatestSuccess(ctx, dataType)
	if err != nil {
		return time.Time{}, false, err
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

// History returns the most recent control entries for a DataType.
func (s *Store) History(ctx context.Context, dataType ingest.DataType, limit int) ([]ControlEntry, error) {
	return s.repo.ControlEntries(ctx, dataType, limit)
}

// StagingErrors returns rows of a batch that failed validation or are flagged duplicate.
func (s *Store) StagingErrors(ctx context.Context, dataType ingest.DataType, batchID string) ([]StagingRecord, error) {
	spec, err := s.Table(dataType)
	if err != nil {
		return nil, err
	}
	return s.repo.StagingErrors(ctx, spec.Staging, batchID)
}

// Counts returns staging and archive row totals for a DataType.
func (s *Store) Counts(ctx context.Context, dataType ingest.DataType) (Counts, error) {
	spec, err := s.Table(dataType)
	if err != nil {
		return Counts{}, err
	}
	staged, err := s.repo.Count(ctx, spec.Staging)
	if err != nil {
		return Counts{}, err
	}
	archived, err := s.repo.Count(ctx, spec.Archive)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Staging: staged, Archive: archived}, nil
}

// lastProcessed picks the checkpoint a batch advances to.
func lastProcessed(batch ingest.Batch, fallback, now time.Time) time.Time {
	if t, ok := batch.LatestTimestamp(); ok {
		return t
	}
	if !fallback.IsZero() {
		return fallback
	}
	return now
}

func uniqueKeys(batch ingest.Batch) []string {
	seen := make(map[string]struct{}, batch.Len())
	keys := make([]string, 0, batch.Len())
	for _, r := range batch.Records {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}
		keys = append(keys, r.Key)
	}
	return keys
}

// toRows converts records to PENDING staging rows. With existing non-nil,
// records whose key is in existing or repeats an earlier record are left out
// and counted as duplicates.
func toRows(batch ingest.Batch, existing map[string]struct{}, now time.Time) ([]StagingRecord, int, error) {
	dedup := existing != nil
	seen := make(map[string]struct{}, batch.Len())
	rows := make([]StagingRecord, 0, batch.Len())
	dups := 0

	for _, rec := range batch.Records {
		if dedup {
			if _, ok := existing[rec.Key]; ok {
				dups++
				continue
			}
			if _, ok := seen[rec.Key]; ok {
				dups++
				continue
			}
			seen[rec.Key] = struct{}{}
		}

		raw, err := rec.Raw()
		if err != nil {
			return nil, 0, fmt.Errorf("encode record %s: %w", rec.Key, err)
		}
		rows = append(rows, StagingRecord{
			BusinessKey:      rec.Key,
			RawData:          datatypes.JSON(raw),
			ProcessedDate:    now,
			ValidationStatus: ValidationPending,
			BatchID:          batch.ID,
			RunID:            batch.RunID,
			InsertedAt:       now,
		})
	}
	return rows, dups, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
