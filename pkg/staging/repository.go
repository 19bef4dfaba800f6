package staging

import (
	"context"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
)

// Repository is the storage behind a Store. Methods called on the Repository
// passed to a Transaction callback run inside that transaction.
type Repository interface {
	// Transaction runs fn atomically. Any error rolls back every change made through tx.
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	// Migrate creates the control ledger and the given tables.
	Migrate(ctx context.Context, tables []TableSpec) error

	// ClaimControl inserts entry as IN_PROGRESS and commits it. IN_PROGRESS
	// entries of the same DataType started before staleBefore are closed as
	// ERROR; a newer one causes an *ingest.ConflictError.
	ClaimControl(ctx context.Context, entry *ControlEntry, staleBefore time.Time) error

	// FinishControl closes the control entry with id.
	FinishControl(ctx context.Context, id uint64, update ControlUpdate) error

	// LatestSuccess returns the greatest LastProcessedDate among SUCCESS entries.
	LatestSuccess(ctx context.Context, dataType ingest.DataType) (*time.Time, error)

	// ControlEntries lists the ledger for a DataType, newest first.
	ControlEntries(ctx context.Context, dataType ingest.DataType, limit int) ([]ControlEntry, error)

	// ExistingKeys returns which of keys are already present in table.
	ExistingKeys(ctx context.Context, table string, keys []string) (map[string]struct{}, error)

	// InsertStaging adds rows to table and returns how many were written.
	// With skipConflicts a row whose business key already exists is skipped.
	InsertStaging(ctx context.Context, table string, rows []StagingRecord, skipConflicts bool) (int, error)

	// ArchiveAndDelete copies every row of spec.Staging not written by
	// keepRunID into spec.Archive, then deletes them. It returns the number moved.
	ArchiveAndDelete(ctx context.Context, spec TableSpec, keepRunID string, at time.Time) (int, error)

	// StagingErrors returns the rows of a batch flagged ERROR or duplicate.
	StagingErrors(ctx context.Context, table, batchID string) ([]StagingRecord, error)

	// Count returns the number of rows in table.
	Count(ctx context.Context, table string) (int64, error)
}
