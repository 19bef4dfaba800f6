package staging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"gorm.io/datatypes"
)

// ValidationStatus is the state of a staged row as seen by downstream validation.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationSuccess ValidationStatus = "SUCCESS"
	ValidationError   ValidationStatus = "ERROR"
)

// ControlStatus is the state of a control ledger entry.
type ControlStatus string

const (
	ControlInProgress ControlStatus = "IN_PROGRESS"
	ControlSuccess    ControlStatus = "SUCCESS"
	ControlError      ControlStatus = "ERROR"
)

// StagingRecord is one row of a stage_* table.
type StagingRecord struct {
	ID                uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BusinessKey       string           `gorm:"size:191;not null;index" json:"business_key"`
	RawData           datatypes.JSON   `gorm:"not null" json:"raw_data"`
	ProcessedDate     time.Time        `gorm:"not null" json:"processed_date"`
	ValidationStatus  ValidationStatus `gorm:"size:20;not null;index" json:"validation_status"`
	ValidationMessage string           `gorm:"size:500" json:"validation_message,omitempty"`
	IsDuplicate       bool             `gorm:"not null" json:"is_duplicate"`
	BatchID           string           `gorm:"size:36;not null;index" json:"batch_id"`
	RunID             string           `gorm:"size:36;not null;index" json:"run_id"`
	InsertedAt        time.Time        `gorm:"not null" json:"inserted_at"`
}

// ArchiveRecord is a staging row moved aside by a REPLACE write. Archive
// tables are append-only.
type ArchiveRecord struct {
	ArchiveID        uint64           `gorm:"primaryKey;autoIncrement" json:"archive_id"`
	OriginalID       uint64           `gorm:"not null;index" json:"original_id"`
	BusinessKey      string           `gorm:"size:191;not null;index" json:"business_key"`
	RawData          datatypes.JSON   `gorm:"not null" json:"raw_data"`
	ProcessedDate    time.Time        `gorm:"not null" json:"processed_date"`
	ValidationStatus ValidationStatus `gorm:"size:20;not null" json:"validation_status"`
	BatchID          string           `gorm:"size:36;not null;index" json:"batch_id"`
	RunID            string           `gorm:"size:36;not null" json:"run_id"`
	InsertedAt       time.Time        `gorm:"not null" json:"inserted_at"`
	ArchivedAt       time.Time        `gorm:"not null;index" json:"archived_at"`
}

// ControlEntry is one row of the processing_control ledger.
type ControlEntry struct {
	ID                uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	DataType          ingest.DataType `gorm:"size:50;not null;index:idx_control_type_status" json:"data_type"`
	Status            ControlStatus   `gorm:"size:20;not null;index:idx_control_type_status" json:"status"`
	RunID             string          `gorm:"size:36" json:"run_id"`
	LastBatchID       string          `gorm:"size:36" json:"last_batch_id"`
	LastProcessedDate *time.Time      `json:"last_processed_date,omitempty"`
	RecordsProcessed  int             `gorm:"not null" json:"records_processed"`
	Message           string          `gorm:"size:1000" json:"message,omitempty"`
	StartedAt         time.Time       `gorm:"not null" json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TableName implements gorm's tabler.
func (ControlEntry) TableName() string {
	return "processing_control"
}

// ControlUpdate closes a control entry.
type ControlUpdate struct {
	Status            ControlStatus
	RecordsProcessed  int
	LastProcessedDate *time.Time
	Message           string
	EndedAt           time.Time
}

// TableSpec names the staging and archive tables of a DataType.
type TableSpec struct {
	Staging string
	Archive string

	// Dedup puts a unique index on the business key of the staging table.
	Dedup bool
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

func (t TableSpec) validate() error {
	if !tableName.MatchString(t.Staging) || !tableName.MatchString(t.Archive) {
		return fmt.Errorf("invalid table names %q/%q", t.Staging, t.Archive)
	}
	return nil
}

// DefaultTables returns the table layout for every DataType.
func DefaultTables() map[ingest.DataType]TableSpec {
	return map[ingest.DataType]TableSpec{
		ingest.DataTypeOrders:     {Staging: "stage_orders", Archive: "archive_orders", Dedup: true},
		ingest.DataTypeOrderItems: {Staging: "stage_order_items", Archive: "archive_order_items", Dedup: true},
		ingest.DataTypeInventory:  {Staging: "stage_inventory", Archive: "archive_inventory"},
	}
}

// Counts reports row totals for one DataType.
type Counts struct {
	Staging int64 `json:"staging"`
	Archive int64 `json:"archive"`
}
