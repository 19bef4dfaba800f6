package staging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRepository stores staging data in a SQL database through gorm. The
// queries target MySQL.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps an open gorm connection.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Transaction implements Repository.
func (r *GormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

// Migrate implements Repository.
func (r *GormRepository) Migrate(ctx context.Context, tables []TableSpec) error {
	db := r.db.WithContext(ctx)
	if err := db.AutoMigrate(&ControlEntry{}); err != nil {
		return fmt.Errorf("migrate processing_control: %w", err)
	}

	for _, spec := range tables {
		if err := db.Table(spec.Staging).AutoMigrate(&StagingRecord{}); err != nil {
			return fmt.Errorf("migrate %s: %w", spec.Staging, err)
		}
		if err := db.Table(spec.Archive).AutoMigrate(&ArchiveRecord{}); err != nil {
			return fmt.Errorf("migrate %s: %w", spec.Archive, err)
		}
		if !spec.Dedup {
			continue
		}

		idx := "uq_" + spec.Staging + "_business_key"
		if db.Table(spec.Staging).Migrator().HasIndex(&StagingRecord{}, idx) {
			continue
		}
		if err := db.Exec(fmt.Sprintf("CREATE UNIQUE INDEX `%s` ON `%s` (`business_key`)", idx, spec.Staging)).Error; err != nil {
			return fmt.Errorf("create unique index on %s: %w", spec.Staging, err)
		}
	}
	return nil
}

// ClaimControl implements Repository. The open entries are read with
// SELECT ... FOR UPDATE so two claims for one DataType serialize.
func (r *GormRepository) ClaimControl(ctx context.Context, entry *ControlEntry, staleBefore time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []ControlEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("data_type = ? AND status = ?", entry.DataType, ControlInProgress).
			Order("id").
			Find(&open).Error
		if err != nil {
			return fmt.Errorf("lock open control entries: %w", err)
		}

		for _, e := range open {
			if !e.StartedAt.Before(staleBefore) {
				return &ingest.ConflictError{DataType: entry.DataType, Holder: e.RunID}
			}
			err := tx.Model(&ControlEntry{}).Where("id = ?", e.ID).Updates(map[string]any{
				"status":   ControlError,
				"message":  staleMessage,
				"ended_at": entry.StartedAt,
			}).Error
			if err != nil {
				return fmt.Errorf("expire control entry %d: %w", e.ID, err)
			}
		}

		entry.Status = ControlInProgress
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert control entry: %w", err)
		}
		return nil
	})
}

// FinishControl implements Repository.
func (r *GormRepository) FinishControl(ctx context.Context, id uint64, update ControlUpdate) error {
	fields := map[string]any{
		"status":            update.Status,
		"records_processed": update.RecordsProcessed,
		"message":           update.Message,
		"ended_at":          update.EndedAt,
	}
	if update.LastProcessedDate != nil {
		fields["last_processed_date"] = *update.LastProcessedDate
	}

	res := r.db.WithContext(ctx).Model(&ControlEntry{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update control entry %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("control entry %d not found", id)
	}
	return nil
}

// LatestSuccess implements Repository.
func (r *GormRepository) LatestSuccess(ctx context.Context, dataType ingest.DataType) (*time.Time, error) {
	var latest sql.NullTime
	row := r.db.WithContext(ctx).Model(&ControlEntry{}).
		Select("MAX(last_processed_date)").
		Where("data_type = ? AND status = ?", dataType, ControlSuccess).
		Row()
	if err := row.Scan(&latest); err != nil {
		return nil, fmt.Errorf("query last processed date: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}

// ControlEntries implements Repository.
func (r *GormRepository) ControlEntries(ctx context.Context, dataType ingest.DataType, limit int) ([]ControlEntry, error) {
	var entries []ControlEntry
	q := r.db.WithContext(ctx).Where("data_type = ?", dataType).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list control entries: %w", err)
	}
	return entries, nil
}

// ExistingKeys implements Repository.
func (r *GormRepository) ExistingKeys(ctx context.Context, table string, keys []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(keys) == 0 {
		return found, nil
	}

	var existing []string
	err := r.db.WithContext(ctx).Table(table).
		Where("business_key IN ?", keys).
		Distinct().
		Pluck("business_key", &existing).Error
	if err != nil {
		return nil, fmt.Errorf("lookup keys in %s: %w", table, err)
	}
	for _, k := range existing {
		found[k] = struct{}{}
	}
	return found, nil
}

// InsertStaging implements Repository. Skipped conflicts rely on the unique
// business key index created by Migrate.
func (r *GormRepository) InsertStaging(ctx context.Context, table string, rows []StagingRecord, skipConflicts bool) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	q := r.db.WithContext(ctx).Table(table)
	if skipConflicts {
		q = q.Clauses(clause.OnConflict{DoNothing: true})
	}
	res := q.Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, res.Error)
	}
	return int(res.RowsAffected), nil
}

// ArchiveAndDelete implements Repository.
func (r *GormRepository) ArchiveAndDelete(ctx context.Context, spec TableSpec, keepRunID string, at time.Time) (int, error) {
	db := r.db.WithContext(ctx)

	insert := fmt.Sprintf("INSERT INTO `%s` "+
		"(original_id, business_key, raw_data, processed_date, validation_status, batch_id, run_id, inserted_at, archived_at) "+
		"SELECT id, business_key, raw_data, processed_date, validation_status, batch_id, run_id, inserted_at, ? "+
		"FROM `%s` WHERE run_id <> ?", spec.Archive, spec.Staging)
	archived := db.Exec(insert, at, keepRunID)
	if archived.Error != nil {
		return 0, fmt.Errorf("archive %s: %w", spec.Staging, archived.Error)
	}

	deleted := db.Exec(fmt.Sprintf("DELETE FROM `%s` WHERE run_id <> ?", spec.Staging), keepRunID)
	if deleted.Error != nil {
		return 0, fmt.Errorf("clear %s: %w", spec.Staging, deleted.Error)
	}
	if deleted.RowsAffected != archived.RowsAffected {
		return 0, fmt.Errorf("clear %s: archived %d rows but deleted %d", spec.Staging, archived.RowsAffected, deleted.RowsAffected)
	}
	return int(archived.RowsAffected), nil
}

// StagingErrors implements Repository.
func (r *GormRepository) StagingErrors(ctx context.Context, table, batchID string) ([]StagingRecord, error) {
	var rows []StagingRecord
	err := r.db.WithContext(ctx).Table(table).
		Where("batch_id = ? AND (validation_status = ? OR is_duplicate = ?)", batchID, ValidationError, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query staging errors in %s: %w", table, err)
	}
	return rows, nil
}

// Count implements Repository.
func (r *GormRepository) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
