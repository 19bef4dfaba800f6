package staging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
)

// memState is the full content of a MemoryRepository.
type memState struct {
	staging   map[string][]StagingRecord
	archive   map[string][]ArchiveRecord
	control   []ControlEntry
	unique    map[string]bool
	nextID    uint64
	nextArcID uint64
	nextCtlID uint64
}

func newMemState() *memState {
	return &memState{
		staging: make(map[string][]StagingRecord),
		archive: make(map[string][]ArchiveRecord),
		unique:  make(map[string]bool),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		staging:   make(map[string][]StagingRecord, len(s.staging)),
		archive:   make(map[string][]ArchiveRecord, len(s.archive)),
		control:   append([]ControlEntry(nil), s.control...),
		unique:    make(map[string]bool, len(s.unique)),
		nextID:    s.nextID,
		nextArcID: s.nextArcID,
		nextCtlID: s.nextCtlID,
	}
	for k, v := range s.staging {
		c.staging[k] = append([]StagingRecord(nil), v...)
	}
	for k, v := range s.archive {
		c.archive[k] = append([]ArchiveRecord(nil), v...)
	}
	for k, v := range s.unique {
		c.unique[k] = v
	}
	return c
}

// MemoryHooks injects failures into a MemoryRepository.
type MemoryHooks struct {
	// BeforeInsert runs before rows are added to a staging table.
	BeforeInsert func(table string, rows []StagingRecord) error

	// BeforeArchive runs before a staging table is archived.
	BeforeArchive func(spec TableSpec) error

	// BeforeFinish runs before a control entry is closed.
	BeforeFinish func(id uint64, update ControlUpdate) error
}

// MemoryRepository keeps staging data in process memory. Transactions work on
// a copy of the state that replaces the original only on commit. It backs dry
// runs and tests.
type MemoryRepository struct {
	mu    *sync.Mutex
	root  **memState
	state *memState
	inTx  bool
	Hooks *MemoryHooks
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	st := newMemState()
	return &MemoryRepository{
		mu:    &sync.Mutex{},
		root:  &st,
		Hooks: &MemoryHooks{},
	}
}

// with runs fn against the current state, holding the lock outside transactions.
func (r *MemoryRepository) with(fn func(s *memState) error) error {
	if r.inTx {
		return fn(r.state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(*r.root)
}

// Transaction implements Repository.
func (r *MemoryRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &MemoryRepository{
		mu:    r.mu,
		root:  r.root,
		state: (*r.root).clone(),
		inTx:  true,
		Hooks: r.Hooks,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	*r.root = tx.state
	return nil
}

// Migrate implements Repository.
func (r *MemoryRepository) Migrate(ctx context.Context, tables []TableSpec) error {
	return r.with(func(s *memState) error {
		for _, spec := range tables {
			if _, ok := s.staging[spec.Staging]; !ok {
				s.staging[spec.Staging] = nil
			}
			if _, ok := s.archive[spec.Archive]; !ok {
				s.archive[spec.Archive] = nil
			}
			if spec.Dedup {
				s.unique[spec.Staging] = true
			}
		}
		return nil
	})
}

// ClaimControl implements Repository.
func (r *MemoryRepository) ClaimControl(ctx context.Context, entry *ControlEntry, staleBefore time.Time) error {
	return r.with(func(s *memState) error {
		for i := range s.control {
			e := &s.control[i]
			if e.DataType != entry.DataType || e.Status != ControlInProgress {
				continue
			}
			if !e.StartedAt.Before(staleBefore) {
				return &ingest.ConflictError{DataType: entry.DataType, Holder: e.RunID}
			}
		}
		for i := range s.control {
			e := &s.control[i]
			if e.DataType == entry.DataType && e.Status == ControlInProgress {
				ended := entry.StartedAt
				e.Status = ControlError
				e.Message = staleMessage
				e.EndedAt = &ended
			}
		}

		s.nextCtlID++
		entry.ID = s.nextCtlID
		entry.Status = ControlInProgress
		entry.CreatedAt = entry.StartedAt
		s.control = append(s.control, *entry)
		return nil
	})
}

// FinishControl implements Repository.
func (r *MemoryRepository) FinishControl(ctx context.Context, id uint64, update ControlUpdate) error {
	if h := r.Hooks.BeforeFinish; h != nil {
		if err := h(id, update); err != nil {
			return err
		}
	}
	return r.with(func(s *memState) error {
		for i := range s.control {
			e := &s.control[i]
			if e.ID != id {
				continue
			}
			ended := update.EndedAt
			e.Status = update.Status
			e.RecordsProcessed = update.RecordsProcessed
			e.Message = update.Message
			e.EndedAt = &ended
			if update.LastProcessedDate != nil {
				lp := *update.LastProcessedDate
				e.LastProcessedDate = &lp
			}
			return nil
		}
		return fmt.Errorf("control entry %d not found", id)
	})
}

// LatestSuccess implements Repository.
func (r *MemoryRepository) LatestSuccess(ctx context.Context, dataType ingest.DataType) (*time.Time, error) {
	var latest *time.Time
	err := r.with(func(s *memState) error {
		for _, e := range s.control {
			if e.DataType != dataType || e.Status != ControlSuccess || e.LastProcessedDate == nil {
				continue
			}
			if latest == nil || e.LastProcessedDate.After(*latest) {
				t := *e.LastProcessedDate
				latest = &t
			}
		}
		return nil
	})
	return latest, err
}

// ControlEntries implements Repository.
func (r *MemoryRepository) ControlEntries(ctx context.Context, dataType ingest.DataType, limit int) ([]ControlEntry, error) {
	var out []ControlEntry
	err := r.with(func(s *memState) error {
		for i := len(s.control) - 1; i >= 0; i-- {
			if s.control[i].DataType != dataType {
				continue
			}
			out = append(out, s.control[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ExistingKeys implements Repository.
func (r *MemoryRepository) ExistingKeys(ctx context.Context, table string, keys []string) (map[string]struct{}, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	found := make(map[string]struct{})
	err := r.with(func(s *memState) error {
		for _, row := range s.staging[table] {
			if _, ok := want[row.BusinessKey]; ok {
				found[row.BusinessKey] = struct{}{}
			}
		}
		return nil
	})
	return found, err
}

// InsertStaging implements Repository. A table migrated with Dedup rejects a
// duplicate business key unless skipConflicts is set, like a unique index would.
func (r *MemoryRepository) InsertStaging(ctx context.Context, table string, rows []StagingRecord, skipConflicts bool) (int, error) {
	if h := r.Hooks.BeforeInsert; h != nil {
		if err := h(table, rows); err != nil {
			return 0, err
		}
	}

	inserted := 0
	err := r.with(func(s *memState) error {
		present := make(map[string]struct{})
		if s.unique[table] {
			for _, row := range s.staging[table] {
				present[row.BusinessKey] = struct{}{}
			}
		}

		for _, row := range rows {
			if s.unique[table] {
				if _, dup := present[row.BusinessKey]; dup {
					if skipConflicts {
						continue
					}
					return fmt.Errorf("insert into %s: duplicate business key %q", table, row.BusinessKey)
				}
				present[row.BusinessKey] = struct{}{}
			}
			s.nextID++
			row.ID = s.nextID
			s.staging[table] = append(s.staging[table], row)
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ArchiveAndDelete implements Repository.
func (r *MemoryRepository) ArchiveAndDelete(ctx context.Context, spec TableSpec, keepRunID string, at time.Time) (int, error) {
	if h := r.Hooks.BeforeArchive; h != nil {
		if err := h(spec); err != nil {
			return 0, err
		}
	}

	moved := 0
	err := r.with(func(s *memState) error {
		var kept []StagingRecord
		for _, row := range s.staging[spec.Staging] {
			if row.RunID == keepRunID {
				kept = append(kept, row)
				continue
			}
			s.nextArcID++
			s.archive[spec.Archive] = append(s.archive[spec.Archive], ArchiveRecord{
				ArchiveID:        s.nextArcID,
				OriginalID:       row.ID,
				BusinessKey:      row.BusinessKey,
				RawData:          row.RawData,
				ProcessedDate:    row.ProcessedDate,
				ValidationStatus: row.ValidationStatus,
				BatchID:          row.BatchID,
				RunID:            row.RunID,
				InsertedAt:       row.InsertedAt,
				ArchivedAt:       at,
			})
			moved++
		}
		s.staging[spec.Staging] = kept
		return nil
	})
	return moved, err
}

// StagingErrors implements Repository.
func (r *MemoryRepository) StagingErrors(ctx context.Context, table, batchID string) ([]StagingRecord, error) {
	var out []StagingRecord
	err := r.with(func(s *memState) error {
		for _, row := range s.staging[table] {
			if row.BatchID == batchID && (row.ValidationStatus == ValidationError || row.IsDuplicate) {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

// Count implements Repository.
func (r *MemoryRepository) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.with(func(s *memState) error {
		if rows, ok := s.staging[table]; ok {
			n = int64(len(rows))
			return nil
		}
		n = int64(len(s.archive[table]))
		return nil
	})
	return n, err
}

// Rows returns a copy of a staging table ordered by id.
func (r *MemoryRepository) Rows(table string) []StagingRecord {
	var out []StagingRecord
	r.with(func(s *memState) error {
		out = append(out, s.staging[table]...)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Archived returns a copy of an archive table.
func (r *MemoryRepository) Archived(table string) []ArchiveRecord {
	var out []ArchiveRecord
	r.with(func(s *memState) error {
		out = append(out, s.archive[table]...)
		return nil
	})
	return out
}
