package staging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
)

func TestMemoryRepository_TransactionRollback(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.Migrate(ctx, []TableSpec{{Staging: "stage_orders", Archive: "archive_orders", Dedup: true}})

	boom := errors.New("boom")
	err := repo.Transaction(ctx, func(tx Repository) error {
		if _, err := tx.InsertStaging(ctx, "stage_orders", []StagingRecord{{BusinessKey: "A"}}, true); err != nil {
			return err
		}
		// Visible inside the transaction.
		if n, _ := tx.Count(ctx, "stage_orders"); n != 1 {
			t.Errorf("count inside tx = %d, want 1", n)
		}
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("Transaction() error = %v, want boom", err)
	}
	if n, _ := repo.Count(ctx, "stage_orders"); n != 0 {
		t.Errorf("count after rollback = %d, want 0", n)
	}
}

func TestMemoryRepository_TransactionCommit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.Transaction(ctx, func(tx Repository) error {
		_, err := tx.InsertStaging(ctx, "stage_inventory", []StagingRecord{{BusinessKey: "S1"}, {BusinessKey: "S1"}}, false)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if n, _ := repo.Count(ctx, "stage_inventory"); n != 2 {
		t.Errorf("count = %d, want 2 (no unique index)", n)
	}
}

func TestMemoryRepository_UniqueIndex(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.Migrate(ctx, []TableSpec{{Staging: "stage_orders", Archive: "archive_orders", Dedup: true}})
	repo.InsertStaging(ctx, "stage_orders", []StagingRecord{{BusinessKey: "A"}}, false)

	// A writer that missed A in its key lookup loses the row to the index.
	n, err := repo.InsertStaging(ctx, "stage_orders", []StagingRecord{{BusinessKey: "A"}, {BusinessKey: "B"}}, true)
	if err != nil || n != 1 {
		t.Errorf("InsertStaging(skip) = %d, %v, want 1 inserted", n, err)
	}

	if _, err := repo.InsertStaging(ctx, "stage_orders", []StagingRecord{{BusinessKey: "B"}}, false); err == nil {
		t.Error("InsertStaging() should reject a duplicate key without skipConflicts")
	}
}

func TestMemoryRepository_ExistingKeys(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.InsertStaging(ctx, "stage_orders", []StagingRecord{{BusinessKey: "A"}, {BusinessKey: "C"}}, false)

	found, err := repo.ExistingKeys(ctx, "stage_orders", []string{"A", "B"})
	if err != nil {
		t.Fatalf("ExistingKeys() error = %v", err)
	}
	if _, ok := found["A"]; !ok || len(found) != 1 {
		t.Errorf("ExistingKeys() = %v, want only A", found)
	}
}

func TestMemoryRepository_LatestSuccess(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	t1 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		status ControlStatus
		at     time.Time
	}{
		{ControlSuccess, t1},
		{ControlError, t2.Add(time.Hour)},
		{ControlSuccess, t2},
		{ControlSuccess, t1.Add(time.Hour)},
	} {
		e := &ControlEntry{DataType: ingest.DataTypeOrders, StartedAt: tc.at}
		repo.ClaimControl(ctx, e, time.Time{})
		at := tc.at
		repo.FinishControl(ctx, e.ID, ControlUpdate{Status: tc.status, LastProcessedDate: &at, EndedAt: at})
	}

	latest, err := repo.LatestSuccess(ctx, ingest.DataTypeOrders)
	if err != nil || latest == nil || !latest.Equal(t2) {
		t.Errorf("LatestSuccess() = %v, %v, want %v", latest, err, t2)
	}
	if none, _ := repo.LatestSuccess(ctx, ingest.DataTypeInventory); none != nil {
		t.Errorf("LatestSuccess(Inventory) = %v, want nil", none)
	}

	entries, _ := repo.ControlEntries(ctx, ingest.DataTypeOrders, 2)
	if len(entries) != 2 || entries[0].ID != 4 {
		t.Errorf("ControlEntries(limit 2) = %+v, want newest first", entries)
	}
}

func TestMemoryRepository_FinishUnknown(t *testing.T) {
	repo := NewMemoryRepository()
	if err := repo.FinishControl(context.Background(), 42, ControlUpdate{Status: ControlSuccess}); err == nil {
		t.Error("FinishControl() should fail for unknown id")
	}
}
