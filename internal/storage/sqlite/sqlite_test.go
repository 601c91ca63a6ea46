package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGetProductRoundTrips(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := &types.Product{
		SourceID:       "1688:p1",
		Title:          "Steel widget",
		PriceMin:       10.5,
		PriceMax:       12.0,
		Currency:       "CNY",
		Specifications: map[string]string{"material": "steel"},
		Status:         types.ProductActive,
		SyncStatus:     types.SyncCompleted,
	}
	if err := store.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected product ID to be assigned")
	}

	got, err := store.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if got.Title != "Steel widget" || got.Specifications["material"] != "steel" {
		t.Fatalf("round-tripped product mismatch: %+v", got)
	}
}

func TestUpsertProductOnConflictUpdatesInPlace(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := &types.Product{SourceID: "1688:p2", Title: "v1"}
	_ = store.UpsertProduct(ctx, p)
	firstID := p.ID

	p2 := &types.Product{SourceID: "1688:p2", Title: "v2"}
	if err := store.UpsertProduct(ctx, p2); err != nil {
		t.Fatalf("second UpsertProduct: %v", err)
	}
	if p2.ID != firstID {
		t.Fatalf("expected stable ID %q, got %q", firstID, p2.ID)
	}
}

func TestGetProductNotFound(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.GetProduct(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchProductsPaginates(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := &types.Product{
			SourceID: "1688:search" + string(rune('a'+i)),
			Title:    "Widget",
			Status:   types.ProductActive,
			PriceMin: float64(i * 10),
			PriceMax: float64(i*10 + 5),
		}
		if err := store.UpsertProduct(ctx, p); err != nil {
			t.Fatalf("UpsertProduct %d: %v", i, err)
		}
	}

	results, total, err := store.SearchProducts(ctx, storage.ProductFilter{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("SearchProducts: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(results) != 2 {
		t.Fatalf("expected page of 2, got %d", len(results))
	}
}

func TestLeaseAckCycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	w := &types.QueuedWork{TaskName: "crawl.fetch_products", Queue: "crawl", Priority: types.PriorityNormal}
	if err := store.Enqueue(ctx, w); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	leased, err := store.Lease(ctx, "crawl", 30, "worker-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased.AttemptNo != 1 {
		t.Fatalf("expected AttemptNo 1 after first lease, got %d", leased.AttemptNo)
	}

	if _, err := store.Lease(ctx, "crawl", 30, "worker-2"); !errors.Is(err, errs.ErrEmpty) {
		t.Fatalf("expected ErrEmpty while item is leased, got %v", err)
	}

	if err := store.Ack(ctx, leased.WorkID, leased.LeaseToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, err := store.Lease(ctx, "crawl", 30, "worker-2"); !errors.Is(err, errs.ErrEmpty) {
		t.Fatalf("expected ErrEmpty after ack removed the item, got %v", err)
	}
}

func TestNackMakesItemEligibleAgain(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_ = store.Enqueue(ctx, &types.QueuedWork{TaskName: "t", Queue: "q", Priority: types.PriorityNormal})
	leased, _ := store.Lease(ctx, "q", 30, "worker-1")

	if err := store.Nack(ctx, leased.WorkID, leased.LeaseToken, nil, "transient failure"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again, err := store.Lease(ctx, "q", 30, "worker-2")
	if err != nil {
		t.Fatalf("re-lease after nack: %v", err)
	}
	if again.WorkID != leased.WorkID {
		t.Fatal("expected same work item re-leasable")
	}
	if again.LastError != "transient failure" {
		t.Fatalf("expected last_error preserved, got %q", again.LastError)
	}
}

func TestWriteVersionIncrementsVersionNo(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	v1 := &types.VersionRecord{EntityType: "product", EntityID: "p1", ChangeKind: types.ChangeCreate, Checksum: "abc", Snapshot: []byte("{}")}
	if err := store.WriteVersion(ctx, v1); err != nil {
		t.Fatalf("WriteVersion 1: %v", err)
	}
	if v1.VersionNo != 1 {
		t.Fatalf("expected version 1, got %d", v1.VersionNo)
	}

	v2 := &types.VersionRecord{EntityType: "product", EntityID: "p1", ChangeKind: types.ChangeUpdate, Checksum: "def", Snapshot: []byte("{}")}
	if err := store.WriteVersion(ctx, v2); err != nil {
		t.Fatalf("WriteVersion 2: %v", err)
	}
	if v2.VersionNo != 2 {
		t.Fatalf("expected version 2, got %d", v2.VersionNo)
	}

	latest, err := store.LatestVersion(ctx, "product", "p1")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if latest.Checksum != "def" {
		t.Fatalf("expected latest checksum def, got %s", latest.Checksum)
	}
}

func TestSyncRunFSMRejectsReverseTransition(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := &types.SyncRun{TaskID: "run-1", Status: types.RunPending}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	run.Status = types.RunRunning
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("transition pending->running: %v", err)
	}

	run.Status = types.RunCompleted
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("transition running->completed: %v", err)
	}

	run.Status = types.RunRunning
	if err := store.UpdateSyncRun(ctx, run); err == nil {
		t.Fatal("expected error reopening a completed SyncRun")
	}
}

func TestAcquireLeaseExcludesOtherHolders(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "scheduler", "node-a", 60)
	if err != nil || !ok {
		t.Fatalf("expected node-a acquisition, ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireLease(ctx, "scheduler", "node-b", 60)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if ok {
		t.Fatal("expected node-b to be denied while node-a's lease is live")
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := &types.Product{SourceID: "1688:txn", Title: "Original"}
	_ = store.UpsertProduct(ctx, p)

	sentinel := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SoftDeleteProduct(ctx, p.ID); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := store.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct after rollback: %v", err)
	}
	if got.DeletedAt != nil {
		t.Fatal("expected soft-delete to be rolled back")
	}
}
