package batchjob

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/storage/memstore"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

// runTask drives one handler through a real worker pool against the
// given store, the same harness shape internal/sync's handler tests use.
func runTask(t *testing.T, store *memstore.MemStore, taskName string, h worker.Handler, args any) {
	t.Helper()
	ctx := context.Background()
	q := queue.New(store, 0, 0)
	reg := worker.NewRegistry()
	reg.Register(taskName, worker.DefaultRetryPolicy, h)

	if _, err := q.Enqueue(ctx, queue.EnqueueArgs{
		TaskName: taskName, Args: args, Queue: queue.Batch, Priority: types.PriorityNormal,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := worker.New(worker.Config{
		Store: store, Queue: q, Registry: reg, Log: logging.New("ERROR", nil),
		Queues: []string{queue.Batch}, WorkerID: "test-worker", LeaseTTL: 30 * time.Second, Concurrency: 1,
	})
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	go func() { _ = pool.Run(runCtx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()
	pool.Wait()
}

func storageFilterCategory(category string) storage.ProductFilter {
	return storage.ProductFilter{CategoryID: category}
}

func TestImportUpsertsValidLinesDespiteBadOnes(t *testing.T) {
	store := memstore.New()
	r := &Runner{Store: store, Log: logging.New("ERROR", nil)}

	path := filepath.Join(t.TempDir(), "import.jsonl")
	content := `{"source_id":"p1","title":"Widget","price_min":10,"price_max":15,"currency":"CNY","moq":100,"supplier_ref":"sup-1"}
{"title":"missing source id"}
not json at all
{"source_id":"p2","title":"Gadget","price_min":5,"price_max":5,"currency":"CNY","moq":10,"supplier_ref":"sup-1"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	runTask(t, store, "batch.import", r.ImportHandler(), ImportArgs{TaskID: "t1", FilePath: path})

	ctx := context.Background()
	p1, err := store.GetProductBySourceID(ctx, "p1")
	if err != nil || p1 == nil {
		t.Fatalf("p1 not imported: %v", err)
	}
	if p1.PriceMin != 10 || p1.PriceMax != 15 || p1.MOQ != 100 {
		t.Fatalf("p1: %+v", p1)
	}
	if v, _ := store.LatestVersion(ctx, "product", p1.ID); v == nil || v.ChangeKind != types.ChangeCreate {
		t.Fatalf("expected create version for p1, got %+v", v)
	}
	if p2, _ := store.GetProductBySourceID(ctx, "p2"); p2 == nil {
		t.Fatal("p2 not imported")
	}
}

func TestExportWritesCSVRoundTrip(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	for _, p := range []*types.Product{
		{SourceID: "p1", Title: "Widget", PriceMin: 10, PriceMax: 15, Currency: "CNY", MOQ: 100, CategoryID: "tools", SupplierRef: "sup-1", Status: types.ProductActive},
		{SourceID: "p2", Title: "Gadget", PriceMin: 5, PriceMax: 5, Currency: "CNY", MOQ: 10, CategoryID: "toys", SupplierRef: "sup-1", Status: types.ProductActive},
	} {
		if err := store.UpsertProduct(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	r := &Runner{Store: store, Log: logging.New("ERROR", nil)}
	path := filepath.Join(t.TempDir(), "export.csv")

	runTask(t, store, "batch.export", r.ExportHandler(), ExportArgs{TaskID: "t1", FilePath: path, CategoryID: "tools"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 { // header + the one tools product
		t.Fatalf("rows: %d (%v)", len(rows), rows)
	}
	if rows[0][1] != "source_id" || rows[1][1] != "p1" {
		t.Fatalf("unexpected layout: %v", rows)
	}
}

func TestUpdatePatchesMatchingProducts(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	for _, p := range []*types.Product{
		{SourceID: "p1", Title: "Widget", CategoryID: "tools", Status: types.ProductActive, Currency: "CNY"},
		{SourceID: "p2", Title: "Gadget", CategoryID: "toys", Status: types.ProductActive, Currency: "CNY"},
	} {
		if err := store.UpsertProduct(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	r := &Runner{Store: store, Log: logging.New("ERROR", nil)}

	runTask(t, store, "batch.update", r.UpdateHandler(), UpdateArgs{
		TaskID:  "t1",
		Filter:  storageFilterCategory("tools"),
		Patches: map[string]any{"Status": "inactive"},
	})

	p1, _ := store.GetProductBySourceID(ctx, "p1")
	if p1.Status != types.ProductInactive {
		t.Fatalf("p1 status: %s", p1.Status)
	}
	p2, _ := store.GetProductBySourceID(ctx, "p2")
	if p2.Status != types.ProductActive {
		t.Fatalf("p2 must be untouched, got %s", p2.Status)
	}
	if v, _ := store.LatestVersion(ctx, "product", p1.ID); v == nil || v.ChangeKind != types.ChangeUpdate {
		t.Fatalf("expected update version, got %+v", v)
	}
}

func TestDeleteSoftDeletesAndVersions(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	p := &types.Product{SourceID: "p1", Title: "Widget", CategoryID: "tools", Status: types.ProductActive}
	if err := store.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := &Runner{Store: store, Log: logging.New("ERROR", nil)}

	runTask(t, store, "batch.delete", r.DeleteHandler(), DeleteArgs{TaskID: "t1", Filter: storageFilterCategory("tools")})

	got, _ := store.GetProduct(ctx, p.ID)
	if got == nil || got.DeletedAt == nil {
		t.Fatalf("expected soft delete, got %+v", got)
	}
	if v, _ := store.LatestVersion(ctx, "product", p.ID); v == nil || v.ChangeKind != types.ChangeDelete {
		t.Fatalf("expected delete version, got %+v", v)
	}
}
