package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/extractor"
	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage/memstore"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

const testRuleFile = `
[[ruleset]]
source_version = "1.0.0"
kind = "list_page"
fingerprint = ""

[[ruleset.fields]]
field = "source_id"
pattern = "source_id=(\\S+)"

[[ruleset.fields]]
field = "title"
pattern = "title=(\\S+)"
`

func newTestCoordinator(t *testing.T, store *memstore.MemStore, pages [][]byte) *Coordinator {
	t.Helper()
	idx := 0
	return &Coordinator{
		Store: store,
		Queue: queue.New(store, 0, 0),
		Log:   logging.New("ERROR", nil),
		FetchPage: func(ctx context.Context, f *fetcher.Fetcher, filter SourceFilter, cursor string) ([]byte, string, error) {
			if idx >= len(pages) {
				return nil, "", nil
			}
			body := pages[idx]
			idx++
			next := ""
			if idx < len(pages) {
				next = "cursor-" + string(rune('a'+idx))
			}
			return body, next, nil
		},
		MapRecord: func(rec *extractor.Record) (*types.Product, error) {
			return &types.Product{
				SourceID:    rec.Fields["source_id"],
				Title:       rec.Fields["title"],
				PriceMin:    1.0,
				PriceMax:    1.0,
				Currency:    "CNY",
				MOQ:         1,
				SupplierRef: "sup-1",
				CategoryID:  "cat1",
			}, nil
		},
	}
}

func runHandler(t *testing.T, c *Coordinator, store *memstore.MemStore, taskID string) error {
	t.Helper()
	reg := worker.NewRegistry()
	reg.Register("sync.products", worker.DefaultRetryPolicy, c.SyncProductsHandler())

	run := &types.SyncRun{TaskID: taskID, TaskName: "sync.products", Status: types.RunRunning, StartedAt: time.Now()}
	if err := store.CreateSyncRun(context.Background(), run); err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}
	if _, err := c.Queue.Enqueue(context.Background(), queue.EnqueueArgs{
		TaskName: "sync.products", Args: Args{TaskID: taskID}, Queue: queue.Default, Priority: types.PriorityNormal,
		WorkID: taskID,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := worker.New(worker.Config{
		Store: store, Queue: c.Queue, Registry: reg, Log: logging.New("ERROR", nil),
		Queues: []string{queue.Default}, WorkerID: "test-worker", LeaseTTL: 30 * time.Second, Concurrency: 1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = pool.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()
	pool.Wait()
	return nil
}

func TestSyncProductsHandlerUpsertsAcrossPages(t *testing.T) {
	store := memstore.New()
	if err := store.UpsertSupplier(context.Background(), &types.Supplier{ID: "sup-1", SourceID: "s1", Name: "Acme", Verified: true}); err != nil {
		t.Fatalf("seed supplier: %v", err)
	}

	pages := [][]byte{
		[]byte(`source_id=p1 title=Widget`),
		[]byte(`source_id=p2 title=Gadget`),
	}
	c := newTestCoordinator(t, store, pages)
	c.Extractor = newFakeExtractor(t)

	if err := runHandler(t, c, store, "task-1"); err != nil {
		t.Fatalf("runHandler: %v", err)
	}

	p1, err := store.GetProductBySourceID(context.Background(), "p1")
	if err != nil || p1 == nil {
		t.Fatalf("expected product p1 to be upserted, err=%v", err)
	}
	p2, err := store.GetProductBySourceID(context.Background(), "p2")
	if err != nil || p2 == nil {
		t.Fatalf("expected product p2 to be upserted, err=%v", err)
	}

	v, err := store.LatestVersion(context.Background(), "product", p1.ID)
	if err != nil || v == nil {
		t.Fatalf("expected a version record for p1, err=%v", err)
	}
	if v.ChangeKind != types.ChangeCreate {
		t.Errorf("expected create version, got %v", v.ChangeKind)
	}
}

func TestUpsertProductSkipsNoopVersion(t *testing.T) {
	store := memstore.New()
	c := &Coordinator{Store: store, Log: logging.New("ERROR", nil)}
	p := &types.Product{SourceID: "p1", Title: "Widget", SupplierRef: "sup-1", Currency: "CNY", MOQ: 1}

	if err := c.upsertProduct(context.Background(), p); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first, _ := store.LatestVersion(context.Background(), "product", p.ID)
	if first == nil {
		t.Fatal("expected a version after first upsert")
	}

	// Re-upsert identical fields: Next() must detect the unchanged
	// checksum and skip writing a second version.
	p2 := &types.Product{SourceID: "p1", Title: "Widget", SupplierRef: "sup-1", Currency: "CNY", MOQ: 1}
	if err := c.upsertProduct(context.Background(), p2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	versions, err := store.ListVersions(context.Background(), "product", p.ID)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected exactly one version after a no-op re-sync, got %d", len(versions))
	}

	stored, err := store.GetProduct(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if !stored.UpdatedAt.Equal(p.UpdatedAt) {
		t.Fatalf("no-op re-sync must not move updated_at: %v vs %v", stored.UpdatedAt, p.UpdatedAt)
	}
	if !stored.LastSyncTime.Equal(p2.LastSyncTime) {
		t.Fatalf("no-op re-sync must still move last_sync_time")
	}
}

func TestFlushDedupeLinksSimilarProducts(t *testing.T) {
	store := memstore.New()
	if err := store.UpsertSupplier(context.Background(), &types.Supplier{ID: "sup-1", SourceID: "s1", Name: "Acme", Verified: true}); err != nil {
		t.Fatalf("seed supplier: %v", err)
	}
	c := &Coordinator{Store: store, Log: logging.New("ERROR", nil), DedupeBatchSize: 2}

	a := &types.Product{SourceID: "p1", Title: "Stainless Steel Water Bottle 500ml", PriceMin: 10, PriceMax: 10, SupplierRef: "sup-1", MOQ: 100, SalesCount: 50}
	b := &types.Product{SourceID: "p2", Title: "Stainless Steel Water Bottle 500 ml", PriceMin: 10, PriceMax: 10, SupplierRef: "sup-1", MOQ: 100, SalesCount: 10}

	if err := c.upsertProduct(context.Background(), a); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	c.accumulateForDedupe(context.Background(), a)
	if err := c.upsertProduct(context.Background(), b); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	c.accumulateForDedupe(context.Background(), b)

	got, err := store.GetProduct(context.Background(), b.ID)
	if err != nil || got == nil {
		t.Fatalf("expected product b to persist, err=%v", err)
	}
	if got.CanonicalOf != a.ID {
		t.Errorf("expected b.CanonicalOf=%q (higher sales_count wins), got %q", a.ID, got.CanonicalOf)
	}
}

// newFakeExtractor loads a minimal rule-set matching the
// "key=value key=value" fixture format the test pages above use, so the
// handler-integration test exercises the real Extractor rather than
// stubbing it out.
func newFakeExtractor(t *testing.T) *extractor.Extractor {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.toml"), []byte(testRuleFile), 0o644); err != nil {
		t.Fatalf("writing rule file: %v", err)
	}
	e, err := extractor.New(dir, logging.New("ERROR", nil))
	if err != nil {
		t.Fatalf("extractor.New: %v", err)
	}
	return e
}
