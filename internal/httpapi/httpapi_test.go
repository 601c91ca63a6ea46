package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage/memstore"
	"github.com/operator/marketsync/internal/supervisor"
	"github.com/operator/marketsync/internal/types"
)

func testServer(t *testing.T) (*Server, *memstore.MemStore, *queue.Queue) {
	t.Helper()
	store := memstore.New()
	q := queue.New(store, 1000, 100)
	sup := supervisor.New(supervisor.Config{Store: store, Queue: q})
	return New(Config{Store: store, Queue: q, Supervisor: sup}), store, q
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func TestGetProductNotFoundEnvelope(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doJSON(t, s.Handler(), "GET", "/products/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["code"] != "not_found" {
		t.Fatalf("envelope: %+v", body)
	}
}

func TestListProductsWithFilter(t *testing.T) {
	s, store, _ := testServer(t)
	ctx := context.Background()
	for _, p := range []*types.Product{
		{SourceID: "a", Title: "Red Apple", CategoryID: "fruit", Status: types.ProductActive},
		{SourceID: "b", Title: "Steel Bolt", CategoryID: "hardware", Status: types.ProductActive},
	} {
		if err := store.UpsertProduct(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec, body := doJSON(t, s.Handler(), "GET", "/products?category=fruit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items: %+v", items)
	}
	if body["total"].(float64) != 1 {
		t.Fatalf("total: %v", body["total"])
	}
}

func TestSyncProductEnqueuesWork(t *testing.T) {
	s, store, q := testServer(t)
	ctx := context.Background()
	p := &types.Product{SourceID: "a", Title: "Red Apple"}
	if err := store.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, body := doJSON(t, s.Handler(), "POST", "/products/"+p.ID+"/sync", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body)
	}
	if body["work_id"] == "" {
		t.Fatalf("missing work_id: %+v", body)
	}
	depth, err := q.Depth(ctx, queue.Crawler)
	if err != nil || depth != 1 {
		t.Fatalf("crawler depth: %d (%v)", depth, err)
	}
}

func TestCreateSyncRunAccepted(t *testing.T) {
	s, store, q := testServer(t)

	rec, body := doJSON(t, s.Handler(), "POST", "/sync-records",
		`{"operation_type":"manual","sync_type":"product","category":"tools"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body)
	}
	taskID, _ := body["task_id"].(string)
	if taskID == "" || body["work_id"] != taskID {
		t.Fatalf("task/work ids must match for driver tasks: %+v", body)
	}

	run, err := store.GetSyncRun(context.Background(), taskID)
	if err != nil || run == nil || run.Status != types.RunPending {
		t.Fatalf("run: %+v (%v)", run, err)
	}
	depth, _ := q.Depth(context.Background(), queue.DataSync)
	if depth != 1 {
		t.Fatalf("data_sync depth: %d", depth)
	}
}

func TestCreateSyncRunRejectsUnknownKind(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doJSON(t, s.Handler(), "POST", "/sync-records", `{"sync_type":"galaxy"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["code"] != "validation_error" {
		t.Fatalf("envelope: %+v", body)
	}
}

func TestCancelSetsFlag(t *testing.T) {
	s, store, _ := testServer(t)
	ctx := context.Background()
	run := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products", Status: types.RunRunning, StartedAt: time.Now()}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, _ := doJSON(t, s.Handler(), "POST", "/sync-records/run-1/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
	got, _ := store.GetSyncRun(ctx, "run-1")
	if !got.CancelRequested {
		t.Fatal("cancel flag not set")
	}
}

func TestRetryCreatesNewRunReferencingPrior(t *testing.T) {
	s, store, _ := testServer(t)
	ctx := context.Background()
	prior := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products", Status: types.RunFailed, SyncKind: types.SyncKindProduct, StartedAt: time.Now()}
	if err := store.CreateSyncRun(ctx, prior); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, body := doJSON(t, s.Handler(), "POST", "/sync-records/run-1/retry", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
	newID, _ := body["task_id"].(string)
	if newID == "" || newID == "run-1" {
		t.Fatalf("expected a new task_id, got %+v", body)
	}
	retry, _ := store.GetSyncRun(ctx, newID)
	if retry == nil || retry.RetryOf != "run-1" {
		t.Fatalf("retry run: %+v", retry)
	}
}

func TestSyncProgress(t *testing.T) {
	s, store, _ := testServer(t)
	ctx := context.Background()
	run := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products", Status: types.RunRunning, Progress: 35, StartedAt: time.Now()}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, body := doJSON(t, s.Handler(), "GET", "/sync-records/progress/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["Progress"].(float64) != 35 {
		t.Fatalf("progress: %+v", body)
	}
}

func TestHealthOK(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doJSON(t, s.Handler(), "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body: %+v", body)
	}
}
