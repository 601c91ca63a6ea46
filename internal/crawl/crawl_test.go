package crawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/extractor"
	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/identity"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage/memstore"
	"github.com/operator/marketsync/internal/sync"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

const listRules = `
[[ruleset]]
source_version = "1.0.0"
kind = "list_page"

  [[ruleset.fields]]
  field = "page_title"
  pattern = '<title>([^<]+)</title>'

  [[ruleset.fields]]
  field = "detail_urls"
  pattern = '<a class="offer" href="([^"]+)"'
  multiple = true
`

func newListExtractor(t *testing.T) *extractor.Extractor {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "list.toml"), []byte(listRules), 0o644); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	e, err := extractor.New(dir, logging.New("ERROR", nil))
	if err != nil {
		t.Fatalf("extractor.New: %v", err)
	}
	return e
}

func TestFetchProductsFansOutDetailWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<title>tools page 1</title>
<a class="offer" href="https://src.example.com/offer/1">one</a>
<a class="offer" href="https://src.example.com/offer/2">two</a>`))
	}))
	defer srv.Close()

	store := memstore.New()
	q := queue.New(store, 0, 0)
	pool := identity.NewPool([]*identity.Identity{{Name: "t", UserAgent: "test/1.0"}},
		identity.HostLimits{QPS: 1000, Burst: 100, MaxWait: time.Second})

	c := &Crawler{
		Fetcher:     fetcher.New(fetcher.Config{Pool: pool}),
		Extractor:   newListExtractor(t),
		Queue:       q,
		Coordinator: &sync.Coordinator{Store: store, Queue: q, Log: logging.New("ERROR", nil)},
		Log:         logging.New("ERROR", nil),
		ListURL:     srv.URL + "/list/%s",
	}

	ctx := context.Background()
	reg := worker.NewRegistry()
	reg.Register("crawl.fetch_products", worker.DefaultRetryPolicy, c.FetchProductsHandler())
	details := make(chan string, 4)
	reg.Register("crawl.fetch_product_details", worker.DefaultRetryPolicy, func(ctx context.Context, tc *worker.TaskContext, raw []byte) error {
		var a FetchProductDetailsArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		details <- a.DetailURL
		return nil
	})
	if _, err := q.Enqueue(ctx, queue.EnqueueArgs{
		TaskName: "crawl.fetch_products",
		Args:     FetchProductsArgs{Category: "tools"},
		Queue:    queue.Crawler, Priority: types.PriorityNormal,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wp := worker.New(worker.Config{
		Store: store, Queue: q, Registry: reg, Log: logging.New("ERROR", nil),
		Queues: []string{queue.Crawler}, WorkerID: "test-worker", LeaseTTL: 30 * time.Second, Concurrency: 1,
	})
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	go func() { _ = wp.Run(runCtx) }()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-details:
			got[u] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for detail fan-out, got %v", got)
		}
	}
	cancel()
	wp.Wait()

	if !got["https://src.example.com/offer/1"] || !got["https://src.example.com/offer/2"] {
		t.Fatalf("detail urls: %v", got)
	}
}
