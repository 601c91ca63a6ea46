package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/operator/marketsync/internal/batchjob"
	"github.com/operator/marketsync/internal/clean"
	"github.com/operator/marketsync/internal/config"
	"github.com/operator/marketsync/internal/crawl"
	"github.com/operator/marketsync/internal/dedupe"
	"github.com/operator/marketsync/internal/extractor"
	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/identity"
	"github.com/operator/marketsync/internal/imagejob"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/pushsurface"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/scheduler"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/storage/sqlite"
	"github.com/operator/marketsync/internal/supervisor"
	"github.com/operator/marketsync/internal/sync"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

// app bundles the components every subcommand needs, built once from a
// resolved config.Config. Subcommands close what they open (app.Close)
// on return, a plain init -> run -> shutdown lifecycle.
type app struct {
	cfg   *config.Config
	log   logging.Logger
	store storage.Storage
	q     *queue.Queue
	pool  *identity.Pool
	fetch *fetcher.Fetcher
	ext   *extractor.Extractor
	coord *sync.Coordinator
	sup   *supervisor.Supervisor
	hub   *pushsurface.Hub
	reg   *worker.Registry
}

func dbPathFromURL(raw string) string {
	return strings.TrimPrefix(raw, "sqlite://")
}

// openApp loads config and constructs every component down to the
// registry in dependency order: persistence first,
// identity/fetcher/extractor next, coordinator composing them,
// supervisor and registry last.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, nil)

	store, err := sqlite.Open(dbPathFromURL(cfg.DBURL))
	if err != nil {
		return nil, fmt.Errorf("%w: opening storage: %v", errConfig, err)
	}

	q := queue.New(store, cfg.QueueHighWaterMark, cfg.QueueLowWaterMark)

	pool := identity.NewPool(defaultIdentities(), identity.HostLimits{
		QPS:          qpsFromDelay(cfg.DownloadDelayMS),
		Burst:        2,
		BaseCooldown: 2 * time.Second,
		MaxCooldown:  5 * time.Minute,
		MaxWait:      30 * time.Second,
		MinDelay:     time.Duration(cfg.DownloadDelayMS) * time.Millisecond,
	})

	f := fetcher.New(fetcher.Config{Pool: pool, RobotsRespect: cfg.RobotsRespect, Log: log})

	ext, err := extractor.New(cfg.DataDir+"/rules", log)
	if err != nil {
		return nil, fmt.Errorf("%w: loading extraction rules: %v", errConfig, err)
	}

	coord := &sync.Coordinator{
		Store: store, Fetcher: f, Extractor: ext, Queue: q, Log: log,
		Weights:           dedupe.DefaultWeights,
		Tau:               dedupe.DefaultTau,
		MapRecord:         mapProductRecord,
		MapSupplierRecord: mapSupplierRecord,
		FetchPage:         fetchPaginated,
		FetchSupplierPage: fetchPaginated,
	}

	sup := supervisor.New(supervisor.Config{Store: store, Queue: q, Log: log})

	hub := pushsurface.NewHub()
	sup.Subscribe(func(e supervisor.Event) {
		hub.Publish(pushsurface.ChannelSystemStatus, string(e.Kind), map[string]any{
			"detail": e.Detail, "value": e.Value, "threshold": e.Threshold, "at": e.At,
		})
	})

	reg := worker.NewRegistry()
	registerHandlers(reg, cfg, log, store, q, f, ext, coord)

	return &app{cfg: cfg, log: log, store: store, q: q, pool: pool, fetch: f, ext: ext, coord: coord, sup: sup, hub: hub, reg: reg}, nil
}

// notifyHub adapts the app's push-surface hub to the worker pool's
// Notify hook.
func (a *app) notifyHub(channel, taskID string, payload any) {
	a.hub.Publish(channel, taskID, payload)
}

func (a *app) Close() {
	_ = a.ext.Close()
	_ = a.store.Close()
}

// registerHandlers binds every task name onto reg, each wrapped with
// the shared WithTimeout/WithLogging middleware.
func registerHandlers(reg *worker.Registry, cfg *config.Config, log logging.Logger, store storage.Storage, q *queue.Queue, f *fetcher.Fetcher, ext *extractor.Extractor, coord *sync.Coordinator) {
	policy := worker.RetryPolicy{
		BaseDelay:    time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		Factor:       cfg.RetryFactor,
		MaxDelay:     time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
		MaxAttempts:  cfg.RetryMaxAttempts,
		JitterFrac:   0.25,
		MaxAuthRetry: 2,
	}
	mws := []worker.Middleware{worker.WithLogging(), worker.WithTimeout(0)}

	reg.Register("sync.products", policy, coord.SyncProductsHandler(), mws...)
	reg.Register("sync.suppliers", policy, coord.SyncSuppliersHandler(), mws...)
	reg.Register("sync.validate", policy, coord.ValidateHandler(), mws...)
	reg.Register("sync.cleanup_duplicates", policy, coord.CleanupDuplicatesHandler(), mws...)

	crawler := &crawl.Crawler{Fetcher: f, Extractor: ext, Queue: q, Coordinator: coord, Log: log}
	reg.Register("crawl.fetch_products", policy, crawler.FetchProductsHandler(), mws...)
	reg.Register("crawl.fetch_product_details", policy, crawler.FetchProductDetailsHandler(), mws...)
	reg.Register("crawl.fetch_suppliers", policy, crawler.FetchSuppliersHandler(), mws...)
	reg.Register("crawl.sync_category", policy, crawler.SyncCategoryHandler(), mws...)

	images := &imagejob.Pipeline{Fetcher: f, Store: store, Queue: q, Log: log, ImageDir: cfg.ImageDir}
	reg.Register("image.download", policy, images.DownloadHandler(), mws...)
	reg.Register("image.resize", policy, images.ResizeHandler(), mws...)
	reg.Register("image.optimize", policy, images.OptimizeHandler(), mws...)
	reg.Register("image.thumbnail", policy, images.ThumbnailHandler(), mws...)
	reg.Register("image.sweep", policy, images.SweepHandler(), mws...)

	batch := &batchjob.Runner{Store: store, Log: log}
	reg.Register("batch.import", policy, batch.ImportHandler(), mws...)
	reg.Register("batch.export", policy, batch.ExportHandler(), mws...)
	reg.Register("batch.update", policy, batch.UpdateHandler(), mws...)
	reg.Register("batch.delete", policy, batch.DeleteHandler(), mws...)
}

// defaultIdentities returns a small starter rotation; an operator
// extends this via the config file in a production deployment.
func defaultIdentities() []*identity.Identity {
	return []*identity.Identity{
		{Name: "default-a", UserAgent: "Mozilla/5.0 (compatible; marketsync/1.0; +https://example.invalid/bot)"},
		{Name: "default-b", UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"},
		{Name: "default-c", UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15"},
	}
}

func qpsFromDelay(delayMS int) float64 {
	if delayMS <= 0 {
		return 2
	}
	return 1000.0 / float64(delayMS)
}

// fetchPaginated is the sync.PageFetcher this CLI wiring installs. It has
// no marketplace endpoint: it ignores its arguments and always returns an
// error, so sync.products and sync.suppliers dispatched through this
// wiring fail on their first page. Operators targeting a real marketplace
// construct their own internal/sync.Coordinator with a source-specific
// PageFetcher instead of going through this CLI wiring.
func fetchPaginated(ctx context.Context, f *fetcher.Fetcher, filter sync.SourceFilter, cursor string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("no marketplace endpoint configured: wire sync.Coordinator.FetchPage for this deployment")
}

func mapProductRecord(rec *extractor.Record) (*types.Product, error) {
	p := &types.Product{
		SourceID:     rec.Fields["source_id"],
		Title:        rec.Fields["title"],
		Subtitle:     rec.Fields["subtitle"],
		Description:  rec.Fields["description"],
		MainImageURL: rec.Fields["main_image_url"],
		DetailImages: rec.Lists["detail_image_urls"],
		SupplierRef:  rec.Fields["supplier_ref"],
		CategoryID:   rec.Fields["category_id"],
		CategoryName: rec.Fields["category_name"],
		Status:       types.ProductActive,
	}
	if pr, ok := clean.Price(rec.Fields["price"]); ok {
		p.PriceMin, p.PriceMax, p.Currency, p.PriceUnit = pr.Min, pr.Max, pr.Currency, pr.Unit
	}
	if moq, err := strconv.Atoi(rec.Fields["moq"]); err == nil {
		p.MOQ = moq
	}
	return p, nil
}

func mapSupplierRecord(rec *extractor.Record) (*types.Supplier, error) {
	s := &types.Supplier{
		SourceID:    rec.Fields["source_id"],
		Name:        rec.Fields["name"],
		CompanyName: rec.Fields["company_name"],
		Province:    rec.Fields["province"],
		City:        rec.Fields["city"],
		MainProducts: rec.Lists["main_products"],
		BusinessType: types.BusinessType(rec.Fields["business_type"]),
	}
	if s.BusinessType == "" {
		s.BusinessType = types.BusinessTrader
	}
	return s, nil
}

// schedulerEntries returns the default cron/interval schedule a
// long-running `marketsync scheduler` process registers.
func schedulerEntries(a *app) []*scheduler.Entry {
	return []*scheduler.Entry{
		{
			Name:   "sync_products_daily",
			Kind:   scheduler.KindCron,
			CronExpr: "0 2 * * *",
			Timezone: "UTC",
			Work: queue.EnqueueArgs{
				TaskName: "sync.products",
				Args:     sync.Args{TaskID: "sched-sync-products"},
				Queue:    queue.DataSync,
				Priority: types.PriorityNormal,
			},
		},
		{
			Name:   "sync_suppliers_daily",
			Kind:   scheduler.KindCron,
			CronExpr: "30 2 * * *",
			Timezone: "UTC",
			Work: queue.EnqueueArgs{
				TaskName: "sync.suppliers",
				Args:     sync.Args{TaskID: "sched-sync-suppliers"},
				Queue:    queue.DataSync,
				Priority: types.PriorityNormal,
			},
		},
		{
			Name:   "image_sweep_hourly",
			Kind:   scheduler.KindInterval,
			Period: time.Hour,
			Jitter: 5 * time.Minute,
			Work: queue.EnqueueArgs{
				TaskName: "image.sweep",
				Args:     imagejob.SweepArgs{TaskID: "sched-image-sweep"},
				Queue:    queue.Image,
				Priority: types.PriorityLow,
			},
		},
	}
}
