// Package crawl implements the lower-level fetch/extract handlers
// (crawl.fetch_products,
// crawl.fetch_product_details, crawl.fetch_suppliers,
// crawl.sync_category): one HTTP page in, zero or more records pushed
// through the Sync Coordinator's per-record pipeline out. Where
// internal/sync's sync.products/sync.suppliers own a whole paginated
// run with its own checkpoint, these handlers are the fan-out unit
// crawl.sync_category and a cron entry dispatch to: fetch one page, map
// what it finds, enqueue whatever comes next. Each handler processes
// one page per invocation rather than looping internally.
package crawl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/extractor"
	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/sync"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

// Crawler wires the Fetcher and Extractor into the queue-driven handlers
// below, delegating record acceptance to a sync.Coordinator so a record
// found by crawl.fetch_product_details goes through the exact same
// Clean/Validate/Upsert/image-enqueue/dedupe-accumulate steps a
// sync.products page would apply to it.
type Crawler struct {
	Fetcher     *fetcher.Fetcher
	Extractor   *extractor.Extractor
	Queue       *queue.Queue
	Coordinator *sync.Coordinator
	Log         logging.Logger

	// ListURL/DetailURL/SupplierURL are templates with a single %s verb
	// substituted with the category (list/sync_category) or a source id
	// (detail/supplier); an operator wires these to the marketplace's
	// actual endpoint shapes.
	ListURL     string
	DetailURL   string
	SupplierURL string
}

// FetchProductsArgs is the payload for "crawl.fetch_products": fetch one
// list page and fan out a crawl.fetch_product_details work item per
// listed product.
type FetchProductsArgs struct {
	Category string
	PageURL  string
}

// FetchProductsHandler builds the worker.Handler for "crawl.fetch_products".
func (c *Crawler) FetchProductsHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args FetchProductsArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding crawl.fetch_products args: %v", errs.ErrBadRequest, err)
		}
		url := args.PageURL
		if url == "" {
			url = fmt.Sprintf(c.ListURL, args.Category)
		}
		resp, err := c.Fetcher.Fetch(ctx, fetcher.Request{Method: "GET", URL: url})
		if err != nil {
			return err
		}
		rec, err := c.Extractor.Extract(resp.Body, extractor.KindListPage)
		if err != nil {
			return err
		}
		n := 0
		for _, detailURL := range rec.Lists["detail_urls"] {
			if _, err := c.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
				TaskName: "crawl.fetch_product_details",
				Args:     FetchProductDetailsArgs{DetailURL: detailURL},
				Queue:    queue.Crawler,
				Priority: types.PriorityNormal,
			}); err != nil {
				c.Log.Warn("fetch_product_details enqueue skipped", "url", detailURL, "error", err)
				continue
			}
			n++
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("enqueued %d product detail fetches", n))
		return nil
	}
}

// FetchProductDetailsArgs is the payload for "crawl.fetch_product_details".
type FetchProductDetailsArgs struct {
	DetailURL string
}

// FetchProductDetailsHandler builds the worker.Handler for
// "crawl.fetch_product_details": fetch one product's detail page and run
// it through the Coordinator's per-record pipeline.
func (c *Crawler) FetchProductDetailsHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args FetchProductDetailsArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding crawl.fetch_product_details args: %v", errs.ErrBadRequest, err)
		}
		resp, err := c.Fetcher.Fetch(ctx, fetcher.Request{Method: "GET", URL: args.DetailURL})
		if err != nil {
			return err
		}
		rec, err := c.Extractor.Extract(resp.Body, extractor.KindDetailPage)
		if err != nil {
			return err
		}
		accepted, diag, err := c.Coordinator.ProcessProductRecord(ctx, rec)
		if err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("%w: %d validation error(s) for %s", errs.ErrValidationError, len(diag.Issues), args.DetailURL)
		}
		tc.ReportProgress(ctx, 100, "product detail processed")
		return nil
	}
}

// FetchSuppliersArgs is the payload for "crawl.fetch_suppliers".
type FetchSuppliersArgs struct {
	SupplierURL string
}

// FetchSuppliersHandler builds the worker.Handler for
// "crawl.fetch_suppliers": fetch one supplier profile page and run it
// through the Coordinator's supplier pipeline.
func (c *Crawler) FetchSuppliersHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args FetchSuppliersArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding crawl.fetch_suppliers args: %v", errs.ErrBadRequest, err)
		}
		resp, err := c.Fetcher.Fetch(ctx, fetcher.Request{Method: "GET", URL: args.SupplierURL})
		if err != nil {
			return err
		}
		rec, err := c.Extractor.Extract(resp.Body, extractor.KindSupplierPage)
		if err != nil {
			return err
		}
		accepted, diag, err := c.Coordinator.ProcessSupplierRecord(ctx, rec)
		if err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("%w: %d validation error(s) for %s", errs.ErrValidationError, len(diag.Issues), args.SupplierURL)
		}
		tc.ReportProgress(ctx, 100, "supplier profile processed")
		return nil
	}
}

// SyncCategoryArgs is the payload for "crawl.sync_category": the
// category-level fan-out entry point a cron/interval schedule fires.
type SyncCategoryArgs struct {
	TaskID   string
	Category string
}

// SyncCategoryHandler builds the worker.Handler for
// "crawl.sync_category": enqueues the driver sync.products handler
// scoped to one category onto the data_sync queue, the orchestration
// step that has to happen before a sync.products task can start
// running.
func (c *Crawler) SyncCategoryHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args SyncCategoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding crawl.sync_category args: %v", errs.ErrBadRequest, err)
		}
		workID, err := c.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
			TaskName: "sync.products",
			Args: sync.Args{
				TaskID: args.TaskID,
				Filter: sync.SourceFilter{Category: args.Category},
			},
			Queue:    queue.DataSync,
			Priority: types.PriorityNormal,
			WorkID:   args.TaskID,
		})
		if err != nil {
			return err
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("enqueued sync.products work_id=%s for category=%s", workID, args.Category))
		return nil
	}
}
