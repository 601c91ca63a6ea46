// Package sync implements the Sync Coordinator (C12): composes the
// Fetcher, Extractor, Cleaner, and Validator into the end-to-end sync of
// a category/batch, then batches accepted records through the Deduper,
// Versioner, and persistence port.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/operator/marketsync/internal/clean"
	"github.com/operator/marketsync/internal/dedupe"
	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/extractor"
	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/validate"
	"github.com/operator/marketsync/internal/version"
	"github.com/operator/marketsync/internal/worker"
)

// SourceFilter narrows which source records a sync run covers: category,
// keyword, date-range.
type SourceFilter struct {
	Category  string
	Keyword   string
	DateFrom  time.Time
	DateTo    time.Time
}

// Args is the JSON-encoded payload for the sync.products / sync.suppliers
// task handlers.
type Args struct {
	TaskID           string
	Filter           SourceFilter
	ListPageURL      string // source listing endpoint template; %s substituted with page cursor
	ResumeFromCursor bool
	Limit            int // caps records processed this run (CLI `run --limit`); 0 = unlimited
}

// PageFetcher abstracts "given a cursor, return the next page's raw
// bytes and the next cursor (empty string at end-of-stream)" so the
// Coordinator's pagination logic is independent of the exact listing
// endpoint shape, which varies per source filter.
type PageFetcher func(ctx context.Context, f *fetcher.Fetcher, filter SourceFilter, cursor string) (body []byte, nextCursor string, err error)

// Coordinator composes C3-C8 into one sync run.
type Coordinator struct {
	Store         storage.Storage
	Fetcher       *fetcher.Fetcher
	Extractor     *extractor.Extractor
	Queue         *queue.Queue
	Log           logging.Logger
	Weights       dedupe.Weights
	Tau           float64
	FetchPage     PageFetcher
	MapRecord     func(*extractor.Record) (*types.Product, error)

	// FetchSupplierPage/MapSupplierRecord mirror FetchPage/MapRecord for
	// the "sync.suppliers" handler.
	FetchSupplierPage PageFetcher
	MapSupplierRecord func(*extractor.Record) (*types.Supplier, error)

	// DedupeBatchSize bounds how many newly-upserted products accumulate
	// before a dedup grouping pass runs; 0 uses a sensible default.
	// Grouping is windowed rather than global: duplicate detection is
	// scoped to records observed in the same sync run, not the entire
	// catalog.
	DedupeBatchSize int

	// ImageEnqueueConcurrency bounds how many of a product's image URLs
	// are checked against the persisted image set and enqueued
	// concurrently. 0 uses a sensible default.
	ImageEnqueueConcurrency int

	dedupeWindow []*types.Product
}

// RejectedRecord is a record that failed validation with at least one
// error-severity finding; warnings are preserved alongside it.
type RejectedRecord struct {
	SourceID string
	Errors   []validate.Issue
	Warnings []validate.Issue
}

// pageState is the opaque cursor persisted between pages: the source
// listing cursor plus the running counters, so a crash resumes at the
// last completed page with the counters it had already accumulated.
type pageState struct {
	Cursor   string         `json:"cursor"`
	Counters types.Counters `json:"counters"`
}

// SyncProductsHandler builds the worker.Handler for the "sync.products"
// task name.
func (c *Coordinator) SyncProductsHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args Args
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding sync.products args: %v", errs.ErrBadRequest, err)
		}
		return c.runProductSync(ctx, tc, args)
	}
}

func (c *Coordinator) runProductSync(ctx context.Context, tc *worker.TaskContext, args Args) error {
	state := pageState{}
	if err := c.loadResumeState(ctx, tc, args, &state); err != nil {
		return err
	}

	var rejected []RejectedRecord

	for {
		if tc.CancelRequested() {
			return fmt.Errorf("%w", context.Canceled)
		}

		body, nextCursor, err := c.FetchPage(ctx, c.Fetcher, args.Filter, state.Cursor)
		if err != nil {
			return err
		}

		rec, err := c.Extractor.Extract(body, extractor.KindListPage)
		if err != nil {
			state.Counters.Processed++
			state.Counters.Failed++
			if nextCursor == "" {
				break
			}
			state.Cursor = nextCursor
			continue
		}

		product, mapErr := c.MapRecord(rec)
		if mapErr != nil {
			state.Counters.Processed++
			state.Counters.Failed++
		} else {
			accepted, diag := c.cleanAndValidate(product)
			state.Counters.Processed++
			if !accepted {
				state.Counters.Failed++
				rejected = append(rejected, RejectedRecord{SourceID: product.SourceID, Errors: filterSeverity(diag, validate.SeverityError), Warnings: filterSeverity(diag, validate.SeverityWarning)})
			} else {
				if err := c.upsertProduct(ctx, product); err != nil {
					state.Counters.Failed++
					c.Log.Warn("upsert failed", "source_id", product.SourceID, "error", err)
				} else {
					state.Counters.Success++
					c.enqueueImages(ctx, product)
					c.accumulateForDedupe(ctx, product)
				}
			}
		}

		state.Counters.Total = state.Counters.Processed
		cursorJSON, _ := json.Marshal(state)
		if err := tc.SaveCheckpoint(ctx, cursorJSON, state.Counters); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		tc.ReportProgress(ctx, progressPercent(state.Counters), fmt.Sprintf("page cursor=%s", state.Cursor))

		if nextCursor == "" || (args.Limit > 0 && state.Counters.Processed >= args.Limit) {
			break
		}
		state.Cursor = nextCursor
	}

	c.flushDedupe(ctx)

	if len(rejected) > 0 {
		c.Log.Info("sync completed with rejected records", "count", len(rejected))
	}
	return nil
}

// loadResumeState restores the page cursor and counters a run should
// start from. A re-leased task always resumes from its own last durable
// checkpoint; a retry run issued with resume_from_checkpoint
// additionally falls back to its predecessor's checkpoint (the run it
// references via RetryOf). A corrupt checkpoint restarts from the
// beginning rather than failing the run.
func (c *Coordinator) loadResumeState(ctx context.Context, tc *worker.TaskContext, args Args, state *pageState) error {
	cp, err := tc.LoadCheckpoint(ctx)
	if err != nil && !errors.Is(err, errs.ErrCheckpointCorrupt) {
		return err
	}
	if cp == nil && args.ResumeFromCursor {
		run, runErr := c.Store.GetSyncRun(ctx, args.TaskID)
		if runErr == nil && run != nil && run.RetryOf != "" {
			cp, _ = tc.LoadCheckpointFor(ctx, run.RetryOf)
		}
	}
	if cp != nil {
		_ = json.Unmarshal(cp.Cursor, state)
		state.Counters = cp.Counters
	}
	return nil
}

// accumulateForDedupe buffers p for the windowed grouping pass, flushing
// automatically once DedupeBatchSize products have accumulated.
func (c *Coordinator) accumulateForDedupe(ctx context.Context, p *types.Product) {
	c.dedupeWindow = append(c.dedupeWindow, p)
	batch := c.DedupeBatchSize
	if batch <= 0 {
		batch = 100
	}
	if len(c.dedupeWindow) >= batch {
		c.flushDedupe(ctx)
	}
}

// flushDedupe runs the two-stage grouping (C7) over the accumulated
// window and links every non-master member of a multi-record group to
// its group's master via Store.SetCanonicalOf, then clears the window.
func (c *Coordinator) flushDedupe(ctx context.Context) {
	if len(c.dedupeWindow) == 0 {
		return
	}
	products := c.dedupeWindow
	c.dedupeWindow = nil

	verified := make(map[string]bool)
	for _, p := range products {
		if _, seen := verified[p.SupplierRef]; seen || p.SupplierRef == "" {
			continue
		}
		s, err := c.Store.GetSupplier(ctx, p.SupplierRef)
		verified[p.SupplierRef] = err == nil && s != nil && s.Verified
	}

	weights := c.Weights
	if weights == (dedupe.Weights{}) {
		weights = dedupe.DefaultWeights
	}
	tau := c.Tau
	if tau == 0 {
		tau = dedupe.DefaultTau
	}

	candidates := dedupe.FromProducts(products, verified)
	groups := dedupe.GroupCandidates(candidates, weights, tau)
	for _, g := range groups {
		if len(g.Indices) < 2 {
			continue
		}
		masterID := products[g.Master].ID
		for _, idx := range g.Indices {
			if idx == g.Master {
				continue
			}
			dupID := products[idx].ID
			if err := c.Store.SetCanonicalOf(ctx, dupID, masterID); err != nil {
				c.Log.Warn("dedupe link failed", "product_id", dupID, "master_id", masterID, "error", err)
			}
		}
	}
}

func progressPercent(c types.Counters) int {
	if c.Total == 0 {
		return 0
	}
	p := c.Processed * 100 / c.Total
	if p > 100 {
		p = 100
	}
	return p
}

func filterSeverity(d *validate.Diagnosis, sev validate.Severity) []validate.Issue {
	var out []validate.Issue
	for _, i := range d.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// cleanAndValidate runs the Cleaner then the Validator over p in place,
// returning whether the record is accepted for persistence (no
// error-severity finding) and the full diagnosis.
func (c *Coordinator) cleanAndValidate(p *types.Product) (bool, *validate.Diagnosis) {
	p.Title = clean.Text(p.Title)
	p.Subtitle = clean.Text(p.Subtitle)
	p.Description = clean.Text(p.Description)
	p.MainImageURL = clean.URL(p.MainImageURL)
	for i, u := range p.DetailImages {
		p.DetailImages[i] = clean.URL(u)
	}
	p.Specifications = clean.Specifications(p.Specifications)
	p.PriceUnit = clean.Unit(p.PriceUnit)

	supplierExists := func(ref string) bool {
		if ref == "" {
			return false
		}
		s, err := c.Store.GetSupplier(context.Background(), ref)
		return err == nil && s != nil && s.DeletedAt == nil
	}
	diag := validate.ValidateProduct(p, validate.DefaultProductRules(supplierExists))
	return !diag.HasErrors(), diag
}

// upsertProduct writes p through the Versioner then the persistence
// port, skipping the version write entirely when the canonical bytes
// are unchanged.
func (c *Coordinator) upsertProduct(ctx context.Context, p *types.Product) error {
	prev, err := c.Store.GetProductBySourceID(ctx, p.SourceID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	changeKind := types.ChangeUpdate
	if prev == nil {
		changeKind = types.ChangeCreate
	} else {
		p.ID = prev.ID
		p.CreatedAt = prev.CreatedAt
	}

	fields := productFields(p)
	var prevVersion *types.VersionRecord
	if prev != nil {
		prevVersion, _ = c.Store.LatestVersion(ctx, "product", prev.ID)
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.LastSyncTime = now
	p.SyncStatus = types.SyncCompleted

	vr := version.Next(version.Input{
		EntityType: "product", EntityID: p.ID, ChangeKind: changeKind,
		Author: "sync-coordinator", Fields: fields, Previous: prevVersion,
	}, now)
	// A no-op re-sync keeps updated_at; only last_sync_time moves.
	if vr != nil {
		p.UpdatedAt = now
	} else if prev != nil {
		p.UpdatedAt = prev.UpdatedAt
	}

	return c.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertProduct(ctx, p); err != nil {
			return err
		}
		if vr != nil {
			vr.EntityID = p.ID // a create's id is assigned by the upsert
			if err := tx.WriteVersion(ctx, vr); err != nil {
				return err
			}
		}
		return nil
	})
}

func productFields(p *types.Product) map[string]any {
	return map[string]any{
		"source_id": p.SourceID, "title": p.Title, "subtitle": p.Subtitle,
		"description": p.Description, "price_min": p.PriceMin, "price_max": p.PriceMax,
		"currency": p.Currency, "moq": p.MOQ, "price_unit": p.PriceUnit,
		"main_image_url": p.MainImageURL, "detail_images": p.DetailImages,
		"specifications": p.Specifications, "supplier_ref": p.SupplierRef,
		"category_id": p.CategoryID, "category_name": p.CategoryName, "status": string(p.Status),
	}
}

// ProcessProductRecord runs a single extracted Record through
// Clean->Validate->Upsert->image-enqueue->dedupe-accumulate, the same
// per-record steps runProductSync applies per page. It is exported so
// the lower-level crawl.* task handlers
// can drive the same pipeline one record at a time instead of through
// FetchPage's pagination loop.
func (c *Coordinator) ProcessProductRecord(ctx context.Context, rec *extractor.Record) (accepted bool, diag *validate.Diagnosis, err error) {
	product, err := c.MapRecord(rec)
	if err != nil {
		return false, nil, err
	}
	ok, d := c.cleanAndValidate(product)
	if !ok {
		return false, d, nil
	}
	if err := c.upsertProduct(ctx, product); err != nil {
		return false, d, err
	}
	c.enqueueImages(ctx, product)
	c.accumulateForDedupe(ctx, product)
	return true, d, nil
}

// ProcessSupplierRecord mirrors ProcessProductRecord for the Supplier
// entity, for the lower-level crawl.fetch_suppliers handler.
func (c *Coordinator) ProcessSupplierRecord(ctx context.Context, rec *extractor.Record) (accepted bool, diag *validate.Diagnosis, err error) {
	s, err := c.MapSupplierRecord(rec)
	if err != nil {
		return false, nil, err
	}
	d := validate.ValidateSupplier(s, validate.DefaultSupplierRules())
	if d.HasErrors() {
		return false, d, nil
	}
	if err := c.upsertSupplier(ctx, s); err != nil {
		return false, d, err
	}
	return true, d, nil
}

// SyncSuppliersHandler builds the worker.Handler for the "sync.suppliers"
// task name.
func (c *Coordinator) SyncSuppliersHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args Args
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding sync.suppliers args: %v", errs.ErrBadRequest, err)
		}
		return c.runSupplierSync(ctx, tc, args)
	}
}

func (c *Coordinator) runSupplierSync(ctx context.Context, tc *worker.TaskContext, args Args) error {
	state := pageState{}
	if err := c.loadResumeState(ctx, tc, args, &state); err != nil {
		return err
	}

	for {
		if tc.CancelRequested() {
			return fmt.Errorf("%w", context.Canceled)
		}

		body, nextCursor, err := c.FetchSupplierPage(ctx, c.Fetcher, args.Filter, state.Cursor)
		if err != nil {
			return err
		}

		rec, err := c.Extractor.Extract(body, extractor.KindSupplierPage)
		state.Counters.Processed++
		if err != nil {
			state.Counters.Failed++
		} else if s, mapErr := c.MapSupplierRecord(rec); mapErr != nil {
			state.Counters.Failed++
		} else {
			diag := validate.ValidateSupplier(s, validate.DefaultSupplierRules())
			if diag.HasErrors() {
				state.Counters.Failed++
			} else if err := c.upsertSupplier(ctx, s); err != nil {
				state.Counters.Failed++
				c.Log.Warn("supplier upsert failed", "source_id", s.SourceID, "error", err)
			} else {
				state.Counters.Success++
			}
		}

		state.Counters.Total = state.Counters.Processed
		cursorJSON, _ := json.Marshal(state)
		if err := tc.SaveCheckpoint(ctx, cursorJSON, state.Counters); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		tc.ReportProgress(ctx, progressPercent(state.Counters), fmt.Sprintf("page cursor=%s", state.Cursor))

		if nextCursor == "" || (args.Limit > 0 && state.Counters.Processed >= args.Limit) {
			break
		}
		state.Cursor = nextCursor
	}
	return nil
}

// upsertSupplier mirrors upsertProduct's checksum-gated version write for
// the Supplier entity.
func (c *Coordinator) upsertSupplier(ctx context.Context, s *types.Supplier) error {
	prev, err := c.Store.GetSupplierBySourceID(ctx, s.SourceID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	changeKind := types.ChangeUpdate
	if prev == nil {
		changeKind = types.ChangeCreate
	} else {
		s.ID = prev.ID
		s.CreatedAt = prev.CreatedAt
		s.ProductCount = prev.ProductCount // derived, never authored
	}

	fields := supplierFields(s)
	var prevVersion *types.VersionRecord
	if prev != nil {
		prevVersion, _ = c.Store.LatestVersion(ctx, "supplier", prev.ID)
	}

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	vr := version.Next(version.Input{
		EntityType: "supplier", EntityID: s.ID, ChangeKind: changeKind,
		Author: "sync-coordinator", Fields: fields, Previous: prevVersion,
	}, now)
	if vr != nil {
		s.UpdatedAt = now
	} else if prev != nil {
		s.UpdatedAt = prev.UpdatedAt
	}

	return c.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertSupplier(ctx, s); err != nil {
			return err
		}
		if vr != nil {
			vr.EntityID = s.ID
			return tx.WriteVersion(ctx, vr)
		}
		return nil
	})
}

func supplierFields(s *types.Supplier) map[string]any {
	return map[string]any{
		"source_id": s.SourceID, "name": s.Name, "company_name": s.CompanyName,
		"contact": s.Contact, "province": s.Province, "city": s.City,
		"rating": s.Rating, "response_rate": s.ResponseRate,
		"business_type": string(s.BusinessType), "main_products": s.MainProducts,
		"verified": s.Verified, "verification_level": s.VerificationLevel,
	}
}

// ValidateArgs is the payload for the "sync.validate" task: a
// maintenance pass that re-runs the Validator over already-persisted
// products without re-fetching, surfacing drift introduced by rule
// changes rather than source-site changes.
type ValidateArgs struct {
	TaskID    string
	BatchSize int
}

// ValidateHandler builds the worker.Handler for "sync.validate".
func (c *Coordinator) ValidateHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args ValidateArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding sync.validate args: %v", errs.ErrBadRequest, err)
		}
		batch := args.BatchSize
		if batch <= 0 {
			batch = 200
		}
		offset := 0
		counters := types.Counters{}
		if cp, err := tc.LoadCheckpoint(ctx); err == nil && cp != nil {
			var cursor struct{ Offset int }
			if json.Unmarshal(cp.Cursor, &cursor) == nil {
				offset = cursor.Offset
				counters = cp.Counters
			}
		}
		supplierExists := func(ref string) bool {
			s, err := c.Store.GetSupplier(ctx, ref)
			return err == nil && s != nil && s.DeletedAt == nil
		}
		for {
			if tc.CancelRequested() {
				return fmt.Errorf("%w", context.Canceled)
			}
			products, total, err := c.Store.SearchProducts(ctx, storage.ProductFilter{Limit: batch, Offset: offset})
			if err != nil {
				return err
			}
			if len(products) == 0 {
				break
			}
			for _, p := range products {
				diag := validate.ValidateProduct(p, validate.DefaultProductRules(supplierExists))
				counters.Processed++
				if diag.HasErrors() {
					counters.Failed++
				} else {
					counters.Success++
				}
			}
			offset += len(products)
			counters.Total = total
			cursor, _ := json.Marshal(map[string]int{"offset": offset})
			if err := tc.SaveCheckpoint(ctx, cursor, counters); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			tc.ReportProgress(ctx, progressPercent(counters), fmt.Sprintf("validated offset=%d", offset))
			if offset >= total {
				break
			}
		}
		return nil
	}
}

// CleanupDuplicatesArgs is the payload for "sync.cleanup_duplicates".
type CleanupDuplicatesArgs struct {
	TaskID    string
	BatchSize int
}

// CleanupDuplicatesHandler builds the worker.Handler for
// "sync.cleanup_duplicates": a maintenance pass that re-runs the Deduper
// (C7) over the whole active catalog in windows, re-linking canonical_of
// pointers the way flushDedupe does per sync-run window.
func (c *Coordinator) CleanupDuplicatesHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args CleanupDuplicatesArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding sync.cleanup_duplicates args: %v", errs.ErrBadRequest, err)
		}
		batch := args.BatchSize
		if batch <= 0 {
			batch = 200
		}
		offset := 0
		counters := types.Counters{}
		for {
			if tc.CancelRequested() {
				return fmt.Errorf("%w", context.Canceled)
			}
			products, total, err := c.Store.SearchProducts(ctx, storage.ProductFilter{Limit: batch, Offset: offset})
			if err != nil {
				return err
			}
			if len(products) == 0 {
				break
			}
			c.dedupeWindow = append(c.dedupeWindow, products...)
			c.flushDedupe(ctx)
			counters.Processed += len(products)
			counters.Success += len(products)
			counters.Total = total
			offset += len(products)
			cursor, _ := json.Marshal(map[string]int{"offset": offset})
			if err := tc.SaveCheckpoint(ctx, cursor, counters); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			tc.ReportProgress(ctx, progressPercent(counters), fmt.Sprintf("deduped offset=%d", offset))
			if offset >= total {
				break
			}
		}
		return nil
	}
}

// enqueueImages enqueues image.download for every image URL on p that
// the persisted copy doesn't already reference,
// fanning the per-URL enqueue out across a bounded number of goroutines
// rather than one at a time. The budget bounds the handler's internal
// concurrency; it applies to the fan-out
// step rather than the download itself (the actual byte transfer runs
// later, one URL per "image.download" task, inside the Worker Pool).
func (c *Coordinator) enqueueImages(ctx context.Context, p *types.Product) {
	existing, _ := c.Store.GetProductImages(ctx, p.ID)
	known := make(map[string]bool, len(existing))
	for _, im := range existing {
		known[im.URL] = true
	}
	urls := append([]string{p.MainImageURL}, p.DetailImages...)

	budget := c.ImageEnqueueConcurrency
	if budget <= 0 {
		budget = 4
	}
	sem := semaphore.NewWeighted(int64(budget))
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		u := u
		if u == "" || known[u] {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if _, err := c.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
				TaskName: "image.download",
				Args:     map[string]string{"product_id": p.ID, "url": u},
				Queue:    queue.Image,
				Priority: types.PriorityNormal,
			}); err != nil {
				c.Log.Warn("image enqueue skipped", "product_id", p.ID, "url", u, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
