// Package batchjob implements the bulk catalog maintenance handlers:
// batch.import, batch.export, batch.update, batch.delete.
// Where internal/crawl and internal/sync drive record acquisition from
// the marketplace itself, batchjob operates on already-persisted
// products an operator wants to bulk-edit: an admin correcting a
// category's pricing, exporting a catalog snapshot, or retiring a
// discontinued supplier's listings. Partial field edits are expressed
// as gjson/sjson patch paths rather than whole-record replacement, the
// same free-form-JSON-patching idiom the rest of the module already
// uses the tidwall tooling for.
package batchjob

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/version"
	"github.com/operator/marketsync/internal/worker"
)

// Runner wires the persistence port into the batch.* handlers.
type Runner struct {
	Store storage.Storage
	Log   logging.Logger
}

var csvColumns = []string{
	"id", "source_id", "title", "price_min", "price_max", "currency",
	"moq", "category_id", "category_name", "supplier_ref", "status", "sync_status",
}

func productRow(p *types.Product) []string {
	return []string{
		p.ID, p.SourceID, p.Title,
		fmt.Sprintf("%.2f", p.PriceMin), fmt.Sprintf("%.2f", p.PriceMax), p.Currency,
		fmt.Sprintf("%d", p.MOQ), p.CategoryID, p.CategoryName, p.SupplierRef,
		string(p.Status), string(p.SyncStatus),
	}
}

// ImportArgs is the payload for "batch.import": a newline-delimited JSON
// file of product records to upsert.
type ImportArgs struct {
	TaskID   string
	FilePath string
}

// ImportHandler builds the worker.Handler for "batch.import": decode one
// JSON object per line and upsert each as a Product, versioning every
// accepted change the same way the sync pipeline does.
func (r *Runner) ImportHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args ImportArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding batch.import args: %v", errs.ErrBadRequest, err)
		}
		raw, err := os.ReadFile(args.FilePath)
		if err != nil {
			return fmt.Errorf("%w: reading import file: %v", errs.ErrStoreUnavailable, err)
		}

		counters := types.Counters{}
		lines := splitJSONLines(raw)
		for _, line := range lines {
			if len(line) == 0 {
				continue
			}
			counters.Processed++
			if !gjson.ValidBytes(line) {
				counters.Failed++
				continue
			}
			p := &types.Product{
				SourceID:     gjson.GetBytes(line, "source_id").String(),
				Title:        gjson.GetBytes(line, "title").String(),
				PriceMin:     gjson.GetBytes(line, "price_min").Float(),
				PriceMax:     gjson.GetBytes(line, "price_max").Float(),
				Currency:     gjson.GetBytes(line, "currency").String(),
				MOQ:          int(gjson.GetBytes(line, "moq").Int()),
				CategoryID:   gjson.GetBytes(line, "category_id").String(),
				CategoryName: gjson.GetBytes(line, "category_name").String(),
				SupplierRef:  gjson.GetBytes(line, "supplier_ref").String(),
				Status:       types.ProductActive,
				SyncStatus:   types.SyncCompleted,
			}
			if p.SourceID == "" {
				counters.Failed++
				continue
			}
			if err := r.upsertImported(ctx, p); err != nil {
				r.Log.Warn("batch.import: upsert failed", "source_id", p.SourceID, "error", err)
				counters.Failed++
				continue
			}
			counters.Success++
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("imported %d/%d records", counters.Success, counters.Processed))
		return nil
	}
}

func splitJSONLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, raw[start:])
	}
	return out
}

func (r *Runner) upsertImported(ctx context.Context, p *types.Product) error {
	prev, err := r.Store.GetProductBySourceID(ctx, p.SourceID)
	if err != nil {
		return err
	}
	changeKind := types.ChangeUpdate
	if prev == nil {
		changeKind = types.ChangeCreate
	} else {
		p.ID = prev.ID
		p.CreatedAt = prev.CreatedAt
	}
	now := time.Now()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.LastSyncTime = now

	var prevVersion *types.VersionRecord
	if prev != nil {
		prevVersion, _ = r.Store.LatestVersion(ctx, "product", prev.ID)
	}
	fields := map[string]any{
		"source_id": p.SourceID, "title": p.Title, "price_min": p.PriceMin,
		"price_max": p.PriceMax, "currency": p.Currency, "moq": p.MOQ,
		"category_id": p.CategoryID, "category_name": p.CategoryName,
		"supplier_ref": p.SupplierRef, "status": string(p.Status),
	}

	return r.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertProduct(ctx, p); err != nil {
			return err
		}
		if v := version.Next(version.Input{
			EntityType: "product", EntityID: p.ID, ChangeKind: changeKind,
			Author: "batch.import", Fields: fields, Previous: prevVersion,
		}, now); v != nil {
			if err := tx.WriteVersion(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExportArgs is the payload for "batch.export".
type ExportArgs struct {
	TaskID     string
	FilePath   string
	CategoryID string
}

// ExportHandler builds the worker.Handler for "batch.export": page
// through matching products and write them as CSV, the tabular shape an
// operator re-imports into a spreadsheet for bulk review.
func (r *Runner) ExportHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args ExportArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding batch.export args: %v", errs.ErrBadRequest, err)
		}
		f, err := os.Create(args.FilePath)
		if err != nil {
			return fmt.Errorf("%w: creating export file: %v", errs.ErrStoreUnavailable, err)
		}
		defer f.Close()
		w := csv.NewWriter(f)
		if err := w.Write(csvColumns); err != nil {
			return fmt.Errorf("%w: writing csv header: %v", errs.ErrStoreUnavailable, err)
		}

		const pageSize = 500
		offset := 0
		written := 0
		for {
			if tc.CancelRequested() {
				return fmt.Errorf("%w", context.Canceled)
			}
			products, total, err := r.Store.SearchProducts(ctx, storage.ProductFilter{
				CategoryID: args.CategoryID, Limit: pageSize, Offset: offset,
			})
			if err != nil {
				return err
			}
			for _, p := range products {
				if err := w.Write(productRow(p)); err != nil {
					return fmt.Errorf("%w: writing csv row: %v", errs.ErrStoreUnavailable, err)
				}
			}
			written += len(products)
			offset += len(products)
			tc.ReportProgress(ctx, progressPercent(offset, total), fmt.Sprintf("exported %d/%d", offset, total))
			if len(products) == 0 || offset >= total {
				break
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("%w: flushing csv: %v", errs.ErrStoreUnavailable, err)
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("wrote %d rows", written))
		return nil
	}
}

func progressPercent(done, total int) int {
	if total <= 0 {
		return 100
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// UpdateArgs is the payload for "batch.update": apply a set of gjson
// patch paths (dot/bracket syntax) to every product matching Filter.
// Patches is e.g. {"status": "inactive", "specifications.color": "red"}.
type UpdateArgs struct {
	TaskID  string
	Filter  storage.ProductFilter
	Patches map[string]any
}

// UpdateHandler builds the worker.Handler for "batch.update": encode
// each matching product to JSON, apply every patch path with sjson,
// decode back, and upsert with a new version if anything changed.
func (r *Runner) UpdateHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args UpdateArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding batch.update args: %v", errs.ErrBadRequest, err)
		}
		if len(args.Patches) == 0 {
			return fmt.Errorf("%w: batch.update requires at least one patch path", errs.ErrBadRequest)
		}

		// Collect the matching ids up front: a successful patch can
		// change fields the filter matches on (e.g. status), and
		// paginating a result set that shrinks under the walk would
		// skip or repeat rows.
		const pageSize = 200
		var ids []string
		for offset := 0; ; offset += pageSize {
			filter := args.Filter
			filter.Limit = pageSize
			filter.Offset = offset
			products, _, err := r.Store.SearchProducts(ctx, filter)
			if err != nil {
				return err
			}
			for _, p := range products {
				ids = append(ids, p.ID)
			}
			if len(products) < pageSize {
				break
			}
		}

		counters := types.Counters{Total: len(ids)}
		for _, id := range ids {
			if tc.CancelRequested() {
				return fmt.Errorf("%w", context.Canceled)
			}
			p, err := r.Store.GetProduct(ctx, id)
			if err != nil || p == nil {
				counters.Processed++
				counters.Skipped++
				continue
			}
			counters.Processed++
			if err := r.applyPatch(ctx, p, args.Patches); err != nil {
				r.Log.Warn("batch.update: patch failed", "product_id", p.ID, "error", err)
				counters.Failed++
				continue
			}
			counters.Success++
			tc.ReportProgress(ctx, progressPercent(counters.Processed, counters.Total), fmt.Sprintf("updated %d products", counters.Success))
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("batch.update complete: %d/%d", counters.Success, counters.Processed))
		return nil
	}
}

func (r *Runner) applyPatch(ctx context.Context, p *types.Product, patches map[string]any) error {
	encoded, err := json.Marshal(p)
	if err != nil {
		return err
	}
	patched := string(encoded)
	for path, value := range patches {
		patched, err = sjson.Set(patched, path, value)
		if err != nil {
			return fmt.Errorf("%w: applying patch %s: %v", errs.ErrBadRequest, path, err)
		}
	}
	var next types.Product
	if err := json.Unmarshal([]byte(patched), &next); err != nil {
		return fmt.Errorf("%w: decoding patched product: %v", errs.ErrMalformed, err)
	}
	next.ID = p.ID
	next.SourceID = p.SourceID
	next.CreatedAt = p.CreatedAt
	next.UpdatedAt = time.Now()

	prevVersion, _ := r.Store.LatestVersion(ctx, "product", p.ID)
	fields := map[string]any{
		"source_id": next.SourceID, "title": next.Title, "price_min": next.PriceMin,
		"price_max": next.PriceMax, "currency": next.Currency, "moq": next.MOQ,
		"category_id": next.CategoryID, "category_name": next.CategoryName,
		"supplier_ref": next.SupplierRef, "status": string(next.Status),
		"specifications": next.Specifications,
	}

	return r.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertProduct(ctx, &next); err != nil {
			return err
		}
		if v := version.Next(version.Input{
			EntityType: "product", EntityID: next.ID, ChangeKind: types.ChangeUpdate,
			Author: "batch.update", Fields: fields, Previous: prevVersion,
		}, next.UpdatedAt); v != nil {
			return tx.WriteVersion(ctx, v)
		}
		return nil
	})
}

// DeleteArgs is the payload for "batch.delete": soft-delete every
// product matching Filter.
type DeleteArgs struct {
	TaskID string
	Filter storage.ProductFilter
}

// DeleteHandler builds the worker.Handler for "batch.delete".
func (r *Runner) DeleteHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args DeleteArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding batch.delete args: %v", errs.ErrBadRequest, err)
		}
		const pageSize = 200
		args.Filter.Limit = pageSize
		counters := types.Counters{}
		for {
			if tc.CancelRequested() {
				return fmt.Errorf("%w", context.Canceled)
			}
			products, _, err := r.Store.SearchProducts(ctx, args.Filter)
			if err != nil {
				return err
			}
			if len(products) == 0 {
				break
			}
			for _, p := range products {
				counters.Processed++
				if err := r.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
					if err := tx.SoftDeleteProduct(ctx, p.ID); err != nil {
						return err
					}
					prevVersion, _ := r.Store.LatestVersion(ctx, "product", p.ID)
					if v := version.Next(version.Input{
						EntityType: "product", EntityID: p.ID, ChangeKind: types.ChangeDelete,
						Author: "batch.delete", Fields: map[string]any{"status": string(types.ProductDiscontinued)},
						Previous: prevVersion,
					}, time.Now()); v != nil {
						return tx.WriteVersion(ctx, v)
					}
					return nil
				}); err != nil {
					r.Log.Warn("batch.delete: delete failed", "product_id", p.ID, "error", err)
					counters.Failed++
					continue
				}
				counters.Success++
			}
			// Deleted rows drop out of the default (non-IncludeDeleted)
			// filter, so offset stays fixed: the next page is always the
			// new "first pageSize still-active matches."
			if len(products) < pageSize {
				break
			}
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("deleted %d/%d matching products", counters.Success, counters.Processed))
		return nil
	}
}
