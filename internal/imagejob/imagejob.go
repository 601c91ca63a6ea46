// Package imagejob implements the image pipeline task handlers
// (image.download, image.resize, image.optimize, image.thumbnail)
// plus the image.sweep orphan cleanup. Each handler
// is a pure queue-driven step: download writes the content-addressed
// original and enqueues resize, resize enqueues optimize, optimize
// enqueues thumbnail, one focused handler per pipeline stage rather
// than one monolith.
package imagejob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decode support; originals are re-encoded to JPEG on resize
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

// Pipeline wires the Fetcher and a content-addressed blob directory
// (ImageDir from config) into the image.* handlers.
type Pipeline struct {
	Fetcher  *fetcher.Fetcher
	Store    storage.Storage
	Queue    *queue.Queue
	Log      logging.Logger
	ImageDir string

	ThumbnailWidth int // default 200 if zero
	OptimizeWidth  int // default 1024 if zero
}

func (p *Pipeline) thumbWidth() int {
	if p.ThumbnailWidth > 0 {
		return p.ThumbnailWidth
	}
	return 200
}

func (p *Pipeline) optimizeWidth() int {
	if p.OptimizeWidth > 0 {
		return p.OptimizeWidth
	}
	return 1024
}

// objectKey content-addresses raw bytes under a two-level fan-out
// directory, keeping any one directory's entry count bounded.
func objectKey(data []byte, suffix string) string {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	return filepath.Join(h[:2], h[2:4], h+suffix)
}

func (p *Pipeline) writeObject(key string, data []byte) error {
	full := filepath.Join(p.ImageDir, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: creating image directory: %v", errs.ErrStoreUnavailable, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing image object: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// DownloadArgs is the payload for "image.download", matching the map
// shape the Sync Coordinator enqueues (product_id, url).
type DownloadArgs struct {
	ProductID string `json:"product_id"`
	URL       string `json:"url"`
}

// DownloadHandler builds the worker.Handler for "image.download": fetch
// the original bytes, persist them content-addressed, record a
// ProductImage row, and enqueue image.resize.
func (p *Pipeline) DownloadHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args DownloadArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding image.download args: %v", errs.ErrBadRequest, err)
		}
		resp, err := p.Fetcher.Fetch(ctx, fetcher.Request{Method: "GET", URL: args.URL})
		if err != nil {
			return err
		}
		key := objectKey(resp.Body, filepath.Ext(args.URL))
		if err := p.writeObject(key, resp.Body); err != nil {
			return err
		}

		existing, _ := p.Store.GetProductImages(ctx, args.ProductID)
		kind := types.ImageDetail
		order := len(existing)
		if order == 0 {
			kind = types.ImageMain
		}
		img := &types.ProductImage{
			ProductRef: args.ProductID,
			URL:        args.URL,
			Kind:       kind,
			Order:      order,
			FileSize:   int64(len(resp.Body)),
			ObjectKey:  key,
		}
		if err := p.Store.ReplaceProductImages(ctx, args.ProductID, append(existing, img)); err != nil {
			return err
		}

		if _, err := p.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
			TaskName: "image.resize",
			Args:     ResizeArgs{ProductID: args.ProductID, ObjectKey: key},
			Queue:    queue.Image,
			Priority: types.PriorityLow,
		}); err != nil {
			p.Log.Warn("image.resize enqueue skipped", "product_id", args.ProductID, "error", err)
		}
		tc.ReportProgress(ctx, 100, "image downloaded")
		return nil
	}
}

// ResizeArgs is the payload for "image.resize".
type ResizeArgs struct {
	ProductID string
	ObjectKey string
}

func (p *Pipeline) loadAndDecode(key string) (image.Image, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(p.ImageDir, key))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading image object %s: %v", errs.ErrStoreUnavailable, key, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding image object %s: %v", errs.ErrMalformed, key, err)
	}
	return img, raw, nil
}

func scaleTo(src image.Image, width int) image.Image {
	b := src.Bounds()
	if b.Dx() <= width {
		return src
	}
	height := b.Dy() * width / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: encoding jpeg: %v", errs.ErrStoreUnavailable, err)
	}
	return buf.Bytes(), nil
}

// ResizeHandler builds the worker.Handler for "image.resize": downscale
// the original to the catalog display width and enqueue image.optimize.
func (p *Pipeline) ResizeHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args ResizeArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding image.resize args: %v", errs.ErrBadRequest, err)
		}
		src, _, err := p.loadAndDecode(args.ObjectKey)
		if err != nil {
			return err
		}
		resized := scaleTo(src, p.optimizeWidth())
		encoded, err := encodeJPEG(resized, 90)
		if err != nil {
			return err
		}
		key := objectKey(encoded, ".jpg")
		if err := p.writeObject(key, encoded); err != nil {
			return err
		}
		if _, err := p.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
			TaskName: "image.optimize",
			Args:     OptimizeArgs{ProductID: args.ProductID, ObjectKey: key},
			Queue:    queue.Image,
			Priority: types.PriorityLow,
		}); err != nil {
			p.Log.Warn("image.optimize enqueue skipped", "product_id", args.ProductID, "error", err)
		}
		tc.ReportProgress(ctx, 100, "image resized")
		return nil
	}
}

// OptimizeArgs is the payload for "image.optimize".
type OptimizeArgs struct {
	ProductID string
	ObjectKey string
}

// OptimizeHandler builds the worker.Handler for "image.optimize":
// re-encode at a lower quality to shrink storage, then enqueue
// image.thumbnail.
func (p *Pipeline) OptimizeHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args OptimizeArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding image.optimize args: %v", errs.ErrBadRequest, err)
		}
		src, raw, err := p.loadAndDecode(args.ObjectKey)
		if err != nil {
			return err
		}
		encoded, err := encodeJPEG(src, 75)
		if err != nil {
			return err
		}
		if len(encoded) < len(raw) {
			if err := p.writeObject(args.ObjectKey, encoded); err != nil {
				return err
			}
		}
		if _, err := p.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
			TaskName: "image.thumbnail",
			Args:     ThumbnailArgs{ProductID: args.ProductID, ObjectKey: args.ObjectKey},
			Queue:    queue.Image,
			Priority: types.PriorityLow,
		}); err != nil {
			p.Log.Warn("image.thumbnail enqueue skipped", "product_id", args.ProductID, "error", err)
		}
		tc.ReportProgress(ctx, 100, "image optimized")
		return nil
	}
}

// ThumbnailArgs is the payload for "image.thumbnail".
type ThumbnailArgs struct {
	ProductID string
	ObjectKey string
}

// ThumbnailHandler builds the worker.Handler for "image.thumbnail": the
// terminal pipeline stage, producing the small listing-grid image and
// recording its ProductImage row.
func (p *Pipeline) ThumbnailHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args ThumbnailArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding image.thumbnail args: %v", errs.ErrBadRequest, err)
		}
		src, _, err := p.loadAndDecode(args.ObjectKey)
		if err != nil {
			return err
		}
		thumb := scaleTo(src, p.thumbWidth())
		encoded, err := encodeJPEG(thumb, 80)
		if err != nil {
			return err
		}
		key := objectKey(encoded, ".jpg")
		if err := p.writeObject(key, encoded); err != nil {
			return err
		}

		existing, err := p.Store.GetProductImages(ctx, args.ProductID)
		if err != nil {
			return err
		}
		matched := false
		for _, im := range existing {
			if im.ObjectKey == args.ObjectKey {
				im.Kind = types.ImageThumbnail
				im.ObjectKey = key
				bounds := thumb.Bounds()
				im.Width, im.Height = bounds.Dx(), bounds.Dy()
				matched = true
			}
		}
		if !matched {
			bounds := thumb.Bounds()
			existing = append(existing, &types.ProductImage{
				ProductRef: args.ProductID, Kind: types.ImageThumbnail, ObjectKey: key,
				FileSize: int64(len(encoded)), Width: bounds.Dx(), Height: bounds.Dy(),
			})
		}
		if err := p.Store.ReplaceProductImages(ctx, args.ProductID, existing); err != nil {
			return err
		}
		tc.ReportProgress(ctx, 100, "thumbnail generated")
		return nil
	}
}

// SweepArgs is the payload for "image.sweep": scan a batch of products,
// soft-deleted ones included, and for each soft-deleted product remove
// its image blobs and clear its ProductImage rows. Blobs of products that
// are not soft-deleted are not removed, including dedup-merged products
// (CanonicalOf set) and objects no ProductImage row references.
type SweepArgs struct {
	TaskID    string
	BatchSize int
}

// SweepHandler builds the worker.Handler for "image.sweep": soft-deleted
// products leave blobs behind that nothing else reclaims.
func (p *Pipeline) SweepHandler() worker.Handler {
	return func(ctx context.Context, tc *worker.TaskContext, rawArgs []byte) error {
		var args SweepArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Errorf("%w: decoding image.sweep args: %v", errs.ErrBadRequest, err)
		}
		batchSize := args.BatchSize
		if batchSize <= 0 {
			batchSize = 200
		}

		var cursor int
		counters := types.Counters{}
		if cp, err := tc.LoadCheckpoint(ctx); err == nil && cp != nil {
			var c struct{ Offset int }
			if json.Unmarshal(cp.Cursor, &c) == nil {
				cursor = c.Offset
				counters = cp.Counters
			}
		}

		products, total, err := p.Store.SearchProducts(ctx, storage.ProductFilter{
			IncludeDeleted: true,
			Limit:          batchSize,
			Offset:         cursor,
		})
		if err != nil {
			return err
		}

		removed := 0
		for _, prod := range products {
			counters.Processed++
			if prod.DeletedAt == nil {
				continue
			}
			images, err := p.Store.GetProductImages(ctx, prod.ID)
			if err != nil {
				continue
			}
			for _, im := range images {
				full := filepath.Join(p.ImageDir, im.ObjectKey)
				if err := os.Remove(full); err == nil {
					removed++
				}
			}
			if err := p.Store.ReplaceProductImages(ctx, prod.ID, nil); err != nil {
				p.Log.Warn("image.sweep: clearing rows failed", "product_id", prod.ID, "error", err)
			}
		}

		nextOffset := cursor + len(products)
		cursorJSON, _ := json.Marshal(struct{ Offset int }{nextOffset})
		if err := tc.SaveCheckpoint(ctx, cursorJSON, counters); err != nil {
			return err
		}
		tc.ReportProgress(ctx, 100, fmt.Sprintf("removed %d orphaned image objects", removed))

		if nextOffset < total {
			if _, err := p.Queue.TryEnqueue(ctx, queue.EnqueueArgs{
				TaskName: "image.sweep",
				Args:     SweepArgs{TaskID: args.TaskID, BatchSize: batchSize},
				Queue:    queue.Image,
				Priority: types.PriorityLow,
			}); err != nil {
				p.Log.Warn("image.sweep continuation enqueue skipped", "error", err)
			}
		}
		return nil
	}
}
