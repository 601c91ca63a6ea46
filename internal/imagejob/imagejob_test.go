package imagejob

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/fetcher"
	"github.com/operator/marketsync/internal/identity"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage/memstore"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/worker"
)

func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

func TestObjectKeyIsContentAddressedAndSharded(t *testing.T) {
	data := []byte("image bytes")
	a := objectKey(data, ".jpg")
	b := objectKey(data, ".jpg")
	if a != b {
		t.Fatalf("same content must map to same key: %s vs %s", a, b)
	}
	parts := strings.Split(a, string(filepath.Separator))
	if len(parts) != 3 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		t.Fatalf("expected two-level fan-out, got %s", a)
	}
	if objectKey([]byte("other"), ".jpg") == a {
		t.Fatal("different content must map to different keys")
	}
}

func TestScaleToPreservesAspectAndSkipsSmallImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 800, 400))
	scaled := scaleTo(src, 200)
	if b := scaled.Bounds(); b.Dx() != 200 || b.Dy() != 100 {
		t.Fatalf("scaled bounds: %v", b)
	}
	small := image.NewRGBA(image.Rect(0, 0, 100, 50))
	if got := scaleTo(small, 200); got != small {
		t.Fatal("images already below target width must pass through")
	}
}

func TestDownloadHandlerStoresObjectAndEnqueuesResize(t *testing.T) {
	fixture := pngFixture(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	store := memstore.New()
	q := queue.New(store, 0, 0)
	pool := identity.NewPool([]*identity.Identity{{Name: "t", UserAgent: "test/1.0"}},
		identity.HostLimits{QPS: 1000, Burst: 100, MaxWait: time.Second})
	p := &Pipeline{
		Fetcher:  fetcher.New(fetcher.Config{Pool: pool}),
		Store:    store,
		Queue:    q,
		Log:      logging.New("ERROR", nil),
		ImageDir: t.TempDir(),
	}

	ctx := context.Background()
	reg := worker.NewRegistry()
	reg.Register("image.download", worker.DefaultRetryPolicy, p.DownloadHandler())
	resized := make(chan ResizeArgs, 1)
	reg.Register("image.resize", worker.DefaultRetryPolicy, func(ctx context.Context, tc *worker.TaskContext, raw []byte) error {
		var a ResizeArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		resized <- a
		return nil
	})
	if _, err := q.Enqueue(ctx, queue.EnqueueArgs{
		TaskName: "image.download",
		Args:     DownloadArgs{ProductID: "prod-1", URL: srv.URL + "/img.png"},
		Queue:    queue.Image, Priority: types.PriorityNormal,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wp := worker.New(worker.Config{
		Store: store, Queue: q, Registry: reg, Log: logging.New("ERROR", nil),
		Queues: []string{queue.Image}, WorkerID: "test-worker", LeaseTTL: 30 * time.Second, Concurrency: 1,
	})
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	go func() { _ = wp.Run(runCtx) }()
	time.Sleep(300 * time.Millisecond)
	cancel()
	wp.Wait()

	images, err := store.GetProductImages(ctx, "prod-1")
	if err != nil || len(images) != 1 {
		t.Fatalf("images: %v (%v)", images, err)
	}
	img := images[0]
	if img.Kind != types.ImageMain {
		t.Fatalf("first image must be main, got %s", img.Kind)
	}
	if img.FileSize != int64(len(fixture)) {
		t.Fatalf("file size: %d, want %d", img.FileSize, len(fixture))
	}
	if _, err := os.Stat(filepath.Join(p.ImageDir, img.ObjectKey)); err != nil {
		t.Fatalf("object not written: %v", err)
	}

	// The resize stage was fanned out with the freshly written key.
	select {
	case a := <-resized:
		if a.ProductID != "prod-1" || a.ObjectKey != img.ObjectKey {
			t.Fatalf("resize args: %+v", a)
		}
	default:
		t.Fatal("image.resize was not enqueued")
	}
}

func TestResizeHandlerWritesScaledJPEG(t *testing.T) {
	store := memstore.New()
	q := queue.New(store, 0, 0)
	dir := t.TempDir()
	p := &Pipeline{Store: store, Queue: q, Log: logging.New("ERROR", nil), ImageDir: dir, OptimizeWidth: 32}

	original := pngFixture(t, 64, 64)
	key := objectKey(original, ".png")
	if err := p.writeObject(key, original); err != nil {
		t.Fatalf("writeObject: %v", err)
	}

	ctx := context.Background()
	reg := worker.NewRegistry()
	reg.Register("image.resize", worker.DefaultRetryPolicy, p.ResizeHandler())
	reg.Register("image.optimize", worker.DefaultRetryPolicy, func(ctx context.Context, tc *worker.TaskContext, raw []byte) error {
		return nil // the pipeline fan-out is covered by the download test
	})
	if _, err := q.Enqueue(ctx, queue.EnqueueArgs{
		TaskName: "image.resize",
		Args:     ResizeArgs{ProductID: "prod-1", ObjectKey: key},
		Queue:    queue.Image, Priority: types.PriorityNormal,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wp := worker.New(worker.Config{
		Store: store, Queue: q, Registry: reg, Log: logging.New("ERROR", nil),
		Queues: []string{queue.Image}, WorkerID: "test-worker", LeaseTTL: 30 * time.Second, Concurrency: 1,
	})
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	go func() { _ = wp.Run(runCtx) }()
	time.Sleep(300 * time.Millisecond)
	cancel()
	wp.Wait()

	// One new .jpg object exists beside the original.
	var jpgs int
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".jpg") {
			jpgs++
		}
		return nil
	})
	if jpgs != 1 {
		t.Fatalf("expected one resized jpg object, found %d", jpgs)
	}
}
