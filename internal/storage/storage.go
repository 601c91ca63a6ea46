// Package storage defines the persistence port (C1): the single
// interface every other component uses to read and write canonical
// entities, versions, queue rows, schedule leases, and checkpoints: a
// Storage interface plus a narrower Transaction interface for atomic
// multi-step writes via RunInTransaction.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/operator/marketsync/internal/types"
)

// ErrDBNotInitialized signals use of a storage feature before Open has
// been called.
var ErrDBNotInitialized = errors.New("database not initialized")

// ProductFilter narrows GET /products: text, category,
// supplier, status, sync_status, price range, rating min.
type ProductFilter struct {
	Text        string
	CategoryID  string
	SupplierRef string
	Status      types.ProductStatus
	SyncStatus  types.SyncStatus
	PriceMin    *float64
	PriceMax    *float64
	RatingMin   *float64
	IncludeDeleted bool
	Limit       int
	Offset      int
}

// Transaction exposes the subset of Storage that must execute inside a
// single database transaction, for callers (the Sync Coordinator's
// batched upsert, the Deduper's master-selection rewrite) that need
// several writes to commit or roll back together.
type Transaction interface {
	UpsertProduct(ctx context.Context, p *types.Product) error
	UpsertSupplier(ctx context.Context, s *types.Supplier) error
	ReplaceProductImages(ctx context.Context, productID string, images []*types.ProductImage) error
	WriteVersion(ctx context.Context, v *types.VersionRecord) error
	SetCanonicalOf(ctx context.Context, productID, canonicalID string) error
	SoftDeleteProduct(ctx context.Context, productID string) error
}

// Storage is the persistence port (C1). Production code runs against
// the sqlite-backed implementation in internal/storage/sqlite; tests
// run against internal/storage/memstore.
type Storage interface {
	// Products
	UpsertProduct(ctx context.Context, p *types.Product) error
	GetProduct(ctx context.Context, id string) (*types.Product, error)
	GetProductBySourceID(ctx context.Context, sourceID string) (*types.Product, error)
	SearchProducts(ctx context.Context, filter ProductFilter) ([]*types.Product, int, error)
	SoftDeleteProduct(ctx context.Context, id string) error
	RestoreProduct(ctx context.Context, id string) error
	SetCanonicalOf(ctx context.Context, productID, canonicalID string) error

	// Suppliers
	UpsertSupplier(ctx context.Context, s *types.Supplier) error
	GetSupplier(ctx context.Context, id string) (*types.Supplier, error)
	GetSupplierBySourceID(ctx context.Context, sourceID string) (*types.Supplier, error)

	// Product images: ordered, content-addressed.
	ReplaceProductImages(ctx context.Context, productID string, images []*types.ProductImage) error
	GetProductImages(ctx context.Context, productID string) ([]*types.ProductImage, error)

	// Versions: append-only, checksum-keyed history.
	WriteVersion(ctx context.Context, v *types.VersionRecord) error
	LatestVersion(ctx context.Context, entityType, entityID string) (*types.VersionRecord, error)
	ListVersions(ctx context.Context, entityType, entityID string) ([]*types.VersionRecord, error)

	// Durable queue (C9).
	Enqueue(ctx context.Context, w *types.QueuedWork) error
	Lease(ctx context.Context, queue string, leaseTTL int64, workerID string) (*types.QueuedWork, error)
	ExtendLease(ctx context.Context, workID, leaseToken string, leaseTTL int64) error
	Ack(ctx context.Context, workID, leaseToken string) error
	Nack(ctx context.Context, workID, leaseToken string, retryAt *sqlNullTime, lastErr string) error
	QueueDepth(ctx context.Context, queue string) (map[types.Priority]int, error)
	// LeaseStats reports, across all queues, how many items currently
	// hold a lease (leased) and how many of those leases expired before
	// cutoff without being extended or acked (stalled); the Supervisor's
	// signal that a worker died mid-task.
	LeaseStats(ctx context.Context, cutoff time.Time) (leased, stalled int, err error)

	// Checkpoints (C11). PruneCheckpoints removes every checkpoint last
	// saved before cutoff, whether or not its task has finished, and
	// returns how many were dropped.
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, cutoff time.Time) (int, error)

	// SyncRuns (C12/C13).
	CreateSyncRun(ctx context.Context, r *types.SyncRun) error
	UpdateSyncRun(ctx context.Context, r *types.SyncRun) error
	GetSyncRun(ctx context.Context, taskID string) (*types.SyncRun, error)
	ListActiveSyncRuns(ctx context.Context) ([]*types.SyncRun, error)

	// Scheduler leader lease (C10), keyed by a fixed lease name.
	AcquireLease(ctx context.Context, name, holder string, ttlSeconds int64) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttlSeconds int64) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	// Lifecycle.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error
	Close() error
	Path() string
	UnderlyingDB() *sql.DB
}

// sqlNullTime avoids importing database/sql/driver into every caller
// of Nack just to express "no retry time" vs "retry at T".
type sqlNullTime = sql.NullTime

// Config holds the backend selection and connection parameters.
type Config struct {
	Backend string // "sqlite" today; the port leaves room for others

	Path string // sqlite file path, or ":memory:"

	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}
