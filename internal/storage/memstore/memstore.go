// Package memstore is an in-process implementation of the storage
// port, backing unit tests with maps instead of a real database.
package memstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

// MemStore is a goroutine-safe, entirely in-memory Storage. It never
// touches disk; New always starts empty.
type MemStore struct {
	mu sync.Mutex

	products       map[string]*types.Product   // by ID
	productsBySrc  map[string]string           // sourceID -> ID
	suppliers      map[string]*types.Supplier  // by ID
	suppliersBySrc map[string]string
	images         map[string][]*types.ProductImage // productID -> images
	versions       map[string][]*types.VersionRecord // entityType+":"+entityID -> versions

	queue map[string][]*types.QueuedWork // queue name -> items (unordered pool, filtered by Lease)

	checkpoints map[string]*types.Checkpoint // taskID -> checkpoint
	syncRuns    map[string]*types.SyncRun    // taskID -> run

	leases map[string]lease // lease name -> current holder

	seq int
}

type lease struct {
	holder   string
	expireAt time.Time
}

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{
		products:       make(map[string]*types.Product),
		productsBySrc:  make(map[string]string),
		suppliers:      make(map[string]*types.Supplier),
		suppliersBySrc: make(map[string]string),
		images:         make(map[string][]*types.ProductImage),
		versions:       make(map[string][]*types.VersionRecord),
		queue:          make(map[string][]*types.QueuedWork),
		checkpoints:    make(map[string]*types.Checkpoint),
		syncRuns:       make(map[string]*types.SyncRun),
		leases:         make(map[string]lease),
	}
}

func (m *MemStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// UpsertProduct inserts or replaces a product keyed by SourceID.
func (m *MemStore) UpsertProduct(ctx context.Context, p *types.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertProductLocked(p)
}

func (m *MemStore) upsertProductLocked(p *types.Product) error {
	if p.ID == "" {
		if existingID, ok := m.productsBySrc[p.SourceID]; ok {
			p.ID = existingID
		} else {
			p.ID = m.nextID("prod")
		}
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	cp := *p
	m.products[p.ID] = &cp
	m.productsBySrc[p.SourceID] = p.ID
	return nil
}

func (m *MemStore) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) GetProductBySourceID(ctx context.Context, sourceID string) (*types.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.productsBySrc[sourceID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *m.products[id]
	return &cp, nil
}

// SearchProducts applies ProductFilter in-memory. It is not meant to
// scale; it exists so package-level tests can exercise filter logic
// without a real database.
func (m *MemStore) SearchProducts(ctx context.Context, filter storage.ProductFilter) ([]*types.Product, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []*types.Product
	for _, p := range m.products {
		if !filter.IncludeDeleted && p.DeletedAt != nil {
			continue
		}
		if filter.Text != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(filter.Text)) {
			continue
		}
		if filter.CategoryID != "" && p.CategoryID != filter.CategoryID {
			continue
		}
		if filter.SupplierRef != "" && p.SupplierRef != filter.SupplierRef {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.SyncStatus != "" && p.SyncStatus != filter.SyncStatus {
			continue
		}
		if filter.PriceMin != nil && p.PriceMax < *filter.PriceMin {
			continue
		}
		if filter.PriceMax != nil && p.PriceMin > *filter.PriceMax {
			continue
		}
		if filter.RatingMin != nil && p.Rating < *filter.RatingMin {
			continue
		}
		cp := *p
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	total := len(matches)

	offset := filter.Offset
	if offset > len(matches) {
		offset = len(matches)
	}
	matches = matches[offset:]
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, total, nil
}

func (m *MemStore) SoftDeleteProduct(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDeleteProductLocked(id)
}

func (m *MemStore) softDeleteProductLocked(id string) error {
	p, ok := m.products[id]
	if !ok {
		return errs.ErrNotFound
	}
	now := time.Now()
	p.DeletedAt = &now
	return nil
}

func (m *MemStore) RestoreProduct(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return errs.ErrNotFound
	}
	p.DeletedAt = nil
	return nil
}

func (m *MemStore) SetCanonicalOf(ctx context.Context, productID, canonicalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCanonicalOfLocked(productID, canonicalID)
}

func (m *MemStore) setCanonicalOfLocked(productID, canonicalID string) error {
	p, ok := m.products[productID]
	if !ok {
		return errs.ErrNotFound
	}
	p.CanonicalOf = canonicalID
	return nil
}

func (m *MemStore) UpsertSupplier(ctx context.Context, s *types.Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertSupplierLocked(s)
}

func (m *MemStore) upsertSupplierLocked(s *types.Supplier) error {
	if s.ID == "" {
		if existingID, ok := m.suppliersBySrc[s.SourceID]; ok {
			s.ID = existingID
		} else {
			s.ID = m.nextID("supplier")
		}
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	m.suppliers[s.ID] = &cp
	m.suppliersBySrc[s.SourceID] = s.ID
	return nil
}

func (m *MemStore) GetSupplier(ctx context.Context, id string) (*types.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppliers[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) GetSupplierBySourceID(ctx context.Context, sourceID string) (*types.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.suppliersBySrc[sourceID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *m.suppliers[id]
	return &cp, nil
}

func (m *MemStore) ReplaceProductImages(ctx context.Context, productID string, images []*types.ProductImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceProductImagesLocked(productID, images)
}

func (m *MemStore) replaceProductImagesLocked(productID string, images []*types.ProductImage) error {
	cp := make([]*types.ProductImage, len(images))
	for i, img := range images {
		c := *img
		c.ProductRef = productID
		c.Order = i
		cp[i] = &c
	}
	m.images[productID] = cp
	return nil
}

func (m *MemStore) GetProductImages(ctx context.Context, productID string) ([]*types.ProductImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	imgs := m.images[productID]
	out := make([]*types.ProductImage, len(imgs))
	for i, img := range imgs {
		c := *img
		out[i] = &c
	}
	return out, nil
}

func (m *MemStore) WriteVersion(ctx context.Context, v *types.VersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeVersionLocked(v)
}

func (m *MemStore) writeVersionLocked(v *types.VersionRecord) error {
	key := v.EntityType + ":" + v.EntityID
	existing := m.versions[key]
	v.VersionNo = len(existing) + 1
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	if v.Checksum == "" {
		sum := sha256.Sum256(v.Snapshot)
		v.Checksum = hex.EncodeToString(sum[:])
	}
	cp := *v
	m.versions[key] = append(existing, &cp)
	return nil
}

func (m *MemStore) LatestVersion(ctx context.Context, entityType, entityID string) (*types.VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[entityType+":"+entityID]
	if len(vs) == 0 {
		return nil, errs.ErrNotFound
	}
	cp := *vs[len(vs)-1]
	return &cp, nil
}

func (m *MemStore) ListVersions(ctx context.Context, entityType, entityID string) ([]*types.VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[entityType+":"+entityID]
	out := make([]*types.VersionRecord, len(vs))
	for i, v := range vs {
		cp := *v
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) Enqueue(ctx context.Context, w *types.QueuedWork) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.WorkID == "" {
		w.WorkID = m.nextID("work")
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = time.Now()
	}
	cp := *w
	m.queue[w.Queue] = append(m.queue[w.Queue], &cp)
	return nil
}

// Lease picks the oldest non-leased, eligible (NotBefore <= now) item
// in queue, ordered by descending priority then FIFO, the same
// dispatch order the sqlite implementation enforces with SQL ORDER BY.
func (m *MemStore) Lease(ctx context.Context, queue string, leaseTTL int64, workerID string) (*types.QueuedWork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.queue[queue]
	now := time.Now()
	var best *types.QueuedWork
	for _, w := range items {
		if w.LeaseToken != "" && w.LeaseDeadline.After(now) {
			continue // currently leased
		}
		if w.NotBefore.After(now) {
			continue // delayed
		}
		if best == nil || w.Priority > best.Priority ||
			(w.Priority == best.Priority && w.NotBefore.Before(best.NotBefore)) ||
			(w.Priority == best.Priority && w.NotBefore.Equal(best.NotBefore) && w.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = w
		}
	}
	if best == nil {
		return nil, errs.ErrEmpty
	}
	best.LeaseToken = m.nextID("lease")
	best.LeaseDeadline = now.Add(time.Duration(leaseTTL) * time.Second)
	best.AttemptNo++
	cp := *best
	return &cp, nil
}

func (m *MemStore) ExtendLease(ctx context.Context, workID, leaseToken string, leaseTTL int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.findWorkLocked(workID)
	if w == nil {
		return errs.ErrWorkNotFound
	}
	if w.LeaseToken != leaseToken {
		return errs.ErrStaleLease
	}
	w.LeaseDeadline = time.Now().Add(time.Duration(leaseTTL) * time.Second)
	return nil
}

func (m *MemStore) Ack(ctx context.Context, workID, leaseToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for queue, items := range m.queue {
		for i, w := range items {
			if w.WorkID == workID {
				if w.LeaseToken != leaseToken {
					return errs.ErrStaleLease
				}
				m.queue[queue] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return errs.ErrWorkNotFound
}

func (m *MemStore) Nack(ctx context.Context, workID, leaseToken string, retryAt *sql.NullTime, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.findWorkLocked(workID)
	if w == nil {
		return errs.ErrWorkNotFound
	}
	if w.LeaseToken != leaseToken {
		return errs.ErrStaleLease
	}
	w.LeaseToken = ""
	w.LeaseDeadline = time.Time{}
	w.LastError = lastErr
	if retryAt != nil && retryAt.Valid {
		w.NotBefore = retryAt.Time
	}
	return nil
}

func (m *MemStore) findWorkLocked(workID string) *types.QueuedWork {
	for _, items := range m.queue {
		for _, w := range items {
			if w.WorkID == workID {
				return w
			}
		}
	}
	return nil
}

func (m *MemStore) QueueDepth(ctx context.Context, queue string) (map[types.Priority]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	depths := make(map[types.Priority]int)
	for _, w := range m.queue[queue] {
		depths[w.Priority]++
	}
	return depths, nil
}

func (m *MemStore) LeaseStats(ctx context.Context, cutoff time.Time) (leased, stalled int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, items := range m.queue {
		for _, w := range items {
			if w.LeaseToken == "" {
				continue
			}
			leased++
			if !w.LeaseDeadline.After(cutoff) {
				stalled++
			}
		}
	}
	return leased, stalled, nil
}

func (m *MemStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cp
	m.checkpoints[cp.TaskID] = &c
	return nil
}

func (m *MemStore) LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[taskID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (m *MemStore) PruneCheckpoints(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for taskID, cp := range m.checkpoints {
		if cp.Timestamp.Before(cutoff) {
			delete(m.checkpoints, taskID)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemStore) CreateSyncRun(ctx context.Context, r *types.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.syncRuns[r.TaskID] = &c
	return nil
}

func (m *MemStore) UpdateSyncRun(ctx context.Context, r *types.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.syncRuns[r.TaskID]
	if !ok {
		return errs.ErrNotFound
	}
	if !existing.Status.CanTransitionTo(r.Status) && existing.Status != r.Status {
		return fmt.Errorf("%w: %s -> %s", errs.ErrValidationError, existing.Status, r.Status)
	}
	c := *r
	m.syncRuns[r.TaskID] = &c
	return nil
}

func (m *MemStore) GetSyncRun(ctx context.Context, taskID string) (*types.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.syncRuns[taskID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemStore) ListActiveSyncRuns(ctx context.Context) ([]*types.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.SyncRun
	for _, r := range m.syncRuns {
		if r.Status == types.RunPending || r.Status == types.RunRunning {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) AcquireLease(ctx context.Context, name, holder string, ttlSeconds int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cur, exists := m.leases[name]
	if exists && cur.holder != holder && cur.expireAt.After(now) {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expireAt: now.Add(time.Duration(ttlSeconds) * time.Second)}
	return true, nil
}

func (m *MemStore) RenewLease(ctx context.Context, name, holder string, ttlSeconds int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.leases[name]
	if !exists || cur.holder != holder {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expireAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second)}
	return true, nil
}

func (m *MemStore) ReleaseLease(ctx context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.holder == holder {
		delete(m.leases, name)
	}
	return nil
}

// RunInTransaction runs fn against a transactionView backed by the same
// mutex-protected maps. There is no real rollback: on error, callers
// rely on the fact that each op already copies-on-write, so a failed
// step has not mutated state the caller can observe through other
// Storage methods beyond what fn itself already committed; production
// rollback semantics live in the sqlite backend.
func (m *MemStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&txView{m: m})
}

type txView struct{ m *MemStore }

func (t *txView) UpsertProduct(ctx context.Context, p *types.Product) error {
	return t.m.upsertProductLocked(p)
}
func (t *txView) UpsertSupplier(ctx context.Context, s *types.Supplier) error {
	return t.m.upsertSupplierLocked(s)
}
func (t *txView) ReplaceProductImages(ctx context.Context, productID string, images []*types.ProductImage) error {
	return t.m.replaceProductImagesLocked(productID, images)
}
func (t *txView) WriteVersion(ctx context.Context, v *types.VersionRecord) error {
	return t.m.writeVersionLocked(v)
}
func (t *txView) SetCanonicalOf(ctx context.Context, productID, canonicalID string) error {
	return t.m.setCanonicalOfLocked(productID, canonicalID)
}
func (t *txView) SoftDeleteProduct(ctx context.Context, productID string) error {
	return t.m.softDeleteProductLocked(productID)
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) Path() string { return ":memory:" }

func (m *MemStore) UnderlyingDB() *sql.DB { return nil }
