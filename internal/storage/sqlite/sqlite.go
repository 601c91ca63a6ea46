// Package sqlite implements the storage port (C1) against a single
// SQLite file, using the pure-Go ncruces/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

// Store is the sqlite-backed Storage implementation.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or reuses the database file at path, applies the base
// schema, and runs any pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite; one connection serializes every statement, reads included
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error        { return s.db.Close() }
func (s *Store) Path() string        { return s.path }
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

// execer is satisfied by both *sql.DB and *sql.Tx, so the row-level
// helper functions below work identically inside and outside a
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func upsertProduct(ctx context.Context, e execer, p *types.Product) error {
	if p.ID == "" {
		p.ID = newID("prod")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	specs, err := json.Marshal(nonNilMap(p.Specifications))
	if err != nil {
		return fmt.Errorf("marshal specifications: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO products (
			id, source_id, title, subtitle, description, price_min, price_max,
			currency, moq, price_unit, main_image_url, specifications, supplier_ref,
			sales_count, review_count, rating, category_id, category_name, status,
			sync_status, last_sync_time, canonical_of, created_at, updated_at, deleted_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source_id) DO UPDATE SET
			title=excluded.title, subtitle=excluded.subtitle, description=excluded.description,
			price_min=excluded.price_min, price_max=excluded.price_max, currency=excluded.currency,
			moq=excluded.moq, price_unit=excluded.price_unit, main_image_url=excluded.main_image_url,
			specifications=excluded.specifications, supplier_ref=excluded.supplier_ref,
			sales_count=excluded.sales_count, review_count=excluded.review_count, rating=excluded.rating,
			category_id=excluded.category_id, category_name=excluded.category_name, status=excluded.status,
			sync_status=excluded.sync_status, last_sync_time=excluded.last_sync_time,
			canonical_of=excluded.canonical_of, updated_at=excluded.updated_at
	`,
		p.ID, p.SourceID, p.Title, p.Subtitle, p.Description, p.PriceMin, p.PriceMax,
		p.Currency, p.MOQ, p.PriceUnit, p.MainImageURL, string(specs), nullableString(p.SupplierRef),
		p.SalesCount, p.ReviewCount, p.Rating, p.CategoryID, p.CategoryName, string(p.Status),
		string(p.SyncStatus), nullableTime(p.LastSyncTime), nullableString(p.CanonicalOf), p.CreatedAt, p.UpdatedAt, nullableTimePtr(p.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", classifySQLiteErr(err))
	}
	// the row just upserted may have reused an existing id on conflict; re-read it.
	return e.QueryRowContext(ctx, `SELECT id FROM products WHERE source_id = ?`, p.SourceID).Scan(&p.ID)
}

func (s *Store) UpsertProduct(ctx context.Context, p *types.Product) error {
	return upsertProduct(ctx, s.db, p)
}

func scanProduct(row rowScanner) (*types.Product, error) {
	var p types.Product
	var specs string
	var supplierRef, canonicalOf sql.NullString
	var lastSync, deletedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.SourceID, &p.Title, &p.Subtitle, &p.Description, &p.PriceMin, &p.PriceMax,
		&p.Currency, &p.MOQ, &p.PriceUnit, &p.MainImageURL, &specs, &supplierRef,
		&p.SalesCount, &p.ReviewCount, &p.Rating, &p.CategoryID, &p.CategoryName, &p.Status,
		&p.SyncStatus, &lastSync, &canonicalOf, &p.CreatedAt, &p.UpdatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.SupplierRef = supplierRef.String
	p.CanonicalOf = canonicalOf.String
	if lastSync.Valid {
		p.LastSyncTime = lastSync.Time
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		p.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(specs), &p.Specifications); err != nil {
		return nil, fmt.Errorf("unmarshal specifications: %w", err)
	}
	return &p, nil
}

const productColumns = `id, source_id, title, subtitle, description, price_min, price_max,
	currency, moq, price_unit, main_image_url, specifications, supplier_ref,
	sales_count, review_count, rating, category_id, category_name, status,
	sync_status, last_sync_time, canonical_of, created_at, updated_at, deleted_at`

func (s *Store) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

func (s *Store) GetProductBySourceID(ctx context.Context, sourceID string) (*types.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE source_id = ?`, sourceID)
	return scanProduct(row)
}

// SearchProducts builds a filtered, paginated query matching the
// admin HTTP surface's GET /products filters.
func (s *Store) SearchProducts(ctx context.Context, filter storage.ProductFilter) ([]*types.Product, int, error) {
	where := []string{}
	args := []any{}

	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Text != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+filter.Text+"%")
	}
	if filter.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.SupplierRef != "" {
		where = append(where, "supplier_ref = ?")
		args = append(args, filter.SupplierRef)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncStatus != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}
	if filter.PriceMin != nil {
		where = append(where, "price_max >= ?")
		args = append(args, *filter.PriceMin)
	}
	if filter.PriceMax != nil {
		where = append(where, "price_min <= ?")
		args = append(args, *filter.PriceMax)
	}
	if filter.RatingMin != nil {
		where = append(where, "rating >= ?")
		args = append(args, *filter.RatingMin)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting products: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	pagedArgs := append(append([]any{}, args...), limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products `+whereClause+` ORDER BY id LIMIT ? OFFSET ?`, pagedArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("searching products: %w", err)
	}
	defer rows.Close()

	var out []*types.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *Store) SoftDeleteProduct(ctx context.Context, id string) error {
	return softDeleteProduct(ctx, s.db, id)
}

func softDeleteProduct(ctx context.Context, e execer, id string) error {
	res, err := e.ExecContext(ctx, `UPDATE products SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *Store) RestoreProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET deleted_at = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *Store) SetCanonicalOf(ctx context.Context, productID, canonicalID string) error {
	return setCanonicalOf(ctx, s.db, productID, canonicalID)
}

func setCanonicalOf(ctx context.Context, e execer, productID, canonicalID string) error {
	res, err := e.ExecContext(ctx, `UPDATE products SET canonical_of = ? WHERE id = ?`, canonicalID, productID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *Store) UpsertSupplier(ctx context.Context, sup *types.Supplier) error {
	return upsertSupplier(ctx, s.db, sup)
}

func upsertSupplier(ctx context.Context, e execer, sup *types.Supplier) error {
	if sup.ID == "" {
		sup.ID = newID("supplier")
	}
	now := time.Now().UTC()
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = now
	}
	sup.UpdatedAt = now

	contact, err := json.Marshal(nonNilStringMap(sup.Contact))
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}
	mainProducts, err := json.Marshal(sup.MainProducts)
	if err != nil {
		return fmt.Errorf("marshal main_products: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO suppliers (
			id, source_id, name, company_name, contact, province, city, rating,
			response_rate, product_count, business_type, main_products, verified,
			verification_level, created_at, updated_at, deleted_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source_id) DO UPDATE SET
			name=excluded.name, company_name=excluded.company_name, contact=excluded.contact,
			province=excluded.province, city=excluded.city, rating=excluded.rating,
			response_rate=excluded.response_rate, product_count=excluded.product_count,
			business_type=excluded.business_type, main_products=excluded.main_products,
			verified=excluded.verified, verification_level=excluded.verification_level,
			updated_at=excluded.updated_at
	`,
		sup.ID, sup.SourceID, sup.Name, sup.CompanyName, string(contact), sup.Province, sup.City, sup.Rating,
		sup.ResponseRate, sup.ProductCount, string(sup.BusinessType), string(mainProducts), sup.Verified,
		sup.VerificationLevel, sup.CreatedAt, sup.UpdatedAt, nullableTimePtr(sup.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert supplier: %w", classifySQLiteErr(err))
	}
	return e.QueryRowContext(ctx, `SELECT id FROM suppliers WHERE source_id = ?`, sup.SourceID).Scan(&sup.ID)
}

const supplierColumns = `id, source_id, name, company_name, contact, province, city, rating,
	response_rate, product_count, business_type, main_products, verified,
	verification_level, created_at, updated_at, deleted_at`

func scanSupplier(row rowScanner) (*types.Supplier, error) {
	var sup types.Supplier
	var contact, mainProducts string
	var deletedAt sql.NullTime
	err := row.Scan(
		&sup.ID, &sup.SourceID, &sup.Name, &sup.CompanyName, &contact, &sup.Province, &sup.City, &sup.Rating,
		&sup.ResponseRate, &sup.ProductCount, &sup.BusinessType, &mainProducts, &sup.Verified,
		&sup.VerificationLevel, &sup.CreatedAt, &sup.UpdatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		sup.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(contact), &sup.Contact); err != nil {
		return nil, fmt.Errorf("unmarshal contact: %w", err)
	}
	if err := json.Unmarshal([]byte(mainProducts), &sup.MainProducts); err != nil {
		return nil, fmt.Errorf("unmarshal main_products: %w", err)
	}
	return &sup, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*types.Supplier, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE id = ?`, id)
	return scanSupplier(row)
}

func (s *Store) GetSupplierBySourceID(ctx context.Context, sourceID string) (*types.Supplier, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE source_id = ?`, sourceID)
	return scanSupplier(row)
}

func (s *Store) ReplaceProductImages(ctx context.Context, productID string, images []*types.ProductImage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := replaceProductImages(ctx, tx, productID, images); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func replaceProductImages(ctx context.Context, e execer, productID string, images []*types.ProductImage) error {
	if _, err := e.ExecContext(ctx, `DELETE FROM product_images WHERE product_ref = ?`, productID); err != nil {
		return err
	}
	for i, img := range images {
		if img.ID == "" {
			img.ID = newID("img")
		}
		_, err := e.ExecContext(ctx, `
			INSERT INTO product_images (id, product_ref, url, kind, sort_order, alt_text, file_size, width, height, object_key)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			img.ID, productID, img.URL, string(img.Kind), i, img.AltText, img.FileSize, img.Width, img.Height, img.ObjectKey,
		)
		if err != nil {
			return fmt.Errorf("insert product image: %w", err)
		}
	}
	return nil
}

func (s *Store) GetProductImages(ctx context.Context, productID string) ([]*types.ProductImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_ref, url, kind, sort_order, alt_text, file_size, width, height, object_key
		FROM product_images WHERE product_ref = ? ORDER BY sort_order`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ProductImage
	for rows.Next() {
		var img types.ProductImage
		if err := rows.Scan(&img.ID, &img.ProductRef, &img.URL, &img.Kind, &img.Order, &img.AltText, &img.FileSize, &img.Width, &img.Height, &img.ObjectKey); err != nil {
			return nil, err
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

func (s *Store) WriteVersion(ctx context.Context, v *types.VersionRecord) error {
	return writeVersion(ctx, s.db, v)
}

func writeVersion(ctx context.Context, e execer, v *types.VersionRecord) error {
	var nextNo int
	err := e.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_no), 0) + 1 FROM versions WHERE entity_type = ? AND entity_id = ?`, v.EntityType, v.EntityID).Scan(&nextNo)
	if err != nil {
		return fmt.Errorf("computing next version_no: %w", err)
	}
	v.VersionNo = nextNo
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	diff, err := json.Marshal(v.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO versions (entity_type, entity_id, version_no, change_kind, author, timestamp, checksum, snapshot, diff)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		v.EntityType, v.EntityID, v.VersionNo, string(v.ChangeKind), v.Author, v.Timestamp, v.Checksum, v.Snapshot, string(diff),
	)
	return err
}

func (s *Store) LatestVersion(ctx context.Context, entityType, entityID string) (*types.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, version_no, change_kind, author, timestamp, checksum, snapshot, diff
		FROM versions WHERE entity_type = ? AND entity_id = ? ORDER BY version_no DESC LIMIT 1`, entityType, entityID)
	return scanVersion(row)
}

func (s *Store) ListVersions(ctx context.Context, entityType, entityID string) ([]*types.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, version_no, change_kind, author, timestamp, checksum, snapshot, diff
		FROM versions WHERE entity_type = ? AND entity_id = ? ORDER BY version_no`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.VersionRecord
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row rowScanner) (*types.VersionRecord, error) {
	var v types.VersionRecord
	var diff string
	err := row.Scan(&v.EntityType, &v.EntityID, &v.VersionNo, &v.ChangeKind, &v.Author, &v.Timestamp, &v.Checksum, &v.Snapshot, &diff)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(diff), &v.Diff); err != nil {
		return nil, fmt.Errorf("unmarshal diff: %w", err)
	}
	return &v, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func newID(prefix string) string {
	return prefix + "-" + randomHex(12)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilStringMap(m map[string]string) map[string]string {
	return nonNilMap(m)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// classifySQLiteErr maps SQLite's generic constraint error text onto
// the error taxonomy's ErrUniqueViolation.
func classifySQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", errs.ErrUniqueViolation, err)
	}
	return err
}
