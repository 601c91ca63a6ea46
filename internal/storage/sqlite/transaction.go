package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

// tx adapts a *sql.Tx to storage.Transaction, reusing the same
// row-level helpers as Store so insert/update SQL is written once.
type tx struct {
	t *sql.Tx
}

func (t *tx) UpsertProduct(ctx context.Context, p *types.Product) error {
	return upsertProduct(ctx, t.t, p)
}
func (t *tx) UpsertSupplier(ctx context.Context, sup *types.Supplier) error {
	return upsertSupplier(ctx, t.t, sup)
}
func (t *tx) ReplaceProductImages(ctx context.Context, productID string, images []*types.ProductImage) error {
	return replaceProductImages(ctx, t.t, productID, images)
}
func (t *tx) WriteVersion(ctx context.Context, v *types.VersionRecord) error {
	return writeVersion(ctx, t.t, v)
}
func (t *tx) SetCanonicalOf(ctx context.Context, productID, canonicalID string) error {
	return setCanonicalOf(ctx, t.t, productID, canonicalID)
}
func (t *tx) SoftDeleteProduct(ctx context.Context, productID string) error {
	return softDeleteProduct(ctx, t.t, productID)
}

// RunInTransaction runs fn inside a single SQLite transaction opened
// with BEGIN IMMEDIATE: the write lock is acquired up front so
// concurrent batched upserts from the Sync Coordinator serialize
// instead of deadlocking.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&tx{t: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
