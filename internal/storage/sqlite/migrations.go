package sqlite

import (
	"database/sql"
	"fmt"
)

// Migration is one idempotent, forward-only schema change, run after
// the base schema is created.
type Migration struct {
	Version int
	Name    string
	Func    func(*sql.Tx) error
}

var migrationsList = []Migration{
	{1, "image_object_key_index", migrateImageObjectKeyIndex},
	{2, "sync_runs_retry_of_index", migrateSyncRunsRetryOfIndex},
}

func migrateImageObjectKeyIndex(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_product_images_object_key ON product_images(object_key)`)
	return err
}

func migrateSyncRunsRetryOfIndex(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_runs_retry_of ON sync_runs(retry_of)`)
	return err
}

// runMigrations applies every migration in migrationsList whose version
// has not yet been recorded in schema_migrations, inside a single
// transaction per migration so a failure partway through does not
// leave the version row and the DDL it describes out of sync.
func runMigrations(db *sql.DB) error {
	for _, m := range migrationsList {
		var applied int
		err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", m.Name, err)
		}
		if applied > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", m.Name, err)
		}
		if err := m.Func(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("running migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", m.Name, err)
		}
	}
	return nil
}
