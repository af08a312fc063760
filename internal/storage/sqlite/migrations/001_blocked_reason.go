// Package migrations holds idempotent, numbered schema changes applied
// after the base schema on every startup.
package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateBlockedReason adds a column recording which ancestor caused a task
// to transition to BLOCKED, so operators can see why a task is stuck
// without re-walking the dependency graph.
func MigrateBlockedReason(db *sql.DB) error {
	var columnExists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('tasks')
		WHERE name = 'blocked_reason'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check blocked_reason column: %w", err)
	}

	if columnExists {
		return nil
	}

	if _, err := db.Exec(`ALTER TABLE tasks ADD COLUMN blocked_reason TEXT`); err != nil {
		return fmt.Errorf("failed to add blocked_reason column: %w", err)
	}

	return nil
}
