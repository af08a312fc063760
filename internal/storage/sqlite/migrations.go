package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/relaygrid/taskgraph/internal/storage/sqlite/migrations"
)

// migration pairs a monotonically increasing version with the function that
// applies it. Every entry must be safe to re-run: check before you alter.
type migration struct {
	version int
	name    string
	apply   func(*sql.DB) error
}

var registeredMigrations = []migration{
	{1, "blocked_reason", migrations.MigrateBlockedReason},
}

// runMigrations applies every migration not yet recorded in
// schema_migrations, in ascending version order, recording each as it
// succeeds.
func runMigrations(db *sql.DB) error {
	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate schema_migrations: %w", err)
	}
	_ = rows.Close()

	for _, m := range registeredMigrations {
		if applied[m.version] {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (version, filename, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, nowMillis(),
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}
