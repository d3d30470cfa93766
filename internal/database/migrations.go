package database

import (
	"context"
	"fmt"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add call_logs.summary",
		sql:   `ALTER TABLE call_logs ADD COLUMN IF NOT EXISTS summary text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'call_logs' AND column_name = 'summary')`,
	},
	{
		name:  "add call_logs.ticket_number",
		sql:   `ALTER TABLE call_logs ADD COLUMN IF NOT EXISTS ticket_number text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'call_logs' AND column_name = 'ticket_number')`,
	},
	{
		name:  "add active_call_sessions.call_log_id index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_sessions_call_log ON active_call_sessions (call_log_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_sessions_call_log')`,
	},
}

// Migrate runs all pending schema migrations. For each migration, it first
// checks whether the change is already present. If not, it attempts to apply
// it. Failures are returned as fatal — queries depend on these columns.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		db.log.Debug().Msg("schema migrations up to date")
		return nil
	}

	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		db.log.Info().Str("migration", m.name).Msg("applied schema migration")
	}
	return nil
}
