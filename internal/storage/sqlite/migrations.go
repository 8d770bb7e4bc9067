package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations are applied at open in numbered order. Each runs in its own
// transaction and is written to be idempotent, so a partially migrated
// database converges on the next start.
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS interactions (
				id TEXT PRIMARY KEY,
				session_id TEXT,
				started_at TEXT NOT NULL,
				completed_at TEXT,
				provider TEXT NOT NULL,
				method TEXT NOT NULL,
				path TEXT NOT NULL,
				client_addr TEXT,
				model TEXT,
				status_code INTEGER,
				prompt_tokens INTEGER,
				completion_tokens INTEGER,
				total_tokens INTEGER,
				tokens_estimated INTEGER NOT NULL DEFAULT 0,
				cost_estimate REAL,
				ttfb_ms REAL,
				ttft_ms REAL,
				total_latency_ms REAL,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				request_json BLOB,
				response_json BLOB
			)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_started_at ON interactions(started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_provider ON interactions(provider)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_model ON interactions(model)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS stream_chunks (
				id TEXT PRIMARY KEY,
				interaction_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				received_at TEXT NOT NULL,
				event_type TEXT,
				raw BLOB,
				decoded_json BLOB,
				FOREIGN KEY (interaction_id) REFERENCES interactions(id) ON DELETE CASCADE
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_stream_chunks_seq ON stream_chunks(interaction_id, seq)`,
		},
	},
}

func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
