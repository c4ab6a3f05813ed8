package store

import (
	"database/sql"
	"fmt"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

// Schema versions:
// v1: Initial schema (domains, kb, embeddings, automations, missions, intake, chat)
// v2: Added duplicate-skip diagnostics on automations and token estimates on chunks
const CurrentSchemaVersion = 2

// Migration defines a database schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply.
// These handle cases where tables exist but are missing newer columns.
var pendingMigrations = []Migration{
	// Duplicate-skip diagnostics (added in v2)
	{"automations", "duplicate_skip_count", "INTEGER NOT NULL DEFAULT 0"},
	{"automations", "last_duplicate_at", "DATETIME"},
	// Chunk token estimates for budget-aware packing (added in v2)
	{"kb_chunks", "token_estimate", "INTEGER NOT NULL DEFAULT 0"},
	// Cancel-by-request handle on mission runs (added in v2)
	{"mission_runs", "request_id", "TEXT NOT NULL DEFAULT ''"},
}

// RunMigrations applies schema migrations for existing databases.
func (s *Store) RunMigrations() error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	logging.StoreDebug("Running schema migrations (%d pending)", len(pendingMigrations))

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			skippedCount++
			continue
		}

		if columnExists(s.db, m.Table, m.Column) {
			skippedCount++
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			// Column may already exist in a different form; keep going.
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			skippedCount++
		} else {
			logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
			appliedCount++
		}
	}

	if err := s.recordSchemaVersion(CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", appliedCount, skippedCount)
	return nil
}

// SchemaVersion returns the highest recorded schema version, or 0 when the
// database predates version tracking.
func (s *Store) SchemaVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0
	}
	if !version.Valid {
		return 0
	}
	return int(version.Int64)
}

func (s *Store) recordSchemaVersion(version int) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", version)
	return err
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
