// Package store persists all DomainOS entities in a single SQLite database.
// One writer at a time (guarded by the mutex); readers may run concurrently.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

const defaultBusyTimeoutMs = 5000

// Store is the SQLite-backed repository for every aggregate: domains, KB
// files and chunks, embeddings, automations and runs, missions, intake
// items, chat sessions, and protocols.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (creating if needed) the database at the given path and ensures
// the schema exists. busyTimeoutMs <= 0 selects the default.
func New(path string, busyTimeoutMs int) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if busyTimeoutMs <= 0 {
		busyTimeoutMs = defaultBusyTimeoutMs
	}

	db, err := sql.Open(driverName, driverDSN(path, busyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Opened database at %s (driver=%s)", path, driverName)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Stats reports row counts per table for the status command.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tables := []string{
		"domains", "kb_files", "kb_chunks", "chunk_embeddings",
		"automations", "automation_runs", "missions", "mission_runs",
		"intake_items", "sessions", "chat_messages", "protocols",
	}

	stats := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
