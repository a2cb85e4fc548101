// Package store implements soulkeeper's durable state on SQLite: the live
// versioned configuration per agent, its append-only snapshot history, the
// proposal records, and the calibration event log.
//
// Concurrency model: proposal status transitions use single-row conditional
// updates (compare-and-set on status), and configuration mutations use an
// optimistic version check inside one transaction. No cross-record locking.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SoulStore owns all soulkeeper tables in one SQLite database.
type SoulStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewSoulStore initializes the SQLite database at the given path.
func NewSoulStore(path string) (*SoulStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single pooled connection avoids
	// SQLITE_BUSY noise under concurrent resolution attempts.
	db.SetMaxOpenConns(1)

	s := &SoulStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the required tables.
func (s *SoulStore) initialize() error {
	configTable := `
	CREATE TABLE IF NOT EXISTS configurations (
		agent_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		fields TEXT NOT NULL,
		protected_fields TEXT NOT NULL DEFAULT '[]',
		last_updated_at DATETIME NOT NULL
	);
	`

	snapshotTable := `
	CREATE TABLE IF NOT EXISTS configuration_snapshots (
		agent_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		fields TEXT NOT NULL,
		protected_fields TEXT NOT NULL DEFAULT '[]',
		change_type TEXT NOT NULL,
		causing_proposal_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (agent_id, version)
	);
	`

	proposalTable := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		target_field TEXT NOT NULL,
		change_kind TEXT NOT NULL,
		current_value TEXT NOT NULL DEFAULT '',
		proposed_value TEXT NOT NULL,
		edited_value TEXT NOT NULL DEFAULT '',
		edit_note TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		confidence TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		resolved_at DATETIME,
		resolved_via TEXT NOT NULL DEFAULT '',
		resolution_tokens TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_agent_status ON proposals(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_proposals_expiry ON proposals(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_proposals_created ON proposals(agent_id, created_at);
	`

	calibrationTable := `
	CREATE TABLE IF NOT EXISTS calibration_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calibration_agent ON calibration_events(agent_id, id);
	`

	for _, table := range []string{configTable, snapshotTable, proposalTable, calibrationTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SoulStore) Close() error {
	return s.db.Close()
}

// Stats returns row counts per table, for the status command.
func (s *SoulStore) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"configurations", "configuration_snapshots", "proposals", "calibration_events"}

	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
