package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"
)

// GetActive returns the live configuration for an agent.
// Returns types.ErrNotFound if the agent was never seeded.
func (s *SoulStore) GetActive(agentID string) (*types.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getActiveLocked(s.db, agentID)
}

// querier abstracts *sql.DB and *sql.Tx for read helpers.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *SoulStore) getActiveLocked(q querier, agentID string) (*types.Configuration, error) {
	var (
		cfg           types.Configuration
		fieldsJSON    string
		protectedJSON string
	)
	err := q.QueryRow(`
		SELECT agent_id, version, fields, protected_fields, last_updated_at
		FROM configurations
		WHERE agent_id = ?
	`, agentID).Scan(&cfg.AgentID, &cfg.Version, &fieldsJSON, &protectedJSON, &cfg.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &cfg.Fields); err != nil {
		return nil, fmt.Errorf("corrupt configuration fields for %s: %w", agentID, err)
	}
	if err := json.Unmarshal([]byte(protectedJSON), &cfg.ProtectedFields); err != nil {
		return nil, fmt.Errorf("corrupt protected fields for %s: %w", agentID, err)
	}
	if cfg.Fields == nil {
		cfg.Fields = make(map[string]string)
	}

	return &cfg, nil
}

// SeedConfiguration bootstraps an agent with a version-1 configuration and
// its first snapshot. Fails if the agent already has a configuration.
func (s *SoulStore) SeedConfiguration(agentID string, fields map[string]string, protectedFields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fields == nil {
		fields = make(map[string]string)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	protectedJSON, err := json.Marshal(protectedFields)
	if err != nil {
		return fmt.Errorf("failed to encode protected fields: %w", err)
	}

	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO configurations (agent_id, version, fields, protected_fields, last_updated_at)
		VALUES (?, 1, ?, ?, ?)
	`, agentID, string(fieldsJSON), string(protectedJSON), now); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to seed configuration: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO configuration_snapshots (agent_id, version, fields, protected_fields, change_type, causing_proposal_id, created_at)
		VALUES (?, 1, ?, ?, ?, '', ?)
	`, agentID, string(fieldsJSON), string(protectedJSON), string(types.ChangeProposalApplied), now); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to seed snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Store("Seeded configuration for agent %s at version 1", agentID)
	return nil
}

// ApplyChange executes a transactional read-modify-write on the live
// configuration: load, apply mutator, write version+1, write the snapshot for
// the new version, atomically. The snapshot and configuration writes are never
// split. Returns types.ErrConcurrentModification if the version read no longer
// matches at write time; callers retry.
func (s *SoulStore) ApplyChange(agentID string, mutator func(*types.Configuration) error, causingProposalID string) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyChange")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	cfg, err := s.getActiveLocked(tx, agentID)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	readVersion := cfg.Version

	next := cfg.Clone()
	if err := mutator(next); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("mutator failed: %w", err)
	}

	newVersion := readVersion + 1
	now := time.Now().UTC()

	fieldsJSON, err := json.Marshal(next.Fields)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to encode fields: %w", err)
	}
	protectedJSON, err := json.Marshal(next.ProtectedFields)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to encode protected fields: %w", err)
	}

	// Optimistic concurrency: the version predicate makes this a no-op when
	// another writer got there first.
	res, err := tx.Exec(`
		UPDATE configurations
		SET version = ?, fields = ?, protected_fields = ?, last_updated_at = ?
		WHERE agent_id = ? AND version = ?
	`, newVersion, string(fieldsJSON), string(protectedJSON), now, agentID, readVersion)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to write configuration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		return 0, types.ErrConcurrentModification
	}

	if _, err := tx.Exec(`
		INSERT INTO configuration_snapshots (agent_id, version, fields, protected_fields, change_type, causing_proposal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agentID, newVersion, string(fieldsJSON), string(protectedJSON), string(types.ChangeProposalApplied), causingProposalID, now); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logging.Store("Applied change for agent %s: v%d -> v%d (proposal %s)", agentID, readVersion, newVersion, causingProposalID)
	return newVersion, nil
}

// Rollback restores the snapshot at targetVersion as a brand-new version
// (current max + 1). Intervening history is never overwritten or deleted.
// Returns types.ErrVersionNotFound if no snapshot exists at targetVersion.
func (s *SoulStore) Rollback(agentID string, targetVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	var (
		fieldsJSON    string
		protectedJSON string
	)
	err = tx.QueryRow(`
		SELECT fields, protected_fields
		FROM configuration_snapshots
		WHERE agent_id = ? AND version = ?
	`, agentID, targetVersion).Scan(&fieldsJSON, &protectedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return 0, types.ErrVersionNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}

	cfg, err := s.getActiveLocked(tx, agentID)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	newVersion := cfg.Version + 1
	now := time.Now().UTC()

	res, err := tx.Exec(`
		UPDATE configurations
		SET version = ?, fields = ?, protected_fields = ?, last_updated_at = ?
		WHERE agent_id = ? AND version = ?
	`, newVersion, fieldsJSON, protectedJSON, now, agentID, cfg.Version)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to write configuration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		return 0, types.ErrConcurrentModification
	}

	if _, err := tx.Exec(`
		INSERT INTO configuration_snapshots (agent_id, version, fields, protected_fields, change_type, causing_proposal_id, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
	`, agentID, newVersion, fieldsJSON, protectedJSON, string(types.ChangeRollback), now); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logging.Store("Rolled back agent %s to v%d content as new v%d", agentID, targetVersion, newVersion)
	return newVersion, nil
}

// History returns all snapshots for an agent in ascending version order.
func (s *SoulStore) History(agentID string) ([]types.ConfigurationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT agent_id, version, fields, protected_fields, change_type, causing_proposal_id, created_at
		FROM configuration_snapshots
		WHERE agent_id = ?
		ORDER BY version ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []types.ConfigurationSnapshot
	for rows.Next() {
		var (
			snap          types.ConfigurationSnapshot
			fieldsJSON    string
			protectedJSON string
			changeType    string
		)
		if err := rows.Scan(&snap.AgentID, &snap.Version, &fieldsJSON, &protectedJSON, &changeType, &snap.CausingProposalID, &snap.CreatedAt); err != nil {
			continue
		}
		snap.ChangeType = types.ChangeType(changeType)
		if err := json.Unmarshal([]byte(fieldsJSON), &snap.Fields); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(protectedJSON), &snap.ProtectedFields)
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Snapshot returns the single snapshot at the given version.
func (s *SoulStore) Snapshot(agentID string, version int64) (*types.ConfigurationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap          types.ConfigurationSnapshot
		fieldsJSON    string
		protectedJSON string
		changeType    string
	)
	err := s.db.QueryRow(`
		SELECT agent_id, version, fields, protected_fields, change_type, causing_proposal_id, created_at
		FROM configuration_snapshots
		WHERE agent_id = ? AND version = ?
	`, agentID, version).Scan(&snap.AgentID, &snap.Version, &fieldsJSON, &protectedJSON, &changeType, &snap.CausingProposalID, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.ChangeType = types.ChangeType(changeType)
	if err := json.Unmarshal([]byte(fieldsJSON), &snap.Fields); err != nil {
		return nil, fmt.Errorf("corrupt snapshot fields: %w", err)
	}
	_ = json.Unmarshal([]byte(protectedJSON), &snap.ProtectedFields)
	return &snap, nil
}

// ListAgents returns every agent id with a live configuration.
func (s *SoulStore) ListAgents() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT agent_id FROM configurations ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}
