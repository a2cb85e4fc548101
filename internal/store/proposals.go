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

const proposalColumns = `
	id, agent_id, organization_id, status, target_field, change_kind,
	current_value, proposed_value, edited_value, edit_note, reason,
	confidence, trigger_type, created_at, expires_at, resolved_at,
	resolved_via, resolution_tokens`

func scanProposal(scan func(dest ...interface{}) error) (*types.Proposal, error) {
	var (
		p          types.Proposal
		status     string
		kind       string
		confidence string
		trigger    string
		resolvedAt sql.NullTime
		tokensJSON string
	)
	if err := scan(
		&p.ID, &p.AgentID, &p.OrganizationID, &status, &p.TargetField, &kind,
		&p.CurrentValue, &p.ProposedValue, &p.EditedValue, &p.EditNote, &p.Reason,
		&confidence, &trigger, &p.CreatedAt, &p.ExpiresAt, &resolvedAt,
		&p.ResolvedVia, &tokensJSON,
	); err != nil {
		return nil, err
	}
	p.Status = types.ProposalStatus(status)
	p.ChangeKind = types.ChangeKind(kind)
	p.Confidence = types.Confidence(confidence)
	p.TriggerType = types.TriggerType(trigger)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	if tokensJSON != "" {
		_ = json.Unmarshal([]byte(tokensJSON), &p.ResolutionTokens)
	}
	return &p, nil
}

// CreateProposal persists a new pending proposal.
func (s *SoulStore) CreateProposal(p *types.Proposal) error {
	if p.ID == "" {
		return fmt.Errorf("proposal id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokensJSON, err := json.Marshal(p.ResolutionTokens)
	if err != nil {
		return fmt.Errorf("failed to encode resolution tokens: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO proposals (
			id, agent_id, organization_id, status, target_field, change_kind,
			current_value, proposed_value, edited_value, edit_note, reason,
			confidence, trigger_type, created_at, expires_at, resolved_via, resolution_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)
	`,
		p.ID, p.AgentID, p.OrganizationID, string(p.Status), p.TargetField, string(p.ChangeKind),
		p.CurrentValue, p.ProposedValue, p.EditedValue, p.EditNote, p.Reason,
		string(p.Confidence), string(p.TriggerType), p.CreatedAt, p.ExpiresAt, string(tokensJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create proposal %s: %v", p.ID, err)
		return err
	}

	logging.StoreDebug("Created proposal %s for agent %s field %s", p.ID, p.AgentID, p.TargetField)
	return nil
}

// GetProposal loads a proposal by id.
func (s *SoulStore) GetProposal(id string) (*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT`+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPending returns pending proposals for an agent, oldest first.
func (s *SoulStore) ListPending(agentID string) ([]*types.Proposal, error) {
	return s.listByStatus(agentID, types.StatusPending)
}

func (s *SoulStore) listByStatus(agentID string, status types.ProposalStatus) ([]*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT`+proposalColumns+`
		FROM proposals
		WHERE agent_id = ? AND status = ?
		ORDER BY created_at ASC
	`, agentID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// CountCreatedSince counts proposals created for an agent after the cutoff
// that are still pending or ended up applied. Rejected and expired rows do
// not consume budget: the agent should not be starved by its own refusals.
func (s *SoulStore) CountCreatedSince(agentID string, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM proposals
		WHERE agent_id = ? AND created_at > ? AND status IN (?, ?, ?)
	`, agentID, cutoff, string(types.StatusPending), string(types.StatusApproved), string(types.StatusApplied)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListResolvedSince returns terminally resolved proposals for an agent+field
// resolved after the cutoff, newest first, capped at limit. Input for the
// gate's similarity suppression.
func (s *SoulStore) ListResolvedSince(agentID, targetField string, cutoff time.Time, limit int) ([]*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.Query(`
		SELECT`+proposalColumns+`
		FROM proposals
		WHERE agent_id = ? AND target_field = ?
		  AND status IN (?, ?, ?)
		  AND resolved_at IS NOT NULL AND resolved_at > ?
		ORDER BY resolved_at DESC
		LIMIT ?
	`, agentID, targetField,
		string(types.StatusRejected), string(types.StatusExpired), string(types.StatusApplied),
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// CASStatus atomically transitions a proposal from one status to another.
// Returns won=false without error when the row was not in the expected
// status; this is the defined mechanism for "first resolution wins", not a
// failure.
func (s *SoulStore) CASStatus(id string, from, to types.ProposalStatus, via string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE proposals
		SET status = ?, resolved_via = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(to), via, resolvedAt, id, string(from))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Distinguish "lost the race" from "no such proposal".
		var exists int
		if err := s.db.QueryRow(`SELECT 1 FROM proposals WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return false, types.ErrProposalNotFound
		} else if err != nil {
			return false, err
		}
		return false, nil
	}

	logging.LifecycleDebug("Proposal %s: %s -> %s via %s", id, from, to, via)
	return true, nil
}

// SetEditedValue stores the human-edited value and an audit note on a
// proposal. Called between the approval CAS and the configuration apply.
func (s *SoulStore) SetEditedValue(id, editedValue, editNote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE proposals SET edited_value = ?, edit_note = ? WHERE id = ?
	`, editedValue, editNote, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.ErrProposalNotFound
	}
	return nil
}

// MarkApplied moves an approved proposal to applied. Uses the same
// conditional-update discipline so a duplicate apply is a no-op.
func (s *SoulStore) MarkApplied(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE proposals SET status = ? WHERE id = ? AND status = ?
	`, string(types.StatusApplied), id, string(types.StatusApproved))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetResolutionTokens persists the channel -> token map minted at dispatch.
func (s *SoulStore) SetResolutionTokens(id string, tokens map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode resolution tokens: %w", err)
	}

	res, err := s.db.Exec(`UPDATE proposals SET resolution_tokens = ? WHERE id = ?`, string(tokensJSON), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.ErrProposalNotFound
	}
	return nil
}

// ListExpiredPending returns pending proposals whose TTL elapsed before now.
func (s *SoulStore) ListExpiredPending(now time.Time) ([]*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT`+proposalColumns+`
		FROM proposals
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at ASC
	`, string(types.StatusPending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListApprovedUnapplied returns proposals stuck in approved (apply retries
// exhausted) whose resolution predates the grace cutoff. This is the
// reconciliation query for the one legitimate approved-but-not-applied state.
func (s *SoulStore) ListApprovedUnapplied(cutoff time.Time) ([]*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT`+proposalColumns+`
		FROM proposals
		WHERE status = ? AND resolved_at IS NOT NULL AND resolved_at < ?
		ORDER BY resolved_at ASC
	`, string(types.StatusApproved), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
