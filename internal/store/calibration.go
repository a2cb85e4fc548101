package store

import (
	"time"

	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"
)

// RecordCalibrationEvent appends one resolution outcome to the event log.
// The log is the only durable calibration state; budgets are recomputed from
// it on every read.
func (s *SoulStore) RecordCalibrationEvent(agentID, proposalID string, outcome types.Outcome, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO calibration_events (agent_id, proposal_id, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, agentID, proposalID, string(outcome), latency.Milliseconds(), time.Now().UTC())
	if err != nil {
		logging.Get(logging.CategoryCalibration).Error("Failed to record outcome for %s: %v", proposalID, err)
		return err
	}

	logging.Calibration("Recorded %s for proposal %s (agent %s, latency %v)", outcome, proposalID, agentID, latency)
	return nil
}

// ListCalibrationEvents returns the most recent events for an agent, newest
// first, capped at limit.
func (s *SoulStore) ListCalibrationEvents(agentID string, limit int) ([]types.CalibrationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, agent_id, proposal_id, outcome, latency_ms, created_at
		FROM calibration_events
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.CalibrationEvent
	for rows.Next() {
		var (
			ev        types.CalibrationEvent
			outcome   string
			latencyMS int64
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.ProposalID, &outcome, &latencyMS, &ev.CreatedAt); err != nil {
			continue
		}
		ev.Outcome = types.Outcome(outcome)
		ev.Latency = time.Duration(latencyMS) * time.Millisecond
		events = append(events, ev)
	}
	return events, rows.Err()
}
