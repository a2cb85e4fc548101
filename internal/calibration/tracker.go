// Package calibration turns historical proposal outcomes into a dynamic
// "propose less / propose more" signal. Budgets are a pure function of the
// recorded event history, so any number of stateless workers converge on the
// same decision without synchronization, and tests can replay a history and
// assert the result.
package calibration

import (
	"time"

	"soulkeeper/internal/config"
	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"
)

// EventLog is the slice of the store the tracker needs.
type EventLog interface {
	RecordCalibrationEvent(agentID, proposalID string, outcome types.Outcome, latency time.Duration) error
	ListCalibrationEvents(agentID string, limit int) ([]types.CalibrationEvent, error)
}

// Tracker computes per-agent admission budgets from the outcome history.
type Tracker struct {
	log EventLog
	cfg config.CalibrationConfig

	cooldownPeriod   time.Duration
	rubberStampFloor time.Duration
	capCeiling       int
	capFloor         int
}

// NewTracker creates a Tracker bound to an event log and policy config.
func NewTracker(log EventLog, cfg *config.Config) *Tracker {
	return &Tracker{
		log:              log,
		cfg:              cfg.Calibration,
		cooldownPeriod:   cfg.GetCooldownPeriod(),
		rubberStampFloor: cfg.GetRubberStampLatencyFloor(),
		capCeiling:       cfg.Proposals.MaxPerDayCeiling,
		capFloor:         cfg.Proposals.MaxPerDayFloor,
	}
}

// RecordOutcome appends one terminal resolution to the event log.
func (t *Tracker) RecordOutcome(agentID, proposalID string, outcome types.Outcome, latency time.Duration) error {
	return t.log.RecordCalibrationEvent(agentID, proposalID, outcome, latency)
}

// outcome weights for the approval-rate computation. An expiry is a mild
// negative signal: the human ignored the proposal rather than refusing it.
const expiredFailureWeight = 0.4

// Budget computes the admission allowance for an agent at the given instant.
// Deterministic given the same recorded history and clock, so replay-based
// tests can assert exact results.
func (t *Tracker) Budget(agentID string, now time.Time) (types.Budget, error) {
	limit := t.cfg.TrailingWindow
	if t.cfg.RubberStampCount > limit {
		limit = t.cfg.RubberStampCount
	}

	events, err := t.log.ListCalibrationEvents(agentID, limit)
	if err != nil {
		return types.Budget{}, err
	}

	budget := types.Budget{MaxPerDay: t.capCeiling}
	if len(events) == 0 {
		return budget, nil
	}

	// events are newest first.
	trailing := events
	if len(trailing) > t.cfg.TrailingWindow {
		trailing = trailing[:t.cfg.TrailingWindow]
	}

	var success, failure float64
	for _, ev := range trailing {
		switch ev.Outcome {
		case types.OutcomeApproved, types.OutcomeEdited:
			success++
		case types.OutcomeRejected:
			failure++
		case types.OutcomeExpired:
			failure += expiredFailureWeight
		}
	}
	if success+failure > 0 {
		budget.ApprovalRate = success / (success + failure)
	}

	// Streaks from the newest event backwards.
	rejectionStreak, approvalStreak := 0, 0
	for _, ev := range trailing {
		if ev.Outcome == types.OutcomeRejected {
			if approvalStreak > 0 {
				break
			}
			rejectionStreak++
			continue
		}
		if ev.Outcome == types.OutcomeApproved || ev.Outcome == types.OutcomeEdited {
			if rejectionStreak > 0 {
				break
			}
			approvalStreak++
			continue
		}
		break // expired ends either streak
	}

	switch {
	case rejectionStreak >= t.cfg.RejectionStreak:
		budget.CooldownUntil = trailing[0].CreatedAt.Add(t.cooldownPeriod)
		if now.Before(budget.CooldownUntil) {
			budget.MaxPerDay = t.capFloor
		} else {
			// Cooldown served. Cap stays halved until outcomes improve so
			// a served cooldown does not deadlock admission forever.
			budget.MaxPerDay = t.capCeiling / 2
			if budget.MaxPerDay < 1 {
				budget.MaxPerDay = 1
			}
		}
	case budget.ApprovalRate < t.cfg.LowApprovalRate:
		budget.MaxPerDay = t.capCeiling / 2
		if budget.MaxPerDay < t.capFloor {
			budget.MaxPerDay = t.capFloor
		}
	case approvalStreak >= t.cfg.ApprovalStreak:
		budget.MaxPerDay = t.capCeiling
	}

	// EWMA latency, oldest to newest.
	alpha := t.cfg.LatencyAlpha
	var ewma float64
	for i := len(trailing) - 1; i >= 0; i-- {
		ms := float64(trailing[i].Latency.Milliseconds())
		if ewma == 0 {
			ewma = ms
		} else {
			ewma = alpha*ms + (1-alpha)*ewma
		}
	}
	budget.AvgLatency = time.Duration(ewma) * time.Millisecond

	budget.RubberStamp = t.detectRubberStamp(events)
	if budget.RubberStamp {
		logging.Calibration("Agent %s flagged as rubber-stamping: last %d approvals under %v",
			agentID, t.cfg.RubberStampCount, t.rubberStampFloor)
	}

	return budget, nil
}

// detectRubberStamp flags agents whose recent approvals were all resolved
// suspiciously fast. A flag only; never blocks admission.
func (t *Tracker) detectRubberStamp(events []types.CalibrationEvent) bool {
	if t.cfg.RubberStampCount <= 0 {
		return false
	}

	approvals := 0
	for _, ev := range events {
		if ev.Outcome != types.OutcomeApproved && ev.Outcome != types.OutcomeEdited {
			continue
		}
		if ev.Latency >= t.rubberStampFloor {
			return false
		}
		approvals++
		if approvals >= t.cfg.RubberStampCount {
			return true
		}
	}
	return false
}
