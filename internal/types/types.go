// Package types provides shared type definitions used across soulkeeper packages.
// This package exists to break import cycles between store, gate, lifecycle, and
// notify. Types in this package should be foundational data structures with no
// complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// CONFIGURATION ("SOUL")
// =============================================================================

// Configuration is the live versioned bag of behavioral settings for one agent.
// Exactly one live record exists per agent; history lives in snapshots.
type Configuration struct {
	AgentID         string            `json:"agent_id"`
	Version         int64             `json:"version"`
	Fields          map[string]string `json:"fields"`
	ProtectedFields []string          `json:"protected_fields"`
	LastUpdatedAt   time.Time         `json:"last_updated_at"`
}

// IsProtected reports whether a field may never be targeted by a proposal.
func (c *Configuration) IsProtected(field string) bool {
	for _, f := range c.ProtectedFields {
		if f == field {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate without touching the original.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{
		AgentID:       c.AgentID,
		Version:       c.Version,
		LastUpdatedAt: c.LastUpdatedAt,
		Fields:        make(map[string]string, len(c.Fields)),
	}
	for k, v := range c.Fields {
		out.Fields[k] = v
	}
	out.ProtectedFields = append(out.ProtectedFields, c.ProtectedFields...)
	return out
}

// ChangeType records what caused a snapshot version transition.
type ChangeType string

const (
	ChangeProposalApplied ChangeType = "proposal_applied"
	ChangeRollback        ChangeType = "rollback"
)

// ConfigurationSnapshot is one row of append-only version history.
// For every version N of a Configuration exactly one snapshot exists.
type ConfigurationSnapshot struct {
	AgentID           string            `json:"agent_id"`
	Version           int64             `json:"version"`
	Fields            map[string]string `json:"fields"`
	ProtectedFields   []string          `json:"protected_fields"`
	ChangeType        ChangeType        `json:"change_type"`
	CausingProposalID string            `json:"causing_proposal_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// =============================================================================
// PROPOSAL
// =============================================================================

// ProposalStatus is the state-machine position of a proposal.
// pending -> approved -> applied, or pending -> rejected | expired.
// rejected, expired, and applied are terminal.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
	StatusExpired  ProposalStatus = "expired"
	StatusApplied  ProposalStatus = "applied"
)

// IsTerminal reports whether no further transition may leave this status.
// approved is non-terminal: it is the transient stop before applied, and the
// one state the reconciliation sweep looks for when apply retries ran out.
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusApplied:
		return true
	}
	return false
}

// ChangeKind describes what a proposal wants to do to its target field.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeRemove ChangeKind = "remove"
	ChangeAddFAQ ChangeKind = "add_faq"
)

// Confidence is the drafting step's self-assessed evidence strength.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TriggerType records what prompted the draft.
type TriggerType string

const (
	TriggerReflection      TriggerType = "reflection"
	TriggerLiveInteraction TriggerType = "live_interaction"
)

// Proposal is a candidate single-field configuration change awaiting human
// resolution. Proposals are never deleted; terminal rows stay for audit.
type Proposal struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	OrganizationID string         `json:"organization_id"`
	Status         ProposalStatus `json:"status"`
	TargetField    string         `json:"target_field"`
	ChangeKind     ChangeKind     `json:"change_kind"`
	CurrentValue   string         `json:"current_value,omitempty"`
	ProposedValue  string         `json:"proposed_value"`
	EditedValue    string         `json:"edited_value,omitempty"`
	EditNote       string         `json:"edit_note,omitempty"`
	Reason         string         `json:"reason"`
	Confidence     Confidence     `json:"confidence"`
	TriggerType    TriggerType    `json:"trigger_type"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedVia    string         `json:"resolved_via,omitempty"`

	// ResolutionTokens maps channel name -> per-delivery correlation id.
	// Tokens are minted by the dispatcher before send so a late or duplicate
	// inbound resolution can be matched back to its delivery.
	ResolutionTokens map[string]string `json:"resolution_tokens,omitempty"`
}

// AppliedValue returns the content an approval writes into the target field:
// the human-edited value when present, the drafted value otherwise.
func (p *Proposal) AppliedValue() string {
	if p.EditedValue != "" {
		return p.EditedValue
	}
	return p.ProposedValue
}

// ProposalDraft is the gate's input: an unpersisted candidate produced by the
// reflection step or a live interaction hook.
type ProposalDraft struct {
	AgentID        string      `json:"agent_id"`
	OrganizationID string      `json:"organization_id"`
	TargetField    string      `json:"target_field"`
	ChangeKind     ChangeKind  `json:"change_kind"`
	CurrentValue   string      `json:"current_value,omitempty"`
	ProposedValue  string      `json:"proposed_value"`
	Reason         string      `json:"reason"`
	Confidence     Confidence  `json:"confidence"`
	TriggerType    TriggerType `json:"trigger_type"`
}

// =============================================================================
// CALIBRATION
// =============================================================================

// Outcome is the terminal resolution of a proposal as seen by calibration.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeEdited   Outcome = "edited"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
)

// CalibrationEvent is one durable resolution record. Budgets are recomputed
// from the trailing event window on every read, so stateless workers converge
// without shared in-memory state.
type CalibrationEvent struct {
	ID         int64         `json:"id"`
	AgentID    string        `json:"agent_id"`
	ProposalID string        `json:"proposal_id"`
	Outcome    Outcome       `json:"outcome"`
	Latency    time.Duration `json:"latency"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Budget is the gate-facing admission allowance for one agent.
type Budget struct {
	MaxPerDay     int           `json:"max_per_day"`
	CooldownUntil time.Time     `json:"cooldown_until"`
	ApprovalRate  float64       `json:"approval_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	RubberStamp   bool          `json:"rubber_stamp"`
}

// InCooldown reports whether admission is paused at the given instant.
func (b Budget) InCooldown(now time.Time) bool {
	return b.CooldownUntil.After(now)
}
