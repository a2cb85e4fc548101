// Package gate implements pre-flight admission control for proposal drafts:
// calibration cooldown, daily cap, protected-field check, similarity
// suppression against recently rejected proposals, and a defensive minimum
// confidence check. A refused draft is a typed rejection, not an error;
// rejections are expected and frequent.
package gate

import (
	"fmt"
	"time"

	"soulkeeper/internal/config"
	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"

	"github.com/google/uuid"
)

// RejectReason identifies which admission check refused a draft.
type RejectReason string

const (
	ThrottledByCooldown     RejectReason = "throttled_by_cooldown"
	DailyCapExceeded        RejectReason = "daily_cap_exceeded"
	ProtectedFieldViolation RejectReason = "protected_field_violation"
	SimilarToRejected       RejectReason = "similar_to_rejected"
	InsufficientConfidence  RejectReason = "insufficient_confidence"
)

// Rejection is the typed refusal returned to the draft producer.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// SimilarityFunc scores how alike two proposed values are, in [0,1].
// Supplied by the caller; the engine treats the scoring model as opaque.
type SimilarityFunc func(a, b string) float64

// Store is the slice of the soul store the gate reads and writes.
type Store interface {
	GetActive(agentID string) (*types.Configuration, error)
	CountCreatedSince(agentID string, cutoff time.Time) (int, error)
	ListResolvedSince(agentID, targetField string, cutoff time.Time, limit int) ([]*types.Proposal, error)
	CreateProposal(p *types.Proposal) error
}

// BudgetSource provides the calibration tracker's admission allowance.
type BudgetSource interface {
	Budget(agentID string, now time.Time) (types.Budget, error)
}

// Gate admits or refuses candidate drafts.
type Gate struct {
	store   Store
	budgets BudgetSource
	cfg     *config.Config

	now func() time.Time
}

// NewGate creates a Gate.
func NewGate(store Store, budgets BudgetSource, cfg *config.Config) *Gate {
	return &Gate{
		store:   store,
		budgets: budgets,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock overrides the gate's clock. Test hook.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Admit runs the admission checks in order; the first failure short-circuits.
// On success the draft is persisted as a pending proposal with the configured
// TTL and returned for notification dispatch.
func (g *Gate) Admit(draft types.ProposalDraft, sim SimilarityFunc) (*types.Proposal, *Rejection, error) {
	timer := logging.StartTimer(logging.CategoryGate, "Admit")
	defer timer.Stop()

	now := g.now()
	if sim == nil {
		sim = TokenOverlap
	}

	// 1. Cooldown
	budget, err := g.budgets.Budget(draft.AgentID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute budget: %w", err)
	}
	if budget.InCooldown(now) {
		rej := &Rejection{
			Reason: ThrottledByCooldown,
			Detail: fmt.Sprintf("cooldown until %s", budget.CooldownUntil.Format(time.RFC3339)),
		}
		logging.Gate("Refused draft for agent %s field %s: %s", draft.AgentID, draft.TargetField, rej)
		return nil, rej, nil
	}

	// 2. Daily cap
	created, err := g.store.CountCreatedSince(draft.AgentID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count recent proposals: %w", err)
	}
	if created >= budget.MaxPerDay {
		rej := &Rejection{
			Reason: DailyCapExceeded,
			Detail: fmt.Sprintf("%d created in trailing 24h, cap %d", created, budget.MaxPerDay),
		}
		logging.Gate("Refused draft for agent %s field %s: %s", draft.AgentID, draft.TargetField, rej)
		return nil, rej, nil
	}

	// 3. Protected field. Checked regardless of budget; a protected field is
	// never a valid target.
	cfg, err := g.store.GetActive(draft.AgentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.IsProtected(draft.TargetField) {
		rej := &Rejection{
			Reason: ProtectedFieldViolation,
			Detail: draft.TargetField,
		}
		// Always logged for audit.
		logging.Get(logging.CategoryGate).Warn("Protected field violation: agent %s draft targeted %s", draft.AgentID, draft.TargetField)
		return nil, rej, nil
	}

	// 4. Duplicate/similarity suppression against recently rejected proposals
	// for the same field. Edited-and-approved proposals are not suppressors:
	// the human endorsed the direction, just not the wording.
	cutoff := now.Add(-g.cfg.GetSuppressionWindow())
	resolved, err := g.store.ListResolvedSince(draft.AgentID, draft.TargetField, cutoff, g.cfg.Proposals.ResolvedScanLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan resolved proposals: %w", err)
	}
	for _, prior := range resolved {
		if prior.Status != types.StatusRejected {
			continue
		}
		score := sim(draft.ProposedValue, prior.ProposedValue)
		if score >= g.cfg.Proposals.SimilarityThreshold {
			rej := &Rejection{
				Reason: SimilarToRejected,
				Detail: fmt.Sprintf("%.2f similar to rejected proposal %s", score, prior.ID),
			}
			logging.Gate("Refused draft for agent %s field %s: %s", draft.AgentID, draft.TargetField, rej)
			return nil, rej, nil
		}
	}

	// 5. Minimum evidence. The reflection producer contract filters
	// low-confidence drafts upstream; re-validated here defensively.
	if draft.Confidence == types.ConfidenceLow {
		rej := &Rejection{Reason: InsufficientConfidence}
		logging.Gate("Refused draft for agent %s field %s: %s", draft.AgentID, draft.TargetField, rej)
		return nil, rej, nil
	}

	proposal := &types.Proposal{
		ID:             uuid.NewString(),
		AgentID:        draft.AgentID,
		OrganizationID: draft.OrganizationID,
		Status:         types.StatusPending,
		TargetField:    draft.TargetField,
		ChangeKind:     draft.ChangeKind,
		CurrentValue:   draft.CurrentValue,
		ProposedValue:  draft.ProposedValue,
		Reason:         draft.Reason,
		Confidence:     draft.Confidence,
		TriggerType:    draft.TriggerType,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.cfg.GetProposalTTL()),
	}

	if err := g.store.CreateProposal(proposal); err != nil {
		return nil, nil, fmt.Errorf("failed to persist proposal: %w", err)
	}

	logging.Gate("Admitted proposal %s for agent %s field %s (expires %s)",
		proposal.ID, proposal.AgentID, proposal.TargetField, proposal.ExpiresAt.Format(time.RFC3339))
	return proposal, nil, nil
}
