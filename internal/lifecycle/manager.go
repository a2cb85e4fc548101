// Package lifecycle implements the proposal state machine:
//
//	pending -> approved -> applied
//	pending -> rejected
//	pending -> expired
//
// Resolution transitions are totally ordered per proposal by a storage-level
// compare-and-set on status. A CAS loss is not an error; it is the defined
// mechanism for "only the first of N concurrent resolutions is honored", and
// losers receive the already-decided outcome.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"soulkeeper/internal/config"
	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"
)

// Store is the slice of the soul store the manager drives.
type Store interface {
	GetProposal(id string) (*types.Proposal, error)
	CASStatus(id string, from, to types.ProposalStatus, via string, resolvedAt time.Time) (bool, error)
	SetEditedValue(id, editedValue, editNote string) error
	MarkApplied(id string) (bool, error)
	ApplyChange(agentID string, mutator func(*types.Configuration) error, causingProposalID string) (int64, error)
	ListExpiredPending(now time.Time) ([]*types.Proposal, error)
	ListApprovedUnapplied(cutoff time.Time) ([]*types.Proposal, error)
}

// OutcomeRecorder feeds terminal resolutions back into calibration.
type OutcomeRecorder interface {
	RecordOutcome(agentID, proposalID string, outcome types.Outcome, latency time.Duration) error
}

// Resolution is the result of a resolution attempt. Callers that lost a
// resolution race get AlreadyResolved=true plus the winning outcome; they
// never get an error for losing.
type Resolution struct {
	Proposal        *types.Proposal
	Status          types.ProposalStatus
	AlreadyResolved bool
	ResolvedVia     string
	ResolvedAt      time.Time
	NewVersion      int64 // configuration version written, when applied
}

// Describe renders the resolution for the human who triggered it.
func (r *Resolution) Describe() string {
	if !r.AlreadyResolved {
		switch r.Status {
		case types.StatusApplied:
			return fmt.Sprintf("approved and applied as configuration v%d", r.NewVersion)
		case types.StatusRejected:
			return "rejected"
		case types.StatusExpired:
			return "expired"
		case types.StatusApproved:
			return "approved (apply pending operator reconciliation)"
		}
		return string(r.Status)
	}

	when := ""
	if !r.ResolvedAt.IsZero() {
		when = " at " + r.ResolvedAt.Format("15:04")
	}
	via := r.ResolvedVia
	if via == "" {
		via = "another channel"
	}
	switch r.Status {
	case types.StatusApplied, types.StatusApproved:
		return fmt.Sprintf("already approved by %s%s", via, when)
	case types.StatusRejected:
		return fmt.Sprintf("already rejected by %s%s", via, when)
	case types.StatusExpired:
		return "already expired"
	}
	return fmt.Sprintf("already resolved (%s)", r.Status)
}

// Manager owns all proposal transitions and is the only writer of
// configuration changes.
type Manager struct {
	store    Store
	recorder OutcomeRecorder
	cfg      *config.Config

	applyAttempts int
	applyBackoff  time.Duration
	now           func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, recorder OutcomeRecorder, cfg *config.Config) *Manager {
	return &Manager{
		store:         store,
		recorder:      recorder,
		cfg:           cfg,
		applyAttempts: 3,
		applyBackoff:  100 * time.Millisecond,
		now:           time.Now,
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Approve resolves a proposal as approved and synchronously applies it to the
// configuration. optionalEditedValue, when non-empty, is stored and applied
// instead of the drafted value.
func (m *Manager) Approve(id, via, resolutionToken, optionalEditedValue string) (*Resolution, error) {
	return m.approve(id, via, resolutionToken, optionalEditedValue, types.OutcomeApproved)
}

// EditAndApprove resolves a proposal as approved with a mandatory
// human-supplied replacement value. Recorded as an edited outcome, which the
// gate's suppression check does not treat as a rejection.
func (m *Manager) EditAndApprove(id, via, resolutionToken, newValue string) (*Resolution, error) {
	if newValue == "" {
		return nil, fmt.Errorf("edited value required")
	}
	return m.approve(id, via, resolutionToken, newValue, types.OutcomeEdited)
}

func (m *Manager) approve(id, via, resolutionToken, editedValue string, outcome types.Outcome) (*Resolution, error) {
	now := m.now()

	proposal, err := m.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	m.checkToken(proposal, via, resolutionToken)

	won, err := m.store.CASStatus(id, types.StatusPending, types.StatusApproved, via, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return m.alreadyResolved(id)
	}

	logging.Lifecycle("Proposal %s approved via %s", id, via)

	if editedValue != "" && editedValue != proposal.ProposedValue {
		note := fmt.Sprintf("human replaced drafted value via %s", via)
		if err := m.store.SetEditedValue(id, editedValue, note); err != nil {
			return nil, err
		}
		proposal.EditedValue = editedValue
		proposal.EditNote = note
		outcome = types.OutcomeEdited
	}

	resolution := &Resolution{
		Proposal:    proposal,
		ResolvedVia: via,
		ResolvedAt:  now,
	}

	newVersion, err := m.applyWithRetry(proposal)
	if err != nil {
		// The one legitimate approved-but-not-applied state: apply retries
		// exhausted. Left for operator reconciliation, still a terminal
		// approval from calibration's point of view.
		logging.Get(logging.CategoryLifecycle).Error("Proposal %s approved but apply failed: %v", id, err)
		resolution.Status = types.StatusApproved
		m.recordOutcome(proposal, outcome, now)
		return resolution, fmt.Errorf("%w: %v", types.ErrApplyFailed, err)
	}

	if _, err := m.store.MarkApplied(id); err != nil {
		return nil, err
	}

	resolution.Status = types.StatusApplied
	resolution.NewVersion = newVersion
	m.recordOutcome(proposal, outcome, now)

	logging.Lifecycle("Proposal %s applied as configuration v%d for agent %s", id, newVersion, proposal.AgentID)
	return resolution, nil
}

// Reject resolves a proposal as rejected. No configuration mutation.
func (m *Manager) Reject(id, via, resolutionToken string) (*Resolution, error) {
	now := m.now()

	proposal, err := m.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	m.checkToken(proposal, via, resolutionToken)

	won, err := m.store.CASStatus(id, types.StatusPending, types.StatusRejected, via, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return m.alreadyResolved(id)
	}

	logging.Lifecycle("Proposal %s rejected via %s", id, via)
	m.recordOutcome(proposal, types.OutcomeRejected, now)

	return &Resolution{
		Proposal:    proposal,
		Status:      types.StatusRejected,
		ResolvedVia: via,
		ResolvedAt:  now,
	}, nil
}

// ExpireSweep transitions every pending proposal past its TTL to expired.
// The sweep is the only actor performing pending -> expired; the same CAS
// discipline means it can never clobber a simultaneous human resolution.
// Returns the number of proposals expired.
func (m *Manager) ExpireSweep() (int, error) {
	now := m.now()

	stale, err := m.store.ListExpiredPending(now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		won, err := m.store.CASStatus(p.ID, types.StatusPending, types.StatusExpired, "sweep", now)
		if err != nil {
			logging.Get(logging.CategoryLifecycle).Error("Expiry CAS failed for %s: %v", p.ID, err)
			continue
		}
		if !won {
			continue // a human got there first
		}
		expired++
		m.recordOutcome(p, types.OutcomeExpired, now)
	}

	if expired > 0 {
		logging.Lifecycle("Expiry sweep: %d proposal(s) expired", expired)
	}
	return expired, nil
}

// Reconcile returns proposals stuck approved-but-not-applied for longer than
// the configured grace period. Operator-facing.
func (m *Manager) Reconcile() ([]*types.Proposal, error) {
	cutoff := m.now().Add(-m.cfg.GetReconcileGrace())
	return m.store.ListApprovedUnapplied(cutoff)
}

// RetryApply re-attempts the configuration apply for a stuck approved
// proposal. Operator intervention path for ApplyFailed.
func (m *Manager) RetryApply(id string) (*Resolution, error) {
	proposal, err := m.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != types.StatusApproved {
		return nil, fmt.Errorf("proposal %s is %s, not approved", id, proposal.Status)
	}

	newVersion, err := m.applyWithRetry(proposal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrApplyFailed, err)
	}
	if _, err := m.store.MarkApplied(id); err != nil {
		return nil, err
	}

	logging.Lifecycle("Proposal %s applied on operator retry as v%d", id, newVersion)
	return &Resolution{
		Proposal:   proposal,
		Status:     types.StatusApplied,
		NewVersion: newVersion,
	}, nil
}

// applyWithRetry runs the configuration mutation with bounded backoff on
// optimistic-concurrency conflicts.
func (m *Manager) applyWithRetry(p *types.Proposal) (int64, error) {
	value := p.AppliedValue()

	mutator := func(cfg *types.Configuration) error {
		if cfg.IsProtected(p.TargetField) {
			return fmt.Errorf("field %s became protected after admission", p.TargetField)
		}
		switch p.ChangeKind {
		case types.ChangeRemove:
			delete(cfg.Fields, p.TargetField)
		case types.ChangeAddFAQ:
			if existing := cfg.Fields[p.TargetField]; existing != "" {
				cfg.Fields[p.TargetField] = existing + "\n" + value
			} else {
				cfg.Fields[p.TargetField] = value
			}
		default: // add, modify
			cfg.Fields[p.TargetField] = value
		}
		return nil
	}

	var lastErr error
	backoff := m.applyBackoff
	for attempt := 1; attempt <= m.applyAttempts; attempt++ {
		version, err := m.store.ApplyChange(p.AgentID, mutator, p.ID)
		if err == nil {
			return version, nil
		}
		lastErr = err
		if !errors.Is(err, types.ErrConcurrentModification) {
			return 0, err
		}
		logging.LifecycleDebug("Apply conflict for proposal %s (attempt %d/%d), retrying", p.ID, attempt, m.applyAttempts)
		if attempt < m.applyAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return 0, lastErr
}

// alreadyResolved loads the winning outcome for a caller that lost a
// resolution race.
func (m *Manager) alreadyResolved(id string) (*Resolution, error) {
	p, err := m.store.GetProposal(id)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Proposal:        p,
		Status:          p.Status,
		AlreadyResolved: true,
		ResolvedVia:     p.ResolvedVia,
	}
	if p.ResolvedAt != nil {
		res.ResolvedAt = *p.ResolvedAt
	}
	return res, nil
}

// checkToken compares the caller's resolution token against the one minted
// for its channel at dispatch. Correlation only: a mismatch is logged for
// audit, never fatal, because the status CAS is what guarantees at most one
// outcome.
func (m *Manager) checkToken(p *types.Proposal, via, token string) {
	if token == "" || len(p.ResolutionTokens) == 0 {
		return
	}
	expected, ok := p.ResolutionTokens[via]
	if !ok || expected == token {
		return
	}
	logging.Get(logging.CategoryLifecycle).Warn("Proposal %s: token mismatch for channel %s", p.ID, via)
}

// recordOutcome feeds calibration; failures are logged, never propagated,
// because the resolution itself already committed.
func (m *Manager) recordOutcome(p *types.Proposal, outcome types.Outcome, resolvedAt time.Time) {
	latency := resolvedAt.Sub(p.CreatedAt)
	if latency < 0 {
		latency = 0
	}
	if err := m.recorder.RecordOutcome(p.AgentID, p.ID, outcome, latency); err != nil {
		logging.Get(logging.CategoryCalibration).Error("Failed to record outcome for %s: %v", p.ID, err)
	}
}
