package lifecycle

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"soulkeeper/internal/calibration"
	"soulkeeper/internal/config"
	"soulkeeper/internal/store"
	"soulkeeper/internal/types"
)

type harness struct {
	store   *store.SoulStore
	tracker *calibration.Tracker
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "soulkeeper.db")
	s, err := store.NewSoulStore(dbPath)
	if err != nil {
		t.Fatalf("NewSoulStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.SeedConfiguration("agent-1", map[string]string{
		"tone":     "friendly",
		"greeting": "hello",
	}, []string{"safety_boundaries"}); err != nil {
		t.Fatalf("SeedConfiguration error = %v", err)
	}

	cfg := config.DefaultConfig()
	tracker := calibration.NewTracker(s, cfg)
	return &harness{
		store:   s,
		tracker: tracker,
		manager: NewManager(s, tracker, cfg),
	}
}

func (h *harness) pending(t *testing.T, id string) *types.Proposal {
	t.Helper()
	now := time.Now().UTC()
	p := &types.Proposal{
		ID:            id,
		AgentID:       "agent-1",
		Status:        types.StatusPending,
		TargetField:   "tone",
		ChangeKind:    types.ChangeModify,
		CurrentValue:  "friendly",
		ProposedValue: "friendly but concise",
		Reason:        "long answers lose users",
		Confidence:    types.ConfidenceHigh,
		TriggerType:   types.TriggerReflection,
		CreatedAt:     now.Add(-time.Hour),
		ExpiresAt:     now.Add(71 * time.Hour),
	}
	if err := h.store.CreateProposal(p); err != nil {
		t.Fatalf("CreateProposal error = %v", err)
	}
	return p
}

func TestApproveAppliesToConfiguration(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	res, err := h.manager.Approve("prop-1", "slack", "", "")
	if err != nil {
		t.Fatalf("Approve error = %v", err)
	}
	if res.Status != types.StatusApplied {
		t.Fatalf("status = %s, want applied", res.Status)
	}
	if res.NewVersion != 2 {
		t.Fatalf("new version = %d, want 2", res.NewVersion)
	}
	if res.AlreadyResolved {
		t.Fatal("winner should not report AlreadyResolved")
	}

	cfg, err := h.store.GetActive("agent-1")
	if err != nil {
		t.Fatalf("GetActive error = %v", err)
	}
	if cfg.Fields["tone"] != "friendly but concise" {
		t.Fatalf("tone = %q, proposal not applied", cfg.Fields["tone"])
	}

	p, err := h.store.GetProposal("prop-1")
	if err != nil {
		t.Fatalf("GetProposal error = %v", err)
	}
	if p.Status != types.StatusApplied || p.ResolvedVia != "slack" {
		t.Fatalf("proposal status=%s via=%s", p.Status, p.ResolvedVia)
	}

	events, err := h.store.ListCalibrationEvents("agent-1", 10)
	if err != nil {
		t.Fatalf("ListCalibrationEvents error = %v", err)
	}
	if len(events) != 1 || events[0].Outcome != types.OutcomeApproved {
		t.Fatalf("calibration events = %v, want one approved", events)
	}
	if events[0].Latency <= 0 {
		t.Fatal("latency must be positive (resolution an hour after creation)")
	}
}

func TestApproveWithEditedValue(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	res, err := h.manager.EditAndApprove("prop-1", "email", "", "warm and brief")
	if err != nil {
		t.Fatalf("EditAndApprove error = %v", err)
	}
	if res.Status != types.StatusApplied {
		t.Fatalf("status = %s, want applied", res.Status)
	}

	cfg, _ := h.store.GetActive("agent-1")
	if cfg.Fields["tone"] != "warm and brief" {
		t.Fatalf("tone = %q, want the edited value", cfg.Fields["tone"])
	}

	p, _ := h.store.GetProposal("prop-1")
	if p.EditedValue != "warm and brief" {
		t.Fatal("edited value not persisted on the proposal")
	}
	if p.ProposedValue != "friendly but concise" {
		t.Fatal("original drafted value must be preserved for audit")
	}

	events, _ := h.store.ListCalibrationEvents("agent-1", 10)
	if len(events) != 1 || events[0].Outcome != types.OutcomeEdited {
		t.Fatalf("calibration events = %v, want one edited", events)
	}
}

func TestEditAndApproveRequiresValue(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	if _, err := h.manager.EditAndApprove("prop-1", "email", "", ""); err == nil {
		t.Fatal("EditAndApprove with empty value should fail")
	}
}

func TestRejectLeavesConfigurationUntouched(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	res, err := h.manager.Reject("prop-1", "slack", "")
	if err != nil {
		t.Fatalf("Reject error = %v", err)
	}
	if res.Status != types.StatusRejected {
		t.Fatalf("status = %s, want rejected", res.Status)
	}

	cfg, _ := h.store.GetActive("agent-1")
	if cfg.Version != 1 || cfg.Fields["tone"] != "friendly" {
		t.Fatalf("configuration mutated by rejection: %+v", cfg)
	}

	events, _ := h.store.ListCalibrationEvents("agent-1", 10)
	if len(events) != 1 || events[0].Outcome != types.OutcomeRejected {
		t.Fatalf("calibration events = %v, want one rejected", events)
	}
}

func TestSecondResolutionGetsWinnersOutcome(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	if _, err := h.manager.Approve("prop-1", "slack", "", ""); err != nil {
		t.Fatalf("Approve error = %v", err)
	}

	// A rejection arriving after the approval must not error and must report
	// the winning outcome.
	res, err := h.manager.Reject("prop-1", "email", "")
	if err != nil {
		t.Fatalf("late Reject error = %v, want nil", err)
	}
	if !res.AlreadyResolved {
		t.Fatal("late resolution must report AlreadyResolved")
	}
	if res.Status != types.StatusApplied {
		t.Fatalf("late resolution status = %s, want the winner's applied", res.Status)
	}
	if res.ResolvedVia != "slack" {
		t.Fatalf("resolved via = %q, want slack", res.ResolvedVia)
	}

	// Only the winner feeds calibration.
	events, _ := h.store.ListCalibrationEvents("agent-1", 10)
	if len(events) != 1 {
		t.Fatalf("calibration events = %d, want 1", len(events))
	}
}

func TestConcurrentResolutionsExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	const resolvers = 8
	results := make([]*Resolution, resolvers)
	errs := make([]error, resolvers)

	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i], errs[i] = h.manager.Approve("prop-1", "slack", "", "")
			} else {
				results[i], errs[i] = h.manager.Reject("prop-1", "email", "")
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	var winnerStatus types.ProposalStatus
	for i := 0; i < resolvers; i++ {
		if errs[i] != nil {
			t.Fatalf("resolver %d error = %v", i, errs[i])
		}
		if !results[i].AlreadyResolved {
			winners++
			winnerStatus = results[i].Status
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	// Every loser saw the winner's terminal status.
	for i := 0; i < resolvers; i++ {
		if results[i].AlreadyResolved && results[i].Status != winnerStatus {
			t.Fatalf("loser %d saw status %s, winner wrote %s", i, results[i].Status, winnerStatus)
		}
	}

	p, _ := h.store.GetProposal("prop-1")
	if p.Status != winnerStatus {
		t.Fatalf("stored status %s != winner status %s", p.Status, winnerStatus)
	}

	events, _ := h.store.ListCalibrationEvents("agent-1", 20)
	if len(events) != 1 {
		t.Fatalf("calibration events = %d, want exactly 1", len(events))
	}
}

func TestExpireSweep(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	h.pending(t, "prop-stale")
	// Push its expiry into the past via a clock set after the TTL.
	h.manager.SetClock(func() time.Time { return now.Add(100 * time.Hour) })

	n, err := h.manager.ExpireSweep()
	if err != nil {
		t.Fatalf("ExpireSweep error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	p, _ := h.store.GetProposal("prop-stale")
	if p.Status != types.StatusExpired || p.ResolvedVia != "sweep" {
		t.Fatalf("status=%s via=%s, want expired via sweep", p.Status, p.ResolvedVia)
	}

	events, _ := h.store.ListCalibrationEvents("agent-1", 10)
	if len(events) != 1 || events[0].Outcome != types.OutcomeExpired {
		t.Fatalf("calibration events = %v, want one expired", events)
	}

	// Second sweep finds nothing.
	n, err = h.manager.ExpireSweep()
	if err != nil {
		t.Fatalf("second ExpireSweep error = %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep expired = %d, want 0", n)
	}
}

func TestApproveAfterExpiry(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.pending(t, "prop-1")

	h.manager.SetClock(func() time.Time { return now.Add(100 * time.Hour) })
	if _, err := h.manager.ExpireSweep(); err != nil {
		t.Fatalf("ExpireSweep error = %v", err)
	}

	res, err := h.manager.Approve("prop-1", "slack", "", "")
	if err != nil {
		t.Fatalf("Approve after expiry error = %v, want nil", err)
	}
	if !res.AlreadyResolved || res.Status != types.StatusExpired {
		t.Fatalf("resolution = %+v, want already-expired", res)
	}
	if got := res.Describe(); got != "already expired" {
		t.Fatalf("Describe() = %q", got)
	}

	cfg, _ := h.store.GetActive("agent-1")
	if cfg.Version != 1 {
		t.Fatal("expired proposal must not touch the configuration")
	}
}

func TestApproveUnknownProposal(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Approve("ghost", "slack", "", "")
	if !errors.Is(err, types.ErrProposalNotFound) {
		t.Fatalf("Approve error = %v, want ErrProposalNotFound", err)
	}
}

// conflictingStore wraps the real store and forces a configurable number of
// optimistic-concurrency failures on ApplyChange.
type conflictingStore struct {
	*store.SoulStore
	mu       sync.Mutex
	failures int
}

func (c *conflictingStore) ApplyChange(agentID string, mutator func(*types.Configuration) error, causingProposalID string) (int64, error) {
	c.mu.Lock()
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return 0, types.ErrConcurrentModification
	}
	return c.SoulStore.ApplyChange(agentID, mutator, causingProposalID)
}

func TestApproveRetriesConcurrentModification(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	cs := &conflictingStore{SoulStore: h.store, failures: 2}
	mgr := NewManager(cs, h.tracker, config.DefaultConfig())

	res, err := mgr.Approve("prop-1", "slack", "", "")
	if err != nil {
		t.Fatalf("Approve error = %v, want success after retries", err)
	}
	if res.Status != types.StatusApplied {
		t.Fatalf("status = %s, want applied", res.Status)
	}
}

func TestApproveApplyFailedLeavesApproved(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	cs := &conflictingStore{SoulStore: h.store, failures: 10}
	mgr := NewManager(cs, h.tracker, config.DefaultConfig())

	res, err := mgr.Approve("prop-1", "slack", "", "")
	if !errors.Is(err, types.ErrApplyFailed) {
		t.Fatalf("Approve error = %v, want ErrApplyFailed", err)
	}
	if res == nil || res.Status != types.StatusApproved {
		t.Fatalf("resolution = %+v, want approved (not applied)", res)
	}

	p, _ := h.store.GetProposal("prop-1")
	if p.Status != types.StatusApproved {
		t.Fatalf("stored status = %s, want approved", p.Status)
	}

	// The approval itself is terminal for calibration even though the apply
	// has not landed.
	events, _ := h.store.ListCalibrationEvents("agent-1", 10)
	if len(events) != 1 || events[0].Outcome != types.OutcomeApproved {
		t.Fatalf("calibration events = %v, want one approved", events)
	}
}

func TestReconcileAndRetryApply(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	cs := &conflictingStore{SoulStore: h.store, failures: 10}
	mgr := NewManager(cs, h.tracker, config.DefaultConfig())
	if _, err := mgr.Approve("prop-1", "slack", "", ""); !errors.Is(err, types.ErrApplyFailed) {
		t.Fatalf("setup Approve error = %v, want ErrApplyFailed", err)
	}

	// Within the grace window the stuck proposal is not yet surfaced.
	stuck, err := h.manager.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile error = %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("stuck = %d within grace window, want 0", len(stuck))
	}

	// After the grace window it is.
	h.manager.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	stuck, err = h.manager.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile error = %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "prop-1" {
		t.Fatalf("stuck = %v, want prop-1", stuck)
	}

	res, err := h.manager.RetryApply("prop-1")
	if err != nil {
		t.Fatalf("RetryApply error = %v", err)
	}
	if res.Status != types.StatusApplied || res.NewVersion != 2 {
		t.Fatalf("retry resolution = %+v", res)
	}

	cfg, _ := h.store.GetActive("agent-1")
	if cfg.Fields["tone"] != "friendly but concise" {
		t.Fatal("retry did not apply the change")
	}
}

func TestRetryApplyRejectsNonApproved(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	if _, err := h.manager.RetryApply("prop-1"); err == nil {
		t.Fatal("RetryApply on a pending proposal should fail")
	}
}

func TestRemoveChangeKindDeletesField(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	p := &types.Proposal{
		ID:           "prop-rm",
		AgentID:      "agent-1",
		Status:       types.StatusPending,
		TargetField:  "greeting",
		ChangeKind:   types.ChangeRemove,
		CurrentValue: "hello",
		Reason:       "greeting duplicated in tone guidance",
		Confidence:   types.ConfidenceHigh,
		TriggerType:  types.TriggerReflection,
		CreatedAt:    now,
		ExpiresAt:    now.Add(72 * time.Hour),
	}
	if err := h.store.CreateProposal(p); err != nil {
		t.Fatalf("CreateProposal error = %v", err)
	}

	if _, err := h.manager.Approve("prop-rm", "cli", "", ""); err != nil {
		t.Fatalf("Approve error = %v", err)
	}

	cfg, _ := h.store.GetActive("agent-1")
	if _, ok := cfg.Fields["greeting"]; ok {
		t.Fatal("greeting should be removed")
	}
}

func TestAddFAQAppends(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	mk := func(id, value string) *types.Proposal {
		return &types.Proposal{
			ID:            id,
			AgentID:       "agent-1",
			Status:        types.StatusPending,
			TargetField:   "faq",
			ChangeKind:    types.ChangeAddFAQ,
			ProposedValue: value,
			Reason:        "recurring question",
			Confidence:    types.ConfidenceHigh,
			TriggerType:   types.TriggerLiveInteraction,
			CreatedAt:     now,
			ExpiresAt:     now.Add(72 * time.Hour),
		}
	}

	for _, p := range []*types.Proposal{mk("faq-1", "Q: hours? A: 9-5"), mk("faq-2", "Q: refunds? A: within 30 days")} {
		if err := h.store.CreateProposal(p); err != nil {
			t.Fatalf("CreateProposal error = %v", err)
		}
		if _, err := h.manager.Approve(p.ID, "cli", "", ""); err != nil {
			t.Fatalf("Approve error = %v", err)
		}
	}

	cfg, _ := h.store.GetActive("agent-1")
	want := "Q: hours? A: 9-5\nQ: refunds? A: within 30 days"
	if cfg.Fields["faq"] != want {
		t.Fatalf("faq = %q, want %q", cfg.Fields["faq"], want)
	}
}

func TestProtectedFieldRefusedAtApply(t *testing.T) {
	// A field can become protected between admission and approval; the apply
	// mutator re-checks.
	h := newHarness(t)
	now := time.Now().UTC()
	p := &types.Proposal{
		ID:            "prop-prot",
		AgentID:       "agent-1",
		Status:        types.StatusPending,
		TargetField:   "safety_boundaries",
		ChangeKind:    types.ChangeModify,
		ProposedValue: "anything goes",
		Reason:        "none",
		Confidence:    types.ConfidenceHigh,
		TriggerType:   types.TriggerReflection,
		CreatedAt:     now,
		ExpiresAt:     now.Add(72 * time.Hour),
	}
	if err := h.store.CreateProposal(p); err != nil {
		t.Fatalf("CreateProposal error = %v", err)
	}

	_, err := h.manager.Approve("prop-prot", "cli", "", "")
	if !errors.Is(err, types.ErrApplyFailed) {
		t.Fatalf("Approve error = %v, want ErrApplyFailed", err)
	}

	cfg, _ := h.store.GetActive("agent-1")
	if cfg.Version != 1 {
		t.Fatal("protected field must never be written")
	}
}

func TestDoubleApproveReturnsOriginalMetadata(t *testing.T) {
	h := newHarness(t)
	h.pending(t, "prop-1")

	first, err := h.manager.Approve("prop-1", "slack", "tok-a", "")
	if err != nil {
		t.Fatalf("first Approve error = %v", err)
	}

	second, err := h.manager.Approve("prop-1", "email", "tok-b", "")
	if err != nil {
		t.Fatalf("second Approve error = %v, want no-op", err)
	}
	if !second.AlreadyResolved {
		t.Fatal("second approve must report AlreadyResolved")
	}
	if second.Status != types.StatusApplied {
		t.Fatalf("second status = %s, want applied", second.Status)
	}
	if second.ResolvedVia != first.ResolvedVia {
		t.Fatalf("second via = %q, want the original %q", second.ResolvedVia, first.ResolvedVia)
	}
	if !second.ResolvedAt.Equal(first.ResolvedAt) && second.ResolvedAt.Sub(first.ResolvedAt) > time.Second {
		t.Fatalf("second resolvedAt = %v, want the original %v", second.ResolvedAt, first.ResolvedAt)
	}

	// Configuration advanced exactly once.
	cfg, _ := h.store.GetActive("agent-1")
	if cfg.Version != 2 {
		t.Fatalf("version = %d, want 2 (single apply)", cfg.Version)
	}
}
