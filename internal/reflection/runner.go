// Package reflection drives the drift-detection step: an external producer
// (an LLM analysis job, consumed opaque) drafts candidate configuration
// changes from recent interaction outcomes, and the runner pushes each draft
// through the admission gate, dispatching whatever survives.
package reflection

import (
	"context"
	"time"

	"soulkeeper/internal/gate"
	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"
)

// Producer is the external analysis collaborator. Implementations inspect the
// trailing window of interactions for an agent and emit zero or more drafts.
type Producer interface {
	DraftProposals(ctx context.Context, agentID string, window time.Duration) ([]types.ProposalDraft, error)
}

// Notifier delivers an admitted proposal to the human's channels.
type Notifier interface {
	Dispatch(ctx context.Context, p *types.Proposal) error
}

// Runner wires the producer to the gate and the gate to notification.
type Runner struct {
	producer Producer
	gate     *gate.Gate
	notifier Notifier
	sim      gate.SimilarityFunc
	window   time.Duration
}

// NewRunner creates a Runner. sim may be nil to use the gate's default.
func NewRunner(producer Producer, g *gate.Gate, notifier Notifier, sim gate.SimilarityFunc, window time.Duration) *Runner {
	return &Runner{
		producer: producer,
		gate:     g,
		notifier: notifier,
		sim:      sim,
		window:   window,
	}
}

// Result summarizes one reflection run.
type Result struct {
	Drafted    int
	Admitted   int
	Refused    int
	Dispatched int
}

// Run executes one reflection cycle for an agent. Gate refusals are expected
// and recovered locally; the producer never sees them as errors.
func (r *Runner) Run(ctx context.Context, agentID string) (Result, error) {
	timer := logging.StartTimer(logging.CategoryReflection, "Run")
	defer timer.Stop()

	var result Result

	drafts, err := r.producer.DraftProposals(ctx, agentID, r.window)
	if err != nil {
		return result, err
	}
	result.Drafted = len(drafts)

	var admitted []*types.Proposal
	for _, draft := range drafts {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		proposal, rejection, err := r.gate.Admit(draft, r.sim)
		if err != nil {
			logging.Get(logging.CategoryReflection).Error("Admission error for agent %s: %v", agentID, err)
			continue
		}
		if rejection != nil {
			result.Refused++
			continue
		}
		result.Admitted++
		admitted = append(admitted, proposal)
	}

	// Channel I/O starts only after the whole batch is admitted and persisted,
	// so a slow channel cannot delay admission of the remaining drafts.
	if r.notifier != nil {
		for _, proposal := range admitted {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if err := r.notifier.Dispatch(ctx, proposal); err != nil {
				// Partial delivery already logged channel by channel.
				logging.Get(logging.CategoryNotify).Warn("Dispatch incomplete for %s: %v", proposal.ID, err)
				continue
			}
			result.Dispatched++
		}
	}

	logging.Reflection("Agent %s: %d drafted, %d admitted, %d refused", agentID, result.Drafted, result.Admitted, result.Refused)
	return result, nil
}
