package reflection

import (
	"context"

	"soulkeeper/internal/logging"
)

// AgentLister enumerates the agents with a live configuration.
type AgentLister interface {
	ListAgents() ([]string, error)
}

// Service runs one reflection cycle across every known agent. It is what the
// scheduler's reflection ticker drives.
type Service struct {
	runner *Runner
	agents AgentLister
}

// NewService creates a Service.
func NewService(runner *Runner, agents AgentLister) *Service {
	return &Service{runner: runner, agents: agents}
}

// RunAll runs the reflection cycle for every agent. Per-agent failures are
// logged and skipped so one broken agent cannot starve the rest.
func (s *Service) RunAll(ctx context.Context) error {
	agents, err := s.agents.ListAgents()
	if err != nil {
		return err
	}

	for _, agentID := range agents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.runner.Run(ctx, agentID); err != nil {
			logging.Get(logging.CategoryReflection).Error("Reflection failed for agent %s: %v", agentID, err)
		}
	}
	return nil
}
