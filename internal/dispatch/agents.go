package dispatch

import (
	"context"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// AgentResolver resolves the agent configuration used for a chat turn.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, tenantID, agentID string) (models.AgentConfig, error)
}

// StaticAgents resolves agents from a fixed set, typically loaded from config.
type StaticAgents struct {
	agents    map[string]models.AgentConfig
	defaultID string
}

// NewStaticAgents creates a resolver. An empty agentID resolves to defaultID,
// or to the only agent when exactly one is configured.
func NewStaticAgents(agents []models.AgentConfig, defaultID string) *StaticAgents {
	s := &StaticAgents{agents: make(map[string]models.AgentConfig, len(agents)), defaultID: defaultID}
	for _, agent := range agents {
		s.agents[agent.ID] = agent
	}
	if s.defaultID == "" && len(agents) == 1 {
		s.defaultID = agents[0].ID
	}
	return s
}

func (s *StaticAgents) ResolveAgent(ctx context.Context, tenantID, agentID string) (models.AgentConfig, error) {
	if agentID == "" {
		agentID = s.defaultID
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return models.AgentConfig{}, errdefs.NotFoundf("agent %q", agentID)
	}
	return agent, nil
}
