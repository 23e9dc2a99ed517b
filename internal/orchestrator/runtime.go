package orchestrator

import (
	"context"
	"errors"

	"github.com/lilo-dev/lilo/internal/agent"
)

// AgentRuntime adapts the agent runtime CLI driver to Runtime.
type AgentRuntime struct {
	runtime *agent.Runtime
}

// NewAgentRuntime wraps runtime.
func NewAgentRuntime(runtime *agent.Runtime) (*AgentRuntime, error) {
	if runtime == nil {
		return nil, errors.New("agent runtime is required")
	}
	return &AgentRuntime{runtime: runtime}, nil
}

// Start launches a runtime session for prompt.
func (a *AgentRuntime) Start(ctx context.Context, opts agent.Options, prompt string) (Session, error) {
	stream, err := a.runtime.Query(ctx, opts, prompt)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
