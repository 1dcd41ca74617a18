package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ghost/internal/background"
)

// DelegateToSwarmTool hands off a subtask to the background swarm worker
// pool and returns immediately with a correlation id. It only enqueues the
// job; nothing in this package writes the worker's result to the
// scratchpad or to long-term memory.
type DelegateToSwarmTool struct {
	dispatcher *background.SwarmDispatcher
}

// NewDelegateToSwarmTool builds a DelegateToSwarmTool over dispatcher.
func NewDelegateToSwarmTool(dispatcher *background.SwarmDispatcher) *DelegateToSwarmTool {
	return &DelegateToSwarmTool{dispatcher: dispatcher}
}

func (t *DelegateToSwarmTool) Name() string        { return "delegate_to_swarm" }
func (t *DelegateToSwarmTool) Mutating() bool      { return true }
func (t *DelegateToSwarmTool) UsageCap() int       { return 0 }
func (t *DelegateToSwarmTool) Description() string {
	return "Delegate a subtask to a background worker pool and return a tracking id immediately."
}

func (t *DelegateToSwarmTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"prompt": map[string]any{"type": "string"}},
		"required":   []string{"prompt"},
	}
}

func (t *DelegateToSwarmTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if args.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	id := uuid.NewString()
	t.dispatcher.Delegate(background.SwarmJob{CorrelationID: id, Prompt: args.Prompt})
	return fmt.Sprintf("delegated, correlation_id=%s", id), nil
}
