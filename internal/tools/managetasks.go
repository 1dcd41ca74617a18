package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"ghost/internal/tasktree"
)

// ManageTasksTool lets the model directly inspect or patch the current
// request's task tree outside the planner's tree_update channel, e.g. to
// mark a subtask DONE after a tool confirms its completion. Constructed
// fresh per request, since a Tree is per-request state.
type ManageTasksTool struct {
	tree *tasktree.Tree
}

// NewManageTasksTool builds a ManageTasksTool bound to the request's tree.
func NewManageTasksTool(tree *tasktree.Tree) *ManageTasksTool {
	return &ManageTasksTool{tree: tree}
}

func (t *ManageTasksTool) Name() string        { return "manage_tasks" }
func (t *ManageTasksTool) Mutating() bool      { return true }
func (t *ManageTasksTool) UsageCap() int       { return 0 }
func (t *ManageTasksTool) Description() string {
	return "Inspect or update the status of a node in the current task tree."
}

func (t *ManageTasksTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"render", "set_status"}},
			"id":        map[string]any{"type": "string"},
			"status":    map[string]any{"type": "string"},
		},
		"required": []string{"operation"},
	}
}

func (t *ManageTasksTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Operation string `json:"operation"`
		ID        string `json:"id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	switch args.Operation {
	case "render":
		return t.tree.Render(), nil
	case "set_status":
		if args.ID == "" || args.Status == "" {
			return "", fmt.Errorf("id and status are required for set_status")
		}
		t.tree.SetStatus(args.ID, tasktree.Status(args.Status))
		return fmt.Sprintf("%s -> %s", args.ID, t.tree.Status(args.ID)), nil
	default:
		return "", fmt.Errorf("unknown operation %q", args.Operation)
	}
}
