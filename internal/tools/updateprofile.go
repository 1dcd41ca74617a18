package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"ghost/internal/profile"
)

// UpdateProfileTool lets the model persist a durable fact about the user or
// its own operating preferences directly, outside the Smart Memory
// background extraction path.
type UpdateProfileTool struct {
	store *profile.Store
}

// NewUpdateProfileTool builds an UpdateProfileTool over store.
func NewUpdateProfileTool(store *profile.Store) *UpdateProfileTool {
	return &UpdateProfileTool{store: store}
}

func (t *UpdateProfileTool) Name() string        { return "update_profile" }
func (t *UpdateProfileTool) Mutating() bool      { return true }
func (t *UpdateProfileTool) UsageCap() int       { return 0 }
func (t *UpdateProfileTool) Description() string { return "Persist a key/value fact to the user profile." }

func (t *UpdateProfileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":   map[string]any{"type": "string"},
			"value": map[string]any{"type": "string"},
		},
		"required": []string{"key", "value"},
	}
}

func (t *UpdateProfileTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if args.Key == "" {
		return "", fmt.Errorf("key is required")
	}
	if err := t.store.Set(args.Key, args.Value); err != nil {
		return "", fmt.Errorf("persist profile key: %w", err)
	}
	return fmt.Sprintf("profile.%s updated", args.Key), nil
}
