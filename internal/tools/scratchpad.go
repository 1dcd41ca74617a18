package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"ghost/internal/memory"
)

// ScratchpadTool lets the model leave itself (or a delegated swarm worker)
// a short-lived note keyed by name, read back across requests via get.
type ScratchpadTool struct {
	kv *memory.ScratchKV
}

// NewScratchpadTool builds a ScratchpadTool over kv.
func NewScratchpadTool(kv *memory.ScratchKV) *ScratchpadTool {
	return &ScratchpadTool{kv: kv}
}

func (t *ScratchpadTool) Name() string        { return "scratchpad" }
func (t *ScratchpadTool) Mutating() bool      { return true }
func (t *ScratchpadTool) UsageCap() int       { return 0 }
func (t *ScratchpadTool) Description() string {
	return "Read or write a short-lived note shared across requests and swarm workers."
}

func (t *ScratchpadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"get", "set", "delete"}},
			"key":       map[string]any{"type": "string"},
			"value":     map[string]any{"type": "string"},
		},
		"required": []string{"operation", "key"},
	}
}

func (t *ScratchpadTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Operation string `json:"operation"`
		Key       string `json:"key"`
		Value     string `json:"value"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	switch args.Operation {
	case "get":
		v, ok := t.kv.Get(ctx, args.Key)
		if !ok {
			return "no note found", nil
		}
		return v, nil
	case "set":
		if err := t.kv.Set(ctx, args.Key, args.Value); err != nil {
			return "", fmt.Errorf("set note: %w", err)
		}
		return "saved", nil
	case "delete":
		if err := t.kv.Delete(ctx, args.Key); err != nil {
			return "", fmt.Errorf("delete note: %w", err)
		}
		return "deleted", nil
	default:
		return "", fmt.Errorf("unknown operation %q", args.Operation)
	}
}
