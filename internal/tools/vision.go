package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// VisionCaller runs one chat call against the vision-capable node pool.
// Implemented by the reasoning package's router glue; only registered as a
// tool when at least one vision node is configured.
type VisionCaller interface {
	Vision(ctx context.Context, imageURL, question string) (string, error)
}

// VisionAnalysisTool answers a question about an image by routing the call
// to a vision-capable upstream node. Registered conditionally: the core
// only advertises this tool when the vision pool has nodes configured.
type VisionAnalysisTool struct {
	caller VisionCaller
}

// NewVisionAnalysisTool builds a VisionAnalysisTool.
func NewVisionAnalysisTool(caller VisionCaller) *VisionAnalysisTool {
	return &VisionAnalysisTool{caller: caller}
}

func (t *VisionAnalysisTool) Name() string        { return "vision_analysis" }
func (t *VisionAnalysisTool) Mutating() bool      { return false }
func (t *VisionAnalysisTool) UsageCap() int       { return 10 }
func (t *VisionAnalysisTool) Description() string {
	return "Answer a question about an image given its URL."
}

func (t *VisionAnalysisTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"image_url": map[string]any{"type": "string"},
			"question":  map[string]any{"type": "string"},
		},
		"required": []string{"image_url", "question"},
	}
}

func (t *VisionAnalysisTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		ImageURL string `json:"image_url"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if args.ImageURL == "" {
		return "", fmt.Errorf("image_url is required")
	}
	out, err := t.caller.Vision(ctx, args.ImageURL, args.Question)
	if err != nil {
		return "", fmt.Errorf("vision_analysis failed: %w", err)
	}
	return out, nil
}
