package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ghost/internal/profile"
)

// Completer runs a single free-form upstream worker-class call. Implemented
// by the reasoning package's router glue.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LearnSkillTool distills a successful multi-turn solution into a reusable
// lesson appended to the playbook, so future requests in a similar
// situation start from the pattern rather than rediscovering it.
type LearnSkillTool struct {
	playbook  *profile.Playbook
	completer Completer
}

// NewLearnSkillTool builds a LearnSkillTool.
func NewLearnSkillTool(playbook *profile.Playbook, completer Completer) *LearnSkillTool {
	return &LearnSkillTool{playbook: playbook, completer: completer}
}

func (t *LearnSkillTool) Name() string        { return "learn_skill" }
func (t *LearnSkillTool) Mutating() bool      { return true }
func (t *LearnSkillTool) UsageCap() int       { return 0 }
func (t *LearnSkillTool) Description() string {
	return "Record a reusable lesson from how a task was just solved."
}

func (t *LearnSkillTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"situation": map[string]any{"type": "string"},
			"lesson":    map[string]any{"type": "string"},
		},
		"required": []string{"situation", "lesson"},
	}
}

func (t *LearnSkillTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Situation string `json:"situation"`
		Lesson    string `json:"lesson"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if err := t.playbook.Add(args.Situation, args.Lesson); err != nil {
		return "", fmt.Errorf("persist lesson: %w", err)
	}
	return "lesson recorded", nil
}

// ReplanTool asks the worker-class model (via Completer) for a revised plan
// as a short numbered list when the current one has gone stale (e.g. after
// a persistent execute failure streak). It returns that list as text; the
// request's task tree is not modified.
type ReplanTool struct {
	completer Completer
}

// NewReplanTool builds a ReplanTool.
func NewReplanTool(completer Completer) *ReplanTool {
	return &ReplanTool{completer: completer}
}

func (t *ReplanTool) Name() string        { return "replan" }
func (t *ReplanTool) Mutating() bool      { return true }
func (t *ReplanTool) UsageCap() int       { return 5 }
func (t *ReplanTool) Description() string { return "Discard the current plan and propose a fresh one." }

func (t *ReplanTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"reason": map[string]any{"type": "string"}},
		"required":   []string{"reason"},
	}
}

func (t *ReplanTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	out, err := t.completer.Complete(ctx, "The current plan failed because: "+args.Reason+". Propose a revised plan as a short numbered list.")
	if err != nil {
		return "", fmt.Errorf("replan failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// DreamModeTool runs a low-stakes exploratory worker-class call that free
// associates around the current task context, surfacing ideas the main
// reasoning turn wouldn't naturally reach. Idle-time enrichment, not part
// of the critical path.
type DreamModeTool struct {
	completer Completer
}

// NewDreamModeTool builds a DreamModeTool.
func NewDreamModeTool(completer Completer) *DreamModeTool {
	return &DreamModeTool{completer: completer}
}

func (t *DreamModeTool) Name() string        { return "dream_mode" }
func (t *DreamModeTool) Mutating() bool      { return false }
func (t *DreamModeTool) UsageCap() int       { return 3 }
func (t *DreamModeTool) Description() string {
	return "Freely explore tangential ideas related to the current topic."
}

func (t *DreamModeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"topic": map[string]any{"type": "string"}},
		"required":   []string{"topic"},
	}
}

func (t *DreamModeTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	out, err := t.completer.Complete(ctx, "Brainstorm tangential, speculative ideas related to: "+args.Topic)
	if err != nil {
		return "", fmt.Errorf("dream_mode failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// SelfPlayTool runs a self-critique round: the model argues both sides of
// its own proposed answer before committing to it, catching weak
// reasoning the single responder pass would otherwise miss.
type SelfPlayTool struct {
	completer Completer
}

// NewSelfPlayTool builds a SelfPlayTool.
func NewSelfPlayTool(completer Completer) *SelfPlayTool {
	return &SelfPlayTool{completer: completer}
}

func (t *SelfPlayTool) Name() string        { return "self_play" }
func (t *SelfPlayTool) Mutating() bool      { return false }
func (t *SelfPlayTool) UsageCap() int       { return 5 }
func (t *SelfPlayTool) Description() string {
	return "Argue both sides of a proposed answer before committing to it."
}

func (t *SelfPlayTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"claim": map[string]any{"type": "string"}},
		"required":   []string{"claim"},
	}
}

func (t *SelfPlayTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Claim string `json:"claim"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	out, err := t.completer.Complete(ctx, "Argue for, then against, then give a final verdict on this claim: "+args.Claim)
	if err != nil {
		return "", fmt.Errorf("self_play failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}
