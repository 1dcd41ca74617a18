package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ghost/internal/llm"
	"ghost/internal/router"
	"ghost/internal/tools"
)

// RouterGlue adapts the Router's worker/vision pools to the narrow
// interfaces contextmgr and tools declare, so those packages never import
// router directly (avoiding an import cycle back into reasoning).
type RouterGlue struct {
	Router *router.Router
}

// Summarize condenses oversized tool output via the worker pool with a
// deterministic, low-temperature prompt.
func (g *RouterGlue) Summarize(ctx context.Context, text string) (string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "Summarize the following tool output in under 200 words, preserving any concrete values (numbers, file names, error messages) a follow-up step might need."},
		{Role: "user", Content: text},
	}
	out, err := g.Router.Chat(ctx, router.ClassWorker, "", msgs, nil, llm.ChatOptions{Temperature: 0.2, MaxTokens: 400})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out.Content, nil
}

// Synthesize answers a research question from a raw search corpus via the
// worker pool.
func (g *RouterGlue) Synthesize(ctx context.Context, question, corpus string) (string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "Answer the question using only the provided source material. Cite which source supports each claim. If the sources don't answer the question, say so plainly."},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nSources:\n%s", question, corpus)},
	}
	out, err := g.Router.Chat(ctx, router.ClassWorker, "", msgs, nil, llm.ChatOptions{Temperature: 0.2, MaxTokens: 800})
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return out.Content, nil
}

// Embed turns text into a vector via the worker pool's embeddings-capable
// node.
func (g *RouterGlue) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := g.Router.Embed(ctx, router.ClassWorker, "", text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vec, nil
}

// Complete runs a single free-form prompt through the worker pool, backing
// the introspection tools (learn_skill's counterpart reasoning, replan,
// dream_mode, self_play).
func (g *RouterGlue) Complete(ctx context.Context, prompt string) (string, error) {
	msgs := []llm.Message{{Role: "user", Content: prompt}}
	out, err := g.Router.Chat(ctx, router.ClassWorker, "", msgs, nil, llm.ChatOptions{Temperature: 0.7, MaxTokens: 800})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	return out.Content, nil
}

// Vision answers a question about an image via the vision pool.
func (g *RouterGlue) Vision(ctx context.Context, imageURL, question string) (string, error) {
	msgs := []llm.Message{
		{Role: "user", Content: fmt.Sprintf("Image: %s\n\nQuestion: %s", imageURL, question)},
	}
	out, err := g.Router.Chat(ctx, router.ClassVision, "", msgs, nil, llm.ChatOptions{Temperature: 0.2, MaxTokens: 600})
	if err != nil {
		return "", fmt.Errorf("vision: %w", err)
	}
	return out.Content, nil
}

type criticResponse struct {
	Approved    bool   `json:"approved"`
	RevisedCode string `json:"revised_code"`
	Critique    string `json:"critique"`
}

// Critic implements tools.CriticFunc (spec §4.8): a single deterministic
// upstream call with a JSON response format, APPROVED/REVISED verdict.
func (g *RouterGlue) Critic(ctx context.Context, code, taskContext string) (tools.CriticVerdict, error) {
	sys := `You review code a coding agent is about to execute. Respond with JSON: {"approved": bool, "revised_code": string, "critique": string}. Set approved=true and leave revised_code empty if the code is safe and likely correct. Set approved=false and fill revised_code with a corrected version if you find a bug; otherwise set approved=false, leave revised_code empty, and explain in critique why the code should not run.`
	user := fmt.Sprintf("Task context: %s\n\nCode:\n%s", taskContext, code)
	msgs := []llm.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}
	out, err := g.Router.Chat(ctx, router.ClassWorker, "", msgs, nil, llm.ChatOptions{Temperature: 0, JSONObjectMode: true, MaxTokens: 1024})
	if err != nil {
		return tools.CriticVerdict{}, fmt.Errorf("critic: %w", err)
	}
	var parsed criticResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Content)), &parsed); err != nil {
		return tools.CriticVerdict{}, fmt.Errorf("critic: malformed response: %w", err)
	}
	return tools.CriticVerdict{Approved: parsed.Approved, RevisedCode: parsed.RevisedCode, Critique: parsed.Critique}, nil
}
