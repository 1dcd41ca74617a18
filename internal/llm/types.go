// Package llm defines the provider-agnostic chat message and tool-call
// shapes the rest of the runtime builds on, and the Provider interface each
// upstream backend adapter implements.
package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single function invocation the model asked for.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is one turn in a conversation. Role is one of
// "system" | "user" | "assistant" | "tool".
type Message struct {
	Role       string
	Content    string
	Name       string
	ToolID     string // set on role=="tool" messages; echoes the ToolCall.ID it answers
	ToolCalls  []ToolCall
}

// ToolSchema describes a tool the model may call, in OpenAI function-calling
// shape (name/description/JSON-schema parameters).
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental output from a streaming Chat call.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// Provider is the interface every upstream backend adapter (OpenAI,
// Anthropic, Gemini) implements. model is the resolved node model label,
// already rewritten by the router.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions, h StreamHandler) error
}

// Embedder is implemented by provider adapters that can produce text
// embeddings (currently only the OpenAI-compatible adapter). The router
// type-asserts a node's Provider against this interface and falls back to
// another node/class when a pool member doesn't support it.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// ChatOptions carries the per-call sampling/response-shape knobs the
// Reasoning Loop controls (temperature escalation, planner JSON mode, tool
// exposure narrowing).
type ChatOptions struct {
	Temperature    float64
	TopP           float64
	MaxTokens      int
	JSONObjectMode bool
	// ToolChoice, when non-empty, forces the model to call exactly this tool
	// (used when the planner emits a concrete required_tool).
	ToolChoice string
}
