package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ghost/internal/memory"
)

// Embedder turns text into the vector representation the long-term memory
// store indexes against. Implemented by the router's embeddings call path.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeBaseTool lets the model write durable facts into long-term
// memory outside the Smart Memory background extraction path (e.g. the
// user explicitly asks "remember that...").
type KnowledgeBaseTool struct {
	store    *memory.VectorStore
	embedder Embedder
}

// NewKnowledgeBaseTool builds a KnowledgeBaseTool.
func NewKnowledgeBaseTool(store *memory.VectorStore, embedder Embedder) *KnowledgeBaseTool {
	return &KnowledgeBaseTool{store: store, embedder: embedder}
}

func (t *KnowledgeBaseTool) Name() string        { return "knowledge_base" }
func (t *KnowledgeBaseTool) Mutating() bool      { return true }
func (t *KnowledgeBaseTool) UsageCap() int       { return 0 }
func (t *KnowledgeBaseTool) Description() string {
	return "Store a durable fact in long-term memory."
}

func (t *KnowledgeBaseTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fact": map[string]any{"type": "string"},
			"type": map[string]any{"type": "string"},
		},
		"required": []string{"fact"},
	}
}

func (t *KnowledgeBaseTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Fact string `json:"fact"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if strings.TrimSpace(args.Fact) == "" {
		return "", fmt.Errorf("fact is required")
	}
	vec, err := t.embedder.Embed(ctx, args.Fact)
	if err != nil {
		return "", fmt.Errorf("embed fact: %w", err)
	}
	id := fmt.Sprintf("kb-%d", time.Now().UnixNano())
	if err := t.store.Insert(ctx, id, vec, args.Fact, args.Type, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("store fact: %w", err)
	}
	return fmt.Sprintf("stored fact %s", id), nil
}

// RecallTool retrieves the k nearest long-term facts to a query.
type RecallTool struct {
	store    *memory.VectorStore
	embedder Embedder
}

// NewRecallTool builds a RecallTool.
func NewRecallTool(store *memory.VectorStore, embedder Embedder) *RecallTool {
	return &RecallTool{store: store, embedder: embedder}
}

func (t *RecallTool) Name() string        { return "recall" }
func (t *RecallTool) Mutating() bool      { return false }
func (t *RecallTool) UsageCap() int       { return 0 }
func (t *RecallTool) Description() string { return "Search long-term memory for facts relevant to a query." }

func (t *RecallTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"k":     map[string]any{"type": "integer"},
		},
		"required": []string{"query"},
	}
}

func (t *RecallTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	vec, err := t.embedder.Embed(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	facts, err := t.store.Search(ctx, vec, args.K)
	if err != nil {
		return "", fmt.Errorf("search memory: %w", err)
	}
	if len(facts) == 0 {
		return "No relevant memories found.", nil
	}
	var sb strings.Builder
	for i, f := range facts {
		fmt.Fprintf(&sb, "%d. (%.2f) %s\n", i+1, f.Score, f.Text)
	}
	return sb.String(), nil
}
