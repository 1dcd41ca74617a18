package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ResearchAnswerer is an upstream worker-class call used to synthesize
// search results into an answer. Implemented by the reasoning package.
type ResearchAnswerer interface {
	Synthesize(ctx context.Context, question, corpus string) (string, error)
}

// DeepResearchTool chains a web search with a worker-class synthesis call
// to produce a sourced answer, for multi-hop questions a single search
// doesn't resolve. It fetches and cleans the top few result pages rather
// than synthesizing off search-snippet text alone.
type DeepResearchTool struct {
	search     *WebSearchTool
	synthesize ResearchAnswerer
	fetcher    *pageFetcher
}

// NewDeepResearchTool builds a DeepResearchTool over an existing
// WebSearchTool and a synthesis backend.
func NewDeepResearchTool(search *WebSearchTool, synthesize ResearchAnswerer) *DeepResearchTool {
	return &DeepResearchTool{search: search, synthesize: synthesize, fetcher: newPageFetcher()}
}

const deepResearchPageFetchLimit = 3

// buildResearchCorpus runs a search and fetches full article text for the
// top few hits, falling back to the search snippet for any page that fails
// to fetch or clean. Shared by deep_research and fact_check.
func buildResearchCorpus(ctx context.Context, search *WebSearchTool, fetcher *pageFetcher, query string) (string, error) {
	hits, err := search.search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("underlying search failed: %w", err)
	}
	var sb strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&sb, "## Source %d: %s (%s)\n\n", i+1, hit.Title, hit.URL)
		if i < deepResearchPageFetchLimit {
			if md, ferr := fetcher.fetchMarkdown(ctx, hit.URL); ferr == nil && strings.TrimSpace(md) != "" {
				sb.WriteString(md)
				sb.WriteString("\n\n")
				continue
			}
		}
		sb.WriteString(hit.Content)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

func (t *DeepResearchTool) Name() string        { return "deep_research" }
func (t *DeepResearchTool) Mutating() bool      { return false }
func (t *DeepResearchTool) UsageCap() int       { return 10 }
func (t *DeepResearchTool) Description() string {
	return "Run a multi-source web investigation and synthesize a sourced answer."
}

func (t *DeepResearchTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"question": map[string]any{"type": "string"}},
		"required":   []string{"question"},
	}
}

func (t *DeepResearchTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	corpus, err := buildResearchCorpus(ctx, t.search, t.fetcher, args.Question)
	if err != nil {
		return "", err
	}
	if t.synthesize == nil {
		return corpus, nil
	}
	answer, err := t.synthesize.Synthesize(ctx, args.Question, corpus)
	if err != nil {
		return corpus, nil // fall back to raw corpus rather than failing the call
	}
	return strings.TrimSpace(answer), nil
}

// FactCheckTool verifies a claim against a fresh web search and a
// worker-class judgment call.
type FactCheckTool struct {
	search  *WebSearchTool
	verdict ResearchAnswerer
	fetcher *pageFetcher
}

// NewFactCheckTool builds a FactCheckTool.
func NewFactCheckTool(search *WebSearchTool, verdict ResearchAnswerer) *FactCheckTool {
	return &FactCheckTool{search: search, verdict: verdict, fetcher: newPageFetcher()}
}

func (t *FactCheckTool) Name() string        { return "fact_check" }
func (t *FactCheckTool) Mutating() bool      { return false }
func (t *FactCheckTool) UsageCap() int       { return 10 }
func (t *FactCheckTool) Description() string { return "Check a factual claim against current web sources." }

func (t *FactCheckTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"claim": map[string]any{"type": "string"}},
		"required":   []string{"claim"},
	}
}

func (t *FactCheckTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Claim string `json:"claim"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	corpus, err := buildResearchCorpus(ctx, t.search, t.fetcher, args.Claim)
	if err != nil {
		return "", err
	}
	if t.verdict == nil {
		return corpus, nil
	}
	out, err := t.verdict.Synthesize(ctx, "Is this claim true, false, or unverifiable: "+args.Claim, corpus)
	if err != nil {
		return corpus, nil
	}
	return strings.TrimSpace(out), nil
}
