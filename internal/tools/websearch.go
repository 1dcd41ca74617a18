package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearchTool queries a SearXNG instance and returns a condensed list of
// results for the model to read or follow up on with deep_research.
type WebSearchTool struct {
	http       *http.Client
	searxngURL string
}

// NewWebSearchTool builds a WebSearchTool against searxngURL.
func NewWebSearchTool(searxngURL string) *WebSearchTool {
	return &WebSearchTool{
		http:       &http.Client{Timeout: 15 * time.Second},
		searxngURL: strings.TrimSuffix(searxngURL, "/"),
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Mutating() bool      { return false }
func (t *WebSearchTool) UsageCap() int       { return 10 }
func (t *WebSearchTool) Description() string { return "Search the web and return a list of matching results." }

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	}
}

type searxHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searxResult struct {
	Results []searxHit `json:"results"`
}

func (t *WebSearchTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	hits, err := t.search(ctx, args.Query)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, r := range hits {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	if sb.Len() == 0 {
		return "No results found.", nil
	}
	return sb.String(), nil
}

// search runs the raw SearXNG query and returns up to 10 hits, used directly
// by deep_research and fact_check to fetch full pages rather than snippets.
func (t *WebSearchTool) search(ctx context.Context, query string) ([]searxHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	q := url.Values{"q": {query}, "format": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.searxngURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var parsed searxResult
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	if len(parsed.Results) > 10 {
		parsed.Results = parsed.Results[:10]
	}
	return parsed.Results, nil
}
