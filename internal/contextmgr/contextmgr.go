// Package contextmgr keeps the conversation transcript fed to the upstream
// model within its context window: a pure rolling-window trim, an
// emergency-prune path for context-overflow recovery, tool-output
// condensation, and transcript scrubbing before a response reaches the user.
package contextmgr

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"ghost/internal/llm"
)

const safetyBufferTokens = 500

// RollingWindow returns the largest suffix of msgs (all system messages
// always kept, newest-to-oldest non-system tail filled in) that fits within
// maxTokens. It never reorders messages (P2: output is monotonic in the
// input's relative order).
func RollingWindow(msgs []llm.Message, maxTokens int) []llm.Message {
	if maxTokens <= 0 {
		return msgs
	}
	var system []llm.Message
	var rest []llm.Message
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	budget := maxTokens - llm.EstimateTokensForMessages(system)
	kept := make([]llm.Message, 0, len(rest))
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := llm.EstimateTokens(rest[i].Content)
		if used+cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, rest[i])
		used += cost
	}
	// kept was built newest-first; reverse to chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	out := make([]llm.Message, 0, len(system)+len(kept))
	out = append(out, system...)
	out = append(out, kept...)
	return out
}

// Prune is the planned-reduction path run proactively before a call when the
// transcript is approaching budget: keep every system message, the last user
// message, a 500-token safety buffer, then fill the remainder with the most
// recent non-system/non-last-user messages, re-sorted chronologically (P1).
func Prune(msgs []llm.Message, maxTokens int) []llm.Message {
	if maxTokens <= 0 {
		return msgs
	}
	lastUserIdx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}

	var system []llm.Message
	var lastUser *llm.Message
	var fillCandidates []llm.Message
	for i, m := range msgs {
		switch {
		case m.Role == "system":
			system = append(system, m)
		case i == lastUserIdx:
			mm := m
			lastUser = &mm
		default:
			fillCandidates = append(fillCandidates, m)
		}
	}

	budget := maxTokens - safetyBufferTokens - llm.EstimateTokensForMessages(system)
	if lastUser != nil {
		budget -= llm.EstimateTokens(lastUser.Content)
	}

	var fill []llm.Message
	used := 0
	for i := len(fillCandidates) - 1; i >= 0; i-- {
		cost := llm.EstimateTokens(fillCandidates[i].Content)
		if used+cost > budget {
			continue
		}
		fill = append(fill, fillCandidates[i])
		used += cost
	}
	for i, j := 0, len(fill)-1; i < j; i, j = i+1, j-1 {
		fill[i], fill[j] = fill[j], fill[i]
	}

	// Re-sort chronologically: system prefix, then fill+lastUser interleaved
	// by their original relative order.
	ordered := make([]llm.Message, 0, len(fill)+1)
	ordered = append(ordered, fill...)
	if lastUser != nil {
		ordered = append(ordered, *lastUser)
	}
	sortByOriginalOrder(ordered, msgs)

	out := make([]llm.Message, 0, len(system)+len(ordered))
	out = append(out, system...)
	out = append(out, ordered...)
	return out
}

// sortByOriginalOrder stably reorders subset to match its relative order in
// full, using simple positional matching since messages aren't otherwise
// identified.
func sortByOriginalOrder(subset []llm.Message, full []llm.Message) {
	pos := make([]int, len(subset))
	used := make([]bool, len(full))
	for i, m := range subset {
		for j, fm := range full {
			if used[j] {
				continue
			}
			if fm.Role == m.Role && fm.Content == m.Content {
				pos[i] = j
				used[j] = true
				break
			}
		}
	}
	for i := 1; i < len(subset); i++ {
		for j := i; j > 0 && pos[j-1] > pos[j]; j-- {
			subset[j-1], subset[j] = subset[j], subset[j-1]
			pos[j-1], pos[j] = pos[j], pos[j-1]
		}
	}
}

// EmergencyPrune runs on a ContextOverflow response: keep system messages,
// the last user message, and at most one tool result truncated to 1000
// chars plus a truncation notice. The caller retries exactly once after
// calling this.
func EmergencyPrune(msgs []llm.Message) []llm.Message {
	var system []llm.Message
	var lastUser *llm.Message
	var lastTool *llm.Message
	for i := range msgs {
		m := msgs[i]
		switch m.Role {
		case "system":
			system = append(system, m)
		case "user":
			mm := m
			lastUser = &mm
		case "tool":
			mm := m
			lastTool = &mm
		}
	}
	out := append([]llm.Message{}, system...)
	if lastUser != nil {
		out = append(out, *lastUser)
	}
	if lastTool != nil {
		content := lastTool.Content
		if len(content) > 1000 {
			content = content[:1000] + "\n[TRUNCATED FOR CONTEXT RECOVERY]"
		}
		lt := *lastTool
		lt.Content = content
		out = append(out, lt)
	}
	return out
}

// Summarizer condenses oversized tool output via an upstream worker-class
// call; implemented by the reasoning package to avoid an import cycle.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

const (
	shrinkThreshold = 4000
	hardTruncate    = 30000
	truncateKeep    = 12000
)

var condensedMarker = "[EDGE CONDENSED]"

// ShrinkToolOutput condenses text over shrinkThreshold chars, unless it is
// already condensed. It prefers a worker-class summarization call; on
// failure (or no summarizer) text longer than hardTruncate chars is cut to
// its first and last truncateKeep chars around a marker, and shorter text
// is returned unchanged.
func ShrinkToolOutput(ctx context.Context, text string, summarizer Summarizer) string {
	if len(text) <= shrinkThreshold || strings.Contains(text, condensedMarker) {
		return text
	}
	if summarizer != nil {
		if summary, err := summarizer.Summarize(ctx, text); err == nil && strings.TrimSpace(summary) != "" {
			return condensedMarker + ": " + strings.TrimSpace(summary)
		}
	}
	if len(text) <= hardTruncate {
		return text
	}
	head := text[:truncateKeep]
	tail := text[len(text)-truncateKeep:]
	return head + "\n...[TRUNCATED]...\n" + tail
}

var (
	toolCallBlockRe   = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)
	toolRespBlockRe   = regexp.MustCompile(`(?s)<tool_response>.*?</tool_response>`)
	execBannerRe      = regexp.MustCompile(`(?m)^={3,}\s*EXECUTION.*$`)
	taskTreeRenderRe  = regexp.MustCompile(`(?m)^\s*-\s*\[(PENDING|READY|IN_PROGRESS|DONE|FAILED|BLOCKED)\].*$`)
	focusTaskHeaderRe = regexp.MustCompile(`(?m)^(FOCUS TASK:|PLAN:|THOUGHT:).*$`)
	trailingWSRe      = regexp.MustCompile(`[ \t]+\n`)
	multiBlankRe      = regexp.MustCompile(`\n{3,}`)
)

// Scrub strips internal scaffolding (tool-call/response XML blocks,
// execution banners, task-tree render lines, planner headers) from text
// before it reaches the user. Idempotent (P3): scrubbing an already-scrubbed
// string returns it unchanged.
func Scrub(text string) string {
	out := text
	out = toolCallBlockRe.ReplaceAllString(out, "")
	out = toolRespBlockRe.ReplaceAllString(out, "")
	out = execBannerRe.ReplaceAllString(out, "")
	out = taskTreeRenderRe.ReplaceAllString(out, "")
	out = focusTaskHeaderRe.ReplaceAllString(out, "")
	out = trailingWSRe.ReplaceAllString(out, "\n")
	out = multiBlankRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

var toolCallJSONRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// SyntaxHeal promotes a model's malformed inline <tool_call>{json}</tool_call>
// text block into a structured tool call when the caller's parsed tool-call
// list came back empty, recovering from models that narrate a call instead
// of emitting the provider's native tool-call format. The blob is expected
// to be {"name": ..., "arguments": {...}}; a match missing "name" is dropped
// rather than promoted, since the dispatcher has nothing to look up.
func SyntaxHeal(content string) (cleanedContent string, recovered []llm.ToolCall) {
	matches := toolCallJSONRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}
	for _, m := range matches {
		var parsed struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &parsed); err != nil || parsed.Name == "" {
			continue
		}
		args := parsed.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		recovered = append(recovered, llm.ToolCall{Name: parsed.Name, Args: args})
	}
	cleaned := toolCallJSONRe.ReplaceAllString(content, "")
	return strings.TrimSpace(cleaned), recovered
}
