package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ghost/internal/llm"
	"ghost/internal/router"
	"ghost/internal/tasktree"
)

// plannerOutput is the planner's per-turn JSON response.
type plannerOutput struct {
	Thought      string          `json:"thought"`
	TreeUpdate   json.RawMessage `json:"tree_update"`
	NextActionID string          `json:"next_action_id"`
	RequiredTool string          `json:"required_tool"`
}

const plannerSystemPrompt = `You are the planning module of an autonomous agent. Given the conversation and the current plan, decide the single next action. Respond with JSON only: {"thought": string, "tree_update": {"id": string, "description"?: string, "status"?: string, "children"?: [string]} or a list of such objects, "next_action_id": string, "required_tool": string}. Use next_action_id="none" and required_tool="none" when the agent should answer in natural language with no tool call. Task status must be one of PENDING, READY, IN_PROGRESS, DONE, FAILED, BLOCKED.`

// runPlanner calls the planner-class model with a transcript summary and
// the current plan, merges the resulting tree_update, and returns the
// parsed output. Malformed planner JSON is swallowed per spec §7: the
// caller injects a "proceed to tool use" hint rather than failing the turn.
func runPlanner(ctx context.Context, r *router.Router, transcript []llm.Message, tree *tasktree.Tree, turn int) (plannerOutput, error) {
	summary := summarizeTranscript(transcript)
	anchor := fmt.Sprintf("Temporal Anchor: turn %d, time %s", turn, time.Now().Format(time.RFC3339))
	user := fmt.Sprintf("%s\n\nConversation summary:\n%s\n\nCurrent plan:\n%s", anchor, summary, tree.Render())

	msgs := []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: user},
	}
	resp, err := r.Chat(ctx, router.ClassPlanner, "", msgs, nil, llm.ChatOptions{
		Temperature:    0,
		TopP:           0.1,
		JSONObjectMode: true,
		MaxTokens:      plannerMaxTokens,
	})
	if err != nil {
		return plannerOutput{}, fmt.Errorf("planner call: %w", err)
	}

	var out plannerOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &out); err != nil {
		return plannerOutput{}, fmt.Errorf("planner: malformed json: %w", err)
	}
	if len(out.TreeUpdate) > 0 {
		if err := tree.Merge(out.TreeUpdate); err != nil {
			return out, fmt.Errorf("planner: merge failed: %w", err)
		}
	}
	return out, nil
}

// summarizeTranscript renders the last few turns compactly for the
// planner's prompt, which otherwise never sees the full working history.
func summarizeTranscript(msgs []llm.Message) string {
	const maxLines = 20
	start := 0
	if len(msgs) > maxLines {
		start = len(msgs) - maxLines
	}
	var sb strings.Builder
	for _, m := range msgs[start:] {
		content := m.Content
		if len(content) > 300 {
			content = content[:300] + "..."
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, content)
	}
	return sb.String()
}
