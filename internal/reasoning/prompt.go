package reasoning

import (
	"fmt"
	"strings"
	"time"

	"ghost/internal/llm"
	"ghost/internal/profile"
)

const baseIdentityPrompt = `You are Ghost, an autonomous agent that reasons step by step, uses tools when they help, and gives direct, honest answers. You have access to a sandboxed filesystem, long-term memory, and a set of specialist tools. Prefer using a tool over guessing when a tool can verify the answer.`

// ensureSystemPrefix guarantees msgs[0] is a system message carrying the
// base identity prompt with the profile substituted in, without disturbing
// an existing caller-supplied system message beyond prepending to it.
func ensureSystemPrefix(msgs []llm.Message, prof *profile.Store) []llm.Message {
	identity := baseIdentityPrompt
	if prof != nil {
		if facts := prof.All(); len(facts) > 0 {
			identity += "\n\nKnown user profile:\n" + renderProfile(facts)
		}
	}
	if len(msgs) > 0 && msgs[0].Role == "system" {
		out := make([]llm.Message, len(msgs))
		copy(out, msgs)
		out[0].Content = identity + "\n\n" + out[0].Content
		return out
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: "system", Content: identity})
	out = append(out, msgs...)
	return out
}

func renderProfile(facts map[string]any) string {
	var sb strings.Builder
	for k, v := range facts {
		fmt.Fprintf(&sb, "- %s: %v\n", k, v)
	}
	return sb.String()
}

// transientInjection is the per-turn dynamic context block, appended as a
// trailing system message on every upstream call so the historical prefix
// stays KV-cache-stable.
type transientInjection struct {
	intent          Intent
	planRender      string
	playbookLessons []profile.Lesson
	memoryContext   string
	sandboxListing  string
	turnNumber      int
	now             time.Time
}

func (t transientInjection) render() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Temporal Anchor: turn %d, current time %s\n", t.turnNumber, t.now.Format(time.RFC3339)))

	switch {
	case t.intent.HasCodingIntent:
		sb.WriteString("Persona: coding specialist. Write correct, minimal code; run it via the execute tool before claiming it works.\n")
	case t.intent.HasDBAIntent:
		sb.WriteString("Persona: database specialist. Prefer read-only inspection via postgres_admin before proposing changes.\n")
	}

	if len(t.playbookLessons) > 0 {
		sb.WriteString("Lessons learned from past mistakes:\n")
		for _, l := range t.playbookLessons {
			fmt.Fprintf(&sb, "- [%s] %s -> %s\n", l.Timestamp.Format(time.RFC3339), l.Situation, l.Lesson)
		}
	}

	if t.memoryContext != "" {
		sb.WriteString("Relevant memory:\n")
		sb.WriteString(t.memoryContext)
		sb.WriteString("\n")
	}

	if t.planRender != "" {
		sb.WriteString("Current plan:\n")
		sb.WriteString(t.planRender)
	}

	if t.sandboxListing != "" {
		sb.WriteString("Sandbox directory listing:\n")
		sb.WriteString(t.sandboxListing)
		sb.WriteString("\n")
	}

	return sb.String()
}

// withTrailingInjection appends inj as a trailing system message for a
// single upstream call, leaving the caller's msgs slice untouched.
func withTrailingInjection(msgs []llm.Message, inj transientInjection) []llm.Message {
	out := make([]llm.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, llm.Message{Role: "system", Content: inj.render()})
}
