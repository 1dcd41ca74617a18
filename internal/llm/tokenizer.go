package llm

import "context"

// Tokenizer provides accurate token counting when a BPE-style tokenizer is
// available. Callers fall back to EstimateTokens on error or when nil.
type Tokenizer interface {
	CountTokens(ctx context.Context, text string) (int, error)
	CountMessagesTokens(ctx context.Context, msgs []Message) (int, error)
}

// EstimateTokens is the heuristic fallback: characters/3. The runtime's
// default models tokenize dense multilingual and code content, so this
// system budgets more conservatively than a chars/4 rule of thumb.
func EstimateTokens(s string) int {
	n := len(s) / 3
	if n < 1 && len(s) > 0 {
		n = 1
	}
	return n
}

// EstimateTokensForMessages sums EstimateTokens over message content plus a
// small per-message formatting overhead.
func EstimateTokensForMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(string(tc.Args)) + 4
		}
	}
	return total
}

// ContextSize returns the known context window for a model label, if any.
func ContextSize(model string) (tokens int, known bool) {
	switch {
	case model == "":
		return 0, false
	default:
		for _, c := range contextSizes {
			if c.matches(model) {
				return c.tokens, true
			}
		}
	}
	return 0, false
}

type contextSizeEntry struct {
	prefix string
	tokens int
}

func (c contextSizeEntry) matches(model string) bool {
	if len(model) < len(c.prefix) {
		return false
	}
	return model[:len(c.prefix)] == c.prefix
}

var contextSizes = []contextSizeEntry{
	{"gpt-4o", 128_000},
	{"gpt-4.1", 1_000_000},
	{"gpt-5", 400_000},
	{"o1", 200_000},
	{"o3", 200_000},
	{"claude-3", 200_000},
	{"claude-opus-4", 200_000},
	{"claude-sonnet-4", 200_000},
	{"gemini-1.5", 1_000_000},
	{"gemini-2", 1_000_000},
}
