package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ghost/internal/llm"
)

func msg(role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

func TestRollingWindow_AlwaysKeepsSystemMessages(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		msg("system", "you are ghost"),
		msg("user", strings.Repeat("a", 3000)),
		msg("assistant", strings.Repeat("b", 3000)),
		msg("user", "latest"),
	}
	out := RollingWindow(msgs, 50)

	require.Equal(t, "system", out[0].Role)
	require.Equal(t, "you are ghost", out[0].Content)
}

func TestRollingWindow_KeepsNewestWhenOverBudget(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		msg("user", "oldest message here"),
		msg("assistant", "middle message here"),
		msg("user", "newest"),
	}
	out := RollingWindow(msgs, 5)

	require.Equal(t, "newest", out[len(out)-1].Content)
}

func TestRollingWindow_PreservesChronologicalOrder(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		msg("system", "sys"),
		msg("user", "one"),
		msg("assistant", "two"),
		msg("user", "three"),
	}
	out := RollingWindow(msgs, 10000)

	var roles []string
	for _, m := range out {
		roles = append(roles, m.Content)
	}
	require.Equal(t, []string{"sys", "one", "two", "three"}, roles)
}

func TestRollingWindow_NonPositiveBudgetReturnsInput(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{msg("user", "hi")}
	require.Equal(t, msgs, RollingWindow(msgs, 0))
}

func TestPrune_AlwaysKeepsLastUserMessage(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		msg("system", "sys"),
		msg("user", strings.Repeat("x", 9000)),
		msg("assistant", strings.Repeat("y", 9000)),
		msg("user", "final question"),
	}
	out := Prune(msgs, 100)

	last := out[len(out)-1]
	require.Equal(t, "user", last.Role)
	require.Equal(t, "final question", last.Content)
}

func TestPrune_OutputIsChronological(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		msg("system", "sys"),
		msg("user", "a"),
		msg("assistant", "b"),
		msg("user", "c"),
		msg("assistant", "d"),
		msg("user", "e"),
	}
	out := Prune(msgs, 10000)

	var contents []string
	for _, m := range out {
		contents = append(contents, m.Content)
	}
	for i := 1; i < len(contents); i++ {
		require.Less(t, indexOf(msgs, contents[i-1]), indexOf(msgs, contents[i]),
			"pruned output must preserve relative order")
	}
}

func indexOf(msgs []llm.Message, content string) int {
	for i, m := range msgs {
		if m.Content == content {
			return i
		}
	}
	return -1
}

func TestEmergencyPrune_KeepsSystemLastUserAndOneTool(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		msg("system", "sys"),
		msg("user", "first"),
		msg("tool", "old tool output"),
		msg("assistant", "reply"),
		msg("tool", "newest tool output"),
		msg("user", "second"),
	}
	out := EmergencyPrune(msgs)

	require.Len(t, out, 3)
	require.Equal(t, "system", out[0].Role)
	require.Equal(t, "user", out[1].Role)
	require.Equal(t, "second", out[1].Content)
	require.Equal(t, "tool", out[2].Role)
	require.Equal(t, "newest tool output", out[2].Content)
}

func TestEmergencyPrune_TruncatesOversizedToolOutput(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("z", 2000)
	msgs := []llm.Message{msg("tool", big)}
	out := EmergencyPrune(msgs)

	require.Len(t, out, 1)
	require.LessOrEqual(t, len(out[0].Content), 1000+len("\n[TRUNCATED FOR CONTEXT RECOVERY]"))
	require.Contains(t, out[0].Content, "[TRUNCATED FOR CONTEXT RECOVERY]")
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (f fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return f.summary, f.err
}

func TestShrinkToolOutput_PassesThroughSmallText(t *testing.T) {
	t.Parallel()

	text := "short output"
	require.Equal(t, text, ShrinkToolOutput(context.Background(), text, nil))
}

func TestShrinkToolOutput_UsesSummarizerWhenOverThreshold(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("a", shrinkThreshold+1)
	out := ShrinkToolOutput(context.Background(), big, fakeSummarizer{summary: "gist of it"})

	require.Equal(t, condensedMarker+": gist of it", out)
}

func TestShrinkToolOutput_AlreadyCondensedIsUntouched(t *testing.T) {
	t.Parallel()

	text := condensedMarker + ": already done"
	require.Equal(t, text, ShrinkToolOutput(context.Background(), text, fakeSummarizer{summary: "should not be used"}))
}

func TestShrinkToolOutput_FallsBackToTruncationOnSummarizerError(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("a", hardTruncate+1)
	out := ShrinkToolOutput(context.Background(), big, fakeSummarizer{err: errors.New("upstream down")})

	require.Contains(t, out, "[TRUNCATED]")
	require.Less(t, len(out), len(big))
}

func TestShrinkToolOutput_NoSummarizerAndUnderHardTruncateReturnsAsIs(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", shrinkThreshold+1)
	require.Equal(t, text, ShrinkToolOutput(context.Background(), text, nil))
}

func TestScrub_RemovesToolCallAndResponseBlocks(t *testing.T) {
	t.Parallel()

	text := "Hello <tool_call>{\"name\":\"x\"}</tool_call> world <tool_response>ok</tool_response> done"
	out := Scrub(text)

	require.NotContains(t, out, "tool_call")
	require.NotContains(t, out, "tool_response")
	require.Contains(t, out, "Hello")
	require.Contains(t, out, "done")
}

func TestScrub_RemovesTaskTreeRenderLines(t *testing.T) {
	t.Parallel()

	text := "Answer:\n  - [DONE] root: finished\nThanks"
	out := Scrub(text)

	require.NotContains(t, out, "[DONE]")
}

func TestScrub_IsIdempotent(t *testing.T) {
	t.Parallel()

	text := "PLAN: do a thing\n<tool_call>{}</tool_call>\n\n\n\nActual answer."
	once := Scrub(text)
	twice := Scrub(once)

	require.Equal(t, once, twice)
}

func TestSyntaxHeal_NoMatchReturnsOriginal(t *testing.T) {
	t.Parallel()

	content := "just a normal reply"
	cleaned, recovered := SyntaxHeal(content)

	require.Equal(t, content, cleaned)
	require.Nil(t, recovered)
}

func TestSyntaxHeal_ExtractsInlineToolCallJSON(t *testing.T) {
	t.Parallel()

	content := `Let me check. <tool_call>{"name": "web_search", "arguments": {"query": "go"}}</tool_call>`
	cleaned, recovered := SyntaxHeal(content)

	require.Equal(t, "Let me check.", cleaned)
	require.Len(t, recovered, 1)
	require.Equal(t, "web_search", recovered[0].Name)
	require.JSONEq(t, `{"query": "go"}`, string(recovered[0].Args))
}

func TestSyntaxHeal_MissingNameIsDroppedNotPromoted(t *testing.T) {
	t.Parallel()

	content := `<tool_call>{"arguments": {"query": "go"}}</tool_call>`
	cleaned, recovered := SyntaxHeal(content)

	require.Equal(t, "", cleaned)
	require.Nil(t, recovered, "a blob with no name has nothing for the dispatcher to look up")
}

func TestSyntaxHeal_MissingArgumentsDefaultsToEmptyObject(t *testing.T) {
	t.Parallel()

	content := `<tool_call>{"name": "system_utility"}</tool_call>`
	_, recovered := SyntaxHeal(content)

	require.Len(t, recovered, 1)
	require.Equal(t, "system_utility", recovered[0].Name)
	require.JSONEq(t, `{}`, string(recovered[0].Args))
}
