package background

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ghost/internal/llm"
	"ghost/internal/profile"
)

type fakeCompleter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func TestRenderTranscript_SkipsToolMessagesAndTruncatesLongContent(t *testing.T) {
	t.Parallel()

	msgs := []llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "tool", Content: "should not appear"},
		{Role: "assistant", Content: strings.Repeat("x", 600)},
	}
	out := renderTranscript(msgs)

	require.Contains(t, out, "[user] hello")
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "...")
}

func TestRenderTranscript_KeepsOnlyLastThirtyMessages(t *testing.T) {
	t.Parallel()

	msgs := make([]llm.Message, 40)
	for i := range msgs {
		msgs[i] = llm.Message{Role: "user", Content: fmt.Sprintf("msg%d", i)}
	}
	out := renderTranscript(msgs)

	require.NotContains(t, out, "[user] msg0\n", "messages before the trailing window must be dropped")
	require.Contains(t, out, "[user] msg39\n")
}

func TestRunPostMortem_AppendsLessonWhenWorkerIdentifiesOne(t *testing.T) {
	t.Parallel()

	pb, err := profile.OpenPlaybook(filepath.Join(t.TempDir(), "playbook.json"))
	require.NoError(t, err)

	worker := &fakeCompleter{response: `{"situation": "used wrong flag", "lesson": "always pass --json"}`}
	c := NewCoordinator(worker, nil, nil, nil, pb)

	c.runPostMortem([]llm.Message{{Role: "user", Content: "do the thing"}}, nil)

	lessons := pb.Recent(10)
	require.Len(t, lessons, 1)
	require.Equal(t, "always pass --json", lessons[0].Lesson)
}

func TestRunPostMortem_EmptyLessonIsNotPersisted(t *testing.T) {
	t.Parallel()

	pb, err := profile.OpenPlaybook(filepath.Join(t.TempDir(), "playbook.json"))
	require.NoError(t, err)

	worker := &fakeCompleter{response: `{"situation": "", "lesson": ""}`}
	c := NewCoordinator(worker, nil, nil, nil, pb)

	c.runPostMortem([]llm.Message{{Role: "user", Content: "fine run"}}, nil)

	require.Empty(t, pb.Recent(10))
}

func TestRunPostMortem_MalformedJSONIsIgnoredWithoutPanic(t *testing.T) {
	t.Parallel()

	pb, err := profile.OpenPlaybook(filepath.Join(t.TempDir(), "playbook.json"))
	require.NoError(t, err)

	worker := &fakeCompleter{response: "not json at all"}
	c := NewCoordinator(worker, nil, nil, nil, pb)

	require.NotPanics(t, func() {
		c.runPostMortem([]llm.Message{{Role: "user", Content: "hi"}}, nil)
	})
	require.Empty(t, pb.Recent(10))
}

func TestDispatchPostMortem_NoopWhenWorkerOrPlaybookMissing(t *testing.T) {
	t.Parallel()

	pb, err := profile.OpenPlaybook(filepath.Join(t.TempDir(), "playbook.json"))
	require.NoError(t, err)

	withoutWorker := NewCoordinator(nil, nil, nil, nil, pb)
	withoutWorker.DispatchPostMortem(nil, nil)

	withoutPlaybook := NewCoordinator(&fakeCompleter{}, nil, nil, nil, nil)
	withoutPlaybook.DispatchPostMortem(nil, nil)
}

func TestNewSwarmDispatcher_NonPositiveQueueSizeDefaultsToSixtyFour(t *testing.T) {
	t.Parallel()

	d := NewSwarmDispatcher([]string{"localhost:9092"}, "swarm", 0)
	require.Equal(t, 64, cap(d.queue))
}

func TestSwarmDispatcher_DelegateDropsOldestWhenQueueFull(t *testing.T) {
	t.Parallel()

	d := NewSwarmDispatcher([]string{"localhost:9092"}, "swarm", 2)
	d.Delegate(SwarmJob{CorrelationID: "1"})
	d.Delegate(SwarmJob{CorrelationID: "2"})
	d.Delegate(SwarmJob{CorrelationID: "3"})

	first := <-d.queue
	second := <-d.queue
	require.Equal(t, "2", first.CorrelationID, "the oldest queued job must be dropped to make room")
	require.Equal(t, "3", second.CorrelationID)
}
