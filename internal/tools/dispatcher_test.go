package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name      string
	mutating  bool
	usageCap  int
	output    string
	err       error
	callCount int
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "fake" }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Mutating() bool             { return f.mutating }
func (f *fakeTool) UsageCap() int              { return f.usageCap }
func (f *fakeTool) Run(ctx context.Context, args json.RawMessage) (string, error) {
	f.callCount++
	return f.output, f.err
}

func registryWith(tools ...Tool) *Registry {
	reg := NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return reg
}

func TestRunOne_UnknownToolReturnsArgError(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	res, stop := d.runOne(context.Background(), Invocation{ID: "1", Name: "ghost_tool", Args: json.RawMessage(`{}`)}, NewRunState())

	require.False(t, stop)
	var derr *DispatchError
	require.ErrorAs(t, res.Err, &derr)
	require.Equal(t, ErrorToolArg, derr.Kind)
}

func TestRunOne_InvalidJSONArgsRejected(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "echo", output: "ok"}
	d := NewDispatcher(registryWith(ft))
	res, stop := d.runOne(context.Background(), Invocation{ID: "1", Name: "echo", Args: json.RawMessage(`not json`)}, NewRunState())

	require.False(t, stop)
	require.Equal(t, 0, ft.callCount, "tool must never run with invalid arguments")
	var derr *DispatchError
	require.ErrorAs(t, res.Err, &derr)
	require.Equal(t, ErrorToolArg, derr.Kind)
}

func TestRunOne_SuccessfulCallShrinksAndReturnsContent(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "echo", output: "hello world"}
	d := NewDispatcher(registryWith(ft))
	res, stop := d.runOne(context.Background(), Invocation{ID: "1", Name: "echo", Args: json.RawMessage(`{}`)}, NewRunState())

	require.False(t, stop)
	require.NoError(t, res.Err)
	require.Equal(t, "hello world", res.Content)
}

func TestRunOne_ToolErrorWrapsAsExecKind(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "flaky", err: errors.New("boom")}
	d := NewDispatcher(registryWith(ft))
	res, _ := d.runOne(context.Background(), Invocation{ID: "1", Name: "flaky", Args: json.RawMessage(`{}`)}, NewRunState())

	var derr *DispatchError
	require.ErrorAs(t, res.Err, &derr)
	require.Equal(t, ErrorToolExec, derr.Kind)
	require.Contains(t, res.Content, "Error: boom")
}

func TestRunOne_MutatingToolClearsRedundancyAndDirtiesSandbox(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "write_file", mutating: true, output: "wrote"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()
	state.seenHashes["stale"] = 5

	_, _ = d.runOne(context.Background(), Invocation{ID: "1", Name: "write_file", Args: json.RawMessage(`{}`)}, state)

	require.Empty(t, state.seenHashes)
	require.True(t, state.SandboxListingDirty())
}

func TestRunOne_UsageCapBreachStopsTurnLoop(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "capped", usageCap: 1, output: "ok"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()

	_, stop1 := d.runOne(context.Background(), Invocation{ID: "1", Name: "capped", Args: json.RawMessage(`{}`)}, state)
	require.False(t, stop1)

	res2, stop2 := d.runOne(context.Background(), Invocation{ID: "2", Name: "capped", Args: json.RawMessage(`{}`)}, state)
	require.True(t, stop2)
	var derr *DispatchError
	require.ErrorAs(t, res2.Err, &derr)
	require.Equal(t, ErrorUsageCap, derr.Kind)
}

func TestRunOne_DefaultUsageCapAppliesWhenToolCapIsZero(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "unlisted_tool", output: "ok"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()

	for i := 0; i < defaultUsageCap; i++ {
		args := json.RawMessage(`{"n":` + strconv.Itoa(i) + `}`)
		_, stop := d.runOne(context.Background(), Invocation{ID: "x", Name: "unlisted_tool", Args: args}, state)
		require.False(t, stop)
	}
	_, stop := d.runOne(context.Background(), Invocation{ID: "over", Name: "unlisted_tool", Args: json.RawMessage(`{}`)}, state)
	require.True(t, stop)
}

func TestRunOne_IdenticalCallsAreBlockedAsRedundant(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "lookup", output: "same every time"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()

	args := json.RawMessage(`{"query":"golang"}`)
	_, stop1 := d.runOne(context.Background(), Invocation{ID: "1", Name: "lookup", Args: args}, state)
	require.False(t, stop1)

	res2, stop2 := d.runOne(context.Background(), Invocation{ID: "2", Name: "lookup", Args: args}, state)
	require.False(t, stop2)
	var derr *DispatchError
	require.ErrorAs(t, res2.Err, &derr)
	require.Equal(t, ErrorRedundancyBlocked, derr.Kind)
	require.Equal(t, 1, ft.callCount, "the blocked duplicate must never reach the tool")
}

func TestRunOne_RedundancyStrikeLimitStopsTurnLoop(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "lookup", output: "x"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()
	args := json.RawMessage(`{"q":"1"}`)

	_, stop := d.runOne(context.Background(), Invocation{ID: "original", Name: "lookup", Args: args}, state)
	require.False(t, stop, "the first, non-duplicate call is never a redundancy strike")

	for strike := 1; strike < maxRedundancyStrikes; strike++ {
		_, stop := d.runOne(context.Background(), Invocation{ID: "dup", Name: "lookup", Args: args}, state)
		require.False(t, stop, "strike %d must not yet reach the limit", strike)
	}

	_, stop = d.runOne(context.Background(), Invocation{ID: "dup-final", Name: "lookup", Args: args}, state)
	require.True(t, stop, "the strike that reaches maxRedundancyStrikes must force a stop")
}

func TestRunOne_MutatingToolsAreNeverFlaggedRedundant(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "write_file", mutating: true, output: "ok"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()
	args := json.RawMessage(`{"path":"a"}`)

	for i := 0; i < 5; i++ {
		_, stop := d.runOne(context.Background(), Invocation{ID: "x", Name: "write_file", Args: args}, state)
		require.False(t, stop)
	}
	require.Equal(t, 5, ft.callCount)
}

func TestRunOne_SystemUtilityExemptFromRedundancyCheck(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: systemUtilityName, output: "time now"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()
	args := json.RawMessage(`{"op":"time"}`)

	for i := 0; i < 5; i++ {
		_, stop := d.runOne(context.Background(), Invocation{ID: "x", Name: systemUtilityName, Args: args}, state)
		require.False(t, stop)
	}
	require.Equal(t, 5, ft.callCount)
}

func TestArgHash_IgnoresFieldOrder(t *testing.T) {
	t.Parallel()

	a := argHash("tool", json.RawMessage(`{"b":2,"a":1}`))
	b := argHash("tool", json.RawMessage(`{"a":1,"b":2}`))
	require.Equal(t, a, b)
}

func TestArgHash_DiffersByToolName(t *testing.T) {
	t.Parallel()

	a := argHash("tool_a", json.RawMessage(`{"x":1}`))
	b := argHash("tool_b", json.RawMessage(`{"x":1}`))
	require.NotEqual(t, a, b)
}

func TestClassifyExitCode_RunErrorAlwaysNonZero(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, classifyExitCode("anything", errors.New("fail")))
}

func TestClassifyExitCode_ExplicitMarkerWins(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2, classifyExitCode("stdout\nEXIT CODE: 2\n", nil))
}

func TestClassifyExitCode_HeuristicScanForErrorMarkers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, classifyExitCode("Traceback (most recent call last):", nil))
	require.Equal(t, 0, classifyExitCode("all good, no issues", nil))
}

func TestTrackExecutionFailure_StreakTriggersStop(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	state := NewRunState()

	require.False(t, d.trackExecutionFailure(state, true))
	require.False(t, d.trackExecutionFailure(state, true))
	require.True(t, d.trackExecutionFailure(state, true), "third consecutive failure must force a stop")
}

func TestTrackExecutionFailure_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	state := NewRunState()

	require.False(t, d.trackExecutionFailure(state, true))
	require.False(t, d.trackExecutionFailure(state, false))
	require.False(t, d.trackExecutionFailure(state, true))
	require.False(t, d.trackExecutionFailure(state, true))
}

func TestRunCriticGate_NoOpWhenCriticUnset(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	blocked, revised, msg := d.runCriticGate(context.Background(), Invocation{Args: json.RawMessage(`{"code":"line1\nline2"}`)}, NewRunState())
	require.False(t, blocked)
	require.Nil(t, revised)
	require.Empty(t, msg)
}

func TestRunCriticGate_ShortCodeSkipsCriticEntirely(t *testing.T) {
	t.Parallel()

	called := false
	d := NewDispatcher(NewRegistry())
	d.Critic = func(ctx context.Context, code, taskContext string) (CriticVerdict, error) {
		called = true
		return CriticVerdict{Approved: false}, nil
	}
	shortCode := `{"code":"print(1)"}`
	blocked, _, _ := d.runCriticGate(context.Background(), Invocation{Args: json.RawMessage(shortCode)}, NewRunState())

	require.False(t, blocked)
	require.False(t, called, "code under 10 newlines must never reach the critic")
}

func TestRunCriticGate_SkippedAfterPriorFailureThisRequest(t *testing.T) {
	t.Parallel()

	called := false
	d := NewDispatcher(NewRegistry())
	d.Critic = func(ctx context.Context, code, taskContext string) (CriticVerdict, error) {
		called = true
		return CriticVerdict{Approved: true}, nil
	}
	longCode, _ := json.Marshal(map[string]string{"code": "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\nl11"})
	state := NewRunState()
	state.anyFailureYet = true

	blocked, _, _ := d.runCriticGate(context.Background(), Invocation{Args: longCode}, state)
	require.False(t, blocked)
	require.False(t, called)
}

func TestRunCriticGate_BlockedVerdictWithoutRevisionStopsExecution(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	d.Critic = func(ctx context.Context, code, taskContext string) (CriticVerdict, error) {
		return CriticVerdict{Approved: false, Critique: "unsafe rm -rf"}, nil
	}
	longCode, _ := json.Marshal(map[string]string{"code": "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\nl11"})

	blocked, revised, msg := d.runCriticGate(context.Background(), Invocation{Args: longCode}, NewRunState())
	require.True(t, blocked)
	require.Nil(t, revised)
	require.Equal(t, "unsafe rm -rf", msg)
}

func TestRunCriticGate_RevisedCodeIsUnwrappedFromFenceAndSwapped(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	d.Critic = func(ctx context.Context, code, taskContext string) (CriticVerdict, error) {
		return CriticVerdict{Approved: false, RevisedCode: "```python\nprint('safe')\n```"}, nil
	}
	longCode, _ := json.Marshal(map[string]string{"code": "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\nl11"})

	blocked, revised, _ := d.runCriticGate(context.Background(), Invocation{Args: longCode}, NewRunState())
	require.False(t, blocked)
	require.NotNil(t, revised)

	var out map[string]string
	require.NoError(t, json.Unmarshal(revised, &out))
	require.Equal(t, "print('safe')", out["code"])
}

func TestRunCriticGate_FailsOpenOnCriticError(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry())
	d.Critic = func(ctx context.Context, code, taskContext string) (CriticVerdict, error) {
		return CriticVerdict{}, errors.New("critic backend down")
	}
	longCode, _ := json.Marshal(map[string]string{"code": "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\nl11"})

	blocked, revised, _ := d.runCriticGate(context.Background(), Invocation{Args: longCode}, NewRunState())
	require.False(t, blocked)
	require.Nil(t, revised)
}

func TestUnwrapFence_StripsLanguageTaggedFence(t *testing.T) {
	t.Parallel()

	require.Equal(t, "x := 1", unwrapFence("```go\nx := 1\n```"))
}

func TestUnwrapFence_PlainTextPassesThrough(t *testing.T) {
	t.Parallel()

	require.Equal(t, "x := 1", unwrapFence("x := 1"))
}

func TestRunAll_GathersAllResultsEvenWithFailures(t *testing.T) {
	t.Parallel()

	good := &fakeTool{name: "good", output: "ok"}
	bad := &fakeTool{name: "bad", err: errors.New("nope")}
	d := NewDispatcher(registryWith(good, bad))

	results, _ := d.RunAll(context.Background(), []Invocation{
		{ID: "1", Name: "good", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "bad", Args: json.RawMessage(`{}`)},
	}, NewRunState())

	require.Len(t, results, 2)
	require.Equal(t, "1", results[0].ID)
	require.NoError(t, results[0].Err)
	require.Equal(t, "2", results[1].ID)
	require.Error(t, results[1].Err)
}

func TestRunAll_ForceStopWhenAnyInvocationBreachesUsageCap(t *testing.T) {
	t.Parallel()

	ft := &fakeTool{name: "capped", usageCap: 1, output: "ok"}
	d := NewDispatcher(registryWith(ft))
	state := NewRunState()

	_, forceStop := d.RunAll(context.Background(), []Invocation{
		{ID: "1", Name: "capped", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "capped", Args: json.RawMessage(`{}`)},
	}, state)

	require.True(t, forceStop)
}
