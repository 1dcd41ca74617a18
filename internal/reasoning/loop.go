package reasoning

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"ghost/internal/contextmgr"
	"ghost/internal/llm"
	"ghost/internal/memory"
	"ghost/internal/observability"
	"ghost/internal/profile"
	"ghost/internal/router"
	"ghost/internal/sandbox"
	"ghost/internal/tasktree"
	"ghost/internal/tools"
)

const baseTemperature = 0.3

// BackgroundDispatcher receives fire-and-forget work spawned at the end of
// a request: Smart Memory fact extraction and post-mortem lesson capture.
// Implemented by the background package; kept as an interface here so
// reasoning never imports background directly (background already depends
// on llm/memory/profile, and the dependency should run one direction).
type BackgroundDispatcher interface {
	DispatchSmartMemory(transcript []llm.Message)
	DispatchPostMortem(transcript []llm.Message, treeJSON []byte)
}

// Loop is the Reasoning Loop: planner/responder/tool alternation per
// request, governed by the termination, redundancy, failure, and budget
// rules of the runtime's core design.
type Loop struct {
	Router         *router.Router
	BaseTools      *tools.Registry
	Glue           *RouterGlue
	Profile        *profile.Store
	Playbook       *profile.Playbook
	Memory         *memory.VectorStore
	Sandbox        *sandbox.Guard
	Background     BackgroundDispatcher
	PlanningEnabled bool

	admission *semaphore.Weighted
}

// NewLoop builds a Loop with the spec's global admission cap of 10
// concurrent requests.
func NewLoop() *Loop {
	return &Loop{admission: semaphore.NewWeighted(10), PlanningEnabled: true}
}

// Run executes a non-streaming request end to end.
func (l *Loop) Run(ctx context.Context, req Request) (Response, error) {
	final, err := l.execute(ctx, req, nil)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: req.RequestID, Created: time.Now().Unix(), Content: final}, nil
}

// RunStream executes a request, forwarding content deltas to sink as they
// arrive on the final natural-language turn.
func (l *Loop) RunStream(ctx context.Context, req Request, sink StreamSink) error {
	final, err := l.execute(ctx, req, sink)
	if err != nil {
		return err
	}
	sink.OnDone(final)
	return nil
}

func (l *Loop) acquireAdmission(ctx context.Context) error {
	if l.admission == nil {
		return nil
	}
	if err := l.admission.Acquire(ctx, 1); err != nil {
		return &router.Error{Kind: router.ErrorUpstreamUnavailable, Err: fmt.Errorf("admission: %w", err)}
	}
	return nil
}

func (l *Loop) releaseAdmission() {
	if l.admission != nil {
		l.admission.Release(1)
	}
}

type streamHandler struct {
	onDelta func(string)
}

func (h *streamHandler) OnDelta(content string)    { h.onDelta(content) }
func (h *streamHandler) OnToolCall(tc llm.ToolCall) {}

// execute runs the full turn loop and returns the scrubbed final content.
func (l *Loop) execute(ctx context.Context, req Request, sink StreamSink) (string, error) {
	if err := l.acquireAdmission(ctx); err != nil {
		return "", err
	}
	defer l.releaseAdmission()

	ctx, cancel := context.WithTimeout(ctx, requestDeadline)
	defer cancel()
	log := observability.LoggerWithTrace(ctx)

	working := intake(req.Messages)
	working = ensureSystemPrefix(working, l.Profile)
	lastUser := lastUserContent(working)
	intent := ClassifyIntent(lastUser)

	tree := tasktree.New()
	reqTools := l.BaseTools.Clone()
	reqTools.Register(tools.NewManageTasksTool(tree))

	dispatcher := tools.NewDispatcher(reqTools)
	dispatcher.Summarizer = l.Glue
	dispatcher.Critic = l.Glue.Critic
	dispatcher.TaskContext = lastUser
	state := tools.NewRunState()

	planningEnabled := l.PlanningEnabled && !intent.IsConversational

	temperature := baseTemperature
	if intent.IsConversational && temperature < 0.7 {
		temperature = 0.7
	}
	lastWasFailure := false
	executionFailureCount := 0
	forceStop := false
	emergencyPruneUsed := false
	var final string
	var sandboxListing string

	for turn := 0; turn < maxTurns; turn++ {
		plan := plannerOutput{NextActionID: "none", RequiredTool: "none"}
		if planningEnabled {
			out, err := runPlanner(ctx, l.Router, working, tree, turn)
			if err != nil {
				log.Warn().Err(err).Int("turn", turn).Msg("planner_failed_proceeding_with_tools")
				working = append(working, llm.Message{Role: "user", Content: "(planner unavailable) proceed directly to tool use if one is needed, otherwise answer."})
				plan = plannerOutput{}
			} else {
				plan = out
			}
			if turn == 0 && tree.RootDone() {
				forceStop = true
			}
		}

		schemas := selectSchemas(reqTools, plan)

		if l.Sandbox != nil && intent.HasCodingIntent && (sandboxListing == "" || state.SandboxListingDirty()) {
			sandboxListing = listSandboxRoot(l.Sandbox)
			state.ResetSandboxListingDirty()
		}

		inj := transientInjection{
			intent:          intent,
			planRender:      tree.Render(),
			playbookLessons: recentLessons(l.Playbook),
			memoryContext:   l.fetchMemoryContext(ctx, lastUser),
			sandboxListing:  sandboxListing,
			turnNumber:      turn,
			now:             time.Now(),
		}
		callMsgs := withTrailingInjection(working, inj)
		opts := llm.ChatOptions{Temperature: temperature, MaxTokens: 2048}
		if len(schemas) == 1 {
			opts.ToolChoice = schemas[0].Name
		}

		if req.Stream && sink != nil && len(schemas) == 0 {
			var buf strings.Builder
			handler := &streamHandler{onDelta: func(c string) {
				buf.WriteString(c)
				sink.OnDelta(c)
			}}
			if err := l.Router.Stream(ctx, router.ClassMain, req.Model, callMsgs, nil, opts, handler); err != nil {
				return "", fmt.Errorf("stream responder call: %w", err)
			}
			final = buf.String()
			working = append(working, llm.Message{Role: "assistant", Content: final})
			break
		}

		assistantMsg, err := l.Router.Chat(ctx, router.ClassMain, req.Model, callMsgs, schemas, opts)
		if err != nil {
			var rerr *router.Error
			if ok := asRouterError(err, &rerr); ok && rerr.Kind == router.ErrorContextOverflow && !emergencyPruneUsed {
				emergencyPruneUsed = true
				working = contextmgr.EmergencyPrune(working)
				log.Warn().Msg("context_overflow_emergency_prune")
				continue
			}
			return "", fmt.Errorf("responder call: %w", err)
		}

		if len(assistantMsg.ToolCalls) == 0 {
			cleaned, recovered := contextmgr.SyntaxHeal(assistantMsg.Content)
			if len(recovered) > 0 {
				assistantMsg.Content = cleaned
				assistantMsg.ToolCalls = assignCallIDs(recovered)
			}
		}

		working = append(working, assistantMsg)

		if len(assistantMsg.ToolCalls) == 0 {
			final = assistantMsg.Content
			break
		}

		invocations := make([]tools.Invocation, len(assistantMsg.ToolCalls))
		for i, tc := range assistantMsg.ToolCalls {
			invocations[i] = tools.Invocation{ID: tc.ID, Name: tc.Name, Args: tc.Args}
		}
		results, stop := dispatcher.RunAll(ctx, invocations, state)
		sort.Slice(results, func(i, j int) bool { return callOrder(invocations, results[i].ID) < callOrder(invocations, results[j].ID) })

		anyFailed := false
		for _, res := range results {
			working = append(working, llm.Message{Role: "tool", Content: res.Content, ToolID: res.ID, Name: res.Name})
			if res.Err != nil {
				anyFailed = true
			}
		}
		if stop {
			forceStop = true
			working = append(working, llm.Message{Role: "user", Content: "Loop Breaker: a tool usage limit was hit. Stop using tools and explain the situation to the user."})
		}

		if anyFailed {
			lastWasFailure = true
			executionFailureCount++
			temperature = escalateTemperature(temperature, executionFailureCount)
			working = append(working, llm.Message{Role: "user", Content: "One or more tool calls failed. Diagnose the failure from the tool output above before trying again."})
		} else {
			lastWasFailure = false
		}
		_ = lastWasFailure

		if forceStop {
			break
		}
	}

	if final == "" {
		final = synthesizeFallback(working)
	}
	final = contextmgr.Scrub(final)

	if !req.BackgroundTasksDisabled && l.Background != nil {
		l.Background.DispatchSmartMemory(working)
		if executionFailureCount > 0 || len(working) > 6 {
			treeJSON, _ := tree.ToJSON()
			l.Background.DispatchPostMortem(working, treeJSON)
		}
	}

	return final, nil
}

func intake(msgs []llm.Message) []llm.Message {
	capped := msgs
	if len(capped) > maxHistoryMessages {
		sysPrefix := 0
		for sysPrefix < len(capped) && capped[sysPrefix].Role == "system" {
			sysPrefix++
		}
		keep := maxHistoryMessages - sysPrefix
		if keep < 0 {
			keep = 0
		}
		tail := capped[sysPrefix:]
		if len(tail) > keep {
			tail = tail[len(tail)-keep:]
		}
		capped = append(append([]llm.Message{}, capped[:sysPrefix]...), tail...)
	}
	out := make([]llm.Message, len(capped))
	for i, m := range capped {
		m.Content = strings.ReplaceAll(m.Content, "\r", "")
		out[i] = m
	}
	return out
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func selectSchemas(reg *tools.Registry, plan plannerOutput) []llm.ToolSchema {
	if plan.RequiredTool == "none" || plan.NextActionID == "none" {
		return nil
	}
	if plan.RequiredTool != "" {
		if t := reg.Get(plan.RequiredTool); t != nil {
			return []llm.ToolSchema{{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}}
		}
	}
	return reg.Schemas()
}

func recentLessons(pb *profile.Playbook) []profile.Lesson {
	if pb == nil {
		return nil
	}
	return pb.Recent(5)
}

func (l *Loop) fetchMemoryContext(ctx context.Context, query string) string {
	if l.Memory == nil || l.Glue == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	vec, err := l.Glue.Embed(ctx, query)
	if err != nil {
		return ""
	}
	facts, err := l.Memory.Search(ctx, vec, 3)
	if err != nil || len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- %s\n", f.Text)
	}
	return sb.String()
}

func listSandboxRoot(guard *sandbox.Guard) string {
	entries, err := os.ReadDir(guard.Root())
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			sb.WriteString(e.Name() + "/\n")
		} else {
			sb.WriteString(e.Name() + "\n")
		}
	}
	return sb.String()
}

func escalateTemperature(current float64, failureCount int) float64 {
	switch failureCount {
	case 1:
		return maxFloat(current, 0.40)
	case 2:
		return maxFloat(current, 0.60)
	default:
		next := current + 0.1
		if next > 0.80 {
			next = 0.80
		}
		return next
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func assignCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("healed-%d", i)
		}
	}
	return calls
}

func callOrder(invocations []tools.Invocation, id string) int {
	for i, inv := range invocations {
		if inv.ID == id {
			return i
		}
	}
	return len(invocations)
}

// synthesizeFallback builds a final answer from the last tool output when
// the model's own turn produced no natural-language content (spec §4.5.6).
func synthesizeFallback(working []llm.Message) string {
	for i := len(working) - 1; i >= 0; i-- {
		if working[i].Role == "tool" && strings.TrimSpace(working[i].Content) != "" {
			return "Here is the result of the last operation:\n\n" + working[i].Content
		}
	}
	return "I was unable to produce a response."
}

func asRouterError(err error, target **router.Error) bool {
	for err != nil {
		if rerr, ok := err.(*router.Error); ok {
			*target = rerr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
