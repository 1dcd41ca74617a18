package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ghost/internal/contextmgr"
)

// ErrorKind classifies a tool-dispatch failure per the runtime's error
// taxonomy (spec §7).
type ErrorKind int

const (
	ErrorToolArg ErrorKind = iota
	ErrorToolExec
	ErrorRedundancyBlocked
	ErrorUsageCap
)

// DispatchError wraps a tool failure with its taxonomy classification.
type DispatchError struct {
	Kind ErrorKind
	Err  error
}

func (e *DispatchError) Error() string { return e.Err.Error() }
func (e *DispatchError) Unwrap() error { return e.Err }

const defaultUsageCap = 10

var toolUsageCaps = map[string]int{
	"deep_research": 10,
	"web_search":    10,
	"execute":       20,
}

func usageCapFor(name string) int {
	if c, ok := toolUsageCaps[name]; ok {
		return c
	}
	return defaultUsageCap
}

const maxRedundancyStrikes = 3
const maxExecutionFailureStreak = 3

// Invocation is one model-requested tool call.
type Invocation struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is the outcome of running one Invocation.
type Result struct {
	ID       string
	Name     string
	Content  string
	Err      error
	ExitCode *int
}

// RunState tracks per-request dispatcher bookkeeping: usage counts,
// redundancy strikes, and the execute-tool failure streak. Callers create
// one fresh RunState per reasoning-loop request.
type RunState struct {
	mu               sync.Mutex
	usageCounts      map[string]int
	seenHashes       map[string]int
	redundancyStrike int
	failureStreak    int
	anyFailureYet    bool
	sandboxListDirty bool
}

// NewRunState returns an empty per-request dispatcher state.
func NewRunState() *RunState {
	return &RunState{usageCounts: make(map[string]int), seenHashes: make(map[string]int)}
}

// CriticVerdict is the Critic's judgment on an execute invocation's code
// body (spec §4.8).
type CriticVerdict struct {
	Approved     bool
	RevisedCode  string
	Critique     string
}

// CriticFunc evaluates an execute tool's proposed code before it runs.
// Implemented by the reasoning package to avoid an import cycle.
type CriticFunc func(ctx context.Context, code, taskContext string) (CriticVerdict, error)

// Dispatcher runs tool invocations against a Registry, rejecting arguments
// that are not valid JSON and enforcing usage caps, redundancy detection,
// and the pre-execution Critic gate for the execute tool.
type Dispatcher struct {
	Registry      *Registry
	Summarizer    contextmgr.Summarizer
	Critic        CriticFunc
	TaskContext   string
	MaxConcurrent int
}

// NewDispatcher builds a Dispatcher over reg.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{Registry: reg, MaxConcurrent: 8}
}

// RunAll executes every invocation concurrently and gathers all results,
// even when some invocations fail (the model always gets one tool-result
// message per call it made). forceStop reports whether a usage-cap or
// redundancy breach (or an execute failure streak) should end the turn
// loop after this batch.
func (d *Dispatcher) RunAll(ctx context.Context, invocations []Invocation, state *RunState) (results []Result, forceStop bool) {
	results = make([]Result, len(invocations))
	g, gctx := errgroup.WithContext(ctx)
	if d.MaxConcurrent > 0 {
		g.SetLimit(d.MaxConcurrent)
	}
	var stopMu sync.Mutex
	for i, inv := range invocations {
		i, inv := i, inv
		g.Go(func() error {
			res, stop := d.runOne(gctx, inv, state)
			results[i] = res
			if stop {
				stopMu.Lock()
				forceStop = true
				stopMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, forceStop
}

func (d *Dispatcher) runOne(ctx context.Context, inv Invocation, state *RunState) (Result, bool) {
	t := d.Registry.Get(inv.Name)
	if t == nil {
		return Result{ID: inv.ID, Name: inv.Name, Err: &DispatchError{Kind: ErrorToolArg, Err: fmt.Errorf("unknown tool %q", inv.Name)}}, false
	}

	if !json.Valid(inv.Args) || len(strings.TrimSpace(string(inv.Args))) == 0 {
		err := &DispatchError{Kind: ErrorToolArg, Err: fmt.Errorf("invalid JSON arguments for %s", inv.Name)}
		return Result{ID: inv.ID, Name: inv.Name, Content: fmt.Sprintf("Error: Invalid JSON arguments - %s", err.Err), Err: err}, false
	}

	capBreach, stopFromCap := d.checkUsageCap(t, state)
	if capBreach {
		err := &DispatchError{Kind: ErrorUsageCap, Err: fmt.Errorf("usage cap exceeded for %s", inv.Name)}
		return Result{ID: inv.ID, Name: inv.Name, Content: fmt.Sprintf("Error: usage cap exceeded for %s", inv.Name), Err: err}, stopFromCap
	}

	redundant, stopFromRedundancy := d.checkRedundancy(t, inv, state)
	if redundant {
		err := &DispatchError{Kind: ErrorRedundancyBlocked, Err: fmt.Errorf("redundant call to %s blocked", inv.Name)}
		return Result{ID: inv.ID, Name: inv.Name, Content: fmt.Sprintf("Error: repeated identical call to %s blocked", inv.Name), Err: err}, stopFromRedundancy
	}

	if inv.Name == "execute" {
		if blocked, revisedArgs, critiqueMsg := d.runCriticGate(ctx, inv, state); blocked {
			err := &DispatchError{Kind: ErrorToolExec, Err: fmt.Errorf("execute blocked by critic: %s", critiqueMsg)}
			return Result{ID: inv.ID, Name: inv.Name, Content: "Error: " + critiqueMsg, Err: err}, false
		} else if revisedArgs != nil {
			inv.Args = revisedArgs
		}
	}

	content, err := t.Run(ctx, inv.Args)

	if t.Mutating() {
		state.mu.Lock()
		state.seenHashes = make(map[string]int)
		state.sandboxListDirty = true
		state.mu.Unlock()
	}

	res := Result{ID: inv.ID, Name: inv.Name, Content: content}
	if err != nil {
		res.Err = &DispatchError{Kind: ErrorToolExec, Err: err}
		res.Content = fmt.Sprintf("Error: %s", err)
	}

	stopFromExecute := false
	if inv.Name == "execute" {
		code := classifyExitCode(content, err)
		res.ExitCode = &code
		stopFromExecute = d.trackExecutionFailure(state, code != 0)
	}

	res.Content = contextmgr.ShrinkToolOutput(ctx, res.Content, d.Summarizer)
	return res, stopFromExecute
}

func (d *Dispatcher) checkUsageCap(t Tool, state *RunState) (breach, stop bool) {
	limit := t.UsageCap()
	if limit == 0 {
		limit = usageCapFor(t.Name())
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.usageCounts[t.Name()]++
	if state.usageCounts[t.Name()] > limit {
		return true, true
	}
	return false, false
}

var systemUtilityName = "system_utility"

func (d *Dispatcher) checkRedundancy(t Tool, inv Invocation, state *RunState) (redundant, stop bool) {
	if t.Mutating() || t.Name() == systemUtilityName {
		return false, false
	}
	hash := argHash(inv.Name, inv.Args)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.seenHashes[hash]++
	if state.seenHashes[hash] <= 1 {
		return false, false
	}
	state.redundancyStrike++
	if state.redundancyStrike >= maxRedundancyStrikes {
		return true, true
	}
	return true, false
}

// argHash canonicalizes args (stable key ordering) before hashing so
// semantically-identical calls collide regardless of field order.
func argHash(name string, args json.RawMessage) string {
	var m map[string]any
	canon := string(args)
	if err := json.Unmarshal(args, &m); err == nil {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			b, _ := json.Marshal(m[k])
			sb.WriteString(k)
			sb.WriteString("=")
			sb.Write(b)
			sb.WriteString(";")
		}
		canon = sb.String()
	}
	sum := sha256.Sum256([]byte(name + "|" + canon))
	return hex.EncodeToString(sum[:])
}

var codeFieldRe = regexp.MustCompile(`(?s)"code"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// runCriticGate routes an execute invocation's code body through the Critic
// when the body exceeds 10 lines and no prior failure has occurred this
// request. REVISED verdicts swap in the revised code; BLOCKED verdicts stop
// execution without running the tool. Fails open on Critic error (P9).
func (d *Dispatcher) runCriticGate(ctx context.Context, inv Invocation, state *RunState) (blocked bool, revisedArgs json.RawMessage, message string) {
	if d.Critic == nil {
		return false, nil, ""
	}
	var args map[string]any
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return false, nil, ""
	}
	code, _ := args["code"].(string)
	if strings.Count(code, "\n") < 10 {
		return false, nil, ""
	}
	state.mu.Lock()
	priorFailure := state.anyFailureYet
	state.mu.Unlock()
	if priorFailure {
		return false, nil, ""
	}

	verdict, err := d.Critic(ctx, code, d.TaskContext)
	if err != nil {
		return false, nil, "" // fail open
	}
	if !verdict.Approved {
		if verdict.RevisedCode == "" {
			return true, nil, verdict.Critique
		}
		args["code"] = unwrapFence(verdict.RevisedCode)
		b, merr := json.Marshal(args)
		if merr != nil {
			return false, nil, ""
		}
		return false, b, ""
	}
	return false, nil, ""
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\n(.*)\\n```$")

func unwrapFence(code string) string {
	trimmed := strings.TrimSpace(code)
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return strings.Trim(trimmed, "`")
}

var exitCodeLiteralRe = regexp.MustCompile(`EXIT CODE:\s*(-?\d+)`)

// classifyExitCode derives an exit code for an execute result: an explicit
// "EXIT CODE: N" marker wins, otherwise a heuristic scan for
// Error/Exception/Traceback markers (non-zero) is used, else it's a success.
func classifyExitCode(content string, runErr error) int {
	if runErr != nil {
		return 1
	}
	if m := exitCodeLiteralRe.FindStringSubmatch(content); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	for _, marker := range []string{"Error", "Exception", "Traceback"} {
		if strings.Contains(content, marker) {
			return 1
		}
	}
	return 0
}

func (d *Dispatcher) trackExecutionFailure(state *RunState, failed bool) (forceStop bool) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if failed {
		state.anyFailureYet = true
		state.failureStreak++
		if state.failureStreak >= maxExecutionFailureStreak {
			return true
		}
	} else {
		state.failureStreak = 0
	}
	return false
}

// SandboxListingDirty reports whether a mutating tool ran since the last
// reset, invalidating any cached directory listing.
func (state *RunState) SandboxListingDirty() bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.sandboxListDirty
}

// ResetSandboxListingDirty clears the dirty flag after the cache is rebuilt.
func (state *RunState) ResetSandboxListingDirty() {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.sandboxListDirty = false
}
