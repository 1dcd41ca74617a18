// Package reasoning implements the core turn loop: planner/responder
// alternation, tool dispatch, temperature escalation on failure, and
// termination/post-processing, tying together the router, context manager,
// task tree, and tool dispatcher packages.
package reasoning

import (
	"time"

	"ghost/internal/llm"
)

// Request is one incoming chat request. Messages is the client-held
// transcript; the loop never mutates it, building a working copy instead.
type Request struct {
	Messages                []llm.Message
	Model                   string
	Stream                  bool
	RequestID               string
	BackgroundTasksDisabled bool
}

// Response is the loop's final result for a non-streaming request.
type Response struct {
	ID      string
	Created int64
	Content string
}

// StreamSink receives incremental output for a streaming request. OnDone is
// called exactly once, with the fully scrubbed final content, whether or
// not any deltas were emitted (e.g. a pure tool-use turn streams nothing
// and still calls OnDone with the synthesized final text).
type StreamSink interface {
	OnDelta(content string)
	OnDone(final string)
}

const (
	maxHistoryMessages = 500
	maxTurns           = 20
	plannerMaxTokens   = 1024
)

var requestDeadline = 600 * time.Second
