package llm

import (
	"context"
	"encoding/json"
	"sync"

	"ghost/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	logMu        sync.RWMutex
	logPayloads  = false
	tokenOnce    sync.Once
	promptCtr    otelmetric.Int64Counter
	completionCtr otelmetric.Int64Counter
)

// ConfigureLogging turns on debug-level prompt/response payload logging.
// Off by default; callers enable it via --verbose.
func ConfigureLogging(enable bool) {
	logMu.Lock()
	logPayloads = enable
	logMu.Unlock()
}

func payloadLoggingEnabled() bool {
	logMu.RLock()
	defer logMu.RUnlock()
	return logPayloads
}

// StartRequestSpan starts a span for one upstream call and tags it with the
// resolved model, tool count, and message count.
func StartRequestSpan(ctx context.Context, operation, model string, tools, messages int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("ghost/internal/llm").Start(ctx, operation)
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.tools", tools),
		attribute.Int("llm.messages", messages),
	)
	return ctx, span
}

// RecordTokenAttributes annotates span with the usage numbers from the
// upstream response.
func RecordTokenAttributes(span trace.Span, prompt, completion, total int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", prompt),
		attribute.Int("llm.completion_tokens", completion),
		attribute.Int("llm.total_tokens", total),
	)
}

func ensureTokenInstruments() {
	tokenOnce.Do(func() {
		m := otel.Meter("ghost/internal/llm")
		promptCtr, _ = m.Int64Counter("llm.prompt_tokens", otelmetric.WithDescription("cumulative prompt tokens by model"))
		completionCtr, _ = m.Int64Counter("llm.completion_tokens", otelmetric.WithDescription("cumulative completion tokens by model"))
	})
}

// RecordTokenMetrics exports per-model token usage as OTel counters.
func RecordTokenMetrics(model string, prompt, completion int) {
	if model == "" || (prompt == 0 && completion == 0) {
		return
	}
	ensureTokenInstruments()
	ctx := context.Background()
	attrs := otelmetric.WithAttributes(attribute.String("llm.model", model))
	if promptCtr != nil && prompt > 0 {
		promptCtr.Add(ctx, int64(prompt), attrs)
	}
	if completionCtr != nil && completion > 0 {
		completionCtr.Add(ctx, int64(completion), attrs)
	}
}

// LogRedactedPrompt logs the outgoing messages at debug level with secrets
// scrubbed. No-op unless payload logging has been enabled.
func LogRedactedPrompt(ctx context.Context, msgs []Message) {
	if !payloadLoggingEnabled() {
		return
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	observability.LoggerWithTrace(ctx).Debug().RawJSON("prompt", observability.RedactJSON(b)).Msg("llm_request")
}

// LogRedactedResponse logs an upstream response at debug level with secrets
// scrubbed. No-op unless payload logging has been enabled.
func LogRedactedResponse(ctx context.Context, resp any) {
	if !payloadLoggingEnabled() {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	observability.LoggerWithTrace(ctx).Debug().RawJSON("response", observability.RedactJSON(b)).Msg("llm_response")
}
