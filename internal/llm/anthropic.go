package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"ghost/internal/observability"
)

const anthropicDefaultMaxTokens int64 = 4096

// AnthropicClient implements Provider against the Claude Messages API.
type AnthropicClient struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic builds a Provider for the Anthropic Messages API.
func NewAnthropic(apiKey, baseURL, model string, httpClient *http.Client) *AnthropicClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &AnthropicClient{sdk: anthropic.NewClient(opts...), model: model, maxTokens: anthropicDefaultMaxTokens}
}

func (c *AnthropicClient) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func anthropicAdaptTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"].([]any); ok {
			for _, item := range req {
				if s, ok := item.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
			delete(extras, "required")
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func anthropicAdaptMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	toolResultCount := 0

	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeToolArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(id, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return system, out, nil
}

func decodeToolArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func anthropicMessageFromResponse(resp *anthropic.Message) Message {
	if resp == nil {
		return Message{}
	}
	var sb strings.Builder
	var calls []ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(v.Input)
			calls = append(calls, ToolCall{ID: v.ID, Name: v.Name, Args: args})
		}
	}
	return Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}
}

func (c *AnthropicClient) buildParams(msgs []Message, tools []ToolSchema, model string, opts ChatOptions) (anthropic.MessageNewParams, error) {
	sys, converted, err := anthropicAdaptMessages(msgs)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	toolDefs, err := anthropicAdaptTools(tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: c.maxTokens,
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = int64(opts.MaxTokens)
	}
	return params, nil
}

// Chat implements Provider.Chat.
func (c *AnthropicClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions) (Message, error) {
	params, err := c.buildParams(msgs, tools, model, opts)
	if err != nil {
		return Message{}, err
	}
	ctx, span := StartRequestSpan(ctx, "anthropic.Chat", string(params.Model), len(tools), len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic_chat_error")
		return Message{}, classifyAPIError(err)
	}
	LogRedactedResponse(ctx, resp)
	out := anthropicMessageFromResponse(resp)

	prompt := int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens)
	completion := int(resp.Usage.OutputTokens)
	RecordTokenAttributes(span, prompt, completion, prompt+completion)
	RecordTokenMetrics(string(params.Model), prompt, completion)
	log.Debug().Str("model", string(params.Model)).Dur("duration", dur).Int("prompt_tokens", prompt).Int("completion_tokens", completion).Msg("anthropic_chat_ok")
	return out, nil
}

// ChatStream implements Provider.ChatStream.
func (c *AnthropicClient) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions, h StreamHandler) error {
	params, err := c.buildParams(msgs, tools, model, opts)
	if err != nil {
		return err
	}
	ctx, span := StartRequestSpan(ctx, "anthropic.ChatStream", string(params.Model), len(tools), len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	toolBuffers := map[int64]*anthropicToolBuffer{}

	for stream.Next() {
		event := stream.Current()
		_ = acc.Accumulate(event)

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				id := strings.TrimSpace(block.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", len(toolBuffers)+1)
				}
				tb := &anthropicToolBuffer{name: block.Name, id: id}
				tb.appendInitial(block.Input)
				toolBuffers[ev.Index] = tb
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					h.OnDelta(delta.Text)
				}
			case anthropic.InputJSONDelta:
				if tb := toolBuffers[ev.Index]; tb != nil {
					tb.appendPartial(delta.PartialJSON)
				}
			}
		case anthropic.MessageStopEvent:
			for _, tb := range toolBuffers {
				h.OnToolCall(tb.toToolCall())
			}
		}
	}
	dur := time.Since(start)
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Dur("duration", dur).Msg("anthropic_stream_error")
		span.RecordError(err)
		return classifyAPIError(err)
	}
	prompt := int(acc.Usage.InputTokens)
	completion := int(acc.Usage.OutputTokens)
	RecordTokenAttributes(span, prompt, completion, prompt+completion)
	RecordTokenMetrics(string(params.Model), prompt, completion)
	log.Debug().Dur("duration", dur).Msg("anthropic_stream_ok")
	return nil
}

type anthropicToolBuffer struct {
	name string
	id   string
	buf  strings.Builder
}

func (tb *anthropicToolBuffer) appendInitial(raw json.RawMessage) {
	if len(raw) > 0 && string(raw) != "{}" {
		tb.buf.Write(raw)
	}
}

func (tb *anthropicToolBuffer) appendPartial(partial string) {
	tb.buf.WriteString(partial)
}

func (tb *anthropicToolBuffer) toToolCall() ToolCall {
	args := tb.buf.String()
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return ToolCall{ID: tb.id, Name: tb.name, Args: json.RawMessage(args)}
}
