package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"

	"ghost/internal/observability"
)

// OpenAIClient implements Provider against OpenAI's Chat Completions API, or
// any OpenAI-compatible endpoint reached through BaseURL (local llama.cpp /
// vLLM servers included).
type OpenAIClient struct {
	sdk   sdk.Client
	model string
}

// NewOpenAI builds a Provider for the OpenAI Chat Completions wire format.
// baseURL may be empty to use OpenAI's public endpoint.
func NewOpenAI(apiKey, baseURL, model string, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{sdk: sdk.NewClient(opts...), model: model}
}

func adaptMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(nonEmpty(m.Content, "You are a helpful assistant.")))
		case "user":
			out = append(out, sdk.UserMessage(nonEmpty(m.Content, " ")))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(nonEmpty(m.Content, " ")))
				continue
			}
			asst := sdk.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = sdk.String(nonEmpty(m.Content, " "))
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Arguments: string(tc.Args),
						Name:      tc.Name,
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(nonEmpty(m.Content, `{"error":"empty tool response"}`), m.ToolID))
		}
	}
	return out
}

func adaptSchemas(schemas []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}))
	}
	return out
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (c *OpenAIClient) buildParams(msgs []Message, tools []ToolSchema, model string, opts ChatOptions) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(nonEmpty(model, c.model))}
	params.Messages = adaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = adaptSchemas(tools)
	}
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = param.NewOpt(opts.TopP)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.JSONObjectMode {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
		}
	}
	if opts.ToolChoice != "" {
		params.ToolChoice = sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: opts.ToolChoice},
			},
		}
	}
	return params
}

// Chat implements Provider.Chat.
func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions) (Message, error) {
	params := c.buildParams(msgs, tools, model, opts)
	ctx, span := StartRequestSpan(ctx, "openai.Chat", string(params.Model), len(tools), len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("openai_chat_error")
		span.RecordError(err)
		return Message{}, classifyAPIError(err)
	}
	RecordTokenAttributes(span, int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens), int(comp.Usage.TotalTokens))
	RecordTokenMetrics(string(params.Model), int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens))
	log.Debug().Str("model", string(params.Model)).Dur("duration", dur).
		Int("prompt_tokens", int(comp.Usage.PromptTokens)).
		Int("completion_tokens", int(comp.Usage.CompletionTokens)).Msg("openai_chat_ok")

	if len(comp.Choices) == 0 {
		return Message{}, nil
	}
	out := Message{Role: "assistant", Content: comp.Choices[0].Message.Content}
	for _, tc := range comp.Choices[0].Message.ToolCalls {
		if fn, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
			if isEmptyArgs(fn.Function.Arguments) {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: fn.ID, Name: fn.Function.Name, Args: json.RawMessage(fn.Function.Arguments)})
		}
	}
	LogRedactedResponse(ctx, comp.Choices)
	return out, nil
}

// Embed implements Embedder against the OpenAI-compatible embeddings
// endpoint, for the knowledge_base/recall tools and Smart Memory's
// semantic-search step.
func (c *OpenAIClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	params := sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(nonEmpty(model, c.model)),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	}
	ctx, span := StartRequestSpan(ctx, "openai.Embed", string(params.Model), 0, 1)
	defer span.End()

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := c.sdk.Embeddings.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("openai_embed_error")
		span.RecordError(err)
		return nil, classifyAPIError(err)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}

// ChatStream implements Provider.ChatStream, accumulating tool-call argument
// fragments across chunks keyed by their SDK-assigned index.
func (c *OpenAIClient) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions, h StreamHandler) error {
	params := c.buildParams(msgs, tools, model, opts)
	params.StreamOptions.IncludeUsage = sdk.Bool(true)
	ctx, span := StartRequestSpan(ctx, "openai.ChatStream", string(params.Model), len(tools), len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	pending := make(map[int64]*ToolCall)
	flushed := false
	var promptTokens, completionTokens, totalTokens int

	for stream.Next() {
		chunk := stream.Current()
		if chunk.JSON.Usage.Valid() {
			promptTokens = int(chunk.Usage.PromptTokens)
			completionTokens = int(chunk.Usage.CompletionTokens)
			totalTokens = int(chunk.Usage.TotalTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			cur := pending[tc.Index]
			if cur == nil {
				cur = &ToolCall{ID: tc.ID}
				pending[tc.Index] = cur
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Args = json.RawMessage(string(cur.Args) + tc.Function.Arguments)
			}
		}
		if chunk.Choices[0].FinishReason != "" && !flushed {
			for _, tc := range pending {
				if tc.Name != "" && !isEmptyArgsBytes(tc.Args) {
					h.OnToolCall(*tc)
				}
			}
			flushed = true
		}
	}
	dur := time.Since(start)
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Dur("duration", dur).Msg("openai_stream_error")
		span.RecordError(err)
		return classifyAPIError(err)
	}
	RecordTokenAttributes(span, promptTokens, completionTokens, totalTokens)
	RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)
	log.Debug().Dur("duration", dur).Msg("openai_stream_ok")
	return nil
}

func isEmptyArgs(s string) bool {
	switch s {
	case "", "{}", "null":
		return true
	default:
		return false
	}
}

func isEmptyArgsBytes(b json.RawMessage) bool { return isEmptyArgs(string(b)) }
