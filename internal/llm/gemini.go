package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"ghost/internal/observability"
)

// GeminiClient implements Provider against the Gemini Generative Language
// API via google.golang.org/genai.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGemini builds a Provider backed by Gemini.
func NewGemini(ctx context.Context, apiKey, baseURL, model string, httpClient *http.Client) (*GeminiClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if baseURL != "" {
		httpOpts.BaseURL = strings.TrimSuffix(baseURL, "/") + "/"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func geminiToContents(msgs []Message) ([]*genai.Content, string) {
	var system strings.Builder
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		case "user", "tool":
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case "assistant":
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := decodeToolArgs(tc.Args)
				if m, ok := args.(map[string]any); ok {
					parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, m))
				}
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		}
	}
	return contents, system.String()
}

func geminiAdaptTools(schemas []ToolSchema) ([]*genai.Tool, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("gemini provider: tool name required")
		}
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, nil
}

func geminiMessageFromResponse(resp *genai.GenerateContentResponse) (Message, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return Message{}, fmt.Errorf("no candidates in gemini response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return Message{Role: "assistant"}, nil
	}
	var sb strings.Builder
	var calls []ToolCall
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			calls = append(calls, ToolCall{Name: part.FunctionCall.Name, Args: args, ID: part.FunctionCall.Name})
		}
	}
	return Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}, nil
}

// Chat implements Provider.Chat.
func (c *GeminiClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions) (Message, error) {
	effectiveModel := c.pickModel(model)
	ctx, span := StartRequestSpan(ctx, "gemini.Chat", effectiveModel, len(tools), len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	contents, system := geminiToContents(msgs)
	toolDecls, err := geminiAdaptTools(tools)
	if err != nil {
		span.RecordError(err)
		return Message{}, err
	}
	cfg := &genai.GenerateContentConfig{Tools: toolDecls}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, effectiveModel, contents, cfg)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("gemini_chat_error")
		return Message{}, classifyAPIError(err)
	}
	msg, err := geminiMessageFromResponse(resp)
	if err != nil {
		span.RecordError(err)
		return Message{}, err
	}
	LogRedactedResponse(ctx, resp)
	if resp.UsageMetadata != nil {
		prompt := int(resp.UsageMetadata.PromptTokenCount)
		completion := int(resp.UsageMetadata.CandidatesTokenCount)
		RecordTokenAttributes(span, prompt, completion, prompt+completion)
		RecordTokenMetrics(effectiveModel, prompt, completion)
	}
	log.Debug().Str("model", effectiveModel).Dur("duration", dur).Int("tool_calls", len(msg.ToolCalls)).Msg("gemini_chat_ok")
	return msg, nil
}

// ChatStream implements Provider.ChatStream.
func (c *GeminiClient) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions, h StreamHandler) error {
	effectiveModel := c.pickModel(model)
	ctx, span := StartRequestSpan(ctx, "gemini.ChatStream", effectiveModel, len(tools), len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	contents, system := geminiToContents(msgs)
	toolDecls, err := geminiAdaptTools(tools)
	if err != nil {
		span.RecordError(err)
		return err
	}
	cfg := &genai.GenerateContentConfig{Tools: toolDecls}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	start := time.Now()
	stream := c.client.Models.GenerateContentStream(ctx, effectiveModel, contents, cfg)
	for resp, err := range stream {
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Dur("duration", time.Since(start)).Msg("gemini_stream_error")
			return classifyAPIError(err)
		}
		msg, mErr := geminiMessageFromResponse(resp)
		if mErr != nil {
			continue
		}
		if msg.Content != "" {
			h.OnDelta(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			h.OnToolCall(tc)
		}
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("gemini_stream_ok")
	return nil
}
