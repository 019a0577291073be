// ABOUTME: Text-only Chat Completions client for OpenAI-compatible endpoints behind a custom base URL.
// ABOUTME: Satisfies muxllm.Client so stage invocation does not care which backend answers.

package llm

import (
	"context"
	"fmt"
	"log"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompatClient talks to /v1/chat/completions on any compatible host
// (OpenRouter, local gateways). Tool calls are not used by the story stages
// and are not translated.
type OpenAICompatClient struct {
	client openai.Client
	model  string
}

// Compile-time interface assertion.
var _ muxllm.Client = (*OpenAICompatClient)(nil)

// NewOpenAICompatClient creates a client bound to baseURL.
func NewOpenAICompatClient(apiKey, model, baseURL string) *OpenAICompatClient {
	if model == "" {
		model = DefaultModel("openai")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompatClient{client: openai.NewClient(opts...), model: model}
}

// CreateMessage sends one request and returns the full completion.
func (c *OpenAICompatClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, err
	}
	return compatResponse(resp), nil
}

// CreateMessageStream streams text deltas and finishes with the accumulated response.
func (c *OpenAICompatClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))
	events := make(chan muxllm.StreamEvent, 64)

	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("component=llm.compat action=stream_panic err=%v", r)
				events <- muxllm.StreamEvent{Type: muxllm.EventError, Error: fmt.Errorf("stream panic: %v", r)}
			}
		}()

		var acc openai.ChatCompletionAccumulator
		events <- muxllm.StreamEvent{Type: muxllm.EventMessageStart}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				events <- muxllm.StreamEvent{Type: muxllm.EventContentDelta, Text: chunk.Choices[0].Delta.Content}
			}
		}
		if err := stream.Err(); err != nil {
			events <- muxllm.StreamEvent{Type: muxllm.EventError, Error: err}
			return
		}
		events <- muxllm.StreamEvent{Type: muxllm.EventMessageStop, Response: compatResponse(&acc.ChatCompletion)}
	}()

	return events, nil
}

func (c *OpenAICompatClient) params(req *muxllm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	params := openai.ChatCompletionNewParams{Model: model}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		text := messageText(msg)
		switch msg.Role {
		case muxllm.RoleUser:
			messages = append(messages, openai.UserMessage(text))
		case muxllm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(text))
		}
	}
	params.Messages = messages
	return params
}

// messageText prefers Content and falls back to the first text block.
func messageText(msg muxllm.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	for _, block := range msg.Blocks {
		if block.Type == muxllm.ContentTypeText {
			return block.Text
		}
	}
	return ""
}

func compatResponse(resp *openai.ChatCompletion) *muxllm.Response {
	out := &muxllm.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: muxllm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		StopReason: muxllm.StopReasonEndTurn,
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		out.StopReason = muxllm.StopReasonMaxTokens
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, muxllm.ContentBlock{Type: muxllm.ContentTypeText, Text: choice.Message.Content})
	}
	return out
}
