// ABOUTME: Tests for MuxInvoker using a scripted muxllm.Client.
// ABOUTME: Checks request shaping, text extraction, retry on transient errors, and error wrapping.

package llm

import (
	"context"
	"errors"
	"testing"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	requests  []*muxllm.Request
	responses []*muxllm.Response
	errs      []error
}

func (c *scriptedClient) CreateMessage(_ context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return c.responses[i], nil
}

func (c *scriptedClient) CreateMessageStream(context.Context, *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	return nil, errors.New("not supported")
}

func textResponse(parts ...string) *muxllm.Response {
	resp := &muxllm.Response{Model: "test-model", StopReason: muxllm.StopReasonEndTurn, Usage: muxllm.Usage{InputTokens: 7, OutputTokens: 3}}
	for _, p := range parts {
		resp.Content = append(resp.Content, muxllm.ContentBlock{Type: muxllm.ContentTypeText, Text: p})
	}
	return resp
}

func TestMuxInvokerInvoke(t *testing.T) {
	client := &scriptedClient{responses: []*muxllm.Response{textResponse("hello ", "world")}}
	inv := NewMuxInvoker("anthropic", client, "m1", NoRetry())

	res, err := inv.Invoke(context.Background(), Request{StageID: "s", System: "sys", Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, "test-model", res.Model)
	assert.Equal(t, 7, res.InputTokens)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, "sys", req.System)
	assert.Equal(t, 8192, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "go", req.Messages[0].Content)
}

func TestMuxInvokerRetriesTransient(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{errors.New("503 Service Unavailable"), nil},
		responses: []*muxllm.Response{nil, textResponse("ok")},
	}
	inv := NewMuxInvoker("anthropic", client, "m1", fastPolicy(2))

	res, err := inv.Invoke(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Len(t, client.requests, 2)
}

func TestMuxInvokerWrapsPermanent(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("401 invalid x-api-key")}}
	inv := NewMuxInvoker("anthropic", client, "m1", fastPolicy(2))

	_, err := inv.Invoke(context.Background(), Request{Prompt: "go"})
	var auth *AuthenticationError
	require.ErrorAs(t, err, &auth)
	assert.Len(t, client.requests, 1)
}

func TestMuxInvokerTruncatedEmpty(t *testing.T) {
	resp := textResponse()
	resp.StopReason = muxllm.StopReasonMaxTokens
	inv := NewMuxInvoker("openai", &scriptedClient{responses: []*muxllm.Response{resp}}, "m", NoRetry())

	_, err := inv.Invoke(context.Background(), Request{StageID: "endofday.summary", Prompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endofday.summary")
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewClient(context.Background(), ProviderConfig{Provider: "anthropic"})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(context.Background(), ProviderConfig{Provider: "llamas", APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llamas")
}

func TestNewClientCompatForBaseURL(t *testing.T) {
	c, err := NewClient(context.Background(), ProviderConfig{Provider: "openai", APIKey: "k", BaseURL: "http://localhost:1234/v1"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAICompatClient{}, c)
}
