// ABOUTME: AI-service invocation contract used by pipeline stages, plus the mux-backed implementation.
// ABOUTME: A stage sends one system+user prompt and receives the model's text; provider errors are wrapped and retried.

package llm

import (
	"context"
	"fmt"
	"strings"

	muxllm "github.com/2389-research/mux/llm"
)

// Request is one text generation call made on behalf of a pipeline stage.
type Request struct {
	StageID     string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Result is the text returned by the model.
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Invoker is the text-generation contract stages depend on.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// MuxInvoker sends requests through a mux client.
type MuxInvoker struct {
	client   muxllm.Client
	provider string
	model    string
	policy   RetryPolicy
}

// Compile-time interface assertion.
var _ Invoker = (*MuxInvoker)(nil)

// NewMuxInvoker wraps client. provider names the backend in wrapped errors.
func NewMuxInvoker(provider string, client muxllm.Client, model string, policy RetryPolicy) *MuxInvoker {
	return &MuxInvoker{client: client, provider: provider, model: model, policy: policy}
}

// Invoke runs one generation call, retrying retryable provider errors until
// ctx expires or the policy gives up.
func (m *MuxInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	mreq := &muxllm.Request{
		Model:       m.model,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages: []muxllm.Message{
			{Role: muxllm.RoleUser, Content: req.Prompt},
		},
	}

	var resp *muxllm.Response
	err := Retry(ctx, m.policy, func() error {
		var callErr error
		resp, callErr = m.client.CreateMessage(ctx, mreq)
		return Wrap(m.provider, callErr)
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == muxllm.ContentTypeText {
			text.WriteString(block.Text)
		}
	}
	if resp.StopReason == muxllm.StopReasonMaxTokens && text.Len() == 0 {
		return nil, &ProviderError{SDKError: SDKError{Message: fmt.Sprintf("%s: response truncated before any text", req.StageID)}, Provider: m.provider}
	}

	return &Result{
		Text:         text.String(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
