// ABOUTME: Builds mux clients for the configured provider and resolves API keys from the environment.
// ABOUTME: Supports anthropic, openai, gemini, and any OpenAI-compatible endpoint via a base URL.

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	muxllm "github.com/2389-research/mux/llm"
)

// ProviderConfig selects and configures a text-generation backend.
type ProviderConfig struct {
	Provider string // anthropic, openai, gemini
	Model    string
	APIKey   string // empty = <PROVIDER>_API_KEY from the environment
	BaseURL  string // non-empty routes openai requests through the Chat Completions compat client
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "gemini":
		return "gemini-2.5-pro"
	default:
		return "gpt-5.2"
	}
}

// APIKeyEnv returns the environment variable holding the provider's key.
func APIKeyEnv(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// NewClient creates the mux client for cfg.
func NewClient(ctx context.Context, cfg ProviderConfig) (muxllm.Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(APIKeyEnv(provider))
	}
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("no API key for provider %q (set %s)", provider, APIKeyEnv(provider))}}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel(provider)
	}

	switch provider {
	case "anthropic":
		return muxllm.NewAnthropicClient(apiKey, model), nil
	case "openai":
		if cfg.BaseURL != "" {
			return NewOpenAICompatClient(apiKey, model, cfg.BaseURL), nil
		}
		return muxllm.NewOpenAIClient(apiKey, model), nil
	case "gemini":
		client, err := muxllm.NewGeminiClient(ctx, apiKey, model)
		if err != nil {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "create gemini client", Cause: err}}
		}
		return client, nil
	default:
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}}
	}
}
