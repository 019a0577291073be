// ABOUTME: Scene image generation through the OpenAI Images API.
// ABOUTME: Returns base64 image data or a hosted URL; SDK errors are mapped into the llm taxonomy.

package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ImageRequest asks for one scene image.
type ImageRequest struct {
	StageID string
	Prompt  string
}

// Image is a generated image. Exactly one of B64 or URL is normally set.
type Image struct {
	B64           string `json:"b64,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGenerator is the image-generation contract stages depend on.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Image, error)
}

// OpenAIImageGenerator calls the Images API.
type OpenAIImageGenerator struct {
	client openai.Client
	model  string
	policy RetryPolicy
}

// Compile-time interface assertion.
var _ ImageGenerator = (*OpenAIImageGenerator)(nil)

// NewOpenAIImageGenerator creates a generator. baseURL may be empty.
func NewOpenAIImageGenerator(apiKey, model, baseURL string, policy RetryPolicy) *OpenAIImageGenerator {
	if model == "" {
		model = string(openai.ImageModelDallE3)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIImageGenerator{client: openai.NewClient(opts...), model: model, policy: policy}
}

// GenerateImage requests a single 1024x1024 image as base64.
func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, req ImageRequest) (*Image, error) {
	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(g.model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	}

	var resp *openai.ImagesResponse
	err := Retry(ctx, g.policy, func() error {
		var callErr error
		resp, callErr = g.client.Images.Generate(ctx, params)
		return Wrap("openai", callErr)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &ProviderError{SDKError: SDKError{Message: fmt.Sprintf("%s: image response had no data", req.StageID)}, Provider: "openai"}
	}
	d := resp.Data[0]
	return &Image{B64: d.B64JSON, URL: d.URL, RevisedPrompt: d.RevisedPrompt}, nil
}
