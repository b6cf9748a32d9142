package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/websterhq/webster/internal/errdefs"
)

// OpenAIProvider calls the OpenAI chat completions API. A custom base URL
// points it at any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds a provider from an API key and optional base URL.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errdefs.New(errdefs.KindConfigInvalid, "openai api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(config)}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends a single-turn chat completion and returns the first choice.
func (p *OpenAIProvider) Complete(ctx context.Context, modelID, prompt string) (*Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, wrapStatusError("openai", apiErr.HTTPStatusCode, err)
		}
		return nil, wrapProviderError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "openai response has no choices")
	}
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
