package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/websterhq/webster/internal/errdefs"
)

// anthropicMaxTokens caps every completion. Descriptions and step plans
// are short; this leaves ample headroom.
const anthropicMaxTokens = 4096

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider from an API key and optional base URL.
func NewAnthropicProvider(apiKey, baseURL string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errdefs.New(errdefs.KindConfigInvalid, "anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends a single-turn message and concatenates the text blocks of
// the reply.
func (p *AnthropicProvider) Complete(ctx context.Context, modelID, prompt string) (*Completion, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, wrapStatusError("anthropic", apiErr.StatusCode, err)
		}
		return nil, wrapProviderError("anthropic", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "anthropic response has no text content")
	}
	return &Completion{
		Text:         text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
