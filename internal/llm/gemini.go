package llm

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/websterhq/webster/internal/errdefs"
)

// GeminiProvider calls the Gemini API through the google genai SDK.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider builds a provider from an API key.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errdefs.New(errdefs.KindConfigInvalid, "gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfigInvalid, err, "create gemini client")
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Complete generates a single response and concatenates the text parts of
// the first candidate.
func (p *GeminiProvider) Complete(ctx context.Context, modelID, prompt string) (*Completion, error) {
	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: prompt}}},
	}
	resp, err := p.client.Models.GenerateContent(ctx, modelID, contents, nil)
	if err != nil {
		return nil, wrapProviderError("gemini", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "gemini response has no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "gemini response has no text parts")
	}

	completion := &Completion{Text: text.String()}
	if resp.UsageMetadata != nil {
		completion.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		completion.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return completion, nil
}
