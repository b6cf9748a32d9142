// Package llm routes model calls through a single gateway that owns
// timeouts, response caching, cost accounting and the call log.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/storage"
)

// Purpose labels for Query. The purpose is part of the cache key, so the
// same prompt asked for different reasons never shares a cached answer.
const (
	PurposeDescribeTool = "describe_tool"
	PurposeParseSteps   = "parse_steps"
	PurposeCorrectStep  = "correct_step"
)

// Completion is a single non-streaming model response.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider turns a prompt into a completion against one vendor API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, modelID, prompt string) (*Completion, error)
}

// NewProvider builds the provider named in configuration.
func NewProvider(ctx context.Context, name, apiKey, baseURL string) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL)
	case "anthropic":
		return NewAnthropicProvider(apiKey, baseURL)
	case "gemini":
		return NewGeminiProvider(ctx, apiKey)
	default:
		return nil, errdefs.Newf(errdefs.KindConfigInvalid, "unknown lm provider %q", name)
	}
}

// Usage reports what a single Query consumed.
type Usage struct {
	Provider      string
	Model         string
	InputTokens   int
	OutputTokens  int
	EstimatedCost float64
	CacheHit      bool
	LatencyMillis int64
}

// Options configures the gateway.
type Options struct {
	ModelID string
	// Timeout bounds each provider call. Zero means 30s.
	Timeout time.Duration
	// CacheTTL bounds how long a cached response is served. Zero disables
	// the cache entirely.
	CacheTTL time.Duration
	// CacheSize is the response cache capacity. Zero means 1024 entries.
	CacheSize int
}

type cacheEntry struct {
	text         string
	inputTokens  int
	outputTokens int
	storedAt     time.Time
}

// Gateway is the only path to the language model. Callers hand it a prompt
// and a purpose; it handles the rest.
type Gateway struct {
	provider Provider
	opts     Options
	cache    *lru.Cache[string, cacheEntry]
	calls    storage.CallLogStore
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewGateway builds a gateway over the given provider. The call log store,
// metrics and tracer may be nil.
func NewGateway(provider Provider, opts Options, calls storage.CallLogStore, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*Gateway, error) {
	if provider == nil {
		return nil, errdefs.New(errdefs.KindConfigInvalid, "lm provider is required")
	}
	if opts.ModelID == "" {
		return nil, errdefs.New(errdefs.KindConfigInvalid, "lm model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	g := &Gateway{
		provider: provider,
		opts:     opts,
		calls:    calls,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
	if opts.CacheTTL > 0 {
		cache, err := lru.New[string, cacheEntry](opts.CacheSize)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfigInvalid, err, "create response cache")
		}
		g.cache = cache
	}
	return g, nil
}

// Model returns the model identifier every Query runs against.
func (g *Gateway) Model() string {
	return g.opts.ModelID
}

// ProviderName returns the configured provider's name.
func (g *Gateway) ProviderName() string {
	return g.provider.Name()
}

// Query sends prompt to the model and returns the raw response text.
// Responses are cached by (model, prompt, purpose) fingerprint; a hit costs
// nothing and never leaves the process. Each call, hit or miss, appends a
// row to the call log.
func (g *Gateway) Query(ctx context.Context, prompt, purpose string) (string, Usage, error) {
	started := time.Now()
	key := Fingerprint(g.opts.ModelID, prompt, purpose)

	if entry, ok := g.cacheGet(key); ok {
		usage := Usage{
			Provider:      g.provider.Name(),
			Model:         g.opts.ModelID,
			InputTokens:   entry.inputTokens,
			OutputTokens:  entry.outputTokens,
			CacheHit:      true,
			LatencyMillis: time.Since(started).Milliseconds(),
		}
		g.record(ctx, key, prompt, entry.text, usage, started)
		if g.metrics != nil {
			g.metrics.RecordLMRequest(usage.Provider, usage.Model, "cache_hit", time.Since(started).Seconds(), 0, 0, 0)
		}
		g.logger.Debug(ctx, "lm cache hit", "purpose", purpose, "model", g.opts.ModelID)
		return entry.text, usage, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	if g.tracer != nil {
		var end func()
		callCtx, end = g.startSpan(callCtx)
		defer end()
	}

	completion, err := g.provider.Complete(callCtx, g.opts.ModelID, prompt)
	latency := time.Since(started)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordLMRequest(g.provider.Name(), g.opts.ModelID, "error", latency.Seconds(), 0, 0, 0)
		}
		g.logger.Warn(ctx, "lm request failed",
			"provider", g.provider.Name(),
			"model", g.opts.ModelID,
			"purpose", purpose,
			"latency_ms", latency.Milliseconds(),
			"error", err)
		return "", Usage{}, err
	}

	inputTokens := completion.InputTokens
	if inputTokens <= 0 {
		inputTokens = EstimateTokens(prompt)
	}
	outputTokens := completion.OutputTokens
	if outputTokens <= 0 {
		outputTokens = EstimateTokens(completion.Text)
	}

	usage := Usage{
		Provider:      g.provider.Name(),
		Model:         g.opts.ModelID,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		EstimatedCost: Cost(g.opts.ModelID, inputTokens, outputTokens),
		LatencyMillis: latency.Milliseconds(),
	}
	g.cachePut(key, cacheEntry{
		text:         completion.Text,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		storedAt:     time.Now(),
	})
	g.record(ctx, key, prompt, completion.Text, usage, started)
	if g.metrics != nil {
		g.metrics.RecordLMRequest(usage.Provider, usage.Model, "success", latency.Seconds(), inputTokens, outputTokens, usage.EstimatedCost)
	}
	g.logger.Debug(ctx, "lm request completed",
		"provider", usage.Provider,
		"model", usage.Model,
		"purpose", purpose,
		"latency_ms", usage.LatencyMillis,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens)
	return completion.Text, usage, nil
}

func (g *Gateway) startSpan(ctx context.Context) (context.Context, func()) {
	spanCtx, span := g.tracer.TraceLMRequest(ctx, g.provider.Name(), g.opts.ModelID)
	return spanCtx, func() { span.End() }
}

func (g *Gateway) cacheGet(key string) (cacheEntry, bool) {
	if g.cache == nil {
		return cacheEntry{}, false
	}
	entry, ok := g.cache.Get(key)
	if !ok {
		return cacheEntry{}, false
	}
	if time.Since(entry.storedAt) >= g.opts.CacheTTL {
		g.cache.Remove(key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (g *Gateway) cachePut(key string, entry cacheEntry) {
	if g.cache == nil {
		return
	}
	g.cache.Add(key, entry)
}

// record appends one call-log row. Log failures never fail the call.
func (g *Gateway) record(ctx context.Context, key, prompt, response string, usage Usage, started time.Time) {
	if g.calls == nil {
		return
	}
	call := &storage.LMCall{
		ID:            uuid.NewString(),
		CacheKey:      key,
		CacheHit:      usage.CacheHit,
		Provider:      usage.Provider,
		ModelID:       usage.Model,
		RequestBytes:  len(prompt),
		ResponseBytes: len(response),
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		LatencyMillis: usage.LatencyMillis,
		EstimatedCost: usage.EstimatedCost,
		ToolName:      observability.Tool(ctx),
		TaskID:        observability.TaskID(ctx),
		CreatedAt:     started,
		CompletedAt:   time.Now(),
	}
	if err := g.calls.Record(ctx, call); err != nil {
		g.logger.Warn(ctx, "call log write failed", "error", err)
	}
}

// Fingerprint derives the cache key for a query. The prompt is normalized
// so whitespace-only differences still hit.
func Fingerprint(modelID, prompt, purpose string) string {
	normalized := strings.Join(strings.Fields(prompt), " ")
	sum := sha256.Sum256([]byte(modelID + "\x00" + normalized + "\x00" + purpose))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates a token count when the provider reports none.
// Four characters per token, rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
