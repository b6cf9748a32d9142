package llm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/storage"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	response *Completion
	err      error
	block    bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, modelID, prompt string) (*Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, wrapProviderError("fake", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &Completion{Text: "reply: " + prompt, InputTokens: 100, OutputTokens: 50}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestGateway(t *testing.T, provider Provider, opts Options, calls storage.CallLogStore) *Gateway {
	t.Helper()
	if opts.ModelID == "" {
		opts.ModelID = "gpt-4o-mini"
	}
	g, err := NewGateway(provider, opts, calls, observability.NopLogger(), nil, nil)
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	return g
}

func TestQueryCachesByFingerprint(t *testing.T) {
	provider := &fakeProvider{}
	g := newTestGateway(t, provider, Options{CacheTTL: time.Minute}, nil)
	ctx := context.Background()

	text1, usage1, err := g.Query(ctx, "describe the echo tool", PurposeDescribeTool)
	if err != nil {
		t.Fatalf("first Query() error = %v", err)
	}
	if usage1.CacheHit {
		t.Error("first query reported a cache hit")
	}
	if usage1.EstimatedCost <= 0 {
		t.Errorf("first query cost = %v, want > 0", usage1.EstimatedCost)
	}

	text2, usage2, err := g.Query(ctx, "describe  the\necho   tool", PurposeDescribeTool)
	if err != nil {
		t.Fatalf("second Query() error = %v", err)
	}
	if text2 != text1 {
		t.Errorf("cached text = %q, want %q", text2, text1)
	}
	if !usage2.CacheHit {
		t.Error("second query missed the cache")
	}
	if usage2.EstimatedCost != 0 {
		t.Errorf("cache hit cost = %v, want 0", usage2.EstimatedCost)
	}
	if usage2.InputTokens != usage1.InputTokens || usage2.OutputTokens != usage1.OutputTokens {
		t.Errorf("cache hit tokens = %d/%d, want %d/%d",
			usage2.InputTokens, usage2.OutputTokens, usage1.InputTokens, usage1.OutputTokens)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestQueryPurposeSplitsCache(t *testing.T) {
	provider := &fakeProvider{}
	g := newTestGateway(t, provider, Options{CacheTTL: time.Minute}, nil)
	ctx := context.Background()

	if _, _, err := g.Query(ctx, "click the login button", PurposeParseSteps); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, usage, err := g.Query(ctx, "click the login button", PurposeCorrectStep); err != nil {
		t.Fatalf("Query() error = %v", err)
	} else if usage.CacheHit {
		t.Error("different purpose hit the cache")
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestQueryCacheTTLExpires(t *testing.T) {
	provider := &fakeProvider{}
	g := newTestGateway(t, provider, Options{CacheTTL: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	if _, _, err := g.Query(ctx, "prompt", PurposeDescribeTool); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, usage, err := g.Query(ctx, "prompt", PurposeDescribeTool); err != nil {
		t.Fatalf("Query() error = %v", err)
	} else if usage.CacheHit {
		t.Error("expired entry served as a hit")
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestQueryCacheDisabled(t *testing.T) {
	provider := &fakeProvider{}
	g := newTestGateway(t, provider, Options{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, usage, err := g.Query(ctx, "prompt", PurposeDescribeTool); err != nil {
			t.Fatalf("Query() error = %v", err)
		} else if usage.CacheHit {
			t.Fatal("cache hit with caching disabled")
		}
	}
	if got := provider.callCount(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
}

func TestQueryAppendsCallLog(t *testing.T) {
	provider := &fakeProvider{}
	calls := storage.NewMemoryCallLogStore()
	g := newTestGateway(t, provider, Options{CacheTTL: time.Minute}, calls)

	ctx := observability.WithTool(context.Background(), "web_task")
	ctx = observability.WithTaskID(ctx, "task-1")

	if _, _, err := g.Query(ctx, "extract the page title", PurposeParseSteps); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, _, err := g.Query(ctx, "extract the page title", PurposeParseSteps); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	recorded := calls.Recorded()
	if len(recorded) != 2 {
		t.Fatalf("call log rows = %d, want 2", len(recorded))
	}

	miss, hit := recorded[0], recorded[1]
	if miss.CacheHit {
		t.Error("first row marked as cache hit")
	}
	if hit.CacheHit != true {
		t.Error("second row not marked as cache hit")
	}
	if hit.EstimatedCost != 0 {
		t.Errorf("cache hit row cost = %v, want 0", hit.EstimatedCost)
	}
	if miss.CacheKey != hit.CacheKey {
		t.Errorf("cache keys differ: %q vs %q", miss.CacheKey, hit.CacheKey)
	}
	for i, row := range recorded {
		if row.ToolName != "web_task" || row.TaskID != "task-1" {
			t.Errorf("row %d provenance = %q/%q, want web_task/task-1", i, row.ToolName, row.TaskID)
		}
		if row.ID == "" {
			t.Errorf("row %d has empty id", i)
		}
		if row.Provider != "fake" || row.ModelID != "gpt-4o-mini" {
			t.Errorf("row %d provider/model = %q/%q", i, row.Provider, row.ModelID)
		}
	}
}

func TestQueryEstimatesMissingTokens(t *testing.T) {
	provider := &fakeProvider{response: &Completion{Text: strings.Repeat("x", 40)}}
	g := newTestGateway(t, provider, Options{}, nil)

	_, usage, err := g.Query(context.Background(), strings.Repeat("p", 80), PurposeDescribeTool)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if usage.InputTokens != 20 {
		t.Errorf("estimated input tokens = %d, want 20", usage.InputTokens)
	}
	if usage.OutputTokens != 10 {
		t.Errorf("estimated output tokens = %d, want 10", usage.OutputTokens)
	}
}

func TestQueryPassesProviderErrorThrough(t *testing.T) {
	provider := &fakeProvider{err: errdefs.New(errdefs.KindLMRejection, "quota exceeded")}
	calls := storage.NewMemoryCallLogStore()
	g := newTestGateway(t, provider, Options{CacheTTL: time.Minute}, calls)

	_, _, err := g.Query(context.Background(), "prompt", PurposeDescribeTool)
	if !errdefs.HasKind(err, errdefs.KindLMRejection) {
		t.Fatalf("Query() error = %v, want kind %s", err, errdefs.KindLMRejection)
	}
	if rows := calls.Recorded(); len(rows) != 0 {
		t.Errorf("failed call logged %d rows, want 0", len(rows))
	}
	if _, usage, err := g.Query(context.Background(), "prompt", PurposeDescribeTool); err == nil {
		t.Errorf("failed response was cached: usage = %+v", usage)
	}
}

func TestQueryTimesOut(t *testing.T) {
	provider := &fakeProvider{block: true}
	g := newTestGateway(t, provider, Options{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, _, err := g.Query(context.Background(), "prompt", PurposeDescribeTool)
	if !errdefs.HasKind(err, errdefs.KindLMTransport) {
		t.Fatalf("Query() error = %v, want kind %s", err, errdefs.KindLMTransport)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Query() blocked %v past its timeout", elapsed)
	}
}

func TestQueryCancelledContext(t *testing.T) {
	provider := &fakeProvider{block: true}
	g := newTestGateway(t, provider, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err := g.Query(ctx, "prompt", PurposeDescribeTool)
	if !errdefs.HasKind(err, errdefs.KindCancelled) {
		t.Fatalf("Query() error = %v, want kind %s", err, errdefs.KindCancelled)
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("gpt-4o-mini", "describe the echo tool", PurposeDescribeTool)

	if got := Fingerprint("gpt-4o-mini", "  describe   the\n\techo tool ", PurposeDescribeTool); got != base {
		t.Error("whitespace variation changed the fingerprint")
	}
	if got := Fingerprint("gpt-4o", "describe the echo tool", PurposeDescribeTool); got == base {
		t.Error("different model produced the same fingerprint")
	}
	if got := Fingerprint("gpt-4o-mini", "describe the echo tool", PurposeParseSteps); got == base {
		t.Error("different purpose produced the same fingerprint")
	}
	if len(base) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(base))
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestCost(t *testing.T) {
	got := Cost("gpt-4o-mini", 1000, 1000)
	want := 0.00015 + 0.0006
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Cost(gpt-4o-mini) = %v, want %v", got, want)
	}

	unknown := Cost("some-future-model", 2000, 500)
	wantUnknown := 2*defaultPrice.input + 0.5*defaultPrice.output
	if diff := unknown - wantUnknown; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Cost(unknown model) = %v, want %v", unknown, wantUnknown)
	}

	if got := Cost("gpt-4o-mini", 0, 0); got != 0 {
		t.Errorf("Cost(0, 0) = %v, want 0", got)
	}
}
