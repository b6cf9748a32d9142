// Package registry builds the tool catalog at startup. Tools are
// registered explicitly, described once per model through the language
// model gateway with a write-through description cache, and published as
// an immutable snapshot.
package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/websterhq/webster/internal/desccache"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/llm"
	"github.com/websterhq/webster/internal/observability"
)

// RiskClass grades how much damage a tool can do.
type RiskClass string

const (
	RiskLow    RiskClass = "low"
	RiskMedium RiskClass = "medium"
	RiskHigh   RiskClass = "high"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Definition declares one tool at registration time.
type Definition struct {
	// Name is the unique tool identifier clients call.
	Name string
	// Description is the short human description.
	Description string
	// Params is a prototype of the structured argument object. Nil means
	// the tool takes the single free-form "instructions" string.
	Params any
	// RiskClass defaults to low when empty.
	RiskClass RiskClass
	// Async marks tools that run as tasks by default.
	Async bool
}

// Result is what a handler produced. Text-only results leave MimeType
// empty; image results carry base64 data.
type Result struct {
	Text      string
	MimeType  string
	ImageB64  string
	Artifacts []string
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Descriptor is the published description of one tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"inputSchema"`
	Annotations string          `json:"annotations,omitempty"`
	RiskClass   RiskClass       `json:"riskClass"`
	Async       bool            `json:"async,omitempty"`
	FromCache   bool            `json:"-"`
	Fallback    bool            `json:"-"`
}

// Tool pairs a published descriptor with its handler.
type Tool struct {
	Descriptor
	Handler Handler
}

// Gateway is the slice of the language-model gateway the registry needs.
type Gateway interface {
	Query(ctx context.Context, prompt, purpose string) (string, llm.Usage, error)
	Model() string
}

// Config tunes the startup build.
type Config struct {
	// Parallelism caps concurrent gateway calls. Default 4.
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

type registration struct {
	def     Definition
	handler Handler
}

type snapshot struct {
	order  []*Tool
	byName map[string]*Tool
}

// Registry holds tool registrations and the built snapshot.
type Registry struct {
	gateway Gateway
	cache   *desccache.Cache
	config  Config
	logger  *observability.Logger

	mu    sync.Mutex
	defs  []registration
	names map[string]struct{}

	snap     atomic.Pointer[snapshot]
	failures atomic.Int64
}

// New creates an empty registry. Build must run before List or Resolve
// return anything.
func New(gateway Gateway, cache *desccache.Cache, config Config, logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		gateway: gateway,
		cache:   cache,
		config:  config.withDefaults(),
		logger:  logger,
		names:   make(map[string]struct{}),
	}
}

// Register declares a tool. All registrations must happen before Build;
// duplicate names are rejected so a bad wiring fails startup.
func (r *Registry) Register(def Definition, h Handler) error {
	if !namePattern.MatchString(def.Name) {
		return errdefs.Newf(errdefs.KindConfigInvalid, "invalid tool name %q", def.Name)
	}
	if h == nil {
		return errdefs.Newf(errdefs.KindConfigInvalid, "tool %s has no handler", def.Name)
	}
	if def.RiskClass == "" {
		def.RiskClass = RiskLow
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Load() != nil {
		return errdefs.Newf(errdefs.KindInternal, "tool %s registered after build", def.Name)
	}
	if _, dup := r.names[def.Name]; dup {
		return errdefs.Newf(errdefs.KindConfigInvalid, "duplicate tool name %q", def.Name)
	}
	r.names[def.Name] = struct{}{}
	r.defs = append(r.defs, registration{def: def, handler: h})
	return nil
}

// Build composes the final descriptors and publishes them atomically.
// Per-tool description failures fall back to the plain instructions
// schema and never abort the build.
func (r *Registry) Build(ctx context.Context) error {
	r.mu.Lock()
	if r.snap.Load() != nil {
		r.mu.Unlock()
		return errdefs.New(errdefs.KindInternal, "registry already built")
	}
	defs := make([]registration, len(r.defs))
	copy(defs, r.defs)
	r.mu.Unlock()

	modelID := r.gateway.Model()
	started := time.Now()

	tools := make([]*Tool, len(defs))
	sem := make(chan struct{}, r.config.Parallelism)
	var wg sync.WaitGroup
	for idx := 0; idx < len(defs); idx++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			tools[i] = r.buildOne(ctx, modelID, defs[i])
		}(idx)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return errdefs.Wrap(errdefs.KindCancelled, err, "registry build cancelled")
	}

	snap := &snapshot{
		order:  tools,
		byName: make(map[string]*Tool, len(tools)),
	}
	for _, tool := range tools {
		snap.byName[tool.Name] = tool
	}
	r.snap.Store(snap)

	r.logger.Info(ctx, "tool registry built",
		"tools", len(tools),
		"model", modelID,
		"fallbacks", r.failures.Load(),
		"duration", time.Since(started).String())
	return nil
}

// buildOne resolves one tool descriptor: cached schema when present,
// freshly generated and written through otherwise, fallback on failure.
func (r *Registry) buildOne(ctx context.Context, modelID string, reg registration) *Tool {
	def := reg.def
	if r.cache != nil {
		if cached, ok := r.cache.Lookup(ctx, modelID, def.Name); ok {
			return &Tool{
				Descriptor: Descriptor{
					Name:        def.Name,
					Description: def.Description,
					Schema:      json.RawMessage(cached.SchemaText),
					Annotations: cached.Annotations,
					RiskClass:   def.RiskClass,
					Async:       def.Async,
					FromCache:   true,
				},
				Handler: reg.handler,
			}
		}
	}

	started := time.Now()
	gen, err := r.generate(ctx, def)
	if err != nil {
		r.failures.Add(1)
		r.logger.Warn(ctx, "tool description generation failed, using fallback schema",
			"tool", def.Name, "model", modelID, "error", err)
		return &Tool{Descriptor: fallbackDescriptor(def), Handler: reg.handler}
	}

	schemaText := string(gen.schema)
	annotations := gen.annotations
	if r.cache != nil {
		stored := r.cache.Store(ctx, modelID, def.Name, schemaText, annotations, time.Since(started).Milliseconds())
		schemaText = stored.SchemaText
		annotations = stored.Annotations
	}
	return &Tool{
		Descriptor: Descriptor{
			Name:        def.Name,
			Description: def.Description,
			Schema:      json.RawMessage(schemaText),
			Annotations: annotations,
			RiskClass:   def.RiskClass,
			Async:       def.Async,
		},
		Handler: reg.handler,
	}
}

// List returns the published descriptors in declaration order.
func (r *Registry) List() []Descriptor {
	snap := r.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(snap.order))
	for _, tool := range snap.order {
		out = append(out, tool.Descriptor)
	}
	return out
}

// Resolve returns the tool for name, false when unknown or not yet built.
func (r *Registry) Resolve(name string) (*Tool, bool) {
	snap := r.snap.Load()
	if snap == nil {
		return nil, false
	}
	tool, ok := snap.byName[name]
	return tool, ok
}

// GenerationFailures counts tools that fell back to the default schema.
func (r *Registry) GenerationFailures() int64 {
	return r.failures.Load()
}
