// Package desccache caches generated tool descriptions keyed by (model, tool).
package desccache

import (
	"context"
	"errors"
	"time"

	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/storage"
)

// Cache is a write-through description cache over the relational store.
// Persistence failures never propagate to callers: reads degrade to misses,
// writes return the unsaved value.
type Cache struct {
	store   storage.DescriptionStore
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a description cache backed by store.
func New(store storage.DescriptionStore, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Cache{store: store, logger: logger, metrics: metrics}
}

// Lookup returns the cached description for (modelID, toolName) and bumps its
// usage counter. The second return is false on miss or store failure.
func (c *Cache) Lookup(ctx context.Context, modelID, toolName string) (*storage.Description, bool) {
	desc, err := c.store.Lookup(ctx, modelID, toolName)
	if errors.Is(err, storage.ErrNotFound) {
		c.recordResult("miss")
		return nil, false
	}
	if err != nil {
		c.logger.Warn(ctx, "description lookup failed, treating as miss",
			"model", modelID, "tool", toolName, "error", err)
		c.recordResult("error")
		return nil, false
	}
	c.recordResult("hit")
	return desc, true
}

// Store upserts a generated description. The upsert is keyed by
// (modelID, toolName); created_at and usage_count of an existing row survive.
// On persistence failure the unsaved value is returned so startup can proceed.
func (c *Cache) Store(ctx context.Context, modelID, toolName, schemaText, annotations string, generationMillis int64) *storage.Description {
	desc := &storage.Description{
		ModelID:          modelID,
		ToolName:         toolName,
		SchemaText:       schemaText,
		Annotations:      annotations,
		GenerationMillis: generationMillis,
	}

	stored, err := c.store.Upsert(ctx, desc)
	if err != nil {
		c.logger.Warn(ctx, "description store failed, returning unsaved value",
			"model", modelID, "tool", toolName, "error", err)
		now := time.Now()
		desc.CreatedAt = now
		desc.LastUsedAt = now
		return desc
	}
	return stored
}

// StatsByModel returns per-model cache counts and mean generation time.
func (c *Cache) StatsByModel(ctx context.Context) ([]storage.ModelStats, error) {
	return c.store.StatsByModel(ctx)
}

// EvictOlderThan deletes entries last used more than age ago.
func (c *Cache) EvictOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	evicted, err := c.store.EvictOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		c.logger.Info(ctx, "evicted stale descriptions", "count", evicted, "older_than", age.String())
	}
	return evicted, nil
}

func (c *Cache) recordResult(result string) {
	if c.metrics != nil {
		c.metrics.RecordDescriptionCache(result)
	}
}
