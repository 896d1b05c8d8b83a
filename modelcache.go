package rls

import (
	"errors"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// ModelCacheConfig sizes the ristretto cache behind ModelCache.
type ModelCacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func DefaultModelCacheConfig() ModelCacheConfig {
	return ModelCacheConfig{NumCounters: 1e4, MaxCost: 1 << 10, BufferItems: 64}
}

// ModelCache holds artifacts compiled per cache partition, e.g. a data model
// rendered with masking applied. Keys are derived from the partition key of
// the security context, so callers that differ in role or show_pii never see
// each other's entries. Each entry costs 1.
type ModelCache struct {
	cache *ristretto.Cache
	group singleflight.Group
	keyFn func(*SecurityContext) string
}

// NewModelCache returns a cache partitioned by the engine's ContextToAppID.
func (e *Engine) NewModelCache(cfg ModelCacheConfig) (*ModelCache, error) {
	return NewModelCache(cfg, e.ContextToAppID)
}

// NewModelCache returns a cache partitioned by keyFn.
func NewModelCache(cfg ModelCacheConfig, keyFn func(*SecurityContext) string) (*ModelCache, error) {
	if keyFn == nil {
		return nil, errors.New("rls: model cache key func is nil")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		// Costs count entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &ModelCache{cache: c, keyFn: keyFn}, nil
}

// Key returns the cache key of model for sc.
func (m *ModelCache) Key(sc *SecurityContext, model string) string {
	return m.keyFn(sc) + "/" + model
}

// GetOrCompile returns the cached artifact of model for the partition of sc,
// calling compile on a miss. Concurrent misses for the same key share one
// compile call. Failed compiles are not cached.
func (m *ModelCache) GetOrCompile(sc *SecurityContext, model string, compile func() (any, error)) (any, error) {
	key := m.Key(sc, model)
	if v, ok := m.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		if v, ok := m.cache.Get(key); ok {
			return v, nil
		}
		v, err := compile()
		if err != nil {
			return nil, err
		}
		m.cache.Set(key, v, 1)
		m.cache.Wait()
		return v, nil
	})
	return v, err
}

// Invalidate drops every cached artifact.
func (m *ModelCache) Invalidate() {
	m.cache.Clear()
}

func (m *ModelCache) Close() {
	m.cache.Close()
}
