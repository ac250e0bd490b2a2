// Package modulecache implements the three-tier compiled-WASM-module
// lookup described in spec §4.5: an in-memory LRU, a durable K/V column,
// and — on a miss in both — a full compile through a caller-supplied
// compiler (internal/runtime wires wasmer-go's Module.Serialize).
package modulecache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
	"github.com/calimero-network/core/internal/metrics"
)

// DefaultLRUSize is the default number of compiled modules held in memory
// (spec §4.5, Open Question resolved: sized to keep a handful of hot
// applications resident without bounding by byte size).
const DefaultLRUSize = 8

// Compiler turns raw WASM bytes into a serialized, loadable artifact. The
// runtime package supplies the real implementation (wasmer Module.Serialize
// after a validating compile); tests may stub it.
type Compiler func(wasmBytes []byte) ([]byte, error)

// cacheKey identifies one (application, version) compiled artifact.
type cacheKey struct {
	app     ids.ApplicationId
	version string
}

// entry is what both the LRU and the K/V column store.
type entry struct {
	Version string
	Compiled []byte
}

// Cache is the three-tier lookup. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache[cacheKey, entry]
	kv      *kvstore.Store
	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry; nil (the default) disables
// reporting.
func (c *Cache) SetMetrics(m *metrics.Registry) { c.metrics = m }

// New constructs a cache backed by kv, with an in-memory LRU of size
// (DefaultLRUSize if size <= 0).
func New(kv *kvstore.Store, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultLRUSize
	}
	l, err := lru.New[cacheKey, entry](size)
	if err != nil {
		return nil, fmt.Errorf("modulecache: new lru: %w", err)
	}
	return &Cache{lru: l, kv: kv}, nil
}

func columnKey(k cacheKey) []byte {
	out := make([]byte, 0, 32+1+len(k.version))
	out = append(out, k.app.Bytes()...)
	out = append(out, ':')
	out = append(out, k.version...)
	return out
}

// Get returns the compiled artifact for (app, version), compiling wasmBytes
// through compiler on a full miss and populating both the K/V column and
// the LRU on the way back out (spec §4.5: "a version mismatch triggers
// recompile and overwrite", Open Question resolved — version is an opaque
// caller-chosen tag, typically the application blob's content hash, so a
// changed application always misses rather than serving a stale artifact).
func (c *Cache) Get(app ids.ApplicationId, version string, wasmBytes []byte, compiler Compiler) ([]byte, error) {
	key := cacheKey{app: app, version: version}

	c.mu.Lock()
	if e, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		c.recordHit()
		return e.Compiled, nil
	}
	c.mu.Unlock()

	if c.kv != nil {
		if raw, ok, err := c.kv.Get(kvstore.ColumnCompiledModules, columnKey(key)); err == nil && ok {
			c.mu.Lock()
			c.lru.Add(key, entry{Version: version, Compiled: raw})
			c.mu.Unlock()
			c.recordHit()
			return raw, nil
		}
	}

	c.recordMiss()
	compiled, err := compiler(wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("modulecache: compile %s@%s: %w", app, version, err)
	}

	if c.kv != nil {
		if err := c.kv.Put(kvstore.ColumnCompiledModules, columnKey(key), compiled); err != nil {
			return nil, fmt.Errorf("modulecache: persist %s@%s: %w", app, version, err)
		}
	}
	c.mu.Lock()
	c.lru.Add(key, entry{Version: version, Compiled: compiled})
	c.mu.Unlock()

	return compiled, nil
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.ModuleCacheHits.Inc()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.ModuleCacheMisses.Inc()
	}
}

// Invalidate drops (app, version) from both tiers, used when an
// application is redeployed under the same version tag (should not
// normally happen, but guards against a misbehaving deployer).
func (c *Cache) Invalidate(app ids.ApplicationId, version string) error {
	key := cacheKey{app: app, version: version}
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	if c.kv == nil {
		return nil
	}
	return c.kv.Delete(kvstore.ColumnCompiledModules, columnKey(key))
}
