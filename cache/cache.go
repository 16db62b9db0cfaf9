// Package cache implements the content-addressed validation cache (spec.md
// §4.15, component C15): keys are a hash of (resolved pipeline bytes,
// sorted variable key/values, connector registry signature); a cache hit
// returns in O(1) with no validator re-invocation. Concurrent validations
// of the same key collapse into one call via singleflight.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Key is an opaque content-addressed cache key.
type Key string

// Compute derives a Key from the resolved pipeline's serialized bytes, the
// active variable bindings, and the connector registry's signature (e.g. a
// sorted, joined list of registered type names).
func Compute(pipelineBytes []byte, vars map[string]string, registrySignature string) Key {
	h := xxhash.New()
	h.Write(pipelineBytes)
	h.Write([]byte{0})

	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}

	sort.Strings(names)

	for _, k := range names {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(vars[k]))
		h.Write([]byte{0})
	}

	h.Write([]byte(registrySignature))

	return Key(fmt.Sprintf("%016x", h.Sum64()))
}

// Cache stores validation reports keyed by Key, with single-flight
// collapsing of concurrent misses for the same key.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]any
	group   singleflight.Group
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]any)}
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entries[key]

	return v, ok
}

// GetOrCompute returns the cached value for key, computing and storing it
// via compute on a miss. Concurrent callers racing on the same key share one
// compute invocation.
func (c *Cache) GetOrCompute(key Key, compute func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(string(key), func() (any, error) {
		if cached, ok := c.Get(key); ok {
			return cached, nil
		}

		result, err := compute()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = result
		c.mu.Unlock()

		return result, nil
	})

	return v, err
}

// Clear empties the entire cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Key]any)
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// RegistrySignature joins sorted connector type names into a stable string
// suitable as the registry-signature input to Compute.
func RegistrySignature(types []string) string {
	sorted := append([]string(nil), types...)
	sort.Strings(sorted)

	return strings.Join(sorted, ",")
}
