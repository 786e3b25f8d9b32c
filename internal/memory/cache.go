package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/emberworks/cascade/internal/clock"
)

// Fingerprint derives the cache key for a completion request. Two requests
// share an entry only when model, prompts and sampling parameters all match.
func Fingerprint(model, systemPrompt, userPrompt string, temperature float64, maxTokens int) string {
	h := sha256.New()
	parts := []string{
		model,
		systemPrompt,
		userPrompt,
		strconv.FormatFloat(temperature, 'g', -1, 64),
		strconv.Itoa(maxTokens),
	}
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	value     string
	createdAt time.Time
}

// Cache is a TTL response cache keyed by request fingerprint. Do collapses
// concurrent identical requests into a single upstream call.
type Cache struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache creates a cache. A ttl <= 0 disables expiry.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached value for fp if present and unexpired. Expired
// entries are evicted on access.
func (c *Cache) Get(fp string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fp]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && c.clk.Now().Sub(entry.createdAt) >= c.ttl {
		delete(c.entries, fp)
		return "", false
	}
	return entry.value, true
}

// Set stores a value under fp.
func (c *Cache) Set(fp, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = cacheEntry{value: value, createdAt: c.clk.Now()}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Do returns the cached value for fp or invokes fn to produce it, storing
// the result on success. Concurrent calls with the same fp share one fn
// invocation. The second return reports whether the value came from cache.
func (c *Cache) Do(ctx context.Context, fp string, fn func(ctx context.Context) (string, error)) (string, bool, error) {
	if v, ok := c.Get(fp); ok {
		return v, true, nil
	}

	v, err, shared := c.group.Do(fp, func() (any, error) {
		// Re-check: an earlier flight may have filled the entry between our
		// miss and this call.
		if v, ok := c.Get(fp); ok {
			return v, nil
		}
		out, err := fn(ctx)
		if err != nil {
			return "", err
		}
		c.Set(fp, out)
		return out, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), shared, nil
}
