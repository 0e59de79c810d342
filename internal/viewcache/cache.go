// Package viewcache caches freshly generated embedded-signing URLs per
// (envelope, signer). The provider invalidates embedded views minutes after
// issuing them, so an entry is only served while younger than the freshness
// window; anything older is a miss and the caller must request a new view.
package viewcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nasieku/sigil/internal/config"
)

// DefaultFreshnessWindow is how long an embedded view URL is served from
// cache when no window is configured.
const DefaultFreshnessWindow = 5 * time.Minute

// Cache stores short-lived signing URLs keyed by envelope and signer email.
type Cache interface {
	// Get returns a cached URL still inside the freshness window. ok is
	// false on a miss; err is reserved for backend failures.
	Get(ctx context.Context, envelopeID, email string) (url string, ok bool, err error)

	// Put stores a freshly generated URL with the current time.
	Put(ctx context.Context, envelopeID, email, url string) error

	// InvalidateEnvelope drops every signer's entry for the envelope. Called
	// when the envelope reaches a terminal status.
	InvalidateEnvelope(ctx context.Context, envelopeID string) error
}

type memEntry struct {
	url       string
	createdAt time.Time
}

// MemoryCache is an in-process Cache. Entries are lost on restart, which is
// acceptable: regenerating a view is cheap and idempotent.
type MemoryCache struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewMemoryCache creates an in-process view cache.
func NewMemoryCache(cfg config.ViewCacheConfig) *MemoryCache {
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryCache{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]memEntry),
	}
}

// Get returns the cached URL when its age is strictly inside the window.
func (c *MemoryCache) Get(_ context.Context, envelopeID, email string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[viewKey(envelopeID, email)]
	if !exists || c.now().Sub(entry.createdAt) >= c.window {
		return "", false, nil
	}
	return entry.url, true, nil
}

// Put stores the URL stamped with the current time.
func (c *MemoryCache) Put(_ context.Context, envelopeID, email, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictExpired()
	}
	c.entries[viewKey(envelopeID, email)] = memEntry{url: url, createdAt: c.now()}
	return nil
}

// InvalidateEnvelope removes all entries for the envelope.
func (c *MemoryCache) InvalidateEnvelope(_ context.Context, envelopeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := viewKey(envelopeID, "")
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

// HealthCheck reports the cache as always healthy.
func (c *MemoryCache) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictExpired removes entries past the window. Must be called with mu held.
func (c *MemoryCache) evictExpired() {
	now := c.now()
	for k, v := range c.entries {
		if now.Sub(v.createdAt) >= c.window {
			delete(c.entries, k)
		}
	}
}

// viewKey builds the cache key. Envelope IDs never contain ':' so the
// prefix form is unambiguous.
func viewKey(envelopeID, email string) string {
	return "view:" + envelopeID + ":" + email
}
