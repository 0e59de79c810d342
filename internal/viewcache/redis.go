package viewcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nasieku/sigil/internal/config"
)

// redisEntry is the stored value for one signer's view URL.
type redisEntry struct {
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisCache is a redis-backed Cache shared across instances. Each envelope
// is one hash keyed "view:{envelopeId}" with a field per signer email; the
// key itself expires with the freshness window so terminal envelopes leave
// no garbage behind.
type RedisCache struct {
	client redis.Cmdable
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisCache creates a redis-backed view cache.
func NewRedisCache(client redis.Cmdable, cfg config.ViewCacheConfig) *RedisCache {
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &RedisCache{
		client: client,
		window: window,
		prefix: cfg.Redis.KeyPrefix,
		now:    time.Now,
	}
}

// Get returns the signer's cached URL when its age is strictly inside the
// window. The stored timestamp is authoritative; the key TTL only reaps.
func (c *RedisCache) Get(ctx context.Context, envelopeID, email string) (string, bool, error) {
	raw, err := c.client.HGet(ctx, c.key(envelopeID), email).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget view %q: %w", envelopeID, err)
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("unmarshal view entry %q: %w", envelopeID, err)
	}
	if c.now().Sub(entry.CreatedAt) >= c.window {
		return "", false, nil
	}
	return entry.URL, true, nil
}

// Put stores the URL stamped with the current time and refreshes the key TTL.
func (c *RedisCache) Put(ctx context.Context, envelopeID, email, url string) error {
	data, err := json.Marshal(redisEntry{URL: url, CreatedAt: c.now()})
	if err != nil {
		return fmt.Errorf("marshal view entry: %w", err)
	}

	key := c.key(envelopeID)
	if err := c.client.HSet(ctx, key, email, data).Err(); err != nil {
		return fmt.Errorf("redis hset view %q: %w", envelopeID, err)
	}
	if err := c.client.Expire(ctx, key, c.window).Err(); err != nil {
		return fmt.Errorf("redis expire view %q: %w", envelopeID, err)
	}
	return nil
}

// InvalidateEnvelope deletes the envelope's hash.
func (c *RedisCache) InvalidateEnvelope(ctx context.Context, envelopeID string) error {
	if err := c.client.Del(ctx, c.key(envelopeID)).Err(); err != nil {
		return fmt.Errorf("redis del view %q: %w", envelopeID, err)
	}
	return nil
}

// HealthCheck pings redis.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(envelopeID string) string {
	return c.prefix + "view:" + envelopeID
}
