package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeat alerts. A down credential keeps
// failing health checks and an exhausted tenant keeps getting denied;
// without suppression every occurrence would page.
type Deduplicator interface {
	// ShouldAlert reports whether this alert key is new within the
	// suppression window.
	ShouldAlert(ctx context.Context, key string) bool

	// Clear drops the suppression state for a key, re-arming the
	// alert (e.g. after a credential recovers).
	Clear(ctx context.Context, key string)
}

// InMemoryDeduplicator suppresses repeats within a TTL. Single
// instance only.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[key] = now
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// RedisDeduplicator shares suppression state across replicas, so only
// one instance publishes a given alert per window.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func alertKey(key string) string {
	return "alert:sent:" + key
}

// ShouldAlert wins the SETNX race on exactly one replica. Redis
// errors fail open; a duplicate page beats a silent outage.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, alertKey(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, key string) {
	d.client.Del(ctx, alertKey(key))
}
