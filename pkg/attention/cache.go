package attention

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
)

// CacheKey identifies one assembled context.
type CacheKey struct {
	TemplateID  string
	AgentClass  string
	WorkOrderID string
	SessionID   string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("attention:%s:%s:%s:%s", k.TemplateID, k.AgentClass, k.WorkOrderID, k.SessionID)
}

// Cache stores assembled contexts. A hit short-circuits the pipeline.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (*AssembledContext, bool)
	Set(ctx context.Context, key CacheKey, ac *AssembledContext)
}

// NewCacheFromConfig picks the backend: Redis when an address is configured,
// otherwise the in-process TTL cache.
func NewCacheFromConfig(cfg *config.Config) Cache {
	ttl := time.Duration(cfg.Attention.CacheTTLSeconds) * time.Second
	if cfg.Attention.RedisAddr != "" {
		return NewRedisCache(cfg.Attention.RedisAddr, ttl)
	}
	return NewMemoryCache(ttl)
}

type memoryEntry struct {
	ac      *AssembledContext
	expires time.Time
}

// MemoryCache is the default single-process TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	clock   func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), clock: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key CacheKey) (*AssembledContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || c.clock().After(e.expires) {
		delete(c.entries, key.String())
		return nil, false
	}
	return e.ac, true
}

func (c *MemoryCache) Set(_ context.Context, key CacheKey, ac *AssembledContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = memoryEntry{ac: ac, expires: c.clock().Add(c.ttl)}
}

// RedisCache shares assembled contexts across kernel processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, key CacheKey) (*AssembledContext, bool) {
	raw, err := c.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		return nil, false
	}
	var ac AssembledContext
	if err := json.Unmarshal(raw, &ac); err != nil {
		return nil, false
	}
	return &ac, true
}

func (c *RedisCache) Set(ctx context.Context, key CacheKey, ac *AssembledContext) {
	raw, err := json.Marshal(ac)
	if err != nil {
		return
	}
	c.client.Set(ctx, key.String(), raw, c.ttl)
}
