package bypass

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTokenKey = "dealcycle:bypass:token"

// Token is a cached administrative credential.
type Token struct {
	Value     string    `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache stores at most one bypass token.
type Cache interface {
	Get(ctx context.Context) (Token, bool)
	Set(ctx context.Context, tok Token, ttl time.Duration) error
	// Clear drops the cached token only if its value equals value.
	Clear(ctx context.Context, value string) error
}

// MemoryCache keeps the token in process memory.
type MemoryCache struct {
	mu     sync.RWMutex
	tok    Token
	expiry time.Time
	now    func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tok.Value == "" || !c.now().Before(c.expiry) {
		return Token{}, false
	}
	return c.tok, true
}

func (c *MemoryCache) Set(_ context.Context, tok Token, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tok = tok
	c.expiry = tok.FetchedAt.Add(ttl)
	return nil
}

func (c *MemoryCache) Clear(_ context.Context, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Value != value {
		return nil
	}
	c.tok = Token{}
	c.expiry = time.Time{}
	return nil
}

// RedisCache shares the token between gateway replicas. Redis errors read as a miss.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context) (Token, bool) {
	raw, err := c.rdb.Get(ctx, redisTokenKey).Bytes()
	if err != nil {
		return Token{}, false
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil || tok.Value == "" {
		return Token{}, false
	}
	return tok, true
}

func (c *RedisCache) Set(ctx context.Context, tok Token, ttl time.Duration) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal bypass token: %w", err)
	}
	if err := c.rdb.Set(ctx, redisTokenKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("store bypass token: %w", err)
	}
	return nil
}

// clearScript deletes the key only while it still holds the rejected token.
var clearScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local ok, tok = pcall(cjson.decode, raw)
if ok and tok['value'] == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (c *RedisCache) Clear(ctx context.Context, value string) error {
	if err := clearScript.Run(ctx, c.rdb, []string{redisTokenKey}, value).Err(); err != nil {
		return fmt.Errorf("clear bypass token: %w", err)
	}
	return nil
}
