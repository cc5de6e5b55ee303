package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tickethub.org/internal/identity"
)

// TokenCache persists token material across restarts. Clearing it is part of
// the sign-out contract: local credential state must be gone before any
// subscriber hears about the sign-out.
type TokenCache interface {
	Load(ctx context.Context) (*identity.Session, error)
	Save(ctx context.Context, s *identity.Session) error
	Clear(ctx context.Context) error
}

// MemoryCache keeps the session in process memory.
type MemoryCache struct {
	mu  sync.Mutex
	cur *identity.Session
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Load(ctx context.Context) (*identity.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil, nil
	}
	cp := *c.cur
	return &cp, nil
}

func (c *MemoryCache) Save(ctx context.Context, s *identity.Session) error {
	if s == nil {
		return errors.New("session: cannot cache nil session")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *s
	c.cur = &cp
	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nil
	return nil
}

const defaultRedisTTL = 30 * 24 * time.Hour

// RedisCache persists the session in redis so a restarted gateway resumes the
// session instead of forcing a new sign-in.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, key string) *RedisCache {
	return &RedisCache{client: client, key: key, ttl: defaultRedisTTL}
}

func (c *RedisCache) Load(ctx context.Context) (*identity.Session, error) {
	val, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session cache load: %w", err)
	}
	var s identity.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("session cache decode: %w", err)
	}
	return &s, nil
}

func (c *RedisCache) Save(ctx context.Context, s *identity.Session) error {
	if s == nil {
		return errors.New("session: cannot cache nil session")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("session cache save: %w", err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("session cache clear: %w", err)
	}
	return nil
}
