// Package ratelimit provides services.RateLimiter implementations. Counters
// live for the lifetime of the process and never decay.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/soaringjerry/Hubben/internal/services"
)

const DefaultMaxAttempts = 5

var errLimited = services.NewTooManyRequestsError("too_many_attempts")

// Memory counts attempts per key in process memory.
type Memory struct {
	mu       sync.Mutex
	max      int
	attempts map[string]int
}

func NewMemory(max int) *Memory {
	if max < 1 {
		max = DefaultMaxAttempts
	}
	return &Memory{max: max, attempts: map[string]int{}}
}

func (m *Memory) RegisterAttempt(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key]++
	if m.attempts[key] > m.max {
		return errLimited
	}
	return nil
}

// Attempts reports how many attempts were registered for key.
func (m *Memory) Attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[key]
}

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Redis shares counters between processes started together. Keys carry a
// per-process prefix so a restart starts from zero, like Memory.
type Redis struct {
	client  counter
	max     int64
	prefix  string
	timeout time.Duration
}

func NewRedis(client redis.Cmdable, max int) *Redis {
	return newRedis(client, max, "hubben:login:"+uuid.NewString()+":")
}

func newRedis(client counter, max int, prefix string) *Redis {
	if max < 1 {
		max = DefaultMaxAttempts
	}
	return &Redis{client: client, max: int64(max), prefix: prefix, timeout: 3 * time.Second}
}

func (r *Redis) RegisterAttempt(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.client.Incr(ctx, r.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit incr: %w", err)
	}
	if n > r.max {
		return errLimited
	}
	return nil
}

// Connect parses a redis:// URL, or a bare host:port, and pings the server.
func Connect(addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

var (
	_ services.RateLimiter = (*Memory)(nil)
	_ services.RateLimiter = (*Redis)(nil)
)
