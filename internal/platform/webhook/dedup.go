package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers notification ids so redelivered events are applied once.
type Deduper interface {
	// Seen atomically records id and reports whether it was already recorded.
	Seen(ctx context.Context, id string) (bool, error)
	// Forget drops id so a later redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

// redisCmdable is the subset of redis.Cmdable the deduper needs.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisDeduper struct {
	client redisCmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redisCmdable, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "paddle:event:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	created, err := d.client.SetNX(ctx, d.prefix+id, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", id, err)
	}
	return !created, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}

// MemoryDeduper is a process-local Deduper for single-instance deployments
// and tests.
type MemoryDeduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

// memorySweepInterval bounds how often expired ids are purged. Expired ids
// are already treated as new by Seen; the sweep only reclaims memory.
const memorySweepInterval = time.Minute

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[id]; ok && (d.ttl <= 0 || now.Before(exp)) {
		return true, nil
	}
	d.seen[id] = now.Add(d.ttl)
	if !now.Before(d.nextSweep) {
		d.sweep(now)
		d.nextSweep = now.Add(memorySweepInterval)
	}
	return false, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
	return nil
}

// sweep drops expired ids; caller holds mu.
func (d *MemoryDeduper) sweep(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	for id, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, id)
		}
	}
}
