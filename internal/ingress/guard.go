package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-orchestrator/internal/domain"
)

const (
	defaultDedupePrefix = "transfers:callbacks"
	defaultDedupeTTL    = time.Hour
)

// DeliveryGuard remembers callbacks that were already processed so redeliveries can be
// answered without reaching the orchestrator. It is an optimization only: the
// orchestrator's conditional transitions stay the source of truth.
type DeliveryGuard interface {
	Lookup(ctx context.Context, key string) (*domain.CallbackResult, bool, error)
	Remember(ctx context.Context, key string, result domain.CallbackResult) error
}

// RedisDeliveryGuard stores processed deliveries in Redis with a TTL.
type RedisDeliveryGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeliveryGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeliveryGuard {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = defaultDedupePrefix
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &RedisDeliveryGuard{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (g *RedisDeliveryGuard) key(key string) string {
	return fmt.Sprintf("%s:%s", g.prefix, key)
}

func (g *RedisDeliveryGuard) Lookup(ctx context.Context, key string) (*domain.CallbackResult, bool, error) {
	if g == nil || g.client == nil {
		return nil, false, nil
	}
	raw, err := g.client.Get(ctx, g.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var result domain.CallbackResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("corrupt delivery record %s: %w", key, err)
	}
	return &result, true, nil
}

func (g *RedisDeliveryGuard) Remember(ctx context.Context, key string, result domain.CallbackResult) error {
	if g == nil || g.client == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	// SETNX keeps the first outcome if two deliveries finish together.
	return g.client.SetNX(ctx, g.key(key), payload, g.ttl).Err()
}

// MemoryDeliveryGuard is the in-process guard used when Redis is not configured. Expired
// entries are swept from Remember at most once per ttl, so an entry outlives its expiry by
// at most one more ttl.
type MemoryDeliveryGuard struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

type memoryEntry struct {
	result    domain.CallbackResult
	expiresAt time.Time
}

func NewMemoryDeliveryGuard(ttl time.Duration) *MemoryDeliveryGuard {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &MemoryDeliveryGuard{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (g *MemoryDeliveryGuard) Lookup(ctx context.Context, key string) (*domain.CallbackResult, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !g.now().Before(entry.expiresAt) {
		delete(g.entries, key)
		return nil, false, nil
	}
	result := entry.result
	return &result, true, nil
}

func (g *MemoryDeliveryGuard) Remember(ctx context.Context, key string, result domain.CallbackResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !now.Before(g.nextSweep) {
		g.sweep(now)
	}
	if entry, ok := g.entries[key]; ok && now.Before(entry.expiresAt) {
		return nil
	}
	g.entries[key] = memoryEntry{result: result, expiresAt: now.Add(g.ttl)}
	return nil
}

// sweep drops expired entries. Callers hold g.mu.
func (g *MemoryDeliveryGuard) sweep(now time.Time) {
	for key, entry := range g.entries {
		if !now.Before(entry.expiresAt) {
			delete(g.entries, key)
		}
	}
	g.nextSweep = now.Add(g.ttl)
}
