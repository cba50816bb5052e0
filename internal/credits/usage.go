package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"genstudio/internal/domain"
)

var ErrInvalidVisitorID = errors.New("invalid visitor id")

// Usage is the anonymous allowance reported to clients.
type Usage struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Max       int `json:"max"`
}

// Summarize clamps used into the free allowance window.
func Summarize(used int) Usage {
	if used < 0 {
		used = 0
	}
	remaining := domain.FreeMaxCredits - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Used: used, Remaining: remaining, Max: domain.FreeMaxCredits}
}

// UsageMirror keeps the server-side copy of each visitor's anonymous counter.
// It is informational; submissions are not gated on it.
type UsageMirror interface {
	Used(ctx context.Context, visitorID string) (int, error)
	Increment(ctx context.Context, visitorID string) (int, error)
}

const (
	usageKeyPrefix = "genstudio:usage:"
	usageTTL       = 30 * 24 * time.Hour
	maxVisitorLen  = 128
)

func normalizeVisitorID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxVisitorLen || strings.ContainsAny(id, " \t\r\n:") {
		return "", fmt.Errorf("%w: %q", ErrInvalidVisitorID, raw)
	}
	return id, nil
}

// RedisUsage stores counters under genstudio:usage:<visitor> with a rolling
// 30 day expiry set on first use.
type RedisUsage struct {
	client redis.Cmdable
}

func NewRedisUsage(client redis.Cmdable) *RedisUsage {
	return &RedisUsage{client: client}
}

func (r *RedisUsage) Used(ctx context.Context, visitorID string) (int, error) {
	id, err := normalizeVisitorID(visitorID)
	if err != nil {
		return 0, err
	}
	n, err := r.client.Get(ctx, usageKeyPrefix+id).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get usage: %w", err)
	}
	return n, nil
}

func (r *RedisUsage) Increment(ctx context.Context, visitorID string) (int, error) {
	id, err := normalizeVisitorID(visitorID)
	if err != nil {
		return 0, err
	}
	key := usageKeyPrefix + id
	var incr *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, usageTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr usage: %w", err)
	}
	return int(incr.Val()), nil
}

// MemoryUsage is the fallback mirror used when REDIS_URL is unset.
type MemoryUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{counts: make(map[string]int)}
}

func (m *MemoryUsage) Used(_ context.Context, visitorID string) (int, error) {
	id, err := normalizeVisitorID(visitorID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id], nil
}

func (m *MemoryUsage) Increment(_ context.Context, visitorID string) (int, error) {
	id, err := normalizeVisitorID(visitorID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[id]++
	return m.counts[id], nil
}

var (
	_ UsageMirror = (*RedisUsage)(nil)
	_ UsageMirror = (*MemoryUsage)(nil)
)
