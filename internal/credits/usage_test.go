package credits

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		used int
		want Usage
	}{
		{used: 0, want: Usage{Used: 0, Remaining: 3, Max: 3}},
		{used: 2, want: Usage{Used: 2, Remaining: 1, Max: 3}},
		{used: 3, want: Usage{Used: 3, Remaining: 0, Max: 3}},
		{used: 7, want: Usage{Used: 7, Remaining: 0, Max: 3}},
		{used: -1, want: Usage{Used: 0, Remaining: 3, Max: 3}},
	}
	for _, tc := range tests {
		if got := Summarize(tc.used); got != tc.want {
			t.Fatalf("Summarize(%d) = %+v, want %+v", tc.used, got, tc.want)
		}
	}
}

func TestMemoryUsage(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryUsage()

	if n, err := m.Used(ctx, "visitor-a"); err != nil || n != 0 {
		t.Fatalf("expected 0, got %d %v", n, err)
	}
	for want := 1; want <= 3; want++ {
		n, err := m.Increment(ctx, "visitor-a")
		if err != nil {
			t.Fatalf("Increment error: %v", err)
		}
		if n != want {
			t.Fatalf("expected %d, got %d", want, n)
		}
	}
	if n, _ := m.Used(ctx, "visitor-b"); n != 0 {
		t.Fatalf("visitors must not share counters, got %d", n)
	}
}

func TestVisitorIDValidation(t *testing.T) {
	m := NewMemoryUsage()
	for _, id := range []string{"", "  ", "has space", "a:b"} {
		if _, err := m.Increment(context.Background(), id); !errors.Is(err, ErrInvalidVisitorID) {
			t.Fatalf("expected ErrInvalidVisitorID for %q, got %v", id, err)
		}
	}
}

// Runs against a real server when REDIS_URL is set.
func TestRedisUsage(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	visitor := "test-" + uuid.NewString()
	defer client.Del(ctx, usageKeyPrefix+visitor)

	r := NewRedisUsage(client)
	if n, err := r.Used(ctx, visitor); err != nil || n != 0 {
		t.Fatalf("expected 0, got %d %v", n, err)
	}
	if n, err := r.Increment(ctx, visitor); err != nil || n != 1 {
		t.Fatalf("expected 1, got %d %v", n, err)
	}
	if n, err := r.Used(ctx, visitor); err != nil || n != 1 {
		t.Fatalf("expected 1, got %d %v", n, err)
	}
	ttl, err := client.TTL(ctx, usageKeyPrefix+visitor).Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("expected expiry on usage key, got %v %v", ttl, err)
	}
}
