package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Set(ctx, "k", []byte("v"), time.Minute)

	got, ok := s.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %s", got)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemory()
	s.now = func() time.Time { return now }

	s.Set(ctx, "k", []byte("v"), time.Minute)
	now = now.Add(2 * time.Minute)

	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("expected miss after ttl")
	}
	if s.Len() != 0 {
		t.Errorf("expected expired entry to be removed, len=%d", s.Len())
	}
}

func TestMemory_ZeroTTLIsNotStored(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Set(ctx, "k", []byte("v"), 0)
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("expected zero ttl to skip caching")
	}
}

func TestMemory_InvalidatePattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Set(ctx, "screening:patient:a:summary", []byte("1"), time.Minute)
	s.Set(ctx, "screening:patient:b:summary", []byte("2"), time.Minute)
	s.Set(ctx, "screening:list:abc", []byte("3"), time.Minute)
	s.Set(ctx, "screening:counts", []byte("4"), time.Minute)

	if n := s.Invalidate(ctx, "screening:patient:a:*"); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if _, ok := s.Get(ctx, "screening:patient:b:summary"); !ok {
		t.Error("other patient must survive")
	}
	if n := s.Invalidate(ctx, "screening:list:*"); n != 1 {
		t.Errorf("expected 1 list key removed, got %d", n)
	}
	if n := s.Invalidate(ctx, "screening:counts"); n != 1 {
		t.Errorf("expected exact key removed, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", s.Len())
	}
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Set(ctx, "a", []byte("1"), time.Minute)
	s.Set(ctx, "b", []byte("2"), time.Minute)
	s.Clear(ctx)
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestMemory_StartCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemory()
	s.Set(ctx, "k", []byte("v"), time.Millisecond)
	s.StartCleanup(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected cleanup to remove expired entry")
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var s Store = Noop{}
	s.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("noop store must never hit")
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rdb.Close()

	s := NewRedis(rdb, "test:"+time.Now().Format("150405.000000")+":", zerolog.Nop())
	defer s.Clear(ctx)

	s.Set(ctx, "screening:patient:a:summary", []byte("1"), time.Minute)
	s.Set(ctx, "screening:patient:b:summary", []byte("2"), time.Minute)
	if got, ok := s.Get(ctx, "screening:patient:a:summary"); !ok || string(got) != "1" {
		t.Fatalf("expected hit with 1, got %q ok=%v", got, ok)
	}
	if n := s.Invalidate(ctx, "screening:patient:*"); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if _, ok := s.Get(ctx, "screening:patient:b:summary"); ok {
		t.Error("expected miss after invalidate")
	}
}
