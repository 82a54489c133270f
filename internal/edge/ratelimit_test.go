package edge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestLocalLimiterBurstAndIsolation(t *testing.T) {
	l := NewLocalLimiter(0, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "subject:a")
		if err != nil || !ok {
			t.Fatalf("request %d within burst must pass, ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "subject:a")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("request beyond burst must be dropped")
	}

	// A different key owns its own bucket.
	ok, err = l.Allow(ctx, "subject:b")
	if err != nil || !ok {
		t.Fatalf("other key must not be affected, ok=%v err=%v", ok, err)
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, "test", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "ip:10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("request %d within limit must pass, ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("request beyond limit must be dropped")
	}

	// Counters reset once the window passes.
	srv.FastForward(2 * time.Minute)
	ok, err = l.Allow(ctx, "ip:10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("new window must admit again, ok=%v err=%v", ok, err)
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	l := NewRedisLimiter(client, "test", 1, time.Minute)

	srv.Close()
	ok, err := l.Allow(context.Background(), "ip:10.0.0.1")
	if err == nil {
		t.Fatal("expected an error once redis is gone")
	}
	if !ok {
		t.Fatal("limiter must fail open on store errors")
	}
}
