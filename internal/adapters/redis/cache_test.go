package redisad_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	redisad "guesty_sync/internal/adapters/redis"
)

type status struct {
	Remaining int    `json:"remaining"`
	Latest    string `json:"latest"`
}

func newCache(t *testing.T) (*redisad.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redisad.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	var got status
	if ok, err := c.Get(ctx, "guesty:sync:status", &got); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}

	want := status{Remaining: 4, Latest: "completed"}
	if err := c.Set(ctx, "guesty:sync:status", want, 30); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Get(ctx, "guesty:sync:status", &got)
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}

	mr.FastForward(31 * time.Second)
	if ok, _ := c.Get(ctx, "guesty:sync:status", &got); ok {
		t.Fatalf("expected expiry after ttl")
	}
}

func TestCacheDelAndPrefix(t *testing.T) {
	c, mr := newCache(t)
	c.WithPrefix("test:")
	ctx := context.Background()

	if err := c.Set(ctx, "k", status{Remaining: 1}, 60); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:k") {
		t.Fatalf("expected prefixed key in redis, keys=%v", mr.Keys())
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	var got status
	if ok, _ := c.Get(ctx, "k", &got); ok {
		t.Fatalf("expected miss after Del")
	}
}

func TestCacheCorruptValueIsMiss(t *testing.T) {
	c, mr := newCache(t)
	if err := mr.Set("bad", "{not json"); err != nil {
		t.Fatal(err)
	}
	var got status
	ok, err := c.Get(context.Background(), "bad", &got)
	if ok || err == nil {
		t.Fatalf("expected decode error miss, ok=%v err=%v", ok, err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
