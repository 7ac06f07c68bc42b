package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"apigate/client"

	"github.com/redis/go-redis/v9"
)

func TestRedisBackend_UnreachableSurfacesError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:0",
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  0,
	})
	defer rdb.Close()
	b := NewRedisBackend(rdb)

	_, err := b.Get(context.Background(), "k")
	if err == nil || errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if err := b.Health(context.Background()); err == nil {
		t.Errorf("expected health check to fail")
	}
	if err := b.Delete(context.Background()); err != nil {
		t.Errorf("empty delete should not reach redis, got %v", err)
	}
}
