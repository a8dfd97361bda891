package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

const redisURLEnv = "PULSE_TEST_REDIS_URL"

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	redisURL := os.Getenv(redisURLEnv)
	if redisURL == "" {
		t.Skipf("%s not set", redisURLEnv)
	}
	ctx := context.Background()
	client, err := Connect(ctx, redisURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	prefix := fmt.Sprintf("pulse-test-%d", time.Now().UnixNano())
	backend, err := New(client, prefix)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = backend.Close()
	})
	return backend
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestItemsKeyUsesStreamHashTag(t *testing.T) {
	backend := &Backend{prefix: "pulse"}
	if got := backend.itemsKey(streams.ChatMessages, "conv-1"); got != "pulse:items:{chatMessages}:conv-1" {
		t.Fatalf("unexpected items key %q", got)
	}
	if got := backend.groupsKey(streams.ChatMessages); got != "pulse:groups:{chatMessages}" {
		t.Fatalf("unexpected groups key %q", got)
	}
}

func TestRedisRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	stamp := time.Date(2026, 5, 1, 9, 0, 0, 7, time.UTC)
	item := streams.Item{Stream: streams.Notifications, Group: "u1", Key: "n1", Payload: json.RawMessage(`{"title":"x"}`), UpdatedAt: stamp}

	if err := backend.Put(ctx, item); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, err := backend.Get(ctx, item.StoreKey())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.UpdatedAt.Equal(stamp) || string(loaded.Payload) != `{"title":"x"}` {
		t.Fatalf("unexpected item %+v", loaded)
	}

	groups, err := backend.Groups(ctx, streams.Notifications)
	if err != nil || len(groups) != 1 || groups[0] != "u1" {
		t.Fatalf("expected [u1], got %v err=%v", groups, err)
	}

	if err := backend.Delete(ctx, item.StoreKey()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.Get(ctx, item.StoreKey()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	groups, err = backend.Groups(ctx, streams.Notifications)
	if err != nil || len(groups) != 0 {
		t.Fatalf("expected no groups after delete, got %v err=%v", groups, err)
	}
}
