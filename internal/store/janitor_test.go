package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/memstore"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

func expiringNotification(group, key string, expiresAt time.Time) streams.Item {
	payload := fmt.Sprintf(`{"recipientId":%q,"recipientRole":"partner","kind":"promotion","title":"t","message":"m","expiresAt":%q,"read":false}`,
		group, expiresAt.UTC().Format(time.RFC3339Nano))
	return streams.Item{Stream: streams.Notifications, Group: group, Key: key, Payload: json.RawMessage(payload)}
}

func TestJanitorSweepRemovesOnlyExpiredItems(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	streamStore, err := store.New(store.Config{
		Backend: memstore.New(),
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	ctx := context.Background()

	fixtures := []streams.Item{
		expiringNotification("u1", "expired", now.Add(-time.Minute)),
		expiringNotification("u1", "fresh", now.Add(time.Hour)),
		expiringNotification("u2", "boundary", now),
		notificationItem("u2", "permanent", "kept"),
	}
	for _, item := range fixtures {
		if _, err := streamStore.Set(ctx, item); err != nil {
			t.Fatalf("set %s failed: %v", item.Key, err)
		}
	}

	janitor := store.NewJanitor(streamStore, streams.DefaultCatalog(), time.Second, nil)
	removed, err := janitor.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two expired items removed, got %d", removed)
	}

	for _, key := range []string{"expired", "boundary"} {
		group := "u1"
		if key == "boundary" {
			group = "u2"
		}
		if _, err := streamStore.Get(ctx, streams.Key{Stream: streams.Notifications, Group: group, ItemKey: key}); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected %s to be swept, got %v", key, err)
		}
	}
	if _, err := streamStore.Get(ctx, streams.Key{Stream: streams.Notifications, Group: "u1", ItemKey: "fresh"}); err != nil {
		t.Fatalf("expected fresh item to survive: %v", err)
	}
	if _, err := streamStore.Get(ctx, streams.Key{Stream: streams.Notifications, Group: "u2", ItemKey: "permanent"}); err != nil {
		t.Fatalf("expected item without expiry to survive: %v", err)
	}
}

func TestDeleteIfKeepsItemWhenConditionFails(t *testing.T) {
	streamStore := newTestStore(t, memstore.New())
	ctx := context.Background()
	item, err := streamStore.Set(ctx, notificationItem("u1", "n1", "t"))
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}

	deleted, err := streamStore.DeleteIf(ctx, item.StoreKey(), func(streams.Item) bool { return false })
	if err != nil || deleted {
		t.Fatalf("expected no deletion, got deleted=%v err=%v", deleted, err)
	}
	deleted, err = streamStore.DeleteIf(ctx, item.StoreKey(), func(current streams.Item) bool {
		return current.UpdatedAt.Equal(item.UpdatedAt)
	})
	if err != nil || !deleted {
		t.Fatalf("expected deletion, got deleted=%v err=%v", deleted, err)
	}
	deleted, err = streamStore.DeleteIf(ctx, item.StoreKey(), func(streams.Item) bool { return true })
	if err != nil || deleted {
		t.Fatalf("expected missing key to report no deletion, got deleted=%v err=%v", deleted, err)
	}
}
