// Package redisstore persists stream items in Redis hashes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pulse"

var errMissingClient = errors.New("redisstore: client is required")

// Backend is a store.Backend over Redis. Each group is one hash keyed by
// item key; each stream keeps a set of the groups it has written to.
type Backend struct {
	client *redis.Client
	prefix string
}

type storedValue struct {
	Payload        json.RawMessage `json:"payload"`
	UpdatedAtNanos int64           `json:"updatedAtNs"`
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New constructs a Backend. An empty prefix falls back to "pulse".
func New(client *redis.Client, prefix string) (*Backend, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &Backend{client: client, prefix: prefix}, nil
}

func (b *Backend) Put(ctx context.Context, item streams.Item) error {
	value, err := json.Marshal(storedValue{Payload: item.Payload, UpdatedAtNanos: item.UpdatedAt.UnixNano()})
	if err != nil {
		return fmt.Errorf("redisstore: encode %s/%s/%s: %w", item.Stream, item.Group, item.Key, err)
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.itemsKey(item.Stream, item.Group), item.Key, value)
		p.SAdd(ctx, b.groupsKey(item.Stream), item.Group)
		return nil
	})
	return err
}

func (b *Backend) Get(ctx context.Context, key streams.Key) (streams.Item, error) {
	raw, err := b.client.HGet(ctx, b.itemsKey(key.Stream, key.Group), key.ItemKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return streams.Item{}, store.ErrNotFound
	}
	if err != nil {
		return streams.Item{}, fmt.Errorf("redisstore: get %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	return decodeItem(key, raw)
}

func (b *Backend) List(ctx context.Context, stream streams.Name, group string) ([]streams.Item, error) {
	data, err := b.client.HGetAll(ctx, b.itemsKey(stream, group)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list %s/%s: %w", stream, group, err)
	}
	items := make([]streams.Item, 0, len(data))
	for itemKey, raw := range data {
		item, err := decodeItem(streams.Key{Stream: stream, Group: group, ItemKey: itemKey}, []byte(raw))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete removes the hash field. Redis drops a hash once its last field is
// gone, which is how Groups recognizes emptied groups.
func (b *Backend) Delete(ctx context.Context, key streams.Key) error {
	return b.client.HDel(ctx, b.itemsKey(key.Stream, key.Group), key.ItemKey).Err()
}

func (b *Backend) Groups(ctx context.Context, stream streams.Name) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.groupsKey(stream)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: groups %s: %w", stream, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	pipe := b.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for index, group := range members {
		checks[index] = pipe.Exists(ctx, b.itemsKey(stream, group))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: groups %s: %w", stream, err)
	}
	groups := make([]string, 0, len(members))
	for index, group := range members {
		if checks[index].Val() > 0 {
			groups = append(groups, group)
		}
	}
	slices.Sort(groups)
	return groups, nil
}

// Close closes the Redis client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) itemsKey(stream streams.Name, group string) string {
	return fmt.Sprintf("%s:items:{%s}:%s", b.prefix, stream, group)
}

func (b *Backend) groupsKey(stream streams.Name) string {
	return fmt.Sprintf("%s:groups:{%s}", b.prefix, stream)
}

func decodeItem(key streams.Key, raw []byte) (streams.Item, error) {
	var stored storedValue
	if err := json.Unmarshal(raw, &stored); err != nil {
		return streams.Item{}, fmt.Errorf("redisstore: decode %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	return streams.Item{
		Stream:    key.Stream,
		Group:     key.Group,
		Key:       key.ItemKey,
		Payload:   stored.Payload,
		UpdatedAt: time.Unix(0, stored.UpdatedAtNanos).UTC(),
	}, nil
}
