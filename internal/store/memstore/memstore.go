// Package memstore keeps stream items in process memory.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

// Backend is an in-memory store.Backend partitioned by stream and group.
type Backend struct {
	mu         sync.RWMutex
	partitions map[streams.GroupRef]*partition
}

type partition struct {
	mu    sync.RWMutex
	items map[string]streams.Item
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{partitions: make(map[streams.GroupRef]*partition)}
}

func (b *Backend) Put(_ context.Context, item streams.Item) error {
	part := b.partition(streams.GroupRef{Stream: item.Stream, Group: item.Group}, true)
	item.Payload = slices.Clone(item.Payload)
	part.mu.Lock()
	part.items[item.Key] = item
	part.mu.Unlock()
	return nil
}

func (b *Backend) Get(_ context.Context, key streams.Key) (streams.Item, error) {
	part := b.partition(key.Ref(), false)
	if part == nil {
		return streams.Item{}, store.ErrNotFound
	}
	part.mu.RLock()
	item, ok := part.items[key.ItemKey]
	part.mu.RUnlock()
	if !ok {
		return streams.Item{}, store.ErrNotFound
	}
	item.Payload = slices.Clone(item.Payload)
	return item, nil
}

func (b *Backend) List(_ context.Context, stream streams.Name, group string) ([]streams.Item, error) {
	part := b.partition(streams.GroupRef{Stream: stream, Group: group}, false)
	if part == nil {
		return nil, nil
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	items := make([]streams.Item, 0, len(part.items))
	for _, item := range part.items {
		item.Payload = slices.Clone(item.Payload)
		items = append(items, item)
	}
	return items, nil
}

func (b *Backend) Delete(_ context.Context, key streams.Key) error {
	part := b.partition(key.Ref(), false)
	if part == nil {
		return nil
	}
	part.mu.Lock()
	delete(part.items, key.ItemKey)
	part.mu.Unlock()
	return nil
}

func (b *Backend) Groups(_ context.Context, stream streams.Name) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var groups []string
	for ref, part := range b.partitions {
		if ref.Stream != stream {
			continue
		}
		part.mu.RLock()
		populated := len(part.items) > 0
		part.mu.RUnlock()
		if populated {
			groups = append(groups, ref.Group)
		}
	}
	slices.Sort(groups)
	return groups, nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) partition(ref streams.GroupRef, create bool) *partition {
	b.mu.RLock()
	part := b.partitions[ref]
	b.mu.RUnlock()
	if part != nil || !create {
		return part
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if part = b.partitions[ref]; part == nil {
		part = &partition{items: make(map[string]streams.Item)}
		b.partitions[ref] = part
	}
	return part
}
