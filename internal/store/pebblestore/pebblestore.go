// Package pebblestore persists stream items in an embedded Pebble database.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/cockroachdb/pebble"
)

const (
	separator         = byte(0)
	itemNamespace     = "item"
	defaultSyncWindow = 5 * time.Millisecond
)

var errMissingDir = errors.New("pebblestore: Options.Dir is required")

// Options configures the Pebble backend.
type Options struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// Sync forces a WAL fsync on every write. When false writes are
	// group-committed within a short window.
	Sync bool
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Backend is a store.Backend over Pebble. Keys are laid out as
// item\x00stream\x00group\x00key so that a group is one contiguous range.
type Backend struct {
	db        *pebble.DB
	writeMode *pebble.WriteOptions
}

type storedValue struct {
	Payload        json.RawMessage `json:"payload"`
	UpdatedAtNanos int64           `json:"updatedAtNs"`
}

// Open creates or opens the database under opts.Dir.
func Open(opts Options) (*Backend, error) {
	if opts.Dir == "" {
		return nil, errMissingDir
	}
	pebbleOptions := opts.PebbleOptions
	if pebbleOptions == nil {
		pebbleOptions = &pebble.Options{}
	}
	writeMode := pebble.NoSync
	if opts.Sync {
		writeMode = pebble.Sync
	} else {
		pebbleOptions.WALMinSyncInterval = func() time.Duration { return defaultSyncWindow }
	}
	db, err := pebble.Open(opts.Dir, pebbleOptions)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", opts.Dir, err)
	}
	return &Backend{db: db, writeMode: writeMode}, nil
}

func (b *Backend) Put(_ context.Context, item streams.Item) error {
	value, err := json.Marshal(storedValue{Payload: item.Payload, UpdatedAtNanos: item.UpdatedAt.UnixNano()})
	if err != nil {
		return fmt.Errorf("pebblestore: encode %s/%s/%s: %w", item.Stream, item.Group, item.Key, err)
	}
	return b.db.Set(itemKey(item.StoreKey()), value, b.writeMode)
}

func (b *Backend) Get(_ context.Context, key streams.Key) (streams.Item, error) {
	value, closer, err := b.db.Get(itemKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return streams.Item{}, store.ErrNotFound
	}
	if err != nil {
		return streams.Item{}, fmt.Errorf("pebblestore: get %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	defer closer.Close()
	return decodeItem(key, value)
}

func (b *Backend) List(_ context.Context, stream streams.Name, group string) ([]streams.Item, error) {
	prefix := groupPrefix(stream, group)
	iterator, err := b.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: list %s/%s: %w", stream, group, err)
	}
	defer iterator.Close()

	var items []streams.Item
	for valid := iterator.First(); valid; valid = iterator.Next() {
		key := streams.Key{Stream: stream, Group: group, ItemKey: string(bytes.TrimPrefix(iterator.Key(), prefix))}
		item, err := decodeItem(key, iterator.Value())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := iterator.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: list %s/%s: %w", stream, group, err)
	}
	return items, nil
}

func (b *Backend) Delete(_ context.Context, key streams.Key) error {
	return b.db.Delete(itemKey(key), b.writeMode)
}

// Groups walks the stream range and skips over each group with one seek.
func (b *Backend) Groups(_ context.Context, stream streams.Name) ([]string, error) {
	prefix := streamPrefix(stream)
	iterator, err := b.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: groups %s: %w", stream, err)
	}
	defer iterator.Close()

	var groups []string
	for valid := iterator.First(); valid; {
		rest := bytes.TrimPrefix(iterator.Key(), prefix)
		group, _, found := bytes.Cut(rest, []byte{separator})
		if !found {
			valid = iterator.Next()
			continue
		}
		groups = append(groups, string(group))
		valid = iterator.SeekGE(upperBound(groupPrefix(stream, string(group))))
	}
	if err := iterator.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: groups %s: %w", stream, err)
	}
	return groups, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodeItem(key streams.Key, value []byte) (streams.Item, error) {
	var stored storedValue
	if err := json.Unmarshal(value, &stored); err != nil {
		return streams.Item{}, fmt.Errorf("pebblestore: decode %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	return streams.Item{
		Stream:    key.Stream,
		Group:     key.Group,
		Key:       key.ItemKey,
		Payload:   stored.Payload,
		UpdatedAt: time.Unix(0, stored.UpdatedAtNanos).UTC(),
	}, nil
}

func streamPrefix(stream streams.Name) []byte {
	buf := make([]byte, 0, len(itemNamespace)+len(stream)+2)
	buf = append(buf, itemNamespace...)
	buf = append(buf, separator)
	buf = append(buf, stream...)
	return append(buf, separator)
}

func groupPrefix(stream streams.Name, group string) []byte {
	buf := streamPrefix(stream)
	buf = append(buf, group...)
	return append(buf, separator)
}

func itemKey(key streams.Key) []byte {
	return append(groupPrefix(key.Stream, key.Group), key.ItemKey...)
}

// upperBound returns the smallest key greater than every key with prefix.
// Prefixes always end in the separator byte, so incrementing it never overflows.
func upperBound(prefix []byte) []byte {
	bound := bytes.Clone(prefix)
	bound[len(bound)-1]++
	return bound
}
