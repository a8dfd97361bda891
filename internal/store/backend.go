package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

var (
	// ErrNotFound indicates that no item is stored under the key.
	ErrNotFound = errors.New("store: item not found")
	// ErrStoreWrite indicates that the backing store rejected a write after every retry.
	ErrStoreWrite = errors.New("store: write failed")
)

// WriteError reports a write that failed on every attempt.
type WriteError struct {
	Key      streams.Key
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %s/%s/%s after %d attempts: %v", ErrStoreWrite.Error(), e.Key.Stream, e.Key.Group, e.Key.ItemKey, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrStoreWrite.
func (e *WriteError) Is(target error) bool {
	return target == ErrStoreWrite
}

// Backend persists items. Implementations must be safe for concurrent use;
// the Store serializes writes per key, so a Backend only needs to keep
// different keys from corrupting each other.
type Backend interface {
	Put(ctx context.Context, item streams.Item) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key streams.Key) (streams.Item, error)
	// List returns every item of a group in any order.
	List(ctx context.Context, stream streams.Name, group string) ([]streams.Item, error)
	Delete(ctx context.Context, key streams.Key) error
	Groups(ctx context.Context, stream streams.Name) ([]string, error)
	Close() error
}
