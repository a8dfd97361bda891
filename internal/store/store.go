package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"go.uber.org/zap"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 10 * time.Millisecond

	opSet    = "store.set"
	opPatch  = "store.patch"
	opDelete = "store.delete"
)

var (
	errMissingBackend = errors.New("store: backend is required")
	noOpLogger        = zap.NewNop()
)

// Revalidator checks a payload produced by a partial update.
type Revalidator interface {
	Revalidate(key streams.Key, payload json.RawMessage) (json.RawMessage, error)
}

// ChangeHook observes every item written by Set or Patch. It runs while the
// item's key is still held, so it must not block.
type ChangeHook func(ctx context.Context, item streams.Item)

// Config describes the dependencies of a Store.
type Config struct {
	Backend        Backend
	Clock          func() time.Time
	Logger         *zap.Logger
	Revalidator    Revalidator
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Store is the partitioned stream → group → item upsert store.
type Store struct {
	backend     Backend
	clock       func() time.Time
	logger      *zap.Logger
	revalidator Revalidator
	attempts    int
	baseDelay   time.Duration

	locks   *keyLocks
	stamper stamper

	hooksMu sync.RWMutex
	hooks   []ChangeHook
}

// New constructs a Store over the backend.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	return &Store{
		backend:     cfg.Backend,
		clock:       clock,
		logger:      logger,
		revalidator: cfg.Revalidator,
		attempts:    attempts,
		baseDelay:   baseDelay,
		locks:       newKeyLocks(),
	}, nil
}

// OnChange registers a hook invoked after every successful Set or Patch.
func (s *Store) OnChange(hook ChangeHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Set upserts the item. Writes to the same key are applied one at a time in
// arrival order and the later write replaces the earlier one in full.
func (s *Store) Set(ctx context.Context, item streams.Item) (streams.Item, error) {
	key := item.StoreKey()
	if err := key.Validate(); err != nil {
		return streams.Item{}, err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	stamp, done := s.stamper.issue(key.Ref(), s.clock())
	item.UpdatedAt = stamp
	item.Payload = slices.Clone(item.Payload)
	err := s.write(ctx, opSet, item)
	done()
	if err != nil {
		return streams.Item{}, err
	}
	s.notify(ctx, item)
	return item, nil
}

// Get returns the item stored under key.
func (s *Store) Get(ctx context.Context, key streams.Key) (streams.Item, error) {
	if err := key.Validate(); err != nil {
		return streams.Item{}, err
	}
	return s.backend.Get(ctx, key)
}

// List yields the items of a group ordered by UpdatedAt. With a non-zero
// since only items updated strictly after it are yielded. Items stamped at
// or after a write that is still in flight are held back until a later
// read. The backend is read when the sequence is ranged over, and every
// range reads afresh.
func (s *Store) List(ctx context.Context, stream streams.Name, group string, since time.Time) iter.Seq2[streams.Item, error] {
	return func(yield func(streams.Item, error) bool) {
		horizon := s.stamper.horizon(streams.GroupRef{Stream: stream, Group: group}, s.clock())
		items, err := s.backend.List(ctx, stream, group)
		if err != nil {
			yield(streams.Item{}, fmt.Errorf("store: list %s/%s: %w", stream, group, err))
			return
		}
		slices.SortStableFunc(items, func(a, b streams.Item) int {
			return a.UpdatedAt.Compare(b.UpdatedAt)
		})
		for _, item := range items {
			if !since.IsZero() && !item.UpdatedAt.After(since) {
				continue
			}
			if !item.UpdatedAt.Before(horizon) {
				break
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Snapshot collects List into a slice.
func (s *Store) Snapshot(ctx context.Context, stream streams.Name, group string, since time.Time) ([]streams.Item, error) {
	var items []streams.Item
	for item, err := range s.List(ctx, stream, group, since) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Patch merges top-level payload fields into the stored item under the same
// per-key serialization as Set.
func (s *Store) Patch(ctx context.Context, key streams.Key, fields map[string]any) (streams.Item, error) {
	if err := key.Validate(); err != nil {
		return streams.Item{}, err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	existing, err := s.backend.Get(ctx, key)
	if err != nil {
		return streams.Item{}, err
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(existing.Payload, &merged); err != nil {
		return streams.Item{}, fmt.Errorf("store: decode stored payload %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	for field, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return streams.Item{}, fmt.Errorf("store: encode patch field %q: %w", field, err)
		}
		merged[field] = encoded
	}
	payload, err := json.Marshal(merged)
	if err != nil {
		return streams.Item{}, fmt.Errorf("store: encode patched payload: %w", err)
	}
	if s.revalidator != nil {
		payload, err = s.revalidator.Revalidate(key, payload)
		if err != nil {
			return streams.Item{}, err
		}
	}

	existing.Payload = payload
	stamp, done := s.stamper.issue(key.Ref(), s.clock())
	existing.UpdatedAt = stamp
	err = s.write(ctx, opPatch, existing)
	done()
	if err != nil {
		return streams.Item{}, err
	}
	s.notify(ctx, existing)
	return existing, nil
}

// Delete removes the item stored under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key streams.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logError(opDelete, err, key)
		return fmt.Errorf("store: delete %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	return nil
}

// DeleteIf removes the item stored under key when cond holds for its current
// state, checked while the key is held.
func (s *Store) DeleteIf(ctx context.Context, key streams.Key, cond func(streams.Item) bool) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	unlock := s.locks.lock(key)
	defer unlock()
	current, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cond(current) {
		return false, nil
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logError(opDelete, err, key)
		return false, fmt.Errorf("store: delete %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	return true, nil
}

// Groups lists the groups that hold items for a stream.
func (s *Store) Groups(ctx context.Context, stream streams.Name) ([]string, error) {
	return s.backend.Groups(ctx, stream)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) write(ctx context.Context, operation string, item streams.Item) error {
	var lastErr error
	attempts := 0
	for attempts < s.attempts {
		attempts++
		lastErr = s.backend.Put(ctx, item)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("store write attempt failed",
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.String("stream", item.Stream.String()),
			zap.String("group", item.Group),
			zap.String("item_key", item.Key),
			zap.Error(lastErr))
		if attempts == s.attempts || ctx.Err() != nil {
			break
		}
		if err := sleepContext(ctx, s.baseDelay<<(attempts-1)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	writeErr := &WriteError{Key: item.StoreKey(), Attempts: attempts, Err: lastErr}
	s.logError(operation, writeErr, item.StoreKey())
	return writeErr
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Store) notify(ctx context.Context, item streams.Item) {
	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, item)
	}
}

func (s *Store) logError(operation string, err error, key streams.Key) {
	s.logger.Error("stream store error",
		zap.String("operation", operation),
		zap.String("stream", key.Stream.String()),
		zap.String("group", key.Group),
		zap.String("item_key", key.ItemKey),
		zap.Error(err))
}
