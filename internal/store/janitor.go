package store

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"go.uber.org/zap"
)

const defaultJanitorInterval = time.Minute

// Expirer reports which streams expire and when an item does.
type Expirer interface {
	Expirable() []streams.Name
	ExpiresAt(item streams.Item) (time.Time, bool)
}

// Janitor periodically deletes expired items of expirable streams.
type Janitor struct {
	store    *Store
	expirer  Expirer
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// NewJanitor constructs a Janitor. A non-positive interval falls back to one minute.
func NewJanitor(store *Store, expirer Expirer, interval time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Janitor{
		store:    store,
		expirer:  expirer,
		interval: interval,
		clock:    store.clock,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := j.Sweep(ctx); err != nil {
				j.logger.Warn("janitor sweep failed", zap.Error(err))
			} else if removed > 0 {
				j.logger.Info("expired items removed", zap.Int("count", removed))
			}
		}
	}
}

// Sweep deletes every item whose expiry is not after now and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.clock()
	removed := 0
	for _, stream := range j.expirer.Expirable() {
		groups, err := j.store.Groups(ctx, stream)
		if err != nil {
			return removed, err
		}
		for _, group := range groups {
			items, err := j.store.Snapshot(ctx, stream, group, time.Time{})
			if err != nil {
				return removed, err
			}
			for _, item := range items {
				if !j.expired(item, now) {
					continue
				}
				deleted, err := j.store.DeleteIf(ctx, item.StoreKey(), func(current streams.Item) bool {
					return j.expired(current, now)
				})
				if err != nil {
					return removed, err
				}
				if deleted {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func (j *Janitor) expired(item streams.Item, now time.Time) bool {
	expiresAt, ok := j.expirer.ExpiresAt(item)
	return ok && !expiresAt.After(now)
}
