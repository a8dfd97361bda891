// Package sqlstore persists stream items through GORM.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("sqlstore: database connection required")

// Backend is a store.Backend over a GORM connection. The stream_items table
// is expected to be migrated by the caller.
type Backend struct {
	db *gorm.DB
}

// New constructs a Backend.
func New(db *gorm.DB) (*Backend, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Put(ctx context.Context, item streams.Item) error {
	record := Record{
		Stream:         item.Stream.String(),
		GroupKey:       item.Group,
		ItemKey:        item.Key,
		PayloadJSON:    string(item.Payload),
		UpdatedAtNanos: item.UpdatedAt.UnixNano(),
	}
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream"}, {Name: "group_key"}, {Name: "item_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_ns"}),
		}).
		Create(&record).Error
}

func (b *Backend) Get(ctx context.Context, key streams.Key) (streams.Item, error) {
	var record Record
	err := b.db.WithContext(ctx).
		Where("stream = ? AND group_key = ? AND item_key = ?", key.Stream.String(), key.Group, key.ItemKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return streams.Item{}, store.ErrNotFound
	}
	if err != nil {
		return streams.Item{}, fmt.Errorf("sqlstore: get %s/%s/%s: %w", key.Stream, key.Group, key.ItemKey, err)
	}
	return record.item(), nil
}

func (b *Backend) List(ctx context.Context, stream streams.Name, group string) ([]streams.Item, error) {
	var records []Record
	if err := b.db.WithContext(ctx).
		Where("stream = ? AND group_key = ?", stream.String(), group).
		Order("updated_at_ns ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list %s/%s: %w", stream, group, err)
	}
	items := make([]streams.Item, 0, len(records))
	for _, record := range records {
		items = append(items, record.item())
	}
	return items, nil
}

func (b *Backend) Delete(ctx context.Context, key streams.Key) error {
	return b.db.WithContext(ctx).
		Where("stream = ? AND group_key = ? AND item_key = ?", key.Stream.String(), key.Group, key.ItemKey).
		Delete(&Record{}).Error
}

func (b *Backend) Groups(ctx context.Context, stream streams.Name) ([]string, error) {
	var groups []string
	if err := b.db.WithContext(ctx).
		Model(&Record{}).
		Where("stream = ?", stream.String()).
		Distinct("group_key").
		Order("group_key ASC").
		Pluck("group_key", &groups).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: groups %s: %w", stream, err)
	}
	return groups, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (record Record) item() streams.Item {
	return streams.Item{
		Stream:    streams.Name(record.Stream),
		Group:     record.GroupKey,
		Key:       record.ItemKey,
		Payload:   json.RawMessage(record.PayloadJSON),
		UpdatedAt: time.Unix(0, record.UpdatedAtNanos).UTC(),
	}
}
