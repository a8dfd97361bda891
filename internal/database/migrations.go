package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/sqlstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeBlankItemKeys = "2026-10-01_purge_blank_item_keys"

// migrationRecord marks a data migration as done.
type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(*gorm.DB) error
}

// migrations run in order, each at most once per database.
var migrations = []migration{
	{name: migrationPurgeBlankItemKeys, apply: purgeBlankItemKeys},
}

// applyMigrations runs pending migrations, each inside its own transaction
// together with its ledger row. It returns how many ran.
func applyMigrations(db *gorm.DB, logger *zap.Logger) (int, error) {
	applied := 0
	for _, step := range migrations {
		done, err := migrationApplied(db, step.name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: step.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return applied, fmt.Errorf("database: migration %s: %w", step.name, err)
		}
		applied++
		logger.Info("database migration applied", zap.String("migration", step.name))
	}
	return applied, nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// purgeBlankItemKeys drops rows that can no longer be addressed.
func purgeBlankItemKeys(db *gorm.DB) error {
	return db.Where("TRIM(group_key) = '' OR TRIM(item_key) = ''").
		Delete(&sqlstore.Record{}).Error
}
