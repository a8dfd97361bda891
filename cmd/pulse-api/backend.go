package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/memstore"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/pebblestore"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/redisstore"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/sqlstore"
	"go.uber.org/zap"
)

// openBackend selects the item store backend named by the configuration.
func openBackend(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (store.Backend, error) {
	switch appConfig.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; items are lost on restart")
		return memstore.New(), nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(appConfig.StoreSQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return sqlstore.New(db)
	case config.DriverPebble:
		return pebblestore.Open(pebblestore.Options{Dir: appConfig.StorePebbleDir, Sync: appConfig.StorePebbleSync})
	case config.DriverRedis:
		client, err := redisstore.Connect(ctx, appConfig.StoreRedisURL)
		if err != nil {
			return nil, err
		}
		return redisstore.New(client, appConfig.StoreRedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", appConfig.StoreDriver)
	}
}
