package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/config"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/database"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
)

const redisNamespace = "coursework:"

func redisConfig(appConfig config.AppConfig) kv.RedisConfig {
	return kv.RedisConfig{
		Address:   appConfig.RedisAddress,
		Password:  appConfig.RedisPassword,
		DB:        appConfig.RedisDB,
		Namespace: redisNamespace,
	}
}

// openStore builds the configured key/value backend. The returned func releases it.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (kv.Store, func(), error) {
	noop := func() {}
	var (
		store   kv.Store
		closeFn = noop
	)
	switch appConfig.StoreBackend {
	case config.StoreBackendMemory:
		store = kv.NewMemoryStore()
	case config.StoreBackendBolt:
		boltStore, err := kv.OpenBoltStore(appConfig.BoltPath, kv.WithBoltLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		store = boltStore
		closeFn = func() {
			if err := boltStore.Close(); err != nil {
				logger.Warn("closing bolt store failed", zap.Error(err))
			}
		}
	case config.StoreBackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, noop, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, noop, err
		}
		sqlStore, err := kv.NewSQLStore(db, time.Now)
		if err != nil {
			_ = sqlDB.Close()
			return nil, noop, err
		}
		store = sqlStore
		closeFn = func() {
			if err := sqlDB.Close(); err != nil {
				logger.Warn("closing database failed", zap.Error(err))
			}
		}
	case config.StoreBackendRedis:
		redisStore, err := kv.NewRedisStore(ctx, redisConfig(appConfig))
		if err != nil {
			return nil, noop, err
		}
		store = redisStore
		closeFn = func() {
			if err := redisStore.Close(); err != nil {
				logger.Warn("closing redis store failed", zap.Error(err))
			}
		}
	default:
		return nil, noop, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}

	logger.Info("document store opened",
		zap.String("backend", appConfig.StoreBackend),
		zap.String("location", describeBackend(appConfig)))
	return store, closeFn, nil
}

func describeBackend(appConfig config.AppConfig) string {
	switch appConfig.StoreBackend {
	case config.StoreBackendBolt:
		return appConfig.BoltPath
	case config.StoreBackendSQLite:
		return appConfig.DatabasePath
	case config.StoreBackendRedis:
		return appConfig.RedisAddress
	default:
		return appConfig.StoreBackend
	}
}
