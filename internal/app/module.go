// Package app composes a profile's storage, crypto and channel registry.
package app

import (
	"context"
	"fmt"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/config"
	"github.com/matheus3301/sbcache/internal/kv"
	"github.com/matheus3301/sbcache/internal/kv/memkv"
	"github.com/matheus3301/sbcache/internal/kv/pebblekv"
	"github.com/matheus3301/sbcache/internal/kv/sqlitekv"
	"github.com/matheus3301/sbcache/internal/lock"
	"github.com/matheus3301/sbcache/internal/logging"
	"github.com/matheus3301/sbcache/internal/profile"
	"github.com/matheus3301/sbcache/internal/registry"
	"github.com/matheus3301/sbcache/internal/sbcrypto"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
	Service channel.Service // optional; nil = offline
}

// Module returns the fx module for a profile, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("sbcache",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideEngine,
			provideStore,
			provideCrypto,
			provideService,
			provideRegistry,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideEngine takes the lock so no engine files are opened without it.
func provideEngine(p Params, _ *lock.Lock, logger *zap.Logger) (kv.Engine, error) {
	dir := profile.DataDir(p.Profile)
	switch p.Config.Engine {
	case config.EngineSQLite:
		return sqlitekv.New(dir, logger), nil
	case config.EnginePebble:
		return pebblekv.New(dir, logger), nil
	case config.EngineMemory:
		return memkv.New(), nil
	}
	return nil, fmt.Errorf("unknown engine %q", p.Config.Engine)
}

func provideStore(p Params, engine kv.Engine, logger *zap.Logger) (*kv.Store, error) {
	db, err := kv.New(engine, kv.Options{Database: p.Config.Database, Table: p.Config.Table}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("store opening",
		zap.String("engine", p.Config.Engine),
		zap.String("database", p.Config.Database),
		zap.String("table", p.Config.Table))
	return db, nil
}

func provideCrypto() channel.Crypto {
	return sbcrypto.New()
}

func provideService(p Params, logger *zap.Logger) channel.Service {
	if p.Service != nil {
		return p.Service
	}
	return NewOfflineService(p.Config.Server, logger)
}

func provideRegistry(db *kv.Store, svc channel.Service, crypto channel.Crypto, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	return registry.New(db, svc, crypto, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, reg *registry.Registry, db *kv.Store, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := db.Ready(ctx); err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			if err := reg.Ready(ctx); err != nil {
				return err
			}
			m, err := reg.Marker(ctx)
			if err != nil {
				return err
			}
			logger.Info("profile ready", zap.Int("layout_version", m.Version))
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := reg.Close(); err != nil {
				logger.Warn("error closing channels", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("profile closed")
			_ = logger.Sync()
			return nil
		},
	})
}
