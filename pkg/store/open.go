package store

import (
	"context"
	"fmt"

	"git.sr.ht/~jakintosh/atlantark/internal/config"
	"go.uber.org/zap"
)

// Open builds the Backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "file", "":
		key, err := cfg.Key()
		if err != nil {
			return nil, err
		}
		return NewFile(cfg.Path, WithSealKey(key), WithFileLogger(log))
	case "sqlite":
		return NewSQLite(cfg.SQLiteDSN)
	case "redis":
		return DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
