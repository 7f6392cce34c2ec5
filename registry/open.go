package registry

import (
	"context"
	"fmt"

	"github.com/najoast/orb/config"
)

// Open creates the store selected by cfg. The nats backend keeps the
// directory in memory; it is meant to be served with NATSService.
func Open(ctx context.Context, cfg config.RegistryConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.BackendMemory, config.BackendNATS:
		return NewMemory(), nil
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.BackendRedis:
		return NewRedis(RedisConfig{Addr: cfg.RedisAddr, Prefix: cfg.RedisPrefix})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidRegistryBackend, cfg.Backend)
	}
}
