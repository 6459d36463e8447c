package checkpoint

import (
	"context"
	"fmt"

	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// Store drivers.
const (
	DriverNone   = "none"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverBadger = "badger"
)

// Config selects and configures a Store.
type Config struct {
	Driver string
	// Dir is the directory of the file store and the badger database.
	Dir string
	// DSN is the sqlite file or postgres connection string.
	DSN      string
	InMemory bool
	Redis    RedisConfig
}

// Open builds the store named by cfg.Driver. The "none" driver returns a
// nil Store, which disables checkpointing.
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverFile:
		return NewFileStore(cfg.Dir)
	case DriverSQLite, DriverPostgres:
		return OpenSQLStore(ctx, cfg.Driver, cfg.DSN)
	case DriverRedis:
		return NewRedisStore(cfg.Redis)
	case DriverBadger:
		return OpenBadgerStore(BadgerConfig{Path: cfg.Dir, InMemory: cfg.InMemory, SyncWrites: true, Logger: logger})
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint driver %q", ErrInvalidInput, cfg.Driver)
	}
}
