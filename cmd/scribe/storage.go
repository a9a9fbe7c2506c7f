package main

import (
	"context"

	"github.com/felixgeelhaar/scribe/internal/adapters/storage"
	"github.com/felixgeelhaar/scribe/internal/config"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

// openStorage opens the persistence backend named by the runtime config.
// Config.Validate has already rejected unknown drivers and missing
// connection details, so anything other than sqlite or redis is the
// in-memory backend.
func openStorage(ctx context.Context, cfg config.StorageConfig) (ports.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.OpenSQLite(ctx, cfg.Path)
	case "redis":
		return storage.OpenRedis(ctx, cfg.Addr, cfg.DB)
	default:
		return ports.NewMemoryStorage(), nil
	}
}
