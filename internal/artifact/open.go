package artifact

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Redis       RedisOptions
	DataDir     string
	PostgresDSN string
}

// Open builds the configured store. An empty backend means memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return OpenRedis(ctx, opts.Redis)
	case BackendSQLite:
		return OpenSQLite(opts.DataDir)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("artifact store: unknown backend %q", opts.Backend)
	}
}
