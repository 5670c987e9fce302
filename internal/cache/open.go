package cache

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/ddp/internal/collection"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Engine is a CacheEngine that holds resources.
type Engine interface {
	collection.CacheEngine
	io.Closer
}

// Open builds a backend by driver name. target is the database path for
// sqlite and the server address for redis; memory ignores it.
func Open(ctx context.Context, driver, target string) (Engine, error) {
	switch driver {
	case DriverMemory, "":
		return nopCloser{NewMemory()}, nil
	case DriverSQLite:
		if target == "" {
			return nil, fmt.Errorf("cache driver %s: path is required", driver)
		}
		return OpenSQLite(target)
	case DriverRedis:
		if target == "" {
			return nil, fmt.Errorf("cache driver %s: addr is required", driver)
		}
		return DialRedis(ctx, target)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}

type nopCloser struct {
	*Memory
}

func (nopCloser) Close() error { return nil }
