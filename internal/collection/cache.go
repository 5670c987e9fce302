package collection

import (
	"context"
	"errors"
)

// LastSyncKey is the cache key holding the most recent persist timestamp.
const LastSyncKey = "last_sync_time"

var (
	// ErrCacheMiss is returned by CacheEngine.Get when the key is absent.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrNoCacheEngine is returned by cache operations before SetCacheEngine.
	ErrNoCacheEngine = errors.New("collection: no cache engine installed")
)

// CacheEngine is the durable key/value store behind LoadFromCache,
// PersistToStore and ClearCache. Implementations may block; the store
// never assumes an operation completes synchronously and always passes a
// context for cancellation.
type CacheEngine interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
