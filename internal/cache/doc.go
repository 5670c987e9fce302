// Package cache provides CacheEngine backends for the collection store.
//
// Backends:
//   - Memory: process-local map, for tests and ephemeral sessions
//   - SQLite: single-file durable cache (WAL mode, one key/value table)
//   - Redis: shared network cache, optionally namespaced by key prefix
//
// Callback-style engines that report completion through done callbacks
// become a CacheEngine via Adapt. Every backend reports an absent key as
// collection.ErrCacheMiss.
package cache
