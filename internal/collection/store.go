package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ddp/internal/wire"
)

var (
	// ErrMissingID is returned when a document carries no string _id.
	ErrMissingID = errors.New("collection: document has no _id")

	// ErrIDMismatch is returned by UpdateItem when the document's _id
	// differs from the id being updated.
	ErrIDMismatch = errors.New("collection: document _id does not match id")
)

// loadConcurrency bounds parallel cache reads in LoadFromCache.
const loadConcurrency = 4

// Store is the reactive collection cache.
//
// Each collection is an ordered Snapshot published on its own Channel.
// Collections are created on first reference and live as long as the store.
//
// Thread-safety: all methods are safe for concurrent use. Writers to the
// same collection are serialized; readers never block writers because they
// read the last published snapshot.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	cache       CacheEngine
	lastSync    *time.Time

	codec  wire.ValueCodec
	now    func() time.Time
	logger *slog.Logger
}

type collection struct {
	writeMu sync.Mutex
	ch      *Channel
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the codec used for cached snapshots. Default: EJSON.
func WithCodec(codec wire.ValueCodec) Option {
	return func(s *Store) {
		s.codec = codec
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used to stamp the last sync time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithCacheEngine installs a cache engine at construction.
func WithCacheEngine(engine CacheEngine) Option {
	return func(s *Store) {
		s.cache = engine
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*collection),
		codec:       wire.EJSON{},
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCacheEngine installs or replaces the cache engine.
func (s *Store) SetCacheEngine(engine CacheEngine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = engine
}

func (s *Store) cacheEngine() (CacheEngine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return nil, ErrNoCacheEngine
	}
	return s.cache, nil
}

// collection looks up or creates the named collection.
func (s *Store) collection(name string) *collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = &collection{ch: newChannel()}
		s.collections[name] = c
	}
	return c
}

// mutate applies fn to the collection's current snapshot and publishes the
// result. fn must return a fresh snapshot.
func (s *Store) mutate(name string, fn func(Snapshot) Snapshot) {
	c := s.collection(name)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ch.publish(fn(c.ch.Current()))
}

// Names returns the known collection names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Observe returns the collection's broadcast channel, creating an empty
// collection if needed.
func (s *Store) Observe(name string) Observable {
	return s.collection(name).ch
}

// GetItem looks a document up by id.
func (s *Store) GetItem(name, id string) (Document, bool) {
	return s.collection(name).ch.Current().Find(id)
}

// InsertItem inserts doc, replacing any document with the same _id, and
// broadcasts the new snapshot.
func (s *Store) InsertItem(name string, doc Document) error {
	if doc.ID() == "" {
		return fmt.Errorf("insert into %s: %w", name, ErrMissingID)
	}
	stored := maps.Clone(doc)
	s.mutate(name, func(cur Snapshot) Snapshot {
		return cur.upsert(stored)
	})
	return nil
}

// UpdateItem has the same insert-or-replace semantics as InsertItem, so an
// update for an unknown id inserts it. A doc without _id takes id.
func (s *Store) UpdateItem(name, id string, doc Document) error {
	stored := maps.Clone(doc)
	if stored == nil {
		stored = Document{}
	}
	switch existing := stored.ID(); {
	case existing == "" && id == "":
		return fmt.Errorf("update %s: %w", name, ErrMissingID)
	case existing == "":
		stored[IDField] = id
	case id != "" && existing != id:
		return fmt.Errorf("update %s/%s: %w", name, id, ErrIDMismatch)
	}
	s.mutate(name, func(cur Snapshot) Snapshot {
		return cur.upsert(stored)
	})
	return nil
}

// RemoveItem drops the document with id. Removing an absent id still
// broadcasts one (unchanged) snapshot.
func (s *Store) RemoveItem(name, id string) {
	s.mutate(name, func(cur Snapshot) Snapshot {
		return cur.without(id)
	})
}

// replace swaps in a whole snapshot.
func (s *Store) replace(name string, snap Snapshot) {
	s.mutate(name, func(Snapshot) Snapshot {
		return snap
	})
}

// LastSyncTime returns the last persist timestamp, if any.
func (s *Store) LastSyncTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSync == nil {
		return time.Time{}, false
	}
	return *s.lastSync, true
}

func (s *Store) setLastSync(t *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
}

// LoadFromCache restores each named collection from the cache engine and
// broadcasts it. A missing or unreadable entry resets that collection to
// empty instead of failing. The last sync time is loaded once.
//
// Returns ErrNoCacheEngine if no engine is installed, or ctx.Err() if the
// load was cancelled. Cache failures are logged, not returned.
func (s *Store) LoadFromCache(ctx context.Context, names []string) error {
	engine, err := s.cacheEngine()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	g.Go(func() error {
		s.loadLastSync(gctx, engine)
		return nil
	})

	for _, name := range dedupe(names) {
		name := name
		// lookup-or-create up front so observers can attach while loading
		s.collection(name)
		g.Go(func() error {
			s.replace(name, s.loadSnapshot(gctx, engine, name))
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

func (s *Store) loadSnapshot(ctx context.Context, engine CacheEngine, name string) Snapshot {
	data, err := engine.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("cache load failed", "collection", name, "error", err)
		}
		return Snapshot{}
	}

	v, err := s.codec.Unmarshal(data)
	if err != nil {
		s.logger.Warn("cache decode failed", "collection", name, "error", err)
		return Snapshot{}
	}

	snap, err := snapshotFromValue(v)
	if err != nil {
		s.logger.Warn("cache snapshot invalid", "collection", name, "error", err)
		return Snapshot{}
	}

	s.logger.Debug("collection loaded from cache", "collection", name, "documents", len(snap))
	return snap
}

func (s *Store) loadLastSync(ctx context.Context, engine CacheEngine) {
	data, err := engine.Get(ctx, LastSyncKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("last sync load failed", "error", err)
		}
		return
	}

	v, err := s.codec.Unmarshal(data)
	if err != nil {
		s.logger.Warn("last sync decode failed", "error", err)
		return
	}
	t, ok := v.(time.Time)
	if !ok {
		s.logger.Warn("last sync has unexpected type", "type", fmt.Sprintf("%T", v))
		return
	}
	s.setLastSync(&t)
}

// PersistToStore writes the current snapshot of each named collection to
// the cache engine, then stamps and writes a new last sync time.
//
// Every write is attempted; failures are joined into the returned error.
func (s *Store) PersistToStore(ctx context.Context, names []string) error {
	engine, err := s.cacheEngine()
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range dedupe(names) {
		snap := s.collection(name).ch.Current()
		data, err := s.codec.Marshal(snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", name, err))
			continue
		}
		if err := engine.Set(ctx, name, data); err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", name, err))
		}
	}

	stamp := s.now()
	s.setLastSync(&stamp)
	data, err := s.codec.Marshal(stamp)
	if err != nil {
		errs = append(errs, fmt.Errorf("persist %s: %w", LastSyncKey, err))
	} else if err := engine.Set(ctx, LastSyncKey, data); err != nil {
		errs = append(errs, fmt.Errorf("persist %s: %w", LastSyncKey, err))
	}

	if len(errs) > 0 {
		s.logger.Warn("persist incomplete", "errors", len(errs))
	}
	return errors.Join(errs...)
}

// ClearCache unsets the last sync time and, for each named collection,
// broadcasts an empty snapshot and removes its cached value.
func (s *Store) ClearCache(ctx context.Context, names []string) error {
	engine, err := s.cacheEngine()
	if err != nil {
		return err
	}

	var errs []error
	s.setLastSync(nil)
	if err := engine.Remove(ctx, LastSyncKey); err != nil {
		errs = append(errs, fmt.Errorf("clear %s: %w", LastSyncKey, err))
	}

	for _, name := range dedupe(names) {
		s.replace(name, Snapshot{})
		if err := engine.Remove(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
