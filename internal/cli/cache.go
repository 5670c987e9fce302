package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ddp/internal/cache"
	"github.com/roach88/ddp/internal/collection"
	"github.com/roach88/ddp/internal/config"
)

// errNoListing is returned by cache show without names on a backend that
// cannot enumerate its keys.
var errNoListing = errors.New("backend cannot list keys, name the collections to show")

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local collection cache",
		Long: `Inspect or clear the collection cache configured under cache: in the
config file. No server connection is made.`,
	}

	cmd.AddCommand(newCacheShowCommand(rootOpts))
	cmd.AddCommand(newCacheClearCommand(rootOpts))

	return cmd
}

func newCacheShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [collection...]",
		Short: "Show cached collections",
		Long: `Show the cached snapshot of each named collection and the last sync
time. Without names, list the stored keys (sqlite and memory drivers).

Example:
  ddpctl cache show --config ddp.yaml
  ddpctl cache show --config ddp.yaml tasks users`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheShow(opts, args, cmd)
		},
	}
}

func newCacheClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <collection...>",
		Short: "Remove cached collections and the last sync time",
		Long: `Remove the cached snapshot of each named collection and reset the last
sync time, as a client does on logout.

Example:
  ddpctl cache clear --config ddp.yaml tasks users`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(opts, args, cmd)
		},
	}
}

// cacheEntry is one line of cache show output without names.
type cacheEntry struct {
	Key       string `json:"key"`
	Size      int    `json:"size,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// cachedCollection is one collection of cache show output with names.
type cachedCollection struct {
	Name string `json:"name"`
	Docs any    `json:"docs"`
}

// openStore loads the config and opens its cache behind a Store.
func openStore(ctx context.Context, opts *RootOptions, cmd *cobra.Command, formatter *OutputFormatter) (*collection.Store, cache.Engine, config.Config, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, config.Config{}, formatter.fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	logger := opts.setupLogging(cmd.ErrOrStderr())

	ce, err := openCache(ctx, cfg)
	if err != nil {
		return nil, nil, config.Config{}, formatter.fail(ExitCommandError, ErrCodeCache, "cache unavailable", err)
	}
	store := collection.New(
		collection.WithCodec(cfg.ValueCodec()),
		collection.WithLogger(logger),
		collection.WithCacheEngine(ce),
	)
	return store, ce, cfg, nil
}

func runCacheShow(opts *RootOptions, names []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx, cancel := commandContext(cmd)
	defer cancel()

	store, ce, cfg, err := openStore(ctx, opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer closeCache(ce, slog.Default())

	if len(names) == 0 {
		entries, err := listEntries(ctx, ce)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeCache, fmt.Sprintf("list %s cache", cfg.Cache.Driver), err)
		}
		return outputEntries(formatter, entries)
	}

	if err := store.LoadFromCache(ctx, names); err != nil {
		return formatter.fail(ExitFailure, ErrCodeCache, "cache load failed", err)
	}

	if formatter.Format == "json" {
		cols := make([]cachedCollection, 0, len(names))
		for _, name := range names {
			cols = append(cols, cachedCollection{Name: name, Docs: cachedDocs(store, name)})
		}
		data := map[string]any{"collections": cols}
		if t, ok := store.LastSyncTime(); ok {
			data["last_sync"] = t.UTC().Format(time.RFC3339Nano)
		}
		return formatter.Success(data)
	}

	if t, ok := store.LastSyncTime(); ok {
		fmt.Fprintf(formatter.Writer, "Last sync: %s\n", t.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(formatter.Writer, "Last sync: never")
	}
	for _, name := range names {
		if err := printSnapshot(formatter, update{name: name, snap: store.Observe(name).Current()}); err != nil {
			return formatter.fail(ExitFailure, ErrCodeGeneric, "print snapshot", err)
		}
	}
	return nil
}

func cachedDocs(store *collection.Store, name string) any {
	snap := store.Observe(name).Current()
	docs := make([]any, len(snap))
	for i, doc := range snap {
		docs[i] = map[string]any(doc)
	}
	return docs
}

// listEntries lists stored keys on backends that can enumerate them.
func listEntries(ctx context.Context, ce cache.Engine) ([]cacheEntry, error) {
	switch backend := ce.(type) {
	case *cache.SQLite:
		stored, err := backend.Entries(ctx)
		if err != nil {
			return nil, err
		}
		entries := make([]cacheEntry, len(stored))
		for i, e := range stored {
			entries[i] = cacheEntry{Key: e.Key, Size: e.Size, UpdatedAt: e.UpdatedAt.Format(time.RFC3339)}
		}
		return entries, nil
	case interface{ Keys() []string }:
		keys := backend.Keys()
		entries := make([]cacheEntry, len(keys))
		for i, k := range keys {
			entries[i] = cacheEntry{Key: k}
		}
		return entries, nil
	default:
		return nil, errNoListing
	}
}

func outputEntries(formatter *OutputFormatter, entries []cacheEntry) error {
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"entries": entries})
	}

	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "Cache is empty")
		return nil
	}
	for _, e := range entries {
		if e.UpdatedAt == "" {
			fmt.Fprintln(formatter.Writer, e.Key)
			continue
		}
		fmt.Fprintf(formatter.Writer, "%s\t%d bytes\t%s\n", e.Key, e.Size, e.UpdatedAt)
	}
	return nil
}

func runCacheClear(opts *RootOptions, names []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx, cancel := commandContext(cmd)
	defer cancel()

	store, ce, _, err := openStore(ctx, opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer closeCache(ce, slog.Default())

	if err := store.ClearCache(ctx, names); err != nil {
		return formatter.fail(ExitFailure, ErrCodeCache, "cache clear failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"cleared": names})
	}
	return formatter.Success(fmt.Sprintf("Cleared %d collection(s)", len(names)))
}
