package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ddp/internal/cache"
	"github.com/roach88/ddp/internal/collection"
	"github.com/roach88/ddp/internal/wire"
)

// persistTimeout bounds the final cache write after the watch ends.
const persistTimeout = 5 * time.Second

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Collections   []string
	Persist       bool
	SinceLastSync bool
	Once          bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <publication> [json-param...]",
		Short: "Subscribe and print collection snapshots",
		Long: `Subscribe to a publication and print a snapshot of each watched
collection whenever it changes, until interrupted.

Collections default to the publication name. With --persist or
--since-last-sync the configured cache is restored before subscribing;
--persist writes the collections back when the watch ends, and
--since-last-sync passes the last sync time as the first param.

Example:
  ddpctl watch tasks
  ddpctl watch users.active --collection users --collection profiles
  ddpctl watch tasks --config ddp.yaml --persist --since-last-sync
  ddpctl watch tasks --once --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Collections, "collection", nil, "collection to print (repeatable, default: publication name)")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "persist watched collections to the cache on exit")
	cmd.Flags().BoolVar(&opts.SinceLastSync, "since-last-sync", false, "pass the cached last sync time as the first param")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "wait for ready, print each collection once and exit")

	return cmd
}

func runWatch(opts *WatchOptions, publication string, rawParams []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	params, err := parseParams(rawParams)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeInvalidArgs, "invalid params", err)
	}
	names := opts.Collections
	if len(names) == 0 {
		names = []string{publication}
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	logger := opts.setupLogging(cmd.ErrOrStderr())

	ctx, cancel := commandContext(cmd)
	defer cancel()

	useCache := opts.Persist || opts.SinceLastSync
	var ce cache.Engine
	if useCache {
		ce, err = openCache(ctx, cfg)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeCache, "cache unavailable", err)
		}
		defer closeCache(ce, logger)
	}

	s, err := opts.connect(ctx, cfg, logger, ce)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodeConnect, "connect failed", err)
	}
	defer s.close()

	if useCache {
		if err := s.store.LoadFromCache(ctx, names); err != nil {
			return formatter.fail(ExitFailure, ErrCodeCache, "cache load failed", err)
		}
		formatter.VerboseLog("Restored %d collection(s) from %s cache", len(names), cfg.Cache.Driver)
	}
	if opts.SinceLastSync {
		if t, ok := s.store.LastSyncTime(); ok {
			params = append([]any{t}, params...)
			formatter.VerboseLog("Resuming from last sync at %s", t.Format(time.RFC3339))
		}
	}

	stopped := make(chan error, 1)
	id := s.engine.Subscribe(publication, params, func(err error) { stopped <- err })
	formatter.VerboseLog("Subscribed to %s (id %s)", publication, id)

	var werr error
	if opts.Once {
		werr = printOnReady(ctx, formatter, s.engine.Observe, names, stopped)
	} else {
		werr = watchCollections(ctx, formatter, s.engine.Observe, names, stopped)
	}

	if opts.Persist {
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		defer pcancel()
		if err := s.store.PersistToStore(pctx, names); err != nil {
			return formatter.fail(ExitFailure, ErrCodeCache, "persist failed", err)
		}
		formatter.VerboseLog("Persisted %d collection(s)", len(names))
	}
	return werr
}

type update struct {
	name string
	snap collection.Snapshot
}

// watchCollections prints snapshots until ctx ends or the subscription is
// rejected. Waiting for ready does not hold back snapshots.
func watchCollections(ctx context.Context, formatter *OutputFormatter, observe func(string) collection.Observable, names []string, stopped <-chan error) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan update)
	for _, name := range names {
		name := name
		ch := observe(name).Watch(wctx)
		go func() {
			for snap := range ch {
				select {
				case updates <- update{name: name, snap: snap}:
				case <-wctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-stopped:
			if err != nil {
				return formatter.fail(ExitFailure, ErrCodeSubscription, "subscription stopped", err)
			}
			formatter.VerboseLog("Subscription ready")
			stopped = nil
		case u := <-updates:
			if err := printSnapshot(formatter, u); err != nil {
				return formatter.fail(ExitFailure, ErrCodeGeneric, "print snapshot", err)
			}
		}
	}
}

// printOnReady waits for the subscription's ready, then prints the current
// snapshot of each collection.
func printOnReady(ctx context.Context, formatter *OutputFormatter, observe func(string) collection.Observable, names []string, stopped <-chan error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-stopped:
		if err != nil {
			return formatter.fail(ExitFailure, ErrCodeSubscription, "subscription stopped", err)
		}
	}
	for _, name := range names {
		if err := printSnapshot(formatter, update{name: name, snap: observe(name).Current()}); err != nil {
			return formatter.fail(ExitFailure, ErrCodeGeneric, "print snapshot", err)
		}
	}
	return nil
}

func printSnapshot(formatter *OutputFormatter, u update) error {
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{
			"collection": u.name,
			"docs":       wire.ToEJSON(u.snap),
		})
	}

	fmt.Fprintf(formatter.Writer, "[%s] %d document(s)\n", u.name, len(u.snap))
	for _, doc := range u.snap {
		data, err := wire.EJSON{}.Marshal(doc)
		if err != nil {
			return err
		}
		fmt.Fprintf(formatter.Writer, "  %s\n", data)
	}
	return nil
}
