package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ddp/internal/cache"
	"github.com/roach88/ddp/internal/collection"
	"github.com/roach88/ddp/internal/config"
	"github.com/roach88/ddp/internal/engine"
	"github.com/roach88/ddp/internal/transport"
)

// loadConfig resolves the config file (or defaults) and the --url override.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.URL != "" {
		cfg.URL = o.URL
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogging configures slog based on the verbose flag. Logs go to w so
// they never mix with command output.
func (o *RootOptions) setupLogging(w io.Writer) *slog.Logger {
	logLevel := slog.LevelWarn
	if o.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) dialer(cfg config.Config, logger *slog.Logger) transport.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return transport.NewWebsocketDialer(transport.WebsocketSettings{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}, logger)
}

// commandContext returns the command's context (for testing) or a fresh
// one, cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()
	return ctx, cancel
}

// session is an engine connected for the lifetime of one command.
type session struct {
	engine *engine.Engine
	store  *collection.Store
	cache  cache.Engine
	logger *slog.Logger

	cancel context.CancelFunc
}

// errConnectTimeout is returned when the handshake does not finish within
// the configured handshake timeout.
var errConnectTimeout = errors.New("timed out waiting for connected")

// connect starts an engine, dials the server and waits for the handshake.
// A connection lost later is retried by the engine in the background.
func (o *RootOptions) connect(ctx context.Context, cfg config.Config, logger *slog.Logger, cacheEngine cache.Engine) (*session, error) {
	storeOpts := []collection.Option{
		collection.WithCodec(cfg.ValueCodec()),
		collection.WithLogger(logger),
	}
	if cacheEngine != nil {
		storeOpts = append(storeOpts, collection.WithCacheEngine(cacheEngine))
	}
	store := collection.New(storeOpts...)

	connected := make(chan string, 1)
	failed := make(chan error, 1)
	established := false // touched only from engine handlers

	report := func(err error) {
		if established {
			return
		}
		if err == nil {
			err = errors.New("connection closed before handshake")
		}
		select {
		case failed <- err:
		default:
		}
	}

	handlers := engine.Handlers{
		OnConnected: func(sessionID string) {
			if !established {
				established = true
				connected <- sessionID
				return
			}
			logger.Info("reconnected", "session", sessionID)
		},
		OnFailed: report,
		OnDisconnected: func(err error) {
			if established && err != nil {
				logger.Warn("connection lost, reconnecting", "error", err)
			}
			report(err)
		},
	}

	eng, err := engine.New(cfg, o.dialer(cfg, logger),
		engine.WithLogger(logger),
		engine.WithStore(store),
		engine.WithHandlers(handlers),
	)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine error", "error", err)
		}
	}()

	s := &session{engine: eng, store: store, cache: cacheEngine, logger: logger, cancel: cancel}

	eng.Connect("")

	timer := time.NewTimer(cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case id := <-connected:
		logger.Info("connected", "url", cfg.Endpoint(), "session", id, "version", eng.Version())
		return s, nil
	case err := <-failed:
		s.close()
		return nil, err
	case <-timer.C:
		s.close()
		return nil, fmt.Errorf("%s: %w", cfg.Endpoint(), errConnectTimeout)
	case <-ctx.Done():
		s.close()
		return nil, ctx.Err()
	}
}

// close disconnects and waits for the engine loop to exit.
func (s *session) close() {
	s.engine.Disconnect(false)
	s.cancel()
	<-s.engine.Done()
}

// openCache opens the configured cache backend.
func openCache(ctx context.Context, cfg config.Config) (cache.Engine, error) {
	ce, err := cache.Open(ctx, cfg.Cache.Driver, cfg.CacheTarget())
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Driver, err)
	}
	return ce, nil
}

func closeCache(ce cache.Engine, logger *slog.Logger) {
	if err := ce.Close(); err != nil {
		logger.Error("error closing cache", "error", err)
	}
}
