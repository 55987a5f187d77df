package cli

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/config"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/store"
)

// session is an opened queue plus the settings it was opened with. Every
// command that touches the queue opens one and closes it on return.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	kv     store.KV
	queue  *engine.Engine
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openSession opens the configured store and initializes a queue on it.
// Unless extra includes engine.WithReadOnly, the queue takes ownership of the
// store key; while another process (typically `syncq serve`) owns it the
// command fails with ExitCommandError.
func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions, extra ...engine.Option) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)

	logger.Debug("opening store", "dsn", redactDSN(cfg.Store.DSN))
	kv, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	queue := engine.New(kv, append([]engine.Option{
		engine.WithKey(cfg.Store.Key),
		engine.WithLogger(logger),
		engine.WithLeaseTTL(cfg.Queue.LeaseTTL),
		engine.WithDefaultMaxRetries(cfg.Queue.MaxRetries),
	}, extra...)...)
	switch err := queue.Initialize(ctx); {
	case err == nil:
	case engine.IsSnapshotDiscarded(err), engine.IsPersistError(err):
		// Already logged by the engine; the queue is usable.
	case engine.IsLocked(err):
		kv.Close()
		return nil, WrapExitError(ExitCommandError,
			"queue is owned by another process (is `syncq serve` running? use its HTTP API instead)", err)
	default:
		kv.Close()
		return nil, WrapExitError(ExitCommandError, "failed to initialize queue", err)
	}

	return &session{cfg: cfg, logger: logger, kv: kv, queue: queue}, nil
}

func (s *session) Close() {
	if err := s.queue.Close(); err != nil {
		s.logger.Error("error releasing queue ownership", "error", err)
	}
	if err := s.kv.Close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}
}

// redactDSN hides the password in URL-style DSNs.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":xxxxx@" + host
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (tests calling RunE directly).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
