package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fentz26/schedwatch/internal/auth"
	"github.com/fentz26/schedwatch/internal/config"
	"github.com/fentz26/schedwatch/internal/controlplane"
	"github.com/fentz26/schedwatch/internal/dashboard"
	"github.com/fentz26/schedwatch/internal/logging"
	"github.com/fentz26/schedwatch/internal/observability"
	"github.com/fentz26/schedwatch/internal/store"
	"github.com/fentz26/schedwatch/internal/stream"
)

// env holds the service objects shared by every command. Each command builds
// one with setup and releases it with close.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	session *auth.Session
	client  *controlplane.Client

	shutdownTracing observability.ShutdownFunc
	logFile         *os.File
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// setup builds the shared services. With logToFile the logger appends to
// <state_dir>/schedwatch.log instead of stderr.
func setup(ctx context.Context, logToFile bool) (_ *env, retErr error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var logFile *os.File
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if logToFile {
		if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		logFile, err = os.OpenFile(filepath.Join(cfg.StateDir, "schedwatch.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		defer func() {
			if retErr != nil {
				logFile.Close()
			}
		}()
		logger = logging.NewWriter(logFile, cfg.Log.Level, cfg.Log.Format)
	}
	slog.SetDefault(logger)

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, "schedwatch", version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	s, err := store.New(cfg.DBPath())
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open credential cache: %w", err)
	}

	session, err := auth.NewSession(s, auth.WithLogger(logger))
	if err != nil {
		s.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("restore session: %w", err)
	}

	client := controlplane.NewClient(cfg.APIURL, session,
		controlplane.WithTimeout(cfg.Timeout),
		controlplane.WithLogger(logger),
		controlplane.WithAuthFailureHandler(func(e *controlplane.Error) {
			logger.Info("server rejected credential, clearing session", "reason", e.Message)
			if err := session.Clear(); err != nil {
				logger.Warn("clearing rejected session", "err", err)
			}
		}),
	)

	return &env{
		cfg:             cfg,
		logger:          logger,
		store:           s,
		session:         session,
		client:          client,
		shutdownTracing: shutdown,
		logFile:         logFile,
	}, nil
}

func (e *env) close() {
	if err := e.shutdownTracing(context.Background()); err != nil {
		e.logger.Warn("flushing traces", "err", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing credential cache", "err", err)
	}
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func (e *env) newStream() *stream.Manager {
	return stream.NewManager(e.cfg.APIURL, e.session,
		stream.WithReconnect(e.cfg.Stream.ReconnectInterval, e.cfg.Stream.MaxAttempts),
		stream.WithLogger(e.logger),
	)
}

func (e *env) newAggregator() *dashboard.Aggregator {
	return dashboard.New(e.client,
		dashboard.WithRange(e.cfg.Dashboard.StatsRange),
		dashboard.WithLogger(e.logger),
	)
}

type runFunc func(ctx context.Context, e *env, args []string) error

// withEnv adapts a command body that needs the shared services.
func withEnv(run runFunc) func(*cobra.Command, []string) error {
	return envRunner(false, run)
}

// withFileLog is withEnv for full-screen commands that must not log to the terminal.
func withFileLog(run runFunc) func(*cobra.Command, []string) error {
	return envRunner(true, run)
}

func envRunner(logToFile bool, run runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := setup(ctx, logToFile)
		if err != nil {
			return err
		}
		defer e.close()
		return run(ctx, e, args)
	}
}
