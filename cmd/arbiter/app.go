package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/arbiter"
	"github.com/aretw0/arbiter/internal/config"
	"github.com/aretw0/arbiter/internal/logging"
	httpAdapter "github.com/aretw0/arbiter/pkg/adapters/http"
	"github.com/aretw0/arbiter/pkg/adapters/memory"
	"github.com/aretw0/arbiter/pkg/adapters/postgres"
	"github.com/aretw0/arbiter/pkg/adapters/redis"
	"github.com/aretw0/arbiter/pkg/adapters/sqlite"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/spf13/cobra"
)

// app holds everything a command builds from the configuration.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	manager *arbiter.Manager
	streams *httpAdapter.StreamManager
	frames   *redis.FrameStore // nil when running in memory
	channels *memory.ChannelRegistry
	closers  []func() error
}

// loadConfig reads the --config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(level), nil
}

// newApp wires the Manager from cfg: Redis frames when redis.addr is set, a
// Postgres or SQLite audit log when configured, in-memory otherwise.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		streams:  httpAdapter.NewStreamManager(logger),
		channels: memory.NewChannelRegistry(cfg.BuildChannels()...),
	}

	opts := []arbiter.Option{
		arbiter.WithLogger(logger),
		arbiter.WithChannelRegistry(a.channels),
		arbiter.WithHooks(a.streams.Hooks()),
	}

	if cfg.Redis.Addr != "" {
		a.frames = redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.WithPrefix(cfg.Redis.Prefix),
			redis.WithLogger(logger),
		)
		a.closers = append(a.closers, a.frames.Close)
		opts = append(opts, arbiter.WithFrameStore(a.frames))
		logger.Info("using redis frame store", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	}

	switch {
	case cfg.Audit.PostgresDSN != "":
		audit, err := postgres.Open(ctx, cfg.Audit.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.closers = append(a.closers, audit.Close)
		opts = append(opts, arbiter.WithAuditLog(audit))
		logger.Info("using postgres audit log")
	case cfg.Audit.SQLitePath != "":
		audit, err := sqlite.Open(cfg.Audit.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.closers = append(a.closers, audit.Close)
		opts = append(opts, arbiter.WithAuditLog(audit))
		logger.Info("using sqlite audit log", "path", cfg.Audit.SQLitePath)
	default:
		opts = append(opts, arbiter.WithAuditLog(memory.NewAuditLog(memory.WithRetention(cfg.Audit.MemoryRetention))))
	}

	a.manager = arbiter.New(opts...)
	return a, nil
}

// applyChannels makes the catalogue match a reloaded configuration. Open gates
// on a removed channel stay valid; only new sessions are refused.
func (a *app) applyChannels(cfg config.Config) {
	want := make(map[domain.ChannelKey]bool, len(cfg.Channels))
	for _, ch := range cfg.BuildChannels() {
		want[ch.Key()] = true
		a.channels.Register(ch)
	}
	for _, ch := range a.channels.List() {
		if !want[ch.Key()] {
			a.channels.Remove(ch.Key())
			a.logger.Info("channel removed", "channel", ch.Key())
		}
	}
}

// close releases the storage backends in reverse order of opening.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
