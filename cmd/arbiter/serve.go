package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aretw0/arbiter/internal/config"
	httpAdapter "github.com/aretw0/arbiter/pkg/adapters/http"
	"github.com/aretw0/arbiter/pkg/adapters/mcp"
	"github.com/aretw0/arbiter/pkg/adapters/redis"
	"github.com/aretw0/arbiter/pkg/ports"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Starts the arbiter as an HTTP server exposing sessions, controller snapshots,
metrics and an event stream. With a Redis backend the server first takes the
namespace lease so that a single arbiter serves it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.HTTP.Addr, _ = cmd.Flags().GetString("addr")
		}
		if cmd.Flags().Changed("redis") {
			cfg.Redis.Addr, _ = cmd.Flags().GetString("redis")
		}
		if cmd.Flags().Changed("audit") {
			cfg.Audit.SQLitePath, _ = cmd.Flags().GetString("audit")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.close(); err != nil {
				logger.Warn("failed to close backends", "err", err)
			}
		}()

		var lost <-chan struct{}
		if a.frames != nil {
			locker := redis.NewLocker(a.frames.Client(), cfg.Redis.Prefix)
			logger.Info("waiting for namespace lease", "prefix", cfg.Redis.Prefix)
			var unlock ports.UnlockFunc
			unlock, lost, err = locker.Hold(ctx, "serve", cfg.Redis.LockTTL)
			if err != nil {
				return fmt.Errorf("failed to acquire namespace lease: %w", err)
			}
			defer func() {
				uctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := unlock(uctx); err != nil {
					logger.Warn("failed to release namespace lease", "err", err)
				}
			}()
		}

		api := httpAdapter.NewServer(a.manager,
			httpAdapter.WithStreams(a.streams),
			httpAdapter.WithMetricsHandler(a.manager.Metrics().Handler()),
			httpAdapter.WithSessionIdleTimeout(cfg.HTTP.SessionIdleTimeout),
			httpAdapter.WithLogger(logger),
		)
		go api.RunReaper(ctx)
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			path, _ := cmd.Flags().GetString("config")
			go func() {
				if err := config.Watch(ctx, path, logger, a.applyChannels); err != nil {
					logger.Warn("config watch stopped", "err", err)
				}
			}()
		}

		if mcpAddr, _ := cmd.Flags().GetString("mcp-addr"); mcpAddr != "" {
			inspector := mcp.NewServer(a.manager, mcp.WithLogger(logger))
			go func() {
				if err := inspector.ServeSSE(ctx, mcpAddr, "http://"+mcpBaseHost(mcpAddr)); err != nil {
					logger.Error("MCP server failed", "err", err)
				}
			}()
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting arbiter server", "addr", srv.Addr, "channels", len(cfg.Channels))
			serverErrors <- srv.ListenAndServe()
		}()

		var runErr error
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = fmt.Errorf("server error: %w", err)
			}
		case <-lost:
			runErr = redis.ErrLeaseLost
			logger.Error("namespace lease lost, stopping")
		case <-ctx.Done():
			logger.Info("shutdown requested")
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
			_ = srv.Close()
		}
		// Closing sessions ends their regions while the audit log is still open.
		a.manager.Shutdown(sctx)
		logger.Info("arbiter server stopped")
		return runErr
	},
}

// mcpBaseHost turns a listen address such as ":8081" into a dialable host.
func mcpBaseHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	serveCmd.Flags().String("redis", "", "Redis address for the shared frame store and lease")
	serveCmd.Flags().String("audit", "", "SQLite file recording regions and transfers")
	serveCmd.Flags().Bool("watch", false, "Reload the channel declarations when the config file changes")
	serveCmd.Flags().String("mcp-addr", "", "Also serve the read-only MCP inspection tools over SSE on this address")
}
