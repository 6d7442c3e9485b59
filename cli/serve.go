package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/logging"
	"github.com/zot/livequery/internal/mcp"
	"github.com/zot/livequery/internal/server"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(hooks *Hooks) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Long: `Start the livequery server. Lua functions are loaded on demand from the
functions directory and reloaded when their files change.

With --mcp the server also answers Model Context Protocol requests on
stdin/stdout; logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			var opts server.Options
			if hooks != nil && hooks.Options != nil {
				hooks.Options(&opts)
			}
			return serve(cmd.Context(), cfg, opts)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, opts server.Options) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.SetLogger(logger)

	srv, err := server.New(cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartBackground(ctx)
	addr, err := srv.StartHTTP(cfg.Server.Port)
	if err != nil {
		return err
	}
	logger.Info("server started", zap.String("addr", addr), zap.String("functions", cfg.Functions.Dir))

	if cfg.MCP.Enabled {
		m := mcp.NewServer(cfg, Version, srv.Functions(), srv.Observables())
		go func() {
			if err := m.ServeStdio(); err != nil {
				logger.Warn("MCP server stopped", zap.Error(err))
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
