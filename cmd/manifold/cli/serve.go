package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manifolddb/manifold/internal/environment"
	"github.com/manifolddb/manifold/internal/gateway"
	"github.com/manifolddb/manifold/internal/pool"
	"github.com/manifolddb/manifold/internal/router"
)

func newServeCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the Model Context Protocol gateway over the configured database
environments. Supports stdio (default) and HTTP transports.

In stdio mode the gateway communicates over stdin/stdout using JSON-RPC,
suitable for MCP clients that launch it as a subprocess. In HTTP mode it
listens on the configured host and port for streamable HTTP connections.`,
		Example: `  manifold serve                             # stdio mode
  manifold serve --transport http --port 3001   # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: stdio or http (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (only used with --transport http)")

	return cmd
}

func runServe(transport string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	reg, err := environment.NewRegistry(cfg)
	if err != nil {
		return err
	}
	total, enabled := reg.Counts()
	logger.Info("environments registered",
		"total", total,
		"enabled", enabled,
		"default", reg.Default(),
		"legacy_mode", reg.LegacyMode())

	mgr, err := pool.NewManager(reg, logger)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := pool.NewMonitor(mgr, pool.DefaultMonitorInterval, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	rt := router.New(mgr, reg, cfg.Query, logger)
	gw := gateway.New(rt, mgr, reg, monitor, logger)

	if transport == "" {
		transport = cfg.MCP.Transport
	}
	switch transport {
	case "stdio":
		return gw.ServeStdio()
	case "http":
		if port == 0 {
			port = cfg.Server.Port
		}
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		errCh := make(chan error, 1)
		go func() { errCh <- gw.ServeHTTP(addr) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", transport)
	}
}
