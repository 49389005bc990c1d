package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/retrohost/internal/mcp"
)

var mcpListenFlag string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve session control as MCP tools over stdio",
	Long: `Run a Model Context Protocol server on stdin/stdout so an agent can load
games, press buttons, save and restore state, and take screenshots.

Example client config:
  {"mcpServers": {"retrohost": {"command": "retrohost", "args": ["mcp"]}}}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpListenFlag, "listen", "", "Also stream events over WebSocket on this address")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := newSupervisor(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout+2*time.Second)
		defer cancel()
		sup.Close(closeCtx)
	}()

	listen := cfg.Stream.Listen
	if mcpListenFlag != "" {
		listen = mcpListenFlag
	}
	if err := startStream(ctx, listen, cfg, sup, logger); err != nil {
		return err
	}

	server := mcp.NewServer(mcp.NewToolRegistry(sup), resolveVersion(), os.Stdin, os.Stdout, logger.Named("mcp"))
	return server.Run(ctx)
}
