package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/mnemo/internal/api/mcp"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Long: `Serve the memory tools to an agent runtime over the Model Context
Protocol (line-delimited JSON-RPC on stdin and stdout). Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := a.engine.Start(ctx); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Engine.ShutdownTimeout)
					defer cancel()
					_ = a.engine.Shutdown(shutdownCtx)
				}()

				srv := mcp.NewServer(a.engine, c.logger)
				err := mcp.NewStdioTransport(srv, cmd.InOrStdin(), cmd.OutOrStdout(), c.logger).Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
