package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"driftmark/server/internal/app"
	"driftmark/server/internal/config"
)

func main() {
	var configPath string
	var addr string

	cmd := &cobra.Command{
		Use:   "driftmark-server",
		Short: "Run the entity replication server",
		Long: `Run the authoritative replication server.

The server admits sessions over HTTP, replicates entity state over
WebSockets at a fixed tick rate, and reconciles client-predicted state
against its own simulation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address override")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
