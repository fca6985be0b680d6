package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/forgeline"
	"github.com/jxucoder/forgeline/internal/config"
	"github.com/jxucoder/forgeline/internal/logging"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Forgeline server",
	Long: `Start the HTTP API, the generation pipeline, the sandbox sweeper and any
configured chat channels (Slack, Telegram). Stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides FORGELINE_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ServerAddr = serveAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w\n\nRun 'forgeline config show' to inspect the current settings", err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := forgeline.NewBuilder().
		WithConfig(cfg).
		WithLogger(logger).
		Build(ctx)
	if err != nil {
		return err
	}

	logger.Info().
		Str("addr", cfg.ServerAddr).
		Str("data_dir", cfg.DataDir).
		Str("sandbox_provider", cfg.SandboxProvider).
		Msg("forgeline starting")
	return app.Start(ctx)
}
