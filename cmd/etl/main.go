package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/app"
	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/logger"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "salesdash-etl",
		Short:         "Ingest and inspect sales and price data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringP("output", "o", "text", "Output format: text or json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newIngestCmd(),
		newResetCmd(),
		newSearchCmd(),
		newExportCmd(),
		newStatsCmd(),
		newRunsCmd(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes every service. The returned
// context is cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command, mutate func(*config.Config)) (context.Context, *app.App, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		stop()
		log.Sync()
		return nil, nil, nil, err
	}

	log.Debug("Services initialized", zap.String("command", cmd.Name()))

	cleanup := func() {
		services.Close()
		stop()
		log.Sync()
	}
	return ctx, services, cleanup, nil
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
