package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/config"
	"github.com/schovi/retrohost/internal/logging"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "retrohost",
	Short: "Run emulation cores in an isolated worker process",
	Long: `retrohost (Retro Host) loads an emulation core and game into a supervised
worker process, paces it at the core's frame rate, and streams its video and
audio to local consumers.

Quick start:
  retrohost probe --core testpattern: --rom game.gb    # Print AV info
  retrohost run --core testpattern: --rom game.gb      # Run until interrupted
  retrohost run ... --listen 127.0.0.1:8750            # Also stream over WebSocket`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"Path to config file (default $"+config.EnvPath+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
}

// setup loads .env, the config file and the logger shared by all commands.
func setup() (*config.Config, *zap.Logger, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(configFlag)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
