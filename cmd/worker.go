package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/config"
	"github.com/schovi/retrohost/internal/logging"
	"github.com/schovi/retrohost/internal/transport"
	"github.com/schovi/retrohost/internal/worker"
)

var (
	workerFrameQueueFlag   int
	workerDefaultFPSFlag   float64
	workerMaxStateSizeFlag string
	workerLogLevelFlag     string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the emulation worker (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerFrameQueueFlag, "frame-queue", worker.DefaultFrameQueue,
		"Frames buffered toward the host before the oldest is dropped")
	workerCmd.Flags().Float64Var(&workerDefaultFPSFlag, "default-fps", worker.DefaultFPS,
		"Frame rate used when the core reports none")
	workerCmd.Flags().StringVar(&workerMaxStateSizeFlag, "max-state-size", "64MB",
		"Maximum save state size (e.g., 512KB, 64MB)")
	workerCmd.Flags().StringVar(&workerLogLevelFlag, "log-level", "info", "Log level")
}

func runWorker(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol, so logs go to stderr only.
	logger, err := logging.New(config.LogConfig{Level: workerLogLevelFlag})
	if err != nil {
		return err
	}
	defer logger.Sync()

	maxSize, err := config.ParseSize(workerMaxStateSizeFlag)
	if err != nil {
		return fmt.Errorf("invalid --max-state-size: %w", err)
	}

	if err := worker.BindToParent(); err != nil {
		logger.Warn("parent death signal unavailable", zap.Error(err))
	}

	// The host decides when we stop; a terminal interrupt aimed at the
	// process group must not kill the worker ahead of its shutdown request.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	conn := transport.NewConn(transport.JoinPipes(os.Stdin, os.Stdout))
	rt := worker.New(conn,
		worker.WithFrameQueue(workerFrameQueueFlag),
		worker.WithDefaultFPS(workerDefaultFPSFlag),
		worker.WithStorageFactory(worker.FileStorageFactory(maxSize)),
		worker.WithLogger(logger),
	)
	logger.Info("worker started", zap.Int("pid", os.Getpid()))
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
