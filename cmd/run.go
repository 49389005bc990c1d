package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/config"
	"github.com/schovi/retrohost/internal/protocol"
	"github.com/schovi/retrohost/internal/supervisor"
	"github.com/schovi/retrohost/internal/ws"
)

var (
	runCoreFlag     string
	runRomFlag      string
	runStateFlag    string
	runListenFlag   string
	runDurationFlag time.Duration
	runStatsFlag    time.Duration
	runSaveSlotFlag int
	runSRAMFlag     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a core and game until interrupted",
	Long: `Load a core and game into a worker process and keep it running until
interrupted or until --duration elapses.

Examples:
  retrohost run --core testpattern: --rom game.gb
  retrohost run --core testpattern: --rom game.gb --state game.state1
  retrohost run --core testpattern: --rom game.gb --listen 127.0.0.1:8750
  retrohost run --core testpattern: --rom game.gb --duration 10s --save-slot 1`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCoreFlag, "core", "", "Core path (e.g., testpattern:)")
	runCmd.Flags().StringVar(&runRomFlag, "rom", "", "Game image path")
	runCmd.Flags().StringVar(&runStateFlag, "state", "", "Save state to apply after loading")
	runCmd.Flags().StringVar(&runListenFlag, "listen", "", "Stream events over WebSocket on this address")
	runCmd.Flags().DurationVar(&runDurationFlag, "duration", 0, "Stop after this long (0 = until interrupted)")
	runCmd.Flags().DurationVar(&runStatsFlag, "stats-interval", 30*time.Second, "Log worker stats this often (0 = never)")
	runCmd.Flags().IntVar(&runSaveSlotFlag, "save-slot", -1, "Save state to this slot before stopping (-1 = skip)")
	runCmd.Flags().BoolVar(&runSRAMFlag, "save-sram", false, "Persist cartridge RAM before stopping")
	runCmd.MarkFlagRequired("core")
	runCmd.MarkFlagRequired("rom")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if runSaveSlotFlag >= 0 {
		if err := supervisor.ValidateSlot(runSaveSlotFlag); err != nil {
			return fmt.Errorf("invalid --save-slot: %w", err)
		}
	}
	listen := cfg.Stream.Listen
	if runListenFlag != "" {
		listen = runListenFlag
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runDurationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDurationFlag)
		defer cancel()
	}

	sup := newSupervisor(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout+2*time.Second)
		defer cancel()
		if err := sup.Close(closeCtx); err != nil {
			logger.Warn("close supervisor", zap.Error(err))
		}
	}()

	failed := make(chan protocol.Error, 1)
	go watchErrors(sup, logger, failed)

	if err := startStream(ctx, listen, cfg, sup, logger); err != nil {
		return err
	}

	sess, err := sup.Load(ctx, supervisor.LoadOptions{
		CorePath:      runCoreFlag,
		RomPath:       runRomFlag,
		SaveStatePath: runStateFlag,
	})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	logger.Info("session running",
		zap.String("session", sess.ID),
		zap.Int("pid", sess.PID),
		zap.Int("width", sess.AVInfo.Geometry.BaseWidth),
		zap.Int("height", sess.AVInfo.Geometry.BaseHeight),
		zap.Float64("fps", sess.AVInfo.Timing.FPS),
	)

	var statsC <-chan time.Time
	if runStatsFlag > 0 {
		ticker := time.NewTicker(runStatsFlag)
		defer ticker.Stop()
		statsC = ticker.C
	}

loop:
	for {
		select {
		case <-statsC:
			logStats(logger, sup.Stats())
		case e := <-failed:
			return fmt.Errorf("session failed: %s", e.Message)
		case <-ctx.Done():
			break loop
		}
	}

	persist(sup, cfg.Supervisor.RequestTimeout, logger)
	logStats(logger, sup.Stats())
	return nil
}

// watchErrors logs engine errors and reports the first fatal one.
func watchErrors(sup *supervisor.Supervisor, logger *zap.Logger, failed chan<- protocol.Error) {
	sub := sup.Subscribe(0)
	for ev := range sub.C {
		e, ok := ev.(protocol.Error)
		if !ok {
			continue
		}
		if !e.Fatal {
			logger.Warn("engine error", zap.String("message", e.Message))
			continue
		}
		logger.Error("fatal engine error", zap.String("message", e.Message))
		select {
		case failed <- e:
		default:
		}
	}
}

func persist(sup *supervisor.Supervisor, timeout time.Duration, logger *zap.Logger) {
	if sup.State() != supervisor.StateRunning && sup.State() != supervisor.StatePaused {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if runSaveSlotFlag >= 0 {
		if res, err := sup.SaveState(ctx, runSaveSlotFlag); err != nil {
			logger.Error("save state", zap.Int("slot", runSaveSlotFlag), zap.Error(err))
		} else {
			logger.Info("state saved", zap.Int("slot", runSaveSlotFlag), zap.String("path", res.Path))
		}
	}
	if runSRAMFlag {
		res, err := sup.SaveSRAM(ctx)
		var engineErr *supervisor.EngineError
		switch {
		case errors.As(err, &engineErr):
			logger.Warn("save sram", zap.String("reason", engineErr.Message))
		case err != nil:
			logger.Error("save sram", zap.Error(err))
		default:
			logger.Info("sram saved", zap.String("path", res.Path))
		}
	}
}

func logStats(logger *zap.Logger, st supervisor.Stats) {
	logger.Info("worker stats",
		zap.Stringer("state", st.State),
		zap.Int("pid", st.PID),
		zap.String("uptime", formatDuration(st.Uptime)),
		zap.String("rss", formatBytes(st.RSSBytes)),
		zap.Float64("cpu_percent", st.CPUPercent),
		zap.Uint64("dropped_events", st.DroppedEvents),
		zap.Int("pending_requests", st.PendingRequests),
		zap.Int("subscribers", st.Subscribers),
	)
}

// startStream serves session events over WebSocket until ctx ends. An empty
// addr disables streaming.
func startStream(ctx context.Context, addr string, cfg *config.Config, sup *supervisor.Supervisor, logger *zap.Logger) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}
	logger = logger.Named("stream")
	b := ws.NewBroadcaster(cfg.Stream.ClientBuffer, cfg.Stream.MaxClients, logger)
	go b.Run(ctx, sup.Subscribe(0))
	go func() {
		if err := ws.Serve(ctx, ln, b, logger); err != nil {
			logger.Error("stream server", zap.Error(err))
		}
	}()
	return nil
}
