package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/config"
	"github.com/schovi/retrohost/internal/supervisor"
)

// newSupervisor wires a supervisor that re-executes this binary as its
// worker, forwarding the worker settings from cfg.
func newSupervisor(cfg *config.Config, logger *zap.Logger) *supervisor.Supervisor {
	maxState := cfg.Storage.MaxStateSize
	if maxState == "" {
		maxState = "0"
	}
	spawner := &supervisor.ExecSpawner{
		Args: []string{
			"worker",
			"--frame-queue", fmt.Sprint(cfg.Worker.FrameQueue),
			"--default-fps", fmt.Sprint(cfg.Worker.DefaultFPS),
			"--max-state-size", maxState,
			"--log-level", cfg.Log.Level,
		},
		Logger: logger,
	}

	return supervisor.New(
		supervisor.WithSpawner(spawner),
		supervisor.WithLogger(logger),
		supervisor.WithDirs(supervisor.Dirs{
			System:     cfg.Dirs.System,
			Save:       cfg.Dirs.Save,
			SRAM:       cfg.Dirs.SRAM,
			SaveStates: cfg.Dirs.SaveStates,
		}),
		supervisor.WithTimeouts(
			cfg.Supervisor.InitTimeout,
			cfg.Supervisor.RequestTimeout,
			cfg.Supervisor.ShutdownTimeout,
		),
		supervisor.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
	)
}
