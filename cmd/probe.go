package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/retrohost/internal/engine"
	"github.com/schovi/retrohost/internal/supervisor"
)

var (
	probeCoreFlag string
	probeRomFlag  string
	probeJsonFlag bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Load a core and game and print its audio/video info",
	Long:  `Start a worker, load the core and game, print the geometry and timing the core reports, and unload.`,
	Args:  cobra.NoArgs,
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeCoreFlag, "core", "", "Core path (e.g., testpattern:)")
	probeCmd.Flags().StringVar(&probeRomFlag, "rom", "", "Game image path")
	probeCmd.Flags().BoolVar(&probeJsonFlag, "json", false, "Output as JSON")
	probeCmd.MarkFlagRequired("core")
	probeCmd.MarkFlagRequired("rom")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sup := newSupervisor(cfg, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout+2*time.Second)
		defer cancel()
		sup.Close(ctx)
	}()

	sess, err := sup.Load(cmd.Context(), supervisor.LoadOptions{
		CorePath: probeCoreFlag,
		RomPath:  probeRomFlag,
	})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	out := cmd.OutOrStdout()
	av := sess.AVInfo
	if probeJsonFlag {
		data, _ := json.MarshalIndent(struct {
			SystemInfo *engine.SystemInfo `json:"systemInfo,omitempty"`
			AVInfo     engine.AVInfo      `json:"avInfo"`
		}{sess.SystemInfo, av}, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintf(out, "Core:     %s\n", sess.CorePath)
	if sys := sess.SystemInfo; sys != nil {
		fmt.Fprintf(out, "Library:  %s %s\n", sys.LibraryName, sys.LibraryVersion)
		if sys.ValidExtensions != "" {
			fmt.Fprintf(out, "Formats:  %s\n", sys.ValidExtensions)
		}
	}
	fmt.Fprintf(out, "Game:     %s\n", sess.RomPath)
	fmt.Fprintf(out, "Size:     %dx%d (max %dx%d)\n",
		av.Geometry.BaseWidth, av.Geometry.BaseHeight, av.Geometry.MaxWidth, av.Geometry.MaxHeight)
	fmt.Fprintf(out, "Aspect:   %.3f\n", av.Geometry.AspectRatio)
	fmt.Fprintf(out, "FPS:      %.2f\n", av.Timing.FPS)
	fmt.Fprintf(out, "Audio:    %.0f Hz\n", av.Timing.SampleRate)
	return nil
}
