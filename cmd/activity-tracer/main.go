// activity-tracer correlates socket and process observations into ordered
// activity events and exports them as structured logs or OpenTelemetry spans.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/config"
	"github.com/mrzor/activity-tracer/internal/replay"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}

	root := &cobra.Command{
		Use:           "activity-tracer",
		Short:         "Correlate socket and process activity into ordered events",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			return cfg.Finalize()
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(newReplayCmd(cfg), newWatchCmd(cfg), newVersionCmd())
	return root
}

func newReplayCmd(cfg *config.Config) *cobra.Command {
	var builtin string

	cmd := &cobra.Command{
		Use:   "replay [scenario.yaml]",
		Short: "Drive the probes through a scripted scenario",
		Long: "Replay fires the probes in the order a scenario lists and feeds the resulting\n" +
			"records through the consumer pipeline. Filters given on the command line or in\n" +
			"the environment take precedence over the scenario's own filter.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(args, builtin)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReplay(ctx, cfg, sc)
		},
	}
	cmd.Flags().StringVar(&builtin, "builtin", "", fmt.Sprintf("run an embedded scenario (%v)", replay.BuiltinNames()))
	return cmd
}

func newWatchCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Consume records written to the kernel event ring buffer",
		Long: "Watch creates the kernel correlation maps and event ring buffer, seeds the\n" +
			"traced set with --pid, and consumes records until interrupted. Kernel\n" +
			"programs sharing the maps are attached by an external loader.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "activity-tracer %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func loadScenario(args []string, builtin string) (*replay.Scenario, error) {
	switch {
	case builtin != "" && len(args) > 0:
		return nil, errors.New("give either a scenario file or --builtin, not both")
	case builtin != "":
		return replay.Builtin(builtin)
	case len(args) == 1:
		return replay.Load(args[0])
	default:
		return nil, errors.New("a scenario file or --builtin is required")
	}
}

func runReplay(ctx context.Context, cfg *config.Config, sc *replay.Scenario) error {
	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	probeCfg := cfg.ProbeConfig()
	sc.ApplyFilter(&probeCfg)

	opts, err := p.probeOptions()
	if err != nil {
		return err
	}
	runner, err := replay.NewRunner(probeCfg, p.output, p.logger, opts...)
	if err != nil {
		return err
	}

	p.logger.Info("replaying scenario",
		zap.String("scenario", sc.Name),
		zap.Int("steps", len(sc.Steps)),
		zap.Uint32("pid_filter", probeCfg.PidFilter),
		zap.String("comm_filter", probeCfg.CommFilter),
	)

	stream := p.start(ctx, p.output)
	runErr := runner.Run(ctx, sc)
	_ = p.output.Close() //nolint:errcheck // ChannelOutput.Close never fails
	<-stream.Done()

	p.report(sc.Name, stream)
	if runErr != nil {
		return fmt.Errorf("replaying %s: %w", sc.Name, runErr)
	}
	return stream.Err()
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	if cfg.Backend != config.BackendKernel {
		return fmt.Errorf("watch needs --backend=%s", config.BackendKernel)
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	loader, err := p.kernelLoader()
	if err != nil {
		return err
	}
	if cfg.PidFilter != 0 {
		if err := loader.TrackPID(int(cfg.PidFilter)); err != nil {
			return err
		}
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		return err
	}

	p.logger.Info("watching kernel ring buffer", zap.Uint32("pid_filter", cfg.PidFilter))
	stream := p.start(ctx, rd)
	select {
	case <-ctx.Done():
	case <-stream.Done():
	}
	if err := rd.Close(); err != nil {
		p.logger.Warn("closing ring buffer", zap.Error(err))
	}
	<-stream.Done()

	p.report("watch", stream)
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
