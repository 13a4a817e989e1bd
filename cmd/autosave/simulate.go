package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autosave/pkg/checkpoint"
	"autosave/pkg/config"
	"autosave/pkg/logger"
	"autosave/pkg/orchestrator"
	"autosave/pkg/ui"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// simulateOptions holds the simulate command flags
type simulateOptions struct {
	steps         int
	segmentMillis int
	stepDelay     time.Duration
	output        string
	voice         string
	source        string
	failRate      float64
	failKind      string
	seed          uint64
	cancelAt      int
	discard       bool
}

var simOpts simulateOptions

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic generation session with checkpoints",
	Long: `Run a synthetic generation session: a tone generator produces one audio
segment per step and the checkpoint subsystem saves it incrementally.

Use --fail-rate and --fail-kind to inject write failures and watch retries,
relocation and recovery mode. Use --cancel-at to cancel the session part way
through. Interrupting with Ctrl-C cancels the session and keeps the audio
saved so far.

Examples:
  autosave simulate --steps 60 --interval 5
  autosave simulate --fail-rate 0.3 --fail-kind transient_fs -v
  autosave simulate --cancel-at 17 --output ./out`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.IntVar(&simOpts.steps, "steps", 40, "number of generation steps")
	f.IntVar(&simOpts.segmentMillis, "segment-ms", 500, "audio per step in milliseconds")
	f.DurationVar(&simOpts.stepDelay, "step-delay", 100*time.Millisecond, "simulated generation time per step")
	f.StringVarP(&simOpts.output, "output", "o", ".", "directory for the final artifact")
	f.StringVar(&simOpts.voice, "voice", "", "voice name used in the artifact name")
	f.StringVar(&simOpts.source, "source", "simulation", "source name used in the artifact name")
	f.Float64Var(&simOpts.failRate, "fail-rate", 0, "share of checkpoint writes that fail (0-1)")
	f.StringVar(&simOpts.failKind, "fail-kind", "transient_fs", "injected failure: transient_fs, space, permission, resource_exhaustion, payload")
	f.Uint64Var(&simOpts.seed, "seed", 1, "seed for failure injection")
	f.IntVar(&simOpts.cancelAt, "cancel-at", 0, "cancel the session after this step")
	f.BoolVar(&simOpts.discard, "discard", false, "when cancelling, delete partial audio instead of keeping it")

	f.Int("interval", 0, "checkpoint every N steps (1-10)")
	f.Bool("adaptive", true, "adapt the interval to write time, failures and load")
	f.Bool("enabled", true, "enable checkpoints")
	f.Int("workers", 0, "checkpoint workers (1-2)")
	f.String("temp-dir", "", "parent directory for session temp files")
	f.StringSlice("fallback", nil, "fallback storage roots in priority order")
	f.Int("sample-rate", 0, "artifact sample rate")
	f.Bool("metrics", false, "serve Prometheus metrics while running")
}

// configFlags collects the config overrides the user actually set
func configFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	f := cmd.Flags()
	for _, name := range []string{"interval", "workers", "sample-rate"} {
		if f.Changed(name) {
			v, _ := f.GetInt(name)
			flags[name] = v
		}
	}
	for _, name := range []string{"adaptive", "enabled", "metrics"} {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			flags[name] = v
		}
	}
	if f.Changed("temp-dir") {
		v, _ := f.GetString("temp-dir")
		flags["temp-dir"] = v
	}
	if f.Changed("fallback") {
		v, _ := f.GetStringSlice("fallback")
		flags["fallback"] = v
	}
	return flags
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFlags(cmd))
	if err != nil {
		return err
	}
	if simOpts.steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", simOpts.steps)
	}

	factory, err := faultyFactory(simOpts.failRate, simOpts.failKind, simOpts.seed)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	opts := orchestrator.Options{
		Logger:    logger.GetLogger(),
		NewWriter: factory,
	}
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registerer = reg
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	uploader, err := mirrorUploader(runCtx, cfg)
	if err != nil {
		ui.PrintWarning("Mirror profile unavailable, using the default AWS credentials", err)
	} else if uploader != nil {
		opts.Uploader = uploader
	}

	o := orchestrator.New(cfg, opts)
	naming := checkpoint.Naming{Voice: simOpts.voice, Source: simOpts.source}
	if err := o.Initialize(runCtx, simOpts.output, naming); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	ch, unsubscribe := o.Subscribe(256)
	defer unsubscribe()

	ui.PrintInfo("Session", o.SessionID())
	ui.PrintInfo("Output", simOpts.output)

	display := ui.NewSessionDisplay("generating", simOpts.steps, verbose)
	if notifications {
		display.SetNotifier(ui.NewNotifier())
	}

	sigCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return display.Run(gctx, ch)
	})

	var srv *http.Server
	if reg != nil {
		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if srv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}
		}()
		return runSession(gctx, sigCtx, o, cfg, display)
	})

	return g.Wait()
}

// runSession produces every step and then finalizes or cancels the session
func runSession(ctx, sigCtx context.Context, o *orchestrator.Orchestrator, cfg *config.Config, display *ui.SessionDisplay) error {
	gen := newToneGenerator(cfg.Audio.SampleRate, simOpts.segmentMillis)

	var tick <-chan time.Time
	if simOpts.stepDelay > 0 {
		ticker := time.NewTicker(simOpts.stepDelay)
		defer ticker.Stop()
		tick = ticker.C
	}

	for step := 1; step <= simOpts.steps; step++ {
		if tick != nil {
			select {
			case <-sigCtx.Done():
				return cancelSession(o, true, "interrupted")
			case <-ctx.Done():
				return cancelSession(o, true, "aborted")
			case <-tick:
			}
		} else if sigCtx.Err() != nil {
			return cancelSession(o, true, "interrupted")
		}

		meta := orchestrator.SegmentMeta{
			Text:           fmt.Sprintf("segment %d", step),
			GenerationTime: simOpts.stepDelay,
		}
		if err := o.AddSegment(gen.Next(step), step, meta); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		if step == simOpts.cancelAt {
			return cancelSession(o, !simOpts.discard, fmt.Sprintf("cancelled at step %d", step))
		}
	}

	if verbose {
		fmt.Println()
		ui.PrintStatus(o.Status())
	}

	res, err := o.Finalize(context.Background())
	if errors.Is(err, orchestrator.ErrIncomplete) {
		fmt.Println()
		ui.PrintWarning("Final checkpoint failed, emergency copy saved", res.EmergencyPath)
		return err
	}
	if err != nil {
		return fmt.Errorf("finalize failed: %w", err)
	}

	var size int64
	if info, statErr := os.Stat(res.Path); statErr == nil {
		size = info.Size()
	}
	display.Complete(res.Path, res.Duration, size)
	if res.MirrorURI != "" {
		ui.PrintInfo("Mirrored to", res.MirrorURI)
	}
	return nil
}

func cancelSession(o *orchestrator.Orchestrator, preserve bool, reason string) error {
	res, err := o.Cancel(context.Background(), preserve)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}
	ui.PrintWarning("Session " + reason)
	switch {
	case res.Preserved:
		ui.PrintInfo("Partial audio", fmt.Sprintf("%s (%.1fs)", res.Path, res.Duration.Seconds()))
	case preserve:
		ui.PrintWarning("No audio could be preserved")
	default:
		ui.PrintInfo("Discarded", fmt.Sprintf("%d files", res.Cleanup.FilesRemoved))
	}
	return nil
}
