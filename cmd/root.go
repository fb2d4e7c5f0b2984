package cmd

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lockstep-sim/lockstep/internal/observability"
	"github.com/lockstep-sim/lockstep/sim"
	"github.com/lockstep-sim/lockstep/sim/recorder"
	"github.com/lockstep-sim/lockstep/sim/scenario"
	"github.com/lockstep-sim/lockstep/sim/sensor"
	"github.com/lockstep-sim/lockstep/sim/syncmode"
)

var (
	// CLI flags for the synchronization run
	scenarioPath string        // Path to a YAML scenario file; defaults used when empty
	stepRate     int           // Simulation steps per simulated second
	totalTicks   int           // Number of synchronized ticks to run
	tickTimeout  time.Duration // Per-tick gather timeout
	logLevel     string        // Log verbosity level
	outDir       string        // Recording root; empty disables recording
	metricsAddr  string        // Prometheus exposition address; empty disables metrics
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "lockstep",
	Short: "Frame-accurate synchronization of a stepped simulation and its sensors",
}

// runCmd drives the end-to-end loop: spawn the world and its sensors, enter
// synchronous mode, tick, move the hero, record the bundle.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synchronized simulation scenario",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		sc := scenario.Defaults()
		if scenarioPath != "" {
			sc, err = scenario.Load(scenarioPath)
			if err != nil {
				logrus.Fatalf("Unable to load scenario: %v", err)
			}
		}
		// Explicit flags override the scenario file.
		if cmd.Flags().Changed("rate") {
			sc.Rate = stepRate
		}
		if cmd.Flags().Changed("ticks") {
			sc.DurationTicks = totalTicks
		}
		if cmd.Flags().Changed("timeout") {
			sc.TickTimeout = scenario.Duration(tickTimeout)
		}
		if err := sc.Validate(); err != nil {
			logrus.Fatalf("Invalid scenario: %v", err)
		}

		if err := runScenario(sc); err != nil {
			logrus.Fatalf("Run failed: %v", err)
		}
		logrus.Info("Run complete.")
	},
}

// validateCmd checks a scenario file without running it.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a scenario file",
	Run: func(cmd *cobra.Command, args []string) {
		if scenarioPath == "" {
			logrus.Fatalf("No scenario file provided, use --scenario")
		}
		sc, err := scenario.Load(scenarioPath)
		if err != nil {
			logrus.Fatalf("Invalid scenario: %v", err)
		}
		logrus.Infof("Scenario OK: rate=%d ticks=%d sensors=%d", sc.Rate, sc.DurationTicks, len(sc.Sensors))
	},
}

func runScenario(sc *scenario.Scenario) error {
	world := sim.NewWorld()
	defer world.Close()

	var hero *sim.Actor
	if sc.Vehicle != nil {
		var err error
		hero, err = world.Spawn(sc.Vehicle.Name, sim.Transform{})
		if err != nil {
			return err
		}
		defer hero.Destroy()
	}

	sources := make([]syncmode.Source, 0, len(sc.Sensors))
	for _, spec := range sc.Sensors {
		s, err := sensor.Attach(world, sensor.Config{
			Name:    spec.Name,
			Kind:    sensor.Kind(spec.Kind),
			Width:   spec.Width,
			Height:  spec.Height,
			Latency: spec.Latency.Std(),
		})
		if err != nil {
			return err
		}
		defer s.Stop()
		sources = append(sources, s)
	}

	var rec *recorder.Recorder
	if outDir != "" {
		var err error
		rec, err = recorder.New(outDir)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	var collector *observability.SyncCollector
	if metricsAddr != "" {
		var err error
		collector, err = observability.NewSyncCollector(nil)
		if err != nil {
			return err
		}
		go func() {
			logrus.Infof("serving metrics on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, collector.Handler()); err != nil {
				logrus.Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	cfg := syncmode.Config{Rate: sc.Rate}
	if collector != nil {
		cfg.Observer = collector
	}
	mode, err := syncmode.Enter(world, sources, cfg)
	if err != nil {
		return err
	}
	defer mode.Close()
	if collector != nil {
		collector.ActiveSources.Set(float64(len(sources) + 1))
	}

	ctx := context.Background()
	delta := 1.0 / float64(sc.Rate)
	wallStart := time.Now()
	for i := 0; i < sc.DurationTicks; i++ {
		bundle, err := mode.Tick(ctx, sc.TickTimeout.Std())
		if err != nil {
			return err
		}
		if hero != nil && sc.Vehicle.StepVelocity != 0 {
			t := hero.Transform()
			t.X += sc.Vehicle.StepVelocity * delta
			hero.SetTransform(t)
		}
		if rec != nil {
			for _, item := range bundle {
				if _, err := rec.Record(item); err != nil {
					return err
				}
			}
		}
		if (i+1)%20 == 0 {
			wall := time.Since(wallStart).Seconds()
			logrus.Infof("frame %d: %d items, %.1f FPS simulated, %.1f FPS wall",
				mode.Frame(), len(bundle), 1.0/delta, float64(i+1)/wall)
		}
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to a YAML scenario file")
	runCmd.Flags().IntVar(&stepRate, "rate", 20, "Simulation steps per simulated second")
	runCmd.Flags().IntVar(&totalTicks, "ticks", 100, "Number of synchronized ticks to run")
	runCmd.Flags().DurationVar(&tickTimeout, "timeout", time.Second, "Per-tick timeout waiting for sensor data")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&outDir, "out", "", "Recording root directory (empty disables recording)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus exposition address, e.g. :9090 (empty disables)")

	validateCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to a YAML scenario file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
