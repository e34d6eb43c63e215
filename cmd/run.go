package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"hmp-sched/internal/config"
	"hmp-sched/internal/logging"
	"hmp-sched/internal/sim"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func runSimulation(cmd *cobra.Command, configFile string, levelFromFlag bool) error {
	logger := logging.GetLogger()

	cfg, content, err := config.LoadConfigWithContent(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Failed to load configuration")
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The command line wins over the configured log level.
	if cfg.Simulation.LogLevel != "" && !levelFromFlag {
		if err := logging.SetLogLevel(cfg.Simulation.LogLevel); err != nil {
			logger.WithField("log_level", cfg.Simulation.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			logging.SetLogLevel("info")
		} else {
			logger.WithField("log_level", cfg.Simulation.LogLevel).Debug("Log level set from configuration")
		}
	}

	runner, err := sim.New(sim.Options{Config: cfg, ConfigContent: content, Version: Version})
	if err != nil {
		logger.WithError(err).Error("Failed to prepare simulation")
		return err
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"run_id": runner.RunID(),
		"name":   cfg.Simulation.Name,
	}).Info("Starting simulation")

	res, err := runner.Run(ctx)
	if err != nil {
		logger.WithError(err).Error("Simulation failed")
		return fmt.Errorf("simulation failed: %w", err)
	}

	rep, err := runner.Export(context.WithoutCancel(ctx), res)
	if err != nil {
		logger.WithError(err).Error("Failed to export run")
		return err
	}

	printRunSummary(cmd, res, rep)
	return nil
}

func printRunSummary(cmd *cobra.Command, res *sim.Result, rep *sim.ExportReport) {
	out := cmd.OutOrStdout()
	stats := res.Stats

	fmt.Fprintf(out, "run %s\n", res.RunID)
	fmt.Fprintf(out, "  simulated        %s in %s wall time\n", res.Simulated, res.End.Sub(res.Start).Round(time.Millisecond))
	fmt.Fprintf(out, "  ticks            %s\n", humanize.Comma(stats.Ticks))
	fmt.Fprintf(out, "  context switches %s\n", humanize.Comma(int64(stats.ContextSwitches)))
	fmt.Fprintf(out, "  freq changes     %d\n", stats.GovernorChanges)
	fmt.Fprintf(out, "  events recorded  %s\n", humanize.Comma(res.Recorded))

	steps := make([]string, 0, len(stats.Fallbacks))
	for step := range stats.Fallbacks {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		if n := stats.Fallbacks[step]; n > 0 {
			fmt.Fprintf(out, "  fallback %-8s %s\n", step, humanize.Comma(int64(n)))
		}
	}
	for _, name := range res.Rejected {
		fmt.Fprintf(out, "  rejected         %s\n", name)
	}

	for _, t := range stats.Tasks {
		fmt.Fprintf(out, "  task %-12s cpu %-3d %-9s demand %-10s wakeups %-6s migrations %s\n",
			t.Name, t.CPU, t.State, fmt.Sprintf("%.2fms", float64(t.Demand)/1e6),
			humanize.Comma(int64(t.Wakeups)), humanize.Comma(int64(t.Migrations)))
	}

	if rep.InfluxSamples > 0 {
		fmt.Fprintf(out, "  influx samples   %s\n", humanize.Comma(int64(rep.InfluxSamples)))
	}
	if info, err := os.Stat(rep.SpoolPath); err == nil {
		fmt.Fprintf(out, "  spool            %s (%s)\n", rep.SpoolPath, humanize.Bytes(uint64(info.Size())))
	}
}
