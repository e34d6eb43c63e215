package main

import (
	"fmt"
	"os"
	"path/filepath"

	"hmp-sched/internal/config"
	"hmp-sched/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "0.4.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
	// Try to load from the application directory
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func main() {
	logger := logging.GetLogger()

	loadEnvironment()

	if err := newRootCmd().Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func newRootCmd() *cobra.Command {
	var logLevel, logFormat string
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "hmp-sched",
		Short:        "Per-cpu scheduler core with window-based demand tracking",
		Long:         "Replays workloads against a heterogeneous multi-cluster scheduler core and records its decisions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			if logFormat != "" {
				if err := logging.SetFormat(logFormat); err != nil {
					return fmt.Errorf("invalid log format: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Set log format (text, json)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a workload against the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, configFile, cmd.Flags().Changed("log-level"))
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a simulation configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd, configFile)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hmp-sched %s\n", Version)
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	runCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

func validateConfig(cmd *cobra.Command, configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	checksum, err := config.TraceChecksum(cfg)
	if err != nil {
		return err
	}
	logger.WithField("config_file", configFile).Info("Configuration is valid")
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d tasks, trace %s)\n", cfg.Simulation.Name, len(cfg.Workload), checksum)
	return nil
}
