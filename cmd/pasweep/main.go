package main

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rjboer/pabench/internal/logging"
)

var (
	logLevel  = "info"
	logFormat = "text"
)

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCommand builds the root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pasweep",
		Short:        "pasweep characterizes RF power amplifiers across a frequency sweep",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", envString(os.LookupEnv, "PABENCH_LOG_LEVEL", logLevel), "log level (debug, info, warn, error)")
	globalFlags.StringVar(&logFormat, "log-format", envString(os.LookupEnv, "PABENCH_LOG_FORMAT", logFormat), "log format (text, json)")

	cmd.AddCommand(
		NewRunCommand(),
		NewDiscoverCommand(),
		NewSummaryCommand(),
	)
	return cmd
}

func setupLogger() error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(logFormat)
	if err != nil {
		return err
	}
	logging.SetDefault(logging.New(level, format, os.Stderr))
	logrus.SetOutput(os.Stderr)
	return nil
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
