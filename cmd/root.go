package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/batchserve/serve"
)

var logLevel string // Log verbosity level

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:          "batchserve",
	Short:        "Continuous-batching text generation server",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	serveFlags.register(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", serve.DefaultConfig().Server.Address, "Listen address")
	serveCmd.Flags().DurationVar(&serveReadTimeout, "read-timeout", serve.DefaultConfig().Server.ReadTimeout, "HTTP read header timeout")

	benchFlags.register(benchCmd)
	benchCmd.Flags().StringVar(&benchWorkload, "workload", "", "Workload spec YAML file (required)")
	benchCmd.Flags().Int64Var(&benchSeed, "workload-seed", 0, "Override the workload spec seed")
	benchCmd.Flags().StringVar(&benchTarget, "target", "", "Base URL of a running server; empty runs an in-process engine")
	benchCmd.Flags().Float64Var(&benchSpeedup, "speedup", 1, "Replay arrivals this many times faster than the spec rate")
	_ = benchCmd.MarkFlagRequired("workload")

	rootCmd.AddCommand(serveCmd, benchCmd)
}
