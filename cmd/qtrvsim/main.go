// Package main provides the entry point for qtrvsim, a cycle-level RV32
// core simulator with single-cycle and five-stage pipelined cores.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "qtrvsim",
	Short: "Cycle-level RV32 core simulator",
	Long: `qtrvsim simulates an RV32IM core with Zicsr either as a single-cycle
machine or as a classic five-stage pipeline with a configurable hazard
unit, branch predictor and level-1 caches.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		logrus.SetOutput(os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning",
		"log level (trace, debug, info, warning, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitStatus)
}
