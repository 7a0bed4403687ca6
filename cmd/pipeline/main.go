// Package main implements the pipeline CLI - the autonomous
// code-development pipeline's entry point.
//
// # File Index
//
//   - main.go       - Entry point, rootCmd, global flags, init()
//   - cmd_run.go    - runCmd: construct the coordinator and run the loop
//   - cmd_init.go   - initCmd: bootstrap .pipeline/ and strategic documents
//   - cmd_status.go - statusCmd: live dashboard over state/patterns/architecture status
//   - cmd_stop.go   - stopCmd: request a graceful stop of a running pipeline
//   - transport.go  - minimal HTTP chat transport wired into the specialists
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autodev/internal/pipelineconfig"
	"autodev/internal/pipelog"
)

var (
	// Global flags
	debug      bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger

	cfg *pipelineconfig.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Autonomous code-development pipeline",
	Long: `pipeline is an autonomous code-development loop: it inspects a target
source tree, decides which specialized phase should run next (planning,
coding, QA, debugging, documentation, refactoring, self-improvement),
dispatches the phase to configured model backends, applies the resulting
edits, and repeats until the objective completes or a stop condition
trips.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if debug {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		} else if abs, aerr := filepath.Abs(ws); aerr == nil {
			ws = abs
		}

		cfg, err = pipelineconfig.Load(ws, configPath)
		if err != nil {
			return err
		}
		if debug {
			cfg.Logging.DebugMode = true
		}

		if err := pipelog.Initialize(ws, cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.JSON); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".pipeline/config.yaml", "Config file path relative to workspace")

	rootCmd.AddCommand(runCmd, initCmd, statusCmd, stopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
