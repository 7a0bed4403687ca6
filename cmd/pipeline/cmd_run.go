package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autodev/internal/bus"
	"autodev/internal/coordinator"
	"autodev/internal/correlation"
	"autodev/internal/docbus"
	"autodev/internal/pattern"
	"autodev/internal/phase"
	"autodev/internal/pipelinestate"
	"autodev/internal/registry"
	"autodev/internal/scheduler"
	"autodev/internal/specialist"
	"autodev/internal/toolcreator"
	"autodev/internal/toolexec"
	"autodev/internal/toolhandler"
)

var maxIterations int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline loop until a stop condition trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		// A stale stop marker would end the run immediately.
		_ = os.Remove(filepath.Join(cfg.Workspace, coordinator.StopFile))

		coord, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()
		coord.MaxIterations = maxIterations

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("pipeline starting", zap.String("workspace", cfg.Workspace))
		reason, err := coord.Run(ctx)
		if err != nil {
			return fmt.Errorf("pipeline run: %w", err)
		}
		logger.Info("pipeline stopped", zap.String("reason", string(reason)))
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Stop after N iterations (0 = unbounded)")
}

// buildCoordinator wires every collaborator exactly once and injects the
// set into the coordinator; no component constructs its own peers.
func buildCoordinator() (*coordinator.Coordinator, func(), error) {
	ws := cfg.Workspace

	state, err := pipelinestate.New(ws)
	if err != nil {
		return nil, nil, err
	}

	msgBus := bus.New(bus.Config{
		HistoryCap:      cfg.Bus.HistorySize,
		PerRecipientCap: cfg.Bus.PerRecipientCap,
	})

	docs, err := docbus.New(ws)
	if err != nil {
		return nil, nil, err
	}

	prompts, err := registry.Open(filepath.Join(ws, ".pipeline", "prompts"), nil)
	if err != nil {
		return nil, nil, err
	}
	toolSpecs, err := registry.Open(filepath.Join(ws, ".pipeline", "tools"), registry.ToolSafety)
	if err != nil {
		return nil, nil, err
	}
	roles, err := registry.Open(filepath.Join(ws, ".pipeline", "roles"), nil)
	if err != nil {
		return nil, nil, err
	}

	creator := toolcreator.NewCreator(5)
	validator := toolcreator.NewValidator()
	executor := toolexec.New(toolexec.Config{
		ToolsDir:       filepath.Join(ws, cfg.ToolExec.ToolsDir),
		ProjectDir:     ws,
		DefaultTimeout: cfg.ToolExec.DefaultTimeoutDuration(),
	})

	handler, err := toolhandler.New(phase.Builtins(ws, docs), toolSpecs, executor, creator, validator, msgBus)
	if err != nil {
		return nil, nil, err
	}

	patterns, err := pattern.Open(ws)
	if err != nil {
		return nil, nil, err
	}

	correlator, err := correlation.New(nil)
	if err != nil {
		patterns.Close()
		return nil, nil, err
	}

	specialists, err := specialist.NewSet(cfg.Specialists, func(model, endpoint string, timeout time.Duration) (specialist.Client, error) {
		return newHTTPChatClient(model, endpoint, timeout)
	})
	if err != nil {
		patterns.Close()
		return nil, nil, err
	}

	deps := &phase.Deps{
		Config:      cfg,
		State:       state,
		Bus:         msgBus,
		Docs:        docs,
		Prompts:     prompts,
		ToolSpecs:   toolSpecs,
		Roles:       roles,
		Specialists: specialists,
		Tools:       handler,
		Creator:     creator,
		Validator:   validator,
		Patterns:    patterns,
		Recognizer:  pattern.NewRecognizer(patterns, cfg.Pattern.SmoothingAlpha),
		Correlator:  correlator,
		Analyzers:   map[string]phase.Analyzer{},
	}

	sched := scheduler.New(scheduler.DefaultConfig())
	opt := pattern.NewOptimizer(patterns, pattern.OptimizerConfig{
		PruneBelow:       cfg.Pattern.PruneBelow,
		MergeSimilarity:  cfg.Pattern.MergeSimilarity,
		ArchiveAfterDays: cfg.Pattern.ArchiveAfterDays,
	})

	coord := coordinator.New(cfg, deps, phase.All(ws), sched, opt)
	cleanup := func() {
		msgBus.Shutdown(cfg.Bus.ShutdownGraceDuration())
		docs.Close()
		patterns.Close()
	}
	return coord, cleanup, nil
}
