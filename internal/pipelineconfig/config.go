// Package pipelineconfig holds the pipeline's YAML-backed configuration:
// specialist (model/endpoint) mappings, coordinator timing, and logging
// settings. It composes sub-configs the way codeNERD's internal/config
// package does, with a DefaultConfig() plus environment overrides for
// secrets that should never live in a checked-in file.
package pipelineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the ambient category logger (internal/pipelog).
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
	JSON      bool   `yaml:"json"`
}

// SpecialistConfig maps a logical specialist role to a concrete
// (model, endpoint) pair, configured at coordinator construction rather
// than hard-coded.
type SpecialistConfig struct {
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// TimeoutDuration parses Timeout, defaulting to 120s if unset/invalid.
func (s SpecialistConfig) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return 120 * time.Second
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// CoordinatorConfig holds the Coordinator's timing and safety limits.
type CoordinatorConfig struct {
	PhaseTimeout              string  `yaml:"phase_timeout"`
	CancellationGrace         string  `yaml:"cancellation_grace"`
	MaxConsecutivePhaseErrs   int     `yaml:"max_consecutive_phase_errors"`
	ArchitectureCheckEvery    int     `yaml:"architecture_check_every_n_iterations"`
	OptimizerEvery            int     `yaml:"optimizer_every_n_iterations"`
	LoopWindow                int     `yaml:"loop_window"`
	LoopSuccessRateFloor      float64 `yaml:"loop_success_rate_floor"`
	MaxMetaRecursionDepth     int     `yaml:"max_meta_recursion_depth"`
	MasterCompletionThreshold float64 `yaml:"master_completion_threshold"`
}

func (c CoordinatorConfig) phaseTimeout() time.Duration {
	return durationOr(c.PhaseTimeout, 30*time.Minute)
}

func (c CoordinatorConfig) cancellationGrace() time.Duration {
	return durationOr(c.CancellationGrace, 10*time.Second)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// PhaseTimeoutDuration exposes the parsed phase timeout.
func (c CoordinatorConfig) PhaseTimeoutDuration() time.Duration { return c.phaseTimeout() }

// CancellationGraceDuration exposes the parsed cancellation grace period.
func (c CoordinatorConfig) CancellationGraceDuration() time.Duration { return c.cancellationGrace() }

// BusConfig controls the Message Bus.
type BusConfig struct {
	HistorySize     int    `yaml:"history_size"`
	PerRecipientCap int    `yaml:"per_recipient_cap"`
	ShutdownGrace   string `yaml:"shutdown_grace"`
}

func (b BusConfig) shutdownGrace() time.Duration { return durationOr(b.ShutdownGrace, 5*time.Second) }

// ShutdownGraceDuration exposes the parsed shutdown grace period.
func (b BusConfig) ShutdownGraceDuration() time.Duration { return b.shutdownGrace() }

// ToolExecConfig controls the Tool Executor's subprocess isolation.
type ToolExecConfig struct {
	DefaultTimeout string `yaml:"default_timeout"`
	ToolsDir       string `yaml:"tools_dir"`
}

func (t ToolExecConfig) defaultTimeout() time.Duration {
	return durationOr(t.DefaultTimeout, 30*time.Second)
}

// DefaultTimeoutDuration exposes the parsed default subprocess timeout.
func (t ToolExecConfig) DefaultTimeoutDuration() time.Duration { return t.defaultTimeout() }

// PatternConfig controls the pattern recognition/optimizer.
type PatternConfig struct {
	SmoothingAlpha          float64 `yaml:"smoothing_alpha"`
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold"`
	PruneBelow              float64 `yaml:"prune_below"`
	MergeSimilarity         float64 `yaml:"merge_similarity"`
	ArchiveAfterDays        int     `yaml:"archive_after_days"`
}

// Config holds all pipeline configuration.
type Config struct {
	Workspace   string                      `yaml:"-"`
	Specialists map[string]SpecialistConfig `yaml:"specialists"`
	Coordinator CoordinatorConfig           `yaml:"coordinator"`
	Bus         BusConfig                   `yaml:"bus"`
	ToolExec    ToolExecConfig              `yaml:"tool_exec"`
	Pattern     PatternConfig               `yaml:"pattern"`
	Logging     LoggingConfig               `yaml:"logging"`
}

// DefaultConfig returns sensible defaults, the same role as codeNERD's
// config.DefaultConfig().
func DefaultConfig() *Config {
	return &Config{
		Specialists: map[string]SpecialistConfig{
			"coding":    {Model: "default-coding-model", Endpoint: "http://localhost:8090/v1", Timeout: "120s"},
			"reasoning": {Model: "default-reasoning-model", Endpoint: "http://localhost:8090/v1", Timeout: "120s"},
			"analysis":  {Model: "default-analysis-model", Endpoint: "http://localhost:8090/v1", Timeout: "60s"},
		},
		Coordinator: CoordinatorConfig{
			PhaseTimeout:              "30m",
			CancellationGrace:         "10s",
			MaxConsecutivePhaseErrs:   10,
			ArchitectureCheckEvery:    5,
			OptimizerEvery:            50,
			LoopWindow:                5,
			LoopSuccessRateFloor:      0.3,
			MaxMetaRecursionDepth:     61,
			MasterCompletionThreshold: 0.95,
		},
		Bus: BusConfig{
			HistorySize:     10000,
			PerRecipientCap: 1000,
			ShutdownGrace:   "5s",
		},
		ToolExec: ToolExecConfig{
			DefaultTimeout: "30s",
			ToolsDir:       "scripts/custom_tools",
		},
		Pattern: PatternConfig{
			SmoothingAlpha:          0.2,
			HighConfidenceThreshold: 0.8,
			PruneBelow:              0.3,
			MergeSimilarity:         0.85,
			ArchiveAfterDays:        90,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads YAML config from path under workspace, falling back to
// defaults if the file does not exist.
func Load(workspace, path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Workspace = workspace

	full := filepath.Join(workspace, path)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("pipelineconfig: read %s: %w", full, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parse %s: %w", full, err)
	}
	cfg.Workspace = workspace
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets (API keys live with the LLM
// transport, out of this core's scope) and CI flags override file
// config without editing the checked-in YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIPELINE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("PIPELINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
