// Package toolexec implements the Tool Executor: dynamic
// tools live as standalone source files outside the orchestration
// package, each invoked as a fresh subprocess so a crashing or hanging
// tool can never take down the core process.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"autodev/internal/pipelog"
)

// Result is the structured outcome of one tool invocation.
type Result struct {
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config controls subprocess isolation defaults.
type Config struct {
	ToolsDir       string
	ProjectDir     string // passed to tools as --project-dir; defaults to ToolsDir's parent project root
	DefaultTimeout time.Duration
	Interpreter    string // not consulted by Run: tool files are executed directly and must be executable
}

// Executor spawns dynamic tools as child processes.
type Executor struct {
	cfg Config
	log *pipelog.Logger
}

// New constructs an Executor. An empty cfg.DefaultTimeout defaults to 30s.
func New(cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Executor{cfg: cfg, log: pipelog.Get(pipelog.CategoryToolExecutor)}
}

// Run spawns toolName's source file with `--project-dir <projectDir>
// --args <json-encoded args>`, enforcing a wall-clock timeout (perTool
// overrides cfg.DefaultTimeout when > 0). Non-zero exit or non-JSON
// stdout both surface as a failed Result carrying the raw streams in
// Metadata, never as a Go error: a tool crashing is an ordinary outcome
// the caller must be able to record, not a programming error in the
// executor itself.
func (e *Executor) Run(ctx context.Context, toolName string, args map[string]any, perTool time.Duration) Result {
	timeout := e.cfg.DefaultTimeout
	if perTool > 0 {
		timeout = perTool
	}

	timer := pipelog.StartTimer(pipelog.CategoryToolExecutor, "run:"+toolName)
	defer timer.Stop()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("invalid_arg: %v", err)}
	}

	projectDir := e.cfg.ProjectDir
	if projectDir == "" {
		projectDir = filepath.Dir(e.cfg.ToolsDir)
	}
	toolPath := filepath.Join(e.cfg.ToolsDir, toolName)
	cmd := exec.CommandContext(runCtx, toolPath, "--project-dir", projectDir, "--args", string(argsJSON))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		e.log.Warn("tool %s timed out after %s", toolName, timeout)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("timeout after %s", timeout),
			Metadata: map[string]any{
				"stdout": stdout.String(),
				"stderr": stderr.String(),
			},
		}
	}

	if runErr != nil {
		e.log.Warn("tool %s exited with error: %v", toolName, runErr)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("nonzero_exit: %v", runErr),
			Metadata: map[string]any{
				"stdout": stdout.String(),
				"stderr": stderr.String(),
			},
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("non_json_stdout: %v", err),
			Metadata: map[string]any{
				"stdout": stdout.String(),
				"stderr": stderr.String(),
			},
		}
	}

	return Result{Success: true, Result: parsed, Metadata: map[string]any{"stderr": stderr.String()}}
}
