// Package phase implements the phase framework: the
// uniform execute contract every phase satisfies, the shared injected
// collaborators, the bounded conversation each phase owns for the
// duration of its execution, and the concrete phases the coordinator
// schedules. Phases never construct their own collaborators and never
// hold a reference to the coordinator; everything flows through Deps and
// the message bus.
package phase

import (
	"context"
	"time"

	"autodev/internal/bus"
	"autodev/internal/correlation"
	"autodev/internal/docbus"
	"autodev/internal/model"
	"autodev/internal/pattern"
	"autodev/internal/pipelineconfig"
	"autodev/internal/pipelinestate"
	"autodev/internal/registry"
	"autodev/internal/specialist"
	"autodev/internal/toolcreator"
	"autodev/internal/toolhandler"
)

// Canonical phase names, used for mailbox documents, phase records, and
// scheduling.
const (
	Planning          = "planning"
	Coding            = "coding"
	QA                = "qa"
	Debugging         = "debugging"
	Refactoring       = "refactoring"
	Investigation     = "investigation"
	Documentation     = "documentation"
	ProjectPlanning   = "project_planning"
	ToolDesign        = "tool_design"
	ToolEvaluation    = "tool_evaluation"
	PromptDesign      = "prompt_design"
	PromptImprovement = "prompt_improvement"
	RoleDesign        = "role_design"
	RoleImprovement   = "role_improvement"
)

// Analyzer is the capability concrete analyzers satisfy;
// the core consumes findings and never looks inside an analyzer.
type Analyzer interface {
	Analyze(target string) ([]model.Finding, error)
}

// Deps bundles the shared collaborators injected into every phase.
type Deps struct {
	Config      *pipelineconfig.Config
	State       *pipelinestate.Store
	Bus         *bus.Bus
	Docs        *docbus.Bus
	Prompts     *registry.Registry
	ToolSpecs   *registry.Registry
	Roles       *registry.Registry
	Specialists *specialist.Set
	Tools       *toolhandler.Handler
	Creator     *toolcreator.Creator
	Validator   *toolcreator.Validator
	Patterns    *pattern.Store
	Recognizer  *pattern.Recognizer
	Correlator  *correlation.Engine
	Analyzers   map[string]Analyzer
}

// Result is the uniform outcome of one phase execution.
type Result struct {
	Success           bool
	Summary           string
	ErrorKind         string // validation, transient, timeout, ... empty on success
	FilesCreated      []string
	FilesModified     []string
	IssuesRaised      int
	IssuesFixed       int
	MessagesPublished int
	NextPhaseHint     string
	Telemetry         map[string]any
	ToolCalls         []string // tool names in issue order, for pattern mining
}

// Phase is the single entry point contract every executable phase
// implements.
type Phase interface {
	Name() string
	// Signature seeds the phase's dimensional profile before any run has
	// updated the live record.
	Signature() model.Profile
	Execute(ctx context.Context, deps *Deps, task *model.Task) (*Result, error)
}

// All returns one instance of every concrete phase, in a stable order
// the coordinator treats as the candidate set.
func All(workspace string) []Phase {
	return []Phase{
		NewPlanning(),
		NewCoding(),
		NewQA(),
		NewDebugging(),
		NewRefactoring(),
		NewInvestigation(),
		NewDocumentation(),
		NewProjectPlanning(),
		NewToolDesign(workspace),
		NewToolEvaluation(workspace),
		NewPromptDesign(),
		NewPromptImprovement(),
		NewRoleDesign(),
		NewRoleImprovement(),
	}
}

// now is a seam for tests that need deterministic timestamps.
var now = time.Now
