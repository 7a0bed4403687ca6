package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autodev/internal/model"
	"autodev/internal/registry"
	"autodev/internal/specialist"
)

// The self-improvement phases design, evaluate, and register new
// registry entries. Tools designed here land as
// standalone source files in the external tools directory so the Tool
// Executor can run them in isolation; prompts and roles go straight
// into their registries once their evaluation counterpart accepts them.

// --- Tool Design ---------------------------------------------------------

const toolDesignPrompt = `You are the tool-design phase of an autonomous development pipeline.

Models repeatedly tried to call a tool named %q that does not exist.
Observed parameters: %v
Observed call contexts: %d

Design a small standalone command-line tool implementing this capability.
It must accept --project-dir <path> and --args <json> flags and print a
single JSON object to stdout. Reply with one JSON object:
{"name": "%s", "description": "...", "parameters": ["..."], "source": "<complete source text>"}.`

type toolDesignPhase struct {
	base
	workspace string
}

// NewToolDesign constructs the tool-design phase; designed tool sources
// are written under workspace's external tools directory.
func NewToolDesign(workspace string) Phase {
	return &toolDesignPhase{
		base: newBase(ToolDesign, model.Profile{
			model.DimFunctional: 0.6,
			model.DimContext:    0.5,
		}),
		workspace: workspace,
	}
}

type designedTool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Parameters  []string `json:"parameters"`
	Source      string   `json:"source"`
}

func (p *toolDesignPhase) Execute(ctx context.Context, deps *Deps, _ *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	proposals := deps.Creator.DrainProposals()
	if len(proposals) == 0 {
		res.Success = true
		res.Summary = "no pending tool proposals"
		return res, nil
	}

	designed := 0
	for _, proposal := range proposals {
		prompt := fmt.Sprintf(promptFromRegistry(deps, "tool_design", toolDesignPrompt),
			proposal.Name, proposal.InferredParams, len(proposal.ObservedCallSites), proposal.Name)
		p.conv.Add("user", prompt)

		reply, err := deps.Specialists.Coding.Ask(ctx, prompt, nil, 0.2)
		if err != nil {
			return failure("transient", fmt.Sprintf("coding call failed: %v", err)), nil
		}
		p.conv.Add("assistant", reply.Content)

		var dt designedTool
		for _, raw := range specialist.JSONObjects(reply.Content) {
			if err := json.Unmarshal([]byte(raw), &dt); err == nil && dt.Name != "" && dt.Source != "" {
				break
			}
		}
		if dt.Name == "" || dt.Source == "" {
			p.conv.AddTagged("system", fmt.Sprintf("design for %s unusable", proposal.Name), TagError)
			continue
		}

		dir := filepath.Join(p.workspace, deps.Config.ToolExec.ToolsDir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return failure("validation", fmt.Sprintf("create tools dir: %v", err)), nil
		}
		toolPath := filepath.Join(dir, dt.Name)
		if err := os.WriteFile(toolPath, []byte(dt.Source), 0755); err != nil {
			return failure("validation", fmt.Sprintf("write tool source: %v", err)), nil
		}

		// Registration waits for ToolEvaluation; the candidate is parked
		// in the registry under a pending marker so evaluation can find it.
		entry := registry.Entry{
			Name:        dt.Name,
			Kind:        "tool",
			Description: dt.Description,
			Spec: map[string]any{
				"parameters": toAnySlice(dt.Parameters),
				"path":       toolPath,
				"status":     "pending_evaluation",
			},
		}
		if err := deps.ToolSpecs.Register(entry); err != nil {
			p.log.Warn("tool_design: register candidate %s: %v", dt.Name, err)
			continue
		}
		designed++
	}

	res.Success = true
	res.Summary = fmt.Sprintf("designed %d of %d proposed tools", designed, len(proposals))
	if designed > 0 {
		res.NextPhaseHint = ToolEvaluation
	}
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// --- Tool Evaluation -----------------------------------------------------

type toolEvaluationPhase struct {
	base
	workspace string
}

// NewToolEvaluation constructs the tool-evaluation phase.
func NewToolEvaluation(workspace string) Phase {
	return &toolEvaluationPhase{
		base: newBase(ToolEvaluation, model.Profile{
			model.DimError:      0.6,
			model.DimFunctional: 0.5,
		}),
		workspace: workspace,
	}
}

func (p *toolEvaluationPhase) Execute(ctx context.Context, deps *Deps, _ *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	var pending []*registry.Entry
	for _, e := range deps.ToolSpecs.List("tool") {
		if status, _ := e.Spec["status"].(string); status == "pending_evaluation" {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		res.Success = true
		res.Summary = "no tools pending evaluation"
		return res, nil
	}

	accepted, rejected := 0, 0
	for _, e := range pending {
		// A smoke invocation through the handler's dynamic path; a tool
		// that cannot even produce JSON for empty args is rejected.
		r := deps.Tools.Handle(ctx, p.name, e.Name, p.name+":eval", map[string]any{})
		res.ToolCalls = append(res.ToolCalls, e.Name)

		if r.Success {
			if err := deps.ToolSpecs.Update(e.Name, func(entry *registry.Entry) {
				entry.Spec["status"] = "active"
			}); err != nil {
				p.log.Warn("tool_evaluation: activate %s: %v", e.Name, err)
				continue
			}
			accepted++
		} else {
			if err := deps.ToolSpecs.Delete(e.Name); err != nil {
				p.log.Warn("tool_evaluation: delete rejected %s: %v", e.Name, err)
			}
			rejected++
			p.conv.AddTagged("system", fmt.Sprintf("tool %s rejected: %s", e.Name, r.Error), TagError)
		}
	}

	res.Success = true
	res.Summary = fmt.Sprintf("evaluated %d tools: %d accepted, %d rejected", len(pending), accepted, rejected)
	res.Telemetry["accepted"] = accepted
	res.Telemetry["rejected"] = rejected
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// --- Prompt / Role design and improvement --------------------------------

// registryImprovementPhase covers the four prompt/role phases, which
// share a single shape: consult usage evidence, ask the reasoning
// specialist for a new or improved entry, validate, and register.
type registryImprovementPhase struct {
	base
	kind     string // "prompt" or "role"
	improve  bool   // design new entries vs. improve existing ones
	registry func(*Deps) *registry.Registry
}

// NewPromptDesign constructs the prompt-design phase.
func NewPromptDesign() Phase {
	return &registryImprovementPhase{
		base:     newBase(PromptDesign, model.Profile{model.DimContext: 0.7, model.DimFunctional: 0.4}),
		kind:     "prompt",
		registry: func(d *Deps) *registry.Registry { return d.Prompts },
	}
}

// NewPromptImprovement constructs the prompt-improvement phase.
func NewPromptImprovement() Phase {
	return &registryImprovementPhase{
		base:     newBase(PromptImprovement, model.Profile{model.DimContext: 0.7, model.DimError: 0.5}),
		kind:     "prompt",
		improve:  true,
		registry: func(d *Deps) *registry.Registry { return d.Prompts },
	}
}

// NewRoleDesign constructs the role-design phase.
func NewRoleDesign() Phase {
	return &registryImprovementPhase{
		base:     newBase(RoleDesign, model.Profile{model.DimContext: 0.6, model.DimArchitecture: 0.4}),
		kind:     "role",
		registry: func(d *Deps) *registry.Registry { return d.Roles },
	}
}

// NewRoleImprovement constructs the role-improvement phase.
func NewRoleImprovement() Phase {
	return &registryImprovementPhase{
		base:     newBase(RoleImprovement, model.Profile{model.DimContext: 0.6, model.DimError: 0.4}),
		kind:     "role",
		improve:  true,
		registry: func(d *Deps) *registry.Registry { return d.Roles },
	}
}

const registryDesignPrompt = `You are the %s-%s phase of an autonomous development pipeline.

Existing %s entries: %v

Recent phase outcomes:
%s

%s Reply with one JSON object:
{"name": "...", "description": "...", "template": "..."}.`

func (p *registryImprovementPhase) Execute(ctx context.Context, deps *Deps, _ *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}
	reg := p.registry(deps)

	var names []string
	for _, e := range reg.List(p.kind) {
		names = append(names, e.Name)
	}

	verb, pastVerb := "design", "designed"
	instruction := fmt.Sprintf("Design one new %s that would help the pipeline's weakest phase.", p.kind)
	if p.improve {
		verb, pastVerb = "improvement", "improved"
		instruction = fmt.Sprintf("Pick the weakest existing %s and produce an improved version under the same name.", p.kind)
		if len(names) == 0 {
			res.Success = true
			res.Summary = fmt.Sprintf("no %s entries to improve", p.kind)
			return res, nil
		}
	}

	prompt := fmt.Sprintf(registryDesignPrompt,
		p.kind, verb, p.kind, names, p.outcomeSummary(deps), instruction)
	p.conv.Add("user", prompt)

	reply, err := deps.Specialists.Reasoning.Ask(ctx, prompt, nil, 0.4)
	if err != nil {
		return failure("transient", fmt.Sprintf("reasoning call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	var entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Template    string `json:"template"`
	}
	for _, raw := range specialist.JSONObjects(reply.Content) {
		if err := json.Unmarshal([]byte(raw), &entry); err == nil && entry.Name != "" && entry.Template != "" {
			break
		}
	}
	if entry.Name == "" || entry.Template == "" {
		return failure("validation", "specialist produced no usable entry"), nil
	}

	if p.improve && reg.Get(entry.Name) != nil {
		err = reg.Update(entry.Name, func(e *registry.Entry) {
			e.Description = entry.Description
			e.Spec["template"] = entry.Template
		})
	} else {
		err = reg.Register(registry.Entry{
			Name:        entry.Name,
			Kind:        p.kind,
			Description: entry.Description,
			Spec:        map[string]any{"template": entry.Template},
		})
	}
	if err != nil {
		return failure("validation", fmt.Sprintf("register %s %s: %v", p.kind, entry.Name, err)), nil
	}

	res.Success = true
	res.Summary = fmt.Sprintf("%s %s %q", pastVerb, p.kind, entry.Name)
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// outcomeSummary condenses recent phase run history into evidence for
// what to design or improve.
func (p *registryImprovementPhase) outcomeSummary(deps *Deps) string {
	st := deps.State.Snapshot()
	var b strings.Builder
	for name, rec := range st.Phases {
		if rec.TotalRuns == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %d/%d successful, %d consecutive failures\n",
			name, rec.SuccessfulRuns, rec.TotalRuns, rec.ConsecutiveFailures)
	}
	if b.Len() == 0 {
		return "(no runs recorded yet)"
	}
	return b.String()
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
