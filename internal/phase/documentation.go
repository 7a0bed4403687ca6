package phase

import (
	"context"
	"encoding/json"
	"fmt"

	"autodev/internal/docbus"
	"autodev/internal/model"
	"autodev/internal/specialist"
)

const documentationPrompt = `You are the documentation phase of an autonomous development pipeline.

Intended architecture:
%s

Current architecture status:
%s

Recently changed files: %v

Diff the intended architecture against what the file changes imply and
reply with one JSON object:
{"severity": "none|minor|major|critical", "status": "one-paragraph current status", "divergences": ["..."]}.`

// documentationPhase diffs intended vs current architecture and keeps
// the status document fresh; critical divergence raises an alert and a
// planning request.
type documentationPhase struct {
	base
}

// NewDocumentation constructs the documentation phase.
func NewDocumentation() Phase {
	return &documentationPhase{base: newBase(Documentation, model.Profile{
		model.DimArchitecture: 0.9,
		model.DimContext:      0.6,
	})}
}

type archDiff struct {
	Severity    string   `json:"severity"`
	Status      string   `json:"status"`
	Divergences []string `json:"divergences"`
}

func (p *documentationPhase) Execute(ctx context.Context, deps *Deps, _ *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	intended, err := deps.Docs.Read(docbus.DocArchitecture)
	if err != nil {
		return failure("validation", fmt.Sprintf("read architecture: %v", err)), nil
	}
	status, _ := deps.Docs.Section(docbus.DocArchitectureStatus, "Status")

	st := deps.State.Snapshot()
	var changed []string
	for path, rec := range st.Files {
		if rec.Status == model.FileCreated || rec.Status == model.FileModified {
			changed = append(changed, path)
		}
	}

	prompt := fmt.Sprintf(promptFromRegistry(deps, "documentation", documentationPrompt),
		string(intended), status, changed)
	p.conv.Add("user", prompt)

	reply, err := deps.Specialists.Analysis.Ask(ctx, prompt, nil, 0.1)
	if err != nil {
		return failure("transient", fmt.Sprintf("analysis call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	diff := parseArchDiff(reply.Content)
	if diff.Status != "" {
		if err := deps.Docs.ReplaceSection(docbus.DocArchitectureStatus, "Status", diff.Status); err != nil {
			p.log.Warn("documentation: update status doc: %v", err)
		}
	}

	if diff.Severity == "critical" {
		for _, d := range diff.Divergences {
			if err := deps.Docs.AppendSection(docbus.DocAlerts, "Alerts", "- critical divergence: "+d); err != nil {
				p.log.Warn("documentation: append alert: %v", err)
			}
		}
		p.appendToInbox(deps, Planning, fmt.Sprintf("critical architecture divergence (%d findings); replanning requested", len(diff.Divergences)))
		p.publish(deps, res, model.Message{
			Type:      model.MsgSystemAlert,
			Priority:  model.PriorityCritical,
			Broadcast: true,
			Payload:   map[string]any{"kind": "architecture_divergence", "divergences": diff.Divergences},
		})
		res.NextPhaseHint = Planning
	}

	res.Success = true
	res.Summary = fmt.Sprintf("architecture diff: severity=%s, %d divergences", orNone(diff.Severity), len(diff.Divergences))
	res.Telemetry["severity"] = diff.Severity
	p.writeStatus(deps, res.Summary)
	return res, nil
}

func parseArchDiff(content string) archDiff {
	for _, raw := range specialist.JSONObjects(content) {
		var d archDiff
		if err := json.Unmarshal([]byte(raw), &d); err == nil && d.Severity != "" {
			return d
		}
	}
	return archDiff{}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
