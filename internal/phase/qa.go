package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"autodev/internal/model"
	"autodev/internal/specialist"

	"github.com/google/uuid"
)

const qaPrompt = `You are the QA phase of an autonomous development pipeline.

Review the following files against quality criteria: correctness,
completeness relative to the task, and obvious defects.

%s

For each defect, emit a JSON object
{"file": "path", "kind": "missing_method|duplicate|integration_conflict|dead_code|complexity|architecture_violation|bug_fix", "severity": "critical|major|minor", "description": "..."}.
If everything passes, emit {"verdict": "pass"}.`

// qaPhase reviews recently-changed files; every defect it reports must
// materialize as a needs_fixes task.
type qaPhase struct {
	base
}

// NewQA constructs the QA phase.
func NewQA() Phase {
	return &qaPhase{base: newBase(QA, model.Profile{
		model.DimError:       0.9,
		model.DimFunctional:  0.6,
		model.DimIntegration: 0.5,
	})}
}

type qaDefect struct {
	File        string `json:"file"`
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Verdict     string `json:"verdict"`
}

func (p *qaPhase) Execute(ctx context.Context, deps *Deps, task *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	targets, reviewedTask := p.reviewTargets(deps, task)
	if len(targets) == 0 {
		res.Success = true
		res.Summary = "nothing to review"
		return res, nil
	}

	var sb strings.Builder
	for _, path := range targets {
		r := deps.Tools.Handle(ctx, p.name, ToolReadFile, p.name+":review", map[string]any{"file_path": path})
		res.ToolCalls = append(res.ToolCalls, ToolReadFile)
		if !r.Success {
			fmt.Fprintf(&sb, "## %s\n(unreadable: %s)\n\n", path, r.Error)
			continue
		}
		content, _ := r.Result["content"].(string)
		fmt.Fprintf(&sb, "## %s\n```\n%s\n```\n\n", path, content)
	}

	prompt := fmt.Sprintf(promptFromRegistry(deps, "qa", qaPrompt), sb.String())
	p.conv.Add("user", prompt)

	reply, err := deps.Specialists.Analysis.Ask(ctx, prompt, nil, 0.1)
	if err != nil {
		return failure("transient", fmt.Sprintf("analysis call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	defects := parseDefects(reply.Content)
	if len(defects) == 0 {
		p.markPassed(deps, targets, reviewedTask)
		res.Success = true
		res.Summary = fmt.Sprintf("reviewed %d files: pass", len(targets))
		p.writeStatus(deps, res.Summary)
		return res, nil
	}

	for _, d := range defects {
		file := d.File
		if file == "" && len(targets) > 0 {
			file = targets[0]
		}
		issue := &model.Issue{
			Kind:        issueKind(d.Kind),
			Severity:    issueSeverity(d.Severity),
			Description: d.Description,
			File:        file,
			DetectedAt:  now(),
		}

		fixTask := p.createOrReuseFixTask(deps, file, issue, reviewedTask)

		priority := model.PriorityHigh
		if issue.Severity == model.SeverityCritical {
			priority = model.PriorityCritical
		}
		p.publish(deps, res, model.Message{
			Type:      model.MsgIssueFound,
			Priority:  priority,
			Broadcast: true,
			Payload: map[string]any{
				"task_id":  fixTask.ID,
				"file":     file,
				"kind":     string(issue.Kind),
				"severity": string(issue.Severity),
			},
		})
		res.IssuesRaised++
	}

	deps.State.Update(func(st *model.State) *model.State {
		for _, path := range targets {
			if rec, ok := st.Files[path]; ok {
				rec.Status = model.FileQAFailed
				rec.UpdatedAt = now()
			}
		}
		if reviewedTask != nil {
			if t, ok := st.Tasks[reviewedTask.ID]; ok {
				t.Status = model.TaskNeedsFixes
				t.UpdatedAt = now()
				if t.Issue == nil {
					first := defects[0]
					t.Issue = &model.Issue{Kind: issueKind(first.Kind), Severity: issueSeverity(first.Severity), Description: first.Description, File: first.File, DetectedAt: now()}
				}
			}
		}
		return st
	})

	res.Success = true
	res.Summary = fmt.Sprintf("reviewed %d files: %d defects", len(targets), res.IssuesRaised)
	res.NextPhaseHint = Debugging
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// reviewTargets collects the files to review: the given task's targets,
// or the targets named by pending review requests in the bus queue, or
// the most recently modified files.
func (p *qaPhase) reviewTargets(deps *Deps, task *model.Task) ([]string, *model.Task) {
	st := deps.State.Snapshot()

	if task != nil && len(task.TargetFiles) > 0 {
		return task.TargetFiles, task
	}

	for _, msg := range p.drainMessages(deps, 10) {
		if msg.Type != model.MsgTaskUpdated {
			continue
		}
		id, _ := msg.Payload["task_id"].(string)
		if t, ok := st.Tasks[id]; ok && len(t.TargetFiles) > 0 {
			return t.TargetFiles, t
		}
	}

	var recent []string
	for path, rec := range st.Files {
		if rec.Status == model.FileCreated || rec.Status == model.FileModified {
			recent = append(recent, path)
		}
	}
	return recent, nil
}

func (p *qaPhase) markPassed(deps *Deps, targets []string, reviewed *model.Task) {
	deps.State.Update(func(st *model.State) *model.State {
		for _, path := range targets {
			if rec, ok := st.Files[path]; ok {
				rec.Status = model.FileQAPassed
				rec.UpdatedAt = now()
			}
		}
		if reviewed != nil {
			if t, ok := st.Tasks[reviewed.ID]; ok {
				t.Status = model.TaskCompleted
				t.UpdatedAt = now()
			}
		}
		return st
	})
	if reviewed != nil {
		deps.Bus.Publish(model.Message{
			Type: model.MsgTaskCompleted, Priority: model.PriorityMedium,
			Sender: p.name, Broadcast: true,
			Payload: map[string]any{"task_id": reviewed.ID},
		})
	}
}

// createOrReuseFixTask finds an open needs_fixes task for the same file
// and issue kind, or creates a new one carrying the issue payload.
func (p *qaPhase) createOrReuseFixTask(deps *Deps, file string, issue *model.Issue, reviewed *model.Task) *model.Task {
	st := deps.State.Snapshot()
	for _, t := range st.Tasks {
		if t.Status == model.TaskNeedsFixes && t.Issue != nil && t.Issue.Kind == issue.Kind {
			for _, tf := range t.TargetFiles {
				if tf == file {
					return t
				}
			}
		}
	}

	objectiveID := ""
	if reviewed != nil {
		objectiveID = reviewed.ObjectiveID
	}
	fix := &model.Task{
		ID:          uuid.NewString(),
		Title:       fmt.Sprintf("fix %s in %s", issue.Kind, file),
		Description: issue.Description,
		Status:      model.TaskNeedsFixes,
		TargetFiles: []string{file},
		Priority:    fixPriority(issue.Severity),
		ObjectiveID: objectiveID,
		Issue:       issue,
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}
	ensureFileRecords(deps, fix.TargetFiles)
	deps.State.Update(func(s *model.State) *model.State {
		s.Tasks[fix.ID] = fix
		return s
	})
	return fix
}

func fixPriority(sev model.Severity) model.Priority {
	if sev == model.SeverityCritical {
		return model.PriorityCritical
	}
	return model.PriorityHigh
}

func parseDefects(content string) []qaDefect {
	var out []qaDefect
	for _, raw := range specialist.JSONObjects(content) {
		var d qaDefect
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		if d.Verdict == "pass" {
			continue
		}
		if d.Kind == "" && d.Description == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

func issueKind(s string) model.IssueKind {
	switch model.IssueKind(strings.ToLower(s)) {
	case model.IssueMissingMethod, model.IssueDuplicate, model.IssueIntegrationConflict,
		model.IssueDeadCode, model.IssueComplexity, model.IssueArchitectureViolation, model.IssueBugFix:
		return model.IssueKind(strings.ToLower(s))
	default:
		return model.IssueBugFix
	}
}

func issueSeverity(s string) model.Severity {
	switch model.Severity(strings.ToLower(s)) {
	case model.SeverityCritical, model.SeverityMajor, model.SeverityMinor:
		return model.Severity(strings.ToLower(s))
	default:
		return model.SeverityMajor
	}
}
