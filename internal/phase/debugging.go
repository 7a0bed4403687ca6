package phase

import (
	"context"
	"fmt"
	"sort"

	"autodev/internal/model"
)

const debuggingPrompt = `You are the debugging phase of an autonomous development pipeline.

A defect needs fixing.
File: %s
Kind: %s
Severity: %s
Description: %s

Read the file, apply the fix with write_file, and explain the root
cause in your summary.`

// debuggingPhase consumes needs_fixes tasks and applies fixes.
type debuggingPhase struct {
	base
}

// NewDebugging constructs the debugging phase.
func NewDebugging() Phase {
	return &debuggingPhase{base: newBase(Debugging, model.Profile{
		model.DimError:      0.9,
		model.DimState:      0.6,
		model.DimFunctional: 0.5,
	})}
}

func (p *debuggingPhase) Execute(ctx context.Context, deps *Deps, task *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	if task == nil || task.Status != model.TaskNeedsFixes {
		task = selectNeedsFixesTask(deps.State.Snapshot())
	}
	if task == nil {
		res.Success = true
		res.Summary = "no tasks need fixes"
		return res, nil
	}
	if task.Issue == nil || len(task.TargetFiles) == 0 {
		return failure("validation", fmt.Sprintf("task %s in needs_fixes without issue payload", task.ID)), nil
	}

	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.Status = model.TaskInProgress
			t.Attempts++
			t.UpdatedAt = now()
		}
		return st
	})

	file := task.Issue.File
	if file == "" {
		file = task.TargetFiles[0]
	}
	prompt := fmt.Sprintf(promptFromRegistry(deps, "debugging", debuggingPrompt),
		file, task.Issue.Kind, task.Issue.Severity, task.Issue.Description)
	p.conv.AddTagged("user", prompt, TagDecision)

	reply, err := deps.Specialists.Coding.Ask(ctx, prompt, BuiltinNames(), 0.1)
	if err != nil {
		p.requeue(deps, task)
		return failure("transient", fmt.Sprintf("coding call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	p.runToolCalls(ctx, deps, task, res, reply.ToolCalls)
	fixed := len(res.FilesCreated)+len(res.FilesModified) > 0

	if !fixed {
		p.requeue(deps, task)
		return failure("validation", "debugging produced no file edits"), nil
	}

	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.Status = model.TaskCompleted
			t.Issue = nil
			t.UpdatedAt = now()
		}
		return st
	})

	p.publish(deps, res, model.Message{
		Type:      model.MsgIssueResolved,
		Priority:  model.PriorityMedium,
		Broadcast: true,
		Payload:   map[string]any{"task_id": task.ID, "file": file, "kind": string(task.Issue.Kind)},
	})
	res.IssuesFixed++

	res.Success = true
	res.Summary = fmt.Sprintf("fixed %s in %s", task.Issue.Kind, file)
	res.NextPhaseHint = QA
	p.writeStatus(deps, res.Summary)
	return res, nil
}

func (p *debuggingPhase) requeue(deps *Deps, task *model.Task) {
	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.Status = model.TaskNeedsFixes
			t.UpdatedAt = now()
		}
		return st
	})
}

// selectNeedsFixesTask picks the highest-priority oldest needs_fixes task.
func selectNeedsFixesTask(st *model.State) *model.Task {
	tasks := st.NeedsFixesTasks()
	if len(tasks) == 0 {
		return nil
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks[0]
}
