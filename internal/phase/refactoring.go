package phase

import (
	"context"
	"fmt"

	"autodev/internal/model"
	"autodev/internal/specialist"
)

// issueWorkflow is one row of the task-type table: the
// prompt, the tool the model must call first, and the tool-call budget
// enforced on the attempt.
type issueWorkflow struct {
	prompt    string
	firstTool string
	minCalls  int
	maxCalls  int
}

// issueWorkflows maps every issue kind to its workflow. Simple kinds get
// short scripts; integration conflicts get the long multi-step analysis.
var issueWorkflows = map[model.IssueKind]issueWorkflow{
	model.IssueMissingMethod: {
		prompt:    "A method is missing.\nFile: %s\nDetails: %s\n\nRead the file first, then add the missing method with write_file.",
		firstTool: ToolReadFile, minCalls: 1, maxCalls: 3,
	},
	model.IssueDuplicate: {
		prompt:    "Duplicate code was found.\nFile: %s\nDetails: %s\n\nCompare the duplicates with compare_files first, then merge them into one implementation.",
		firstTool: ToolCompareFiles, minCalls: 1, maxCalls: 3,
	},
	model.IssueIntegrationConflict: {
		prompt:    "An integration conflict exists.\nFile: %s\nDetails: %s\n\nRead every involved file, read the architecture document, then resolve the conflict step by step.",
		firstTool: ToolReadFile, minCalls: 5, maxCalls: 8,
	},
	model.IssueDeadCode: {
		prompt:    "Suspected dead code.\nFile: %s\nDetails: %s\n\nRun analyze_usage on the suspect symbol first; remove the code if unused, otherwise report why it is live.",
		firstTool: ToolAnalyzeUsage, minCalls: 2, maxCalls: 3,
	},
	model.IssueComplexity: {
		prompt:    "Excessive complexity was reported.\nFile: %s\nDetails: %s\n\nRead the file first, then either refactor it into simpler units or write an explanatory report of why the complexity is necessary.",
		firstTool: ToolReadFile, minCalls: 3, maxCalls: 5,
	},
	model.IssueArchitectureViolation: {
		prompt:    "An architecture violation was reported.\nFile: %s\nDetails: %s\n\nRead the architecture document first, then move or rename the offending code, or report why it conforms.",
		firstTool: ToolReadArchitecture, minCalls: 2, maxCalls: 3,
	},
	model.IssueBugFix: {
		prompt:    "A bug needs fixing.\nFile: %s\nDetails: %s\n\nRead the file first, then commit the fix with write_file.",
		firstTool: ToolReadFile, minCalls: 2, maxCalls: 3,
	},
}

// refactoringPhase consumes issue-typed tasks with a task-type-specific
// prompt and an enforced tool-call budget per type.
type refactoringPhase struct {
	base
}

// NewRefactoring constructs the refactoring phase.
func NewRefactoring() Phase {
	return &refactoringPhase{base: newBase(Refactoring, model.Profile{
		model.DimArchitecture: 0.8,
		model.DimFunctional:   0.6,
		model.DimIntegration:  0.6,
	})}
}

func (p *refactoringPhase) Execute(ctx context.Context, deps *Deps, task *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	if task == nil || task.Status != model.TaskNeedsFixes {
		task = selectNeedsFixesTask(deps.State.Snapshot())
	}
	if task == nil {
		res.Success = true
		res.Summary = "no issue tasks to refactor"
		return res, nil
	}
	if task.Issue == nil {
		return failure("validation", fmt.Sprintf("task %s has no issue payload", task.ID)), nil
	}

	wf, ok := issueWorkflows[task.Issue.Kind]
	if !ok {
		wf = issueWorkflows[model.IssueBugFix]
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
	if file == "" && len(task.TargetFiles) > 0 {
		file = task.TargetFiles[0]
	}
	prompt := fmt.Sprintf(wf.prompt, file, task.Issue.Description)
	p.conv.AddTagged("user", prompt, TagDecision)

	reply, err := deps.Specialists.Coding.Ask(ctx, prompt, BuiltinNames(), 0.2)
	if err != nil {
		p.requeue(deps, task)
		return failure("transient", fmt.Sprintf("coding call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	if err := validateToolBudget(reply.ToolCalls, wf); err != nil {
		p.abortAttempt(deps, task)
		return failure("attempt_budget_exceeded", err.Error()), nil
	}

	p.runToolCalls(ctx, deps, task, res, reply.ToolCalls)

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
		Payload:   map[string]any{"task_id": task.ID, "kind": string(task.Issue.Kind)},
	})
	res.IssuesFixed++

	res.Success = true
	res.Summary = fmt.Sprintf("refactored %s (%s) with %d tool calls", file, task.Issue.Kind, len(reply.ToolCalls))
	res.NextPhaseHint = QA
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// validateToolBudget enforces the required first tool and the min/max
// call budget for the issue kind. Overruns abort the attempt.
func validateToolBudget(calls []specialist.ToolCall, wf issueWorkflow) error {
	if len(calls) < wf.minCalls {
		return fmt.Errorf("attempt used %d tool calls, minimum is %d", len(calls), wf.minCalls)
	}
	if len(calls) > wf.maxCalls {
		return fmt.Errorf("attempt used %d tool calls, budget is %d", len(calls), wf.maxCalls)
	}
	if calls[0].Name != wf.firstTool {
		return fmt.Errorf("first tool must be %s, got %s", wf.firstTool, calls[0].Name)
	}
	return nil
}

func (p *refactoringPhase) requeue(deps *Deps, task *model.Task) {
	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.Status = model.TaskNeedsFixes
			t.UpdatedAt = now()
		}
		return st
	})
}

// abortAttempt returns the task to needs_fixes; the budget violation is
// already reflected in the failed result the coordinator records.
func (p *refactoringPhase) abortAttempt(deps *Deps, task *model.Task) {
	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.Status = model.TaskNeedsFixes
			t.UpdatedAt = now()
		}
		return st
	})
}
