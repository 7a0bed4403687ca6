package phase

import (
	"context"
	"fmt"
	"sort"

	"autodev/internal/model"
)

const codingPrompt = `You are the coding phase of an autonomous development pipeline.

Task: %s
Description: %s
Target files: %v

Inbox:
%s

Implement the task by calling tools. Use read_file before modifying an
existing file, and write_file with the complete new content for every
file you create or change. When the task is done, summarize what you did.`

// codingPhase selects a pending task and drives the coding specialist
// through file edits. Completion is reported to
// QA; coding never approves its own output.
type codingPhase struct {
	base
}

// NewCoding constructs the coding phase.
func NewCoding() Phase {
	return &codingPhase{base: newBase(Coding, model.Profile{
		model.DimFunctional: 0.9,
		model.DimData:       0.5,
		model.DimState:      0.4,
		model.DimContext:    0.4,
	})}
}

func (p *codingPhase) Execute(ctx context.Context, deps *Deps, task *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	if task == nil {
		task = selectPendingTask(deps.State.Snapshot())
	}
	if task == nil {
		res.Success = true
		res.Summary = "no pending tasks"
		res.NextPhaseHint = Planning
		return res, nil
	}

	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.Status = model.TaskInProgress
			t.Attempts++
			t.UpdatedAt = now()
		}
		return st
	})

	prompt := fmt.Sprintf(promptFromRegistry(deps, "coding", codingPrompt),
		task.Title, task.Description, task.TargetFiles, p.inbox(deps))
	p.conv.Add("user", prompt)

	// The full (pruned) thread goes to the model so repeated attempts on
	// the same task keep their accumulated tool history.
	reply, err := deps.Specialists.Coding.AskMessages(ctx, p.conv.Messages(), BuiltinNames(), 0.2)
	if err != nil {
		deps.State.Update(func(st *model.State) *model.State {
			if t, ok := st.Tasks[task.ID]; ok {
				t.Status = model.TaskPending
				t.UpdatedAt = now()
			}
			return st
		})
		return failure("transient", fmt.Sprintf("coding call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	toolResults := p.runToolCalls(ctx, deps, task, res, reply.ToolCalls)
	wrote := len(res.FilesCreated)+len(res.FilesModified) > 0
	failures := 0
	for _, r := range toolResults {
		if !r.Success {
			failures++
		}
	}

	if !wrote {
		deps.State.Update(func(st *model.State) *model.State {
			if t, ok := st.Tasks[task.ID]; ok {
				t.Status = model.TaskPending
				t.UpdatedAt = now()
			}
			return st
		})
		return failure("validation", "coding produced no file edits"), nil
	}

	deps.State.Update(func(st *model.State) *model.State {
		if t, ok := st.Tasks[task.ID]; ok {
			t.UpdatedAt = now()
		}
		return st
	})

	// Hand the result to QA rather than approving it here.
	p.publish(deps, res, model.Message{
		Type:      model.MsgTaskUpdated,
		Priority:  model.PriorityMedium,
		Recipient: QA,
		Payload: map[string]any{
			"task_id":        task.ID,
			"files_created":  res.FilesCreated,
			"files_modified": res.FilesModified,
		},
	})
	p.appendToInbox(deps, QA, fmt.Sprintf("task %s (%s) ready for review", task.ID, task.Title))

	res.Success = true
	res.Summary = fmt.Sprintf("implemented %q: %d created, %d modified, %d tool failures", task.Title, len(res.FilesCreated), len(res.FilesModified), failures)
	res.NextPhaseHint = QA
	res.Telemetry["tool_failures"] = failures
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// selectPendingTask picks the highest-priority, oldest pending task.
func selectPendingTask(st *model.State) *model.Task {
	var pending []*model.Task
	for _, t := range st.Tasks {
		if t.Status == model.TaskPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority.Rank() != pending[j].Priority.Rank() {
			return pending[i].Priority.Rank() < pending[j].Priority.Rank()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending[0]
}
