package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"autodev/internal/docbus"
	"autodev/internal/model"
	"autodev/internal/specialist"

	"github.com/google/uuid"
)

const planningPrompt = `You are the planning phase of an autonomous development pipeline.

Intended plan:
%s

Inbox messages:
%s

Current state: %d tasks (%d pending, %d completed), %d tracked files.

Produce the next tasks as JSON objects, one per task, each shaped as
{"title": "...", "description": "...", "target_files": ["path"], "priority": "high|medium|low"}.
Only emit tasks that move the plan forward; do not repeat tasks that already exist.`

// planningPhase reads the intended plan plus current state and produces
// the task list.
type planningPhase struct {
	base
}

// NewPlanning constructs the planning phase.
func NewPlanning() Phase {
	return &planningPhase{base: newBase(Planning, model.Profile{
		model.DimTemporal:     0.7,
		model.DimFunctional:   0.6,
		model.DimContext:      0.8,
		model.DimArchitecture: 0.6,
	})}
}

type plannedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TargetFiles []string `json:"target_files"`
	Priority    string   `json:"priority"`
}

func (p *planningPhase) Execute(ctx context.Context, deps *Deps, _ *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	plan, err := deps.Docs.Read(docbus.DocPlan)
	if err != nil {
		return failure("validation", fmt.Sprintf("read plan: %v", err)), nil
	}
	inbox := p.inbox(deps)

	st := deps.State.Snapshot()
	pending, completed := 0, 0
	for _, t := range st.Tasks {
		switch t.Status {
		case model.TaskPending:
			pending++
		case model.TaskCompleted:
			completed++
		}
	}

	prompt := fmt.Sprintf(promptFromRegistry(deps, "planning", planningPrompt),
		string(plan), inbox, len(st.Tasks), pending, completed, len(st.Files))
	p.conv.Add("user", prompt)

	reply, err := deps.Specialists.Reasoning.Ask(ctx, prompt, nil, 0.3)
	if err != nil {
		return failure("transient", fmt.Sprintf("reasoning call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	existing := make(map[string]bool, len(st.Tasks))
	for _, t := range st.Tasks {
		existing[strings.ToLower(t.Title)] = true
	}

	created := 0
	for _, raw := range specialist.JSONObjects(reply.Content) {
		var pt plannedTask
		if err := json.Unmarshal([]byte(raw), &pt); err != nil || pt.Title == "" {
			continue
		}
		if existing[strings.ToLower(pt.Title)] {
			continue
		}
		existing[strings.ToLower(pt.Title)] = true

		task := &model.Task{
			ID:          uuid.NewString(),
			Title:       pt.Title,
			Description: pt.Description,
			Status:      model.TaskPending,
			TargetFiles: pt.TargetFiles,
			Priority:    taskPriority(pt.Priority),
			CreatedAt:   now(),
			UpdatedAt:   now(),
		}
		ensureFileRecords(deps, task.TargetFiles)
		deps.State.Update(func(s *model.State) *model.State {
			s.Tasks[task.ID] = task
			return s
		})
		p.publish(deps, res, model.Message{
			Type:      model.MsgTaskCreated,
			Priority:  model.PriorityMedium,
			Broadcast: true,
			Payload:   map[string]any{"task_id": task.ID, "title": task.Title},
		})
		created++
	}

	p.maybeUpdateStrategicDocs(deps, st)

	res.Success = true
	res.Summary = fmt.Sprintf("planned %d new tasks", created)
	res.Telemetry["tasks_created"] = created
	if created > 0 {
		res.NextPhaseHint = Coding
	}
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// maybeUpdateStrategicDocs rewrites the objective tier documents only
// once the master objective's completion crosses the configured
// threshold; below it, strategic docs stay stable so downstream phases
// read a consistent picture.
func (p *planningPhase) maybeUpdateStrategicDocs(deps *Deps, st *model.State) {
	threshold := deps.Config.Coordinator.MasterCompletionThreshold
	if threshold <= 0 {
		threshold = 0.95
	}

	master := masterObjective(st)
	if master == nil || master.Completion < threshold {
		return
	}

	var b strings.Builder
	for _, o := range st.Objectives {
		fmt.Fprintf(&b, "- [%s] %s (%.0f%% complete)\n", o.Priority, o.Title, o.Completion*100)
	}
	if err := deps.Docs.ReplaceSection(docbus.DocPrimaryObjectives, "Objectives", b.String()); err != nil {
		p.log.Warn("planning: update objective tiers: %v", err)
	}
	if err := deps.Docs.AppendSection(docbus.DocChangeLog, "Changes", fmt.Sprintf("- master objective %q crossed %.0f%% completion", master.Title, threshold*100)); err != nil {
		p.log.Warn("planning: append change log: %v", err)
	}
}

func masterObjective(st *model.State) *model.Objective {
	for _, o := range st.Objectives {
		if o.Priority == model.ObjectivePrimary {
			return o
		}
	}
	return nil
}

func taskPriority(s string) model.Priority {
	switch strings.ToLower(s) {
	case "critical":
		return model.PriorityCritical
	case "high":
		return model.PriorityHigh
	case "low":
		return model.PriorityLow
	default:
		return model.PriorityMedium
	}
}
