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

const projectPlanningPrompt = `You are the project-planning phase of an autonomous development pipeline.

Master plan:
%s

Existing objectives: %v

Expand the objective scope. Reply with one JSON object per objective:
{"title": "...", "priority": "primary|secondary|tertiary",
 "profile": {"temporal": 0.0, "functional": 0.0, "data": 0.0, "state": 0.0,
             "error": 0.0, "context": 0.0, "integration": 0.0, "architecture": 0.0}}.
Every profile component must be between 0 and 1.`

// projectPlanningPhase extracts objectives with dimensional profiles
// from the master plan, writes the objective tier documents, and links
// orphan tasks to the nearest objective.
type projectPlanningPhase struct {
	base
}

// NewProjectPlanning constructs the project-planning phase.
func NewProjectPlanning() Phase {
	return &projectPlanningPhase{base: newBase(ProjectPlanning, model.Profile{
		model.DimTemporal:     0.8,
		model.DimContext:      0.7,
		model.DimArchitecture: 0.7,
	})}
}

type plannedObjective struct {
	Title    string             `json:"title"`
	Priority string             `json:"priority"`
	Profile  map[string]float64 `json:"profile"`
}

func (p *projectPlanningPhase) Execute(ctx context.Context, deps *Deps, _ *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	plan, err := deps.Docs.Read(docbus.DocPlan)
	if err != nil {
		return failure("validation", fmt.Sprintf("read plan: %v", err)), nil
	}

	st := deps.State.Snapshot()
	var existingTitles []string
	for _, o := range st.Objectives {
		existingTitles = append(existingTitles, o.Title)
	}

	prompt := fmt.Sprintf(promptFromRegistry(deps, "project_planning", projectPlanningPrompt),
		string(plan), existingTitles)
	p.conv.Add("user", prompt)

	reply, err := deps.Specialists.Reasoning.Ask(ctx, prompt, nil, 0.3)
	if err != nil {
		return failure("transient", fmt.Sprintf("reasoning call failed: %v", err)), nil
	}
	p.conv.Add("assistant", reply.Content)

	created := 0
	for _, raw := range specialist.JSONObjects(reply.Content) {
		var po plannedObjective
		if err := json.Unmarshal([]byte(raw), &po); err != nil || po.Title == "" {
			continue
		}
		if containsTitle(existingTitles, po.Title) {
			continue
		}
		existingTitles = append(existingTitles, po.Title)

		obj := &model.Objective{
			ID:        uuid.NewString(),
			Title:     po.Title,
			Priority:  objectivePriority(po.Priority),
			Profile:   profileFromMap(po.Profile),
			CreatedAt: now(),
		}
		obj.RecordProfileSnapshot()

		deps.State.Update(func(s *model.State) *model.State {
			s.Objectives = append(s.Objectives, obj)
			return s
		})
		p.publish(deps, res, model.Message{
			Type:      model.MsgObjectiveCreated,
			Priority:  model.PriorityMedium,
			Broadcast: true,
			Payload:   map[string]any{"objective_id": obj.ID, "title": obj.Title, "priority": string(obj.Priority)},
		})
		created++
	}

	linked := p.linkOrphanTasks(deps)
	p.writeObjectiveDocs(deps)

	res.Success = true
	res.Summary = fmt.Sprintf("extracted %d objectives, linked %d tasks", created, linked)
	res.Telemetry["objectives_created"] = created
	p.writeStatus(deps, res.Summary)
	return res, nil
}

// linkOrphanTasks attaches tasks with no objective to the primary
// objective, keeping task-objective bookkeeping closed.
func (p *projectPlanningPhase) linkOrphanTasks(deps *Deps) int {
	linked := 0
	deps.State.Update(func(st *model.State) *model.State {
		master := masterObjective(st)
		if master == nil {
			return st
		}
		for id, t := range st.Tasks {
			if t.ObjectiveID == "" {
				t.ObjectiveID = master.ID
				master.TaskIDs = append(master.TaskIDs, id)
				linked++
			}
		}
		return st
	})
	return linked
}

// writeObjectiveDocs regenerates the per-tier strategic documents owned
// by planning-family phases.
func (p *projectPlanningPhase) writeObjectiveDocs(deps *Deps) {
	st := deps.State.Snapshot()
	tiers := map[model.ObjectivePriority]*strings.Builder{
		model.ObjectivePrimary:   {},
		model.ObjectiveSecondary: {},
		model.ObjectiveTertiary:  {},
	}
	for _, o := range st.Objectives {
		if b, ok := tiers[o.Priority]; ok {
			fmt.Fprintf(b, "- %s (%d tasks, %.0f%% complete)\n", o.Title, len(o.TaskIDs), o.Completion*100)
		}
	}
	docs := map[model.ObjectivePriority]string{
		model.ObjectivePrimary:   docbus.DocPrimaryObjectives,
		model.ObjectiveSecondary: docbus.DocSecondaryObjectives,
		model.ObjectiveTertiary:  docbus.DocTertiaryObjectives,
	}
	for tier, doc := range docs {
		if err := deps.Docs.ReplaceSection(doc, "Objectives", tiers[tier].String()); err != nil {
			p.log.Warn("project_planning: write %s: %v", doc, err)
		}
	}
}

func containsTitle(titles []string, title string) bool {
	for _, t := range titles {
		if strings.EqualFold(t, title) {
			return true
		}
	}
	return false
}

func objectivePriority(s string) model.ObjectivePriority {
	switch strings.ToLower(s) {
	case "primary":
		return model.ObjectivePrimary
	case "tertiary":
		return model.ObjectiveTertiary
	default:
		return model.ObjectiveSecondary
	}
}

// profileFromMap builds a clamped Profile from the model's named-axis
// JSON, so a malformed reply can never violate the dimensional bounds.
func profileFromMap(m map[string]float64) model.Profile {
	var p model.Profile
	for d := 0; d < model.DimensionCount; d++ {
		p[d] = m[model.Dimension(d).String()]
	}
	p.Clamp()
	return p
}
