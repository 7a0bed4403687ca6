package coordinator

import (
	"context"

	"autodev/internal/model"
	"autodev/internal/pattern"
	"autodev/internal/phase"
	"autodev/internal/scheduler"
)

// refactoringKinds routes issue kinds to the refactoring phase; bug_fix
// goes to debugging.
var refactoringKinds = map[model.IssueKind]bool{
	model.IssueMissingMethod:         true,
	model.IssueDuplicate:             true,
	model.IssueIntegrationConflict:   true,
	model.IssueDeadCode:              true,
	model.IssueComplexity:            true,
	model.IssueArchitectureViolation: true,
}

// decide implements the DECIDE priority ladder. It also
// runs loop detection on the tentative choice; a detected loop routes
// through meta-reasoning instead.
func (c *Coordinator) decide(ctx context.Context) (phase.Phase, *model.Task, string) {
	name, task, reason := c.pickCandidate(ctx)

	if c.loopDetected(name) {
		name, reason = c.metaReason(ctx, name)
		task = nil
	}

	st := c.deps.State.Load()
	c.decisionWindow = append(c.decisionWindow, decision{phase: name, completed: completedTasks(st)})
	window := c.cfg.Coordinator.LoopWindow
	if window <= 0 {
		window = 5
	}
	if len(c.decisionWindow) > window {
		c.decisionWindow = c.decisionWindow[len(c.decisionWindow)-window:]
	}

	p, ok := c.phases[name]
	if !ok {
		p = c.phases[phase.Planning]
		reason = "fallback to planning: unknown phase " + name
	}
	return p, task, reason
}

func (c *Coordinator) pickCandidate(ctx context.Context) (string, *model.Task, string) {
	// a. Critical messages addressed to the coordinator come first.
	for _, msg := range c.drainCritical() {
		if forced, task, ok := c.handleCritical(msg); ok {
			return forced, task, "critical message " + string(msg.Type)
		}
	}

	// b. Any needs_fixes task routes to debugging or refactoring.
	st := c.deps.State.Load()
	if fixes := st.NeedsFixesTasks(); len(fixes) > 0 {
		task := fixes[0]
		target := phase.Debugging
		if task.Issue != nil && refactoringKinds[task.Issue.Kind] {
			target = phase.Refactoring
		}
		return target, task, "needs_fixes task " + task.ID
	}

	// c. Previous result's hint, if consistent with state.
	if c.lastHint != "" {
		if hint, ok := c.consistentHint(st, c.lastHint); ok {
			return hint, nil, "phase hint"
		}
	}

	// d. Periodic architecture validation.
	every := c.cfg.Coordinator.ArchitectureCheckEvery
	if every <= 0 {
		every = 5
	}
	if c.iteration%every == 0 && c.lastPhase != phase.Documentation {
		return phase.Documentation, nil, "periodic architecture validation"
	}

	// e. High-confidence pattern recommendations matching the current
	// context (the phase we just ran).
	if rec := c.patternRecommendation(); rec != "" {
		return rec, nil, "pattern recommendation"
	}

	// f. Dimensional scheduler over every candidate phase.
	return c.scheduleBest(st), nil, "dimensional scheduler"
}

// handleCritical maps a critical coordinator-addressed message to a
// forced phase. Unrecognized criticals are logged and skipped.
func (c *Coordinator) handleCritical(msg model.Message) (string, *model.Task, bool) {
	switch msg.Type {
	case model.MsgSystemAlert:
		if kind, _ := msg.Payload["kind"].(string); kind == "architecture_divergence" {
			return phase.Planning, nil, true
		}
		return phase.Investigation, nil, true
	case model.MsgIssueFound:
		st := c.deps.State.Load()
		if id, _ := msg.Payload["task_id"].(string); id != "" {
			if t, ok := st.Tasks[id]; ok && t.Status == model.TaskNeedsFixes {
				target := phase.Debugging
				if t.Issue != nil && refactoringKinds[t.Issue.Kind] {
					target = phase.Refactoring
				}
				return target, t, true
			}
		}
		return phase.Debugging, nil, true
	default:
		c.log.Debug("ignoring critical message %s", msg.Type)
		return "", nil, false
	}
}

// consistentHint accepts a hint only when the state still supports it:
// coding needs a pending task, debugging/refactoring need a needs_fixes
// task, everything else passes as long as the phase exists.
func (c *Coordinator) consistentHint(st *model.State, hint string) (string, bool) {
	if _, ok := c.phases[hint]; !ok {
		return "", false
	}
	switch hint {
	case phase.Coding:
		for _, t := range st.Tasks {
			if t.Status == model.TaskPending {
				return hint, true
			}
		}
		return "", false
	case phase.Debugging, phase.Refactoring:
		if len(st.NeedsFixesTasks()) == 0 {
			return "", false
		}
		return hint, true
	default:
		return hint, true
	}
}

// patternRecommendation consults phase_transition patterns whose
// confidence clears the high threshold and whose context matches the
// phase that just ran.
func (c *Coordinator) patternRecommendation() string {
	if c.deps.Patterns == nil || c.lastPhase == "" {
		return ""
	}
	tau := c.cfg.Pattern.HighConfidenceThreshold
	if tau <= 0 {
		tau = 0.8
	}

	// Cheap pre-check against the state-side index before touching the
	// backing store: most iterations have no qualifying pattern at all.
	idx := c.deps.State.PatternsIndexedBy()
	if len(idx.ByKind(model.PatternPhaseTransition, tau)) == 0 && c.iteration > 1 {
		return ""
	}

	recs, err := c.deps.Patterns.GetRecommendations(model.PatternPhaseTransition, tau)
	if err != nil {
		c.log.Warn("pattern recommendations: %v", err)
		return ""
	}
	for _, r := range recs {
		// Only transitions out of the phase that just ran qualify.
		if r.Pattern.Signature != pattern.Signature(model.PatternPhaseTransition, c.lastPhase, r.Action) {
			continue
		}
		if _, ok := c.phases[r.Action]; ok && r.Action != c.lastPhase {
			return r.Action
		}
	}
	return ""
}

// scheduleBest runs the dimensional scheduler over all phases.
func (c *Coordinator) scheduleBest(st *model.State) string {
	objective := c.activeObjective()

	candidates := make([]scheduler.Candidate, 0, len(c.order))
	for _, name := range c.order {
		p := c.phases[name]
		cand := scheduler.Candidate{Name: name, Signature: p.Signature()}
		if rec, ok := st.Phases[name]; ok {
			cand.Record = rec
			cand.Signature = rec.Signature
		}
		candidates = append(candidates, cand)
	}

	ranked := c.sched.Rank(candidates, objective, timeNow())
	if len(ranked) == 0 {
		return phase.Planning
	}
	return ranked[0].Candidate.Name
}
