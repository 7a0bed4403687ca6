package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autodev/internal/model"
	"autodev/internal/phase"
	"autodev/internal/specialist"
)

// timeNow is a seam for deterministic tests.
var timeNow = time.Now

const metaReasonPrompt = `You are the meta-reasoning layer of an autonomous development pipeline.

The outer loop appears stuck. Recent decisions (oldest first): %v
Completed tasks over that window: unchanged at %d.
The tentative next choice was %q again.

Recent phase outcomes:
%s

Recommend how to break the loop. Reply with one JSON object:
{"action": "reset_to_planning"} or {"action": "switch_phase", "phase": "<phase name>"}.`

// loopDetected reports whether choosing next would continue a
// no-progress loop: the last W decisions all named the same phase with
// an unchanged completed-task count, or that phase's recent success rate
// over 10 runs fell below the configured floor.
func (c *Coordinator) loopDetected(next string) bool {
	window := c.cfg.Coordinator.LoopWindow
	if window <= 0 {
		window = 5
	}
	if len(c.decisionWindow) < window {
		return false
	}

	recent := c.decisionWindow[len(c.decisionWindow)-window:]
	samePhase := true
	for _, d := range recent {
		if d.phase != next {
			samePhase = false
			break
		}
	}
	progressed := recent[len(recent)-1].completed > recent[0].completed
	if samePhase && !progressed {
		return true
	}

	floor := c.cfg.Coordinator.LoopSuccessRateFloor
	if floor <= 0 {
		floor = 0.3
	}
	st := c.deps.State.Load()
	if rec, ok := st.Phases[next]; ok && rec.TotalRuns >= 10 {
		if rec.RecentSuccessRate(10) < floor {
			return true
		}
	}
	return false
}

// metaReason consults the reasoning specialist about the stuck loop and
// applies its recommendation, bounded by the configured recursion depth.
// At the depth limit, or when the specialist fails or recommends the
// same stuck phase, the loop resets to planning.
func (c *Coordinator) metaReason(ctx context.Context, stuck string) (string, string) {
	c.publishLoopWarning(stuck)

	maxDepth := c.cfg.Coordinator.MaxMetaRecursionDepth
	if maxDepth <= 0 {
		maxDepth = 61
	}
	if c.metaDepth >= maxDepth {
		c.log.Warn("meta-reasoning depth %d reached, forcing planning", c.metaDepth)
		c.metaDepth = 0
		return phase.Planning, "meta-reasoning depth limit"
	}
	c.metaDepth++

	var names []string
	for _, d := range c.decisionWindow {
		names = append(names, d.phase)
	}
	completed := 0
	if len(c.decisionWindow) > 0 {
		completed = c.decisionWindow[len(c.decisionWindow)-1].completed
	}

	prompt := fmt.Sprintf(metaReasonPrompt, names, completed, stuck, c.phaseOutcomeSummary())
	reply, err := c.deps.Specialists.Reasoning.Ask(ctx, prompt, nil, 0.2)
	if err != nil {
		c.log.Warn("meta-reasoning call failed: %v", err)
		return phase.Planning, "meta-reasoning fallback (specialist error)"
	}

	var rec struct {
		Action string `json:"action"`
		Phase  string `json:"phase"`
	}
	for _, raw := range specialist.JSONObjects(reply.Content) {
		if err := json.Unmarshal([]byte(raw), &rec); err == nil && rec.Action != "" {
			break
		}
	}

	switch rec.Action {
	case "switch_phase":
		if _, ok := c.phases[rec.Phase]; ok && rec.Phase != stuck {
			return rec.Phase, "meta-reasoning switch"
		}
	case "reset_to_planning":
		return phase.Planning, "meta-reasoning reset"
	}
	return phase.Planning, "meta-reasoning fallback (unusable recommendation)"
}

func (c *Coordinator) publishLoopWarning(stuck string) {
	msg := model.Message{
		Type:      model.MsgSystemWarning,
		Priority:  model.PriorityHigh,
		Sender:    Recipient,
		Broadcast: true,
		Payload:   map[string]any{"kind": "loop_detected", "phase": stuck, "iteration": c.iteration},
	}
	c.deps.Bus.Publish(msg)
	c.deps.State.Update(func(st *model.State) *model.State {
		st.AppendMessage(msg)
		return st
	})
}

func (c *Coordinator) phaseOutcomeSummary() string {
	st := c.deps.State.Load()
	var b strings.Builder
	for name, rec := range st.Phases {
		fmt.Fprintf(&b, "- %s: %d/%d successful, %d consecutive failures\n",
			name, rec.SuccessfulRuns, rec.TotalRuns, rec.ConsecutiveFailures)
	}
	if b.Len() == 0 {
		return "(no history)"
	}
	return b.String()
}
