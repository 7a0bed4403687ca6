package pattern

import (
	"fmt"
	"time"

	"autodev/internal/model"
)

// Execution is the per-phase-run observation the coordinator hands to
// RecordExecution after every phase completes.
type Execution struct {
	Phase     string
	Success   bool
	ToolCalls []string // tool names in issue order
	Duration  time.Duration
	Context   map[string]string // free-form context keys (task kind, objective id, ...)

	// PreviousPhase, when set, lets the recognizer mine phase_transition
	// patterns across consecutive coordinator iterations.
	PreviousPhase string
}

// Recognizer extracts candidate patterns from executions and upserts
// them into the Store with exponential confidence smoothing.
type Recognizer struct {
	store *Store
	alpha float64
}

// NewRecognizer constructs a Recognizer over store with smoothing factor
// alpha (default 0.2 when <= 0).
func NewRecognizer(store *Store, alpha float64) *Recognizer {
	if alpha <= 0 {
		alpha = 0.2
	}
	return &Recognizer{store: store, alpha: alpha}
}

// RecordExecution mines the four candidate kinds from one execution and
// upserts each. Extraction is deliberately cheap: candidates are keyed
// by small string tuples, hashed into signatures, and everything else is
// left to the smoothing arithmetic in the store.
func (r *Recognizer) RecordExecution(exec Execution) error {
	for _, obs := range r.extract(exec) {
		if err := r.store.Upsert(obs, r.alpha); err != nil {
			return fmt.Errorf("pattern: record execution: %w", err)
		}
	}
	return nil
}

func (r *Recognizer) extract(exec Execution) []Observation {
	var out []Observation

	// tool_usage: the ordered tool sequence a phase ran. A sequence that
	// keeps succeeding becomes a recommendation for that phase.
	if len(exec.ToolCalls) > 0 {
		parts := append([]string{exec.Phase}, exec.ToolCalls...)
		out = append(out, Observation{
			Kind:              model.PatternToolUsage,
			Signature:         Signature(model.PatternToolUsage, parts...),
			Success:           exec.Success,
			Context:           ctxMap(exec),
			RecommendedAction: exec.Phase,
		})
	}

	// success / failure: phase outcome keyed by phase plus context.
	outcomeKind := model.PatternFailure
	if exec.Success {
		outcomeKind = model.PatternSuccess
	}
	out = append(out, Observation{
		Kind:              outcomeKind,
		Signature:         Signature(outcomeKind, exec.Phase, exec.Context["task_kind"]),
		Success:           exec.Success,
		Context:           ctxMap(exec),
		RecommendedAction: exec.Phase,
	})

	// phase_transition: previous phase -> this phase, scored by whether
	// the handoff produced a successful run.
	if exec.PreviousPhase != "" {
		out = append(out, Observation{
			Kind:              model.PatternPhaseTransition,
			Signature:         Signature(model.PatternPhaseTransition, exec.PreviousPhase, exec.Phase),
			Success:           exec.Success,
			Context:           ctxMap(exec),
			RecommendedAction: exec.Phase,
		})
	}

	return out
}

func ctxMap(exec Execution) map[string]any {
	m := map[string]any{"phase": exec.Phase, "duration_ms": exec.Duration.Milliseconds()}
	for k, v := range exec.Context {
		m[k] = v
	}
	return m
}
