package model

import "time"

// PatternKind is the closed set of pattern categories mined by the
// Pattern Recognition engine.
type PatternKind string

const (
	PatternToolUsage       PatternKind = "tool_usage"
	PatternFailure         PatternKind = "failure"
	PatternSuccess         PatternKind = "success"
	PatternPhaseTransition PatternKind = "phase_transition"
)

// Pattern is a derived, scored observation about past executions.
type Pattern struct {
	ID                string            `json:"id"`
	Kind              PatternKind       `json:"kind"`
	Signature         string            `json:"signature"` // deterministic hash of the candidate
	Confidence        float64           `json:"confidence"`
	ObservationCount  int               `json:"observation_count"`
	SuccessCount      int               `json:"success_count"`
	FirstSeen         time.Time         `json:"first_seen"`
	LastSeen          time.Time         `json:"last_seen"`
	Context           map[string]string `json:"context,omitempty"`
	RecommendedAction string            `json:"recommended_action,omitempty"`
}

// Effectiveness is successful_observations / total_observations.
func (p *Pattern) Effectiveness() float64 {
	if p.ObservationCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.ObservationCount)
}

// Valid reports whether confidence is in [0,1] and the pattern has
// been observed at least once.
func (p *Pattern) Valid() bool {
	return p.Confidence >= 0 && p.Confidence <= 1 && p.ObservationCount >= 1
}

// Correlation is a typed link between findings from different components.
type Correlation struct {
	ID          string    `json:"id"`
	FromKind    string    `json:"from_kind"`
	ToKind      string    `json:"to_kind"`
	Confidence  float64   `json:"confidence"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Finding is a component-tagged observation fed into the Correlation Engine.
type Finding struct {
	Component string         `json:"component"` // configuration, code_change, performance, architecture
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
