package toolcreator

import (
	"sync"
	"time"
)

// Outcome is one recorded tool invocation result.
type Outcome struct {
	Tool      string
	Success   bool
	Phase     string
	Duration  time.Duration
	ErrorKind string // empty on success
	At        time.Time
}

// metricRecord is the rolling per-tool aggregate the Validator maintains.
type metricRecord struct {
	Calls           int
	Successes       int
	Failures        int
	ByPhase         map[string]int
	ErrorKindCounts map[string]int
	TotalDuration   time.Duration
	FirstUse        time.Time
	LastUse         time.Time
	LastSuccessAt   time.Time
}

// Validator maintains rolling per-tool effectiveness metrics
// and derives deprecation candidates from them.
type Validator struct {
	mu      sync.Mutex
	metrics map[string]*metricRecord
}

// NewValidator constructs an empty Validator.
func NewValidator() *Validator {
	return &Validator{metrics: make(map[string]*metricRecord)}
}

// Record stores one invocation outcome.
func (v *Validator) Record(o Outcome) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.metrics[o.Tool]
	if !ok {
		m = &metricRecord{
			ByPhase:         make(map[string]int),
			ErrorKindCounts: make(map[string]int),
			FirstUse:        o.At,
		}
		v.metrics[o.Tool] = m
	}

	m.Calls++
	m.ByPhase[o.Phase]++
	m.TotalDuration += o.Duration
	m.LastUse = o.At
	if o.Success {
		m.Successes++
		m.LastSuccessAt = o.At
	} else {
		m.Failures++
		if o.ErrorKind != "" {
			m.ErrorKindCounts[o.ErrorKind]++
		}
	}
}

// Effectiveness returns a [0,1] score for tool: its success rate, or 1.0
// for a tool with no recorded calls yet (an unproven tool is not
// penalized until it has a track record).
func (v *Validator) Effectiveness(tool string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.metrics[tool]
	if !ok || m.Calls == 0 {
		return 1.0
	}
	return float64(m.Successes) / float64(m.Calls)
}

// AverageDuration returns the mean execution time recorded for tool.
func (v *Validator) AverageDuration(tool string) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.metrics[tool]
	if !ok || m.Calls == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Calls)
}

// DeprecationCandidates returns tools whose rolling metrics satisfy
// the deprecation rule: success_rate < 0.2, calls >= 20, and
// more than 30 days since the last recorded success (or no success ever
// recorded at all, for a tool old enough to have had the chance).
func (v *Validator) DeprecationCandidates(now time.Time) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []string
	for tool, m := range v.metrics {
		if m.Calls < 20 {
			continue
		}
		successRate := float64(m.Successes) / float64(m.Calls)
		if successRate >= 0.2 {
			continue
		}
		reference := m.LastSuccessAt
		if reference.IsZero() {
			reference = m.FirstUse
		}
		if now.Sub(reference) > 30*24*time.Hour {
			out = append(out, tool)
		}
	}
	return out
}
