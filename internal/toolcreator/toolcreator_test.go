package toolcreator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreatorProposesAfterThreshold(t *testing.T) {
	c := NewCreator(3)

	_, proposed := c.RecordAttempt("summarize_pr", "planning", "ctx-1", map[string]any{"pr_id": 1})
	require.False(t, proposed)
	_, proposed = c.RecordAttempt("summarize_pr", "planning", "ctx-2", map[string]any{"pr_id": 2})
	require.False(t, proposed)
	design, proposed := c.RecordAttempt("summarize_pr", "coding", "ctx-3", map[string]any{"pr_id": 3, "verbose": true})
	require.True(t, proposed)
	require.Equal(t, "summarize_pr", design.Name)
	require.Contains(t, design.InferredParams, "pr_id")
	require.Contains(t, design.InferredParams, "verbose")
}

func TestCreatorIgnoresDuplicateContext(t *testing.T) {
	c := NewCreator(2)

	_, proposed := c.RecordAttempt("thing", "planning", "same-ctx", nil)
	require.False(t, proposed)
	_, proposed = c.RecordAttempt("thing", "planning", "same-ctx", nil)
	require.False(t, proposed, "repeated attempts from the same context must not count twice")
}

func TestValidatorEffectivenessUnknownToolIsOptimistic(t *testing.T) {
	v := NewValidator()
	require.Equal(t, 1.0, v.Effectiveness("never_called"))
}

func TestValidatorEffectivenessTracksSuccessRate(t *testing.T) {
	v := NewValidator()
	v.Record(Outcome{Tool: "lint", Success: true, Phase: "qa", Duration: time.Millisecond, At: time.Now()})
	v.Record(Outcome{Tool: "lint", Success: false, Phase: "qa", Duration: time.Millisecond, ErrorKind: "timeout", At: time.Now()})

	require.InDelta(t, 0.5, v.Effectiveness("lint"), 0.001)
}

func TestValidatorDeprecationCandidates(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	old := now.Add(-60 * 24 * time.Hour)

	for i := 0; i < 19; i++ {
		v.Record(Outcome{Tool: "stale_tool", Success: false, Phase: "qa", At: old})
	}
	v.Record(Outcome{Tool: "stale_tool", Success: true, Phase: "qa", At: old})

	// Only 20 calls total, success rate 1/20 = 0.05 < 0.2, last success 60 days ago.
	candidates := v.DeprecationCandidates(now)
	require.Contains(t, candidates, "stale_tool")
}

func TestValidatorNotDeprecatedBelowCallFloor(t *testing.T) {
	v := NewValidator()
	old := time.Now().Add(-60 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		v.Record(Outcome{Tool: "too_new", Success: false, Phase: "qa", At: old})
	}
	require.NotContains(t, v.DeprecationCandidates(time.Now()), "too_new")
}
