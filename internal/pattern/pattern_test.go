package pattern

import (
	"testing"
	"time"

	"autodev/internal/model"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertNewPatternStartsAtOutcome(t *testing.T) {
	s := openTestStore(t)

	sig := Signature(model.PatternSuccess, "coding", "feature")
	require.NoError(t, s.Upsert(Observation{Kind: model.PatternSuccess, Signature: sig, Success: true}, 0.2))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1.0, all[0].Confidence)
	require.Equal(t, 1, all[0].ObservationCount)
}

func TestUpsertSmoothsTowardEmpiricalFrequency(t *testing.T) {
	s := openTestStore(t)
	sig := Signature(model.PatternFailure, "qa", "bug")

	require.NoError(t, s.Upsert(Observation{Kind: model.PatternFailure, Signature: sig, Success: true}, 0.2))
	// Repeated failures should pull confidence down from 1.0 toward 0.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(Observation{Kind: model.PatternFailure, Signature: sig, Success: false}, 0.2))
	}

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	p := all[0]
	require.Equal(t, 6, p.ObservationCount)
	require.Equal(t, 1, p.SuccessCount)
	require.Less(t, p.Confidence, 1.0)
	require.Greater(t, p.Confidence, 0.0)
	// alpha=0.2, five failures from 1.0: 0.8^5
	require.InDelta(t, 0.32768, p.Confidence, 1e-9)
}

func TestGetRecommendationsHonorsThreshold(t *testing.T) {
	s := openTestStore(t)

	high := Signature(model.PatternToolUsage, "coding", "read_file", "write_file")
	low := Signature(model.PatternToolUsage, "coding", "analyze_usage")
	require.NoError(t, s.Upsert(Observation{Kind: model.PatternToolUsage, Signature: high, Success: true, RecommendedAction: "coding"}, 0.2))
	require.NoError(t, s.Upsert(Observation{Kind: model.PatternToolUsage, Signature: low, Success: false, RecommendedAction: "coding"}, 0.2))

	recs, err := s.GetRecommendations(model.PatternToolUsage, 0.8)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, high, recs[0].Pattern.Signature)
	require.Equal(t, "coding", recs[0].Action)
}

func TestRecognizerExtractsAllKinds(t *testing.T) {
	s := openTestStore(t)
	r := NewRecognizer(s, 0.2)

	require.NoError(t, r.RecordExecution(Execution{
		Phase:         "coding",
		Success:       true,
		ToolCalls:     []string{"read_file", "write_file"},
		Duration:      2 * time.Second,
		Context:       map[string]string{"task_kind": "feature"},
		PreviousPhase: "planning",
	}))

	all, err := s.All()
	require.NoError(t, err)
	kinds := map[model.PatternKind]bool{}
	for _, p := range all {
		kinds[p.Kind] = true
	}
	require.True(t, kinds[model.PatternToolUsage])
	require.True(t, kinds[model.PatternSuccess])
	require.True(t, kinds[model.PatternPhaseTransition])
	require.False(t, kinds[model.PatternFailure])
}

func TestRecognizerSameExecutionUpsertsSameRows(t *testing.T) {
	s := openTestStore(t)
	r := NewRecognizer(s, 0.2)

	exec := Execution{Phase: "qa", Success: true, ToolCalls: []string{"read_file"}}
	require.NoError(t, r.RecordExecution(exec))
	require.NoError(t, r.RecordExecution(exec))

	all, err := s.All()
	require.NoError(t, err)
	for _, p := range all {
		require.Equal(t, 2, p.ObservationCount, "kind %s should have been upserted, not duplicated", p.Kind)
	}
}

func TestOptimizerPrunesLowConfidence(t *testing.T) {
	s := openTestStore(t)

	keep := Signature(model.PatternSuccess, "coding", "a")
	drop := Signature(model.PatternFailure, "coding", "b")
	require.NoError(t, s.Upsert(Observation{Kind: model.PatternSuccess, Signature: keep, Success: true}, 0.2))
	require.NoError(t, s.Upsert(Observation{Kind: model.PatternFailure, Signature: drop, Success: false}, 0.2))

	opt := NewOptimizer(s, OptimizerConfig{})
	summary, err := opt.Run(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pruned)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, keep, all[0].Signature)
}

func TestOptimizerArchivesStale(t *testing.T) {
	s := openTestStore(t)

	sig := Signature(model.PatternSuccess, "planning")
	require.NoError(t, s.Upsert(Observation{Kind: model.PatternSuccess, Signature: sig, Success: true}, 0.2))

	opt := NewOptimizer(s, OptimizerConfig{ArchiveAfterDays: 90})
	// Pretend "now" is far in the future so last_seen is stale.
	summary, err := opt.Run(time.Now().AddDate(0, 0, 365))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Archived)

	all, err := s.All()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestOptimizerStabilityInvariant(t *testing.T) {
	s := openTestStore(t)

	// A spread of patterns with mixed outcomes.
	for i, name := range []string{"coding", "qa", "debugging", "planning"} {
		sig := Signature(model.PatternSuccess, name)
		for j := 0; j < 5; j++ {
			require.NoError(t, s.Upsert(Observation{Kind: model.PatternSuccess, Signature: sig, Success: (i+j)%2 == 0}, 0.2))
		}
	}

	opt := NewOptimizer(s, OptimizerConfig{})
	_, err := opt.Run(time.Now())
	require.NoError(t, err)

	all, err := s.All()
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, p := range all {
		require.GreaterOrEqual(t, p.Confidence, 0.0)
		require.LessOrEqual(t, p.Confidence, 1.0)
		require.GreaterOrEqual(t, p.ObservationCount, 1)
		require.False(t, seen[p.Signature], "duplicate signature after optimizer run")
		seen[p.Signature] = true
	}
}

func TestSignatureIsDeterministic(t *testing.T) {
	a := Signature(model.PatternToolUsage, "coding", "read_file")
	b := Signature(model.PatternToolUsage, "coding", "read_file")
	c := Signature(model.PatternToolUsage, "coding", "write_file")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
