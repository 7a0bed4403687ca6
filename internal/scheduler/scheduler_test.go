package scheduler

import (
	"testing"
	"time"

	"autodev/internal/model"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func objectiveWithProfile(p model.Profile) *model.Objective {
	return &model.Objective{ID: "obj-1", Title: "test", Priority: model.ObjectivePrimary, Profile: p}
}

func TestRankPrefersCloserSignature(t *testing.T) {
	s := New(DefaultConfig())
	obj := objectiveWithProfile(model.Profile{0.9, 0.1, 0, 0, 0, 0, 0, 0})

	candidates := []Candidate{
		{Name: "far", Signature: model.Profile{0, 0, 0.9, 0.9, 0, 0, 0, 0}},
		{Name: "near", Signature: model.Profile{0.8, 0.2, 0, 0, 0, 0, 0, 0}},
	}

	ranked := s.Rank(candidates, obj, time.Now())
	require.Equal(t, "near", ranked[0].Candidate.Name)
	require.Greater(t, ranked[0].Fit, ranked[1].Fit)
}

func TestRankPenalizesRecentFailures(t *testing.T) {
	s := New(DefaultConfig())
	obj := objectiveWithProfile(model.Profile{0.5, 0.5, 0, 0, 0, 0, 0, 0})
	sig := model.Profile{0.5, 0.5, 0, 0, 0, 0, 0, 0}

	failing := &model.PhaseRecord{Name: "flaky"}
	for i := 0; i < 10; i++ {
		failing.RecordRun(model.PhaseRun{Success: false, Timestamp: time.Now().Add(-time.Hour)})
	}
	healthy := &model.PhaseRecord{Name: "solid"}
	for i := 0; i < 10; i++ {
		healthy.RecordRun(model.PhaseRun{Success: true, Timestamp: time.Now().Add(-time.Hour)})
	}

	ranked := s.Rank([]Candidate{
		{Name: "flaky", Signature: sig, Record: failing},
		{Name: "solid", Signature: sig, Record: healthy},
	}, obj, time.Now())

	require.Equal(t, "solid", ranked[0].Candidate.Name)
	require.Equal(t, 1.0, ranked[0].Readiness)
	require.Equal(t, 0.0, ranked[1].Readiness)
}

func TestRankTieBreaksOnLeastRecentlyRun(t *testing.T) {
	s := New(DefaultConfig())
	obj := objectiveWithProfile(model.Profile{0.5, 0, 0, 0, 0, 0, 0, 0})
	sig := model.Profile{0.5, 0, 0, 0, 0, 0, 0, 0}

	now := time.Now()
	older := &model.PhaseRecord{Name: "older", LastRunAt: now.Add(-2 * time.Hour)}
	newer := &model.PhaseRecord{Name: "newer", LastRunAt: now.Add(-2 * time.Hour)}
	// Identical aggregates; only names differ, so totals tie exactly.
	ranked := s.Rank([]Candidate{
		{Name: "newer", Signature: sig, Record: newer},
		{Name: "older", Signature: sig, Record: older},
	}, obj, now)
	require.Len(t, ranked, 2)
	// With equal LastRunAt the stable sort preserves input order.
	require.Equal(t, "newer", ranked[0].Candidate.Name)

	older.LastRunAt = now.Add(-3 * time.Hour)
	ranked = s.Rank([]Candidate{
		{Name: "newer", Signature: sig, Record: newer},
		{Name: "older", Signature: sig, Record: older},
	}, obj, now)
	require.Equal(t, "older", ranked[0].Candidate.Name)
}

func TestRecencyBonusZeroImmediatelyAfterRun(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	rec := &model.PhaseRecord{Name: "p", LastRunAt: now}
	require.Equal(t, 0.0, s.recencyBonus(rec, now))
	require.Greater(t, s.recencyBonus(rec, now.Add(30*time.Minute)), 0.5)
	require.Equal(t, 1.0, s.recencyBonus(nil, now))
}

func TestUpdateSignatureMovesTowardObjectiveOnSuccess(t *testing.T) {
	s := New(DefaultConfig())
	obj := objectiveWithProfile(model.Profile{1, 0, 0, 0, 0, 0, 0, 0})
	rec := &model.PhaseRecord{Name: "coding"}

	s.UpdateSignature(rec, obj, true)
	require.Greater(t, rec.Signature[model.DimTemporal], 0.0)

	before := rec.Signature[model.DimTemporal]
	s.UpdateSignature(rec, obj, false)
	require.Less(t, rec.Signature[model.DimTemporal], before)
}

func TestUpdateSignatureKeepsDimensionalBounds(t *testing.T) {
	s := New(DefaultConfig())
	obj := objectiveWithProfile(model.Profile{1, 1, 1, 1, 1, 1, 1, 1})
	rec := &model.PhaseRecord{Name: "coding"}

	for i := 0; i < 200; i++ {
		s.UpdateSignature(rec, obj, true)
		for d, v := range rec.Signature {
			require.GreaterOrEqual(t, v, 0.0, "dimension %d below bound", d)
			require.LessOrEqual(t, v, 1.0, "dimension %d above bound", d)
		}
	}
	for i := 0; i < 400; i++ {
		s.UpdateSignature(rec, obj, false)
		for d, v := range rec.Signature {
			require.GreaterOrEqual(t, v, 0.0, "dimension %d below bound", d)
			require.LessOrEqual(t, v, 1.0, "dimension %d above bound", d)
		}
	}
}

func TestStaticDimensionsModeFreezesSignature(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiveDimensions = false
	s := New(cfg)
	obj := objectiveWithProfile(model.Profile{1, 0, 0, 0, 0, 0, 0, 0})
	rec := &model.PhaseRecord{Name: "coding", Signature: model.Profile{0.3}}

	before := rec.Signature
	s.UpdateSignature(rec, obj, true)
	require.Empty(t, cmp.Diff(before, rec.Signature))
}

func TestPredictDriftExtrapolatesLinearly(t *testing.T) {
	obj := objectiveWithProfile(model.Profile{0.5})
	obj.ProfileHistory = []model.Profile{
		{0.1}, {0.2}, {0.3},
	}
	drift := predictDrift(obj)
	// (0.3-0.1)/2 steps * 0.5 damping = 0.05
	require.InDelta(t, 0.05, drift[0], 1e-9)

	obj.ProfileHistory = nil
	require.Equal(t, model.Profile{}, predictDrift(obj))
}

func TestVelocityAlignmentFavorsPhaseAheadOfDrift(t *testing.T) {
	profile := model.Profile{0.4}
	drift := model.Profile{0.2}
	ahead := model.Profile{0.6}
	behind := model.Profile{0.2}
	require.Greater(t, velocityAlignment(ahead, profile, drift), velocityAlignment(behind, profile, drift))
}
