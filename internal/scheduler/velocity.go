package scheduler

import "autodev/internal/model"

// velocityDamping keeps the extrapolated drift conservative; the exact
// arithmetic for drift prediction is deliberately a simple linear
// extrapolation over the recorded profile snapshots, damped by half.
const velocityDamping = 0.5

// predictDrift linearly extrapolates the objective's dimensional drift
// from its bounded profile history: the average per-step delta over the
// recorded snapshots, damped. An objective with fewer than two snapshots
// has zero predicted drift.
func predictDrift(objective *model.Objective) model.Profile {
	var drift model.Profile
	history := objective.ProfileHistory
	if len(history) < 2 {
		return drift
	}
	steps := len(history) - 1
	for d := 0; d < model.DimensionCount; d++ {
		delta := history[len(history)-1][d] - history[0][d]
		drift[d] = velocityDamping * delta / float64(steps)
	}
	return drift
}

// velocityAlignment scores how well a phase signature would move the
// objective toward where its profile is heading. The projected target is
// the current profile plus predicted drift (clamped); a phase whose
// signature is close to that target scores near 1, one that would pull
// against the drift scores lower. With zero drift this degenerates to
// plain fit, so the term never punishes a stable objective.
func velocityAlignment(signature, profile, drift model.Profile) float64 {
	target := profile
	for d := 0; d < model.DimensionCount; d++ {
		target[d] += drift[d]
	}
	target.Clamp()
	return 1 - signature.Distance(target)
}
