// Package scheduler implements the dimensional phase scheduler. Every
// candidate phase carries a dimensional signature over the same eight
// axes as objectives; candidates are scored against the active
// objective by a weighted sum of fit, readiness, recency, and a
// velocity term predicting the objective's dimensional drift.
package scheduler

import (
	"sort"
	"time"

	"autodev/internal/model"
	"autodev/internal/pipelog"
)

// Weights for the final score.
type Weights struct {
	Fit       float64
	Readiness float64
	Recency   float64
	Velocity  float64
}

// DefaultWeights returns 0.5/0.3/0.1/0.1.
func DefaultWeights() Weights {
	return Weights{Fit: 0.5, Readiness: 0.3, Recency: 0.1, Velocity: 0.1}
}

// Config controls the scheduler.
type Config struct {
	Weights Weights

	// LiveDimensions updates phase signatures after each execution; the
	// static compatibility mode leaves signatures frozen at their seeds.
	LiveDimensions bool

	// SignatureAlpha is the smoothing step applied to a phase signature
	// after each execution.
	SignatureAlpha float64

	// RecencyHalfLife controls how quickly the not-just-run bonus decays
	// back to full strength after a phase runs.
	RecencyHalfLife time.Duration
}

// DefaultConfig returns the production defaults: live dimensions on.
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		LiveDimensions:  true,
		SignatureAlpha:  0.15,
		RecencyHalfLife: 10 * time.Minute,
	}
}

// Candidate is one schedulable phase presented to Rank.
type Candidate struct {
	Name      string
	Signature model.Profile
	Record    *model.PhaseRecord // nil for a phase that has never run
}

// Scored pairs a candidate with its component scores, for diagnostics
// and for the coordinator's decision log.
type Scored struct {
	Candidate Candidate
	Fit       float64
	Readiness float64
	Recency   float64
	Velocity  float64
	Total     float64
}

// Scheduler ranks candidate phases against the active objective.
type Scheduler struct {
	cfg Config
	log *pipelog.Logger
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.SignatureAlpha <= 0 {
		cfg.SignatureAlpha = 0.15
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 10 * time.Minute
	}
	return &Scheduler{cfg: cfg, log: pipelog.Get(pipelog.CategoryScheduler)}
}

// Rank scores all candidates against objective and returns them ordered
// best first. Ties on total score break toward the least-recently-run
// candidate.
func (s *Scheduler) Rank(candidates []Candidate, objective *model.Objective, now time.Time) []Scored {
	drift := predictDrift(objective)

	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		sc := Scored{Candidate: c}
		sc.Fit = 1 - c.Signature.Distance(objective.Profile)
		sc.Readiness = readiness(c.Record)
		sc.Recency = s.recencyBonus(c.Record, now)
		sc.Velocity = velocityAlignment(c.Signature, objective.Profile, drift)
		w := s.cfg.Weights
		sc.Total = w.Fit*sc.Fit + w.Readiness*sc.Readiness + w.Recency*sc.Recency + w.Velocity*sc.Velocity
		scored = append(scored, sc)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Total != scored[j].Total {
			return scored[i].Total > scored[j].Total
		}
		return lastRun(scored[i].Candidate.Record).Before(lastRun(scored[j].Candidate.Record))
	})

	if len(scored) > 0 {
		s.log.Debug("ranked %d candidates, best=%s (%.3f)", len(scored), scored[0].Candidate.Name, scored[0].Total)
	}
	return scored
}

func lastRun(rec *model.PhaseRecord) time.Time {
	if rec == nil {
		return time.Time{}
	}
	return rec.LastRunAt
}

// readiness is 1 - recent failure rate over the last ten runs; a phase
// that has never run is fully ready.
func readiness(rec *model.PhaseRecord) float64 {
	if rec == nil {
		return 1.0
	}
	return rec.RecentSuccessRate(10)
}

// recencyBonus lightly prefers phases that have not just run: 0 the
// instant a phase finishes, climbing back to 1 with the configured
// half-life.
func (s *Scheduler) recencyBonus(rec *model.PhaseRecord, now time.Time) float64 {
	if rec == nil || rec.LastRunAt.IsZero() {
		return 1.0
	}
	elapsed := now.Sub(rec.LastRunAt)
	if elapsed <= 0 {
		return 0
	}
	half := s.cfg.RecencyHalfLife
	bonus := float64(elapsed) / float64(elapsed+half)
	return bonus
}

// UpdateSignature applies exponential smoothing to rec.Signature after a
// run: on success the signature moves toward the objective's dominant
// dimensions, on failure away from them, clamped so every component
// stays in [0,1]. A no-op when live dimensions are disabled.
func (s *Scheduler) UpdateSignature(rec *model.PhaseRecord, objective *model.Objective, success bool) {
	if !s.cfg.LiveDimensions || rec == nil || objective == nil {
		return
	}
	alpha := s.cfg.SignatureAlpha
	if !success {
		alpha = -alpha
	}
	for _, d := range dominantDimensions(objective.Profile) {
		rec.Signature[d] += alpha * (objective.Profile[d] - rec.Signature[d])
	}
	rec.Signature.Clamp()
}

// dominantDimensions returns the indices of the profile's components at
// or above the mean, so smoothing concentrates on the axes the objective
// actually cares about.
func dominantDimensions(p model.Profile) []int {
	mean := p.Sum() / float64(model.DimensionCount)
	var out []int
	for i, v := range p {
		if v >= mean && v > 0 {
			out = append(out, i)
		}
	}
	return out
}
