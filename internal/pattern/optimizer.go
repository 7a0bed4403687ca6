package pattern

import (
	"fmt"
	"time"
)

// OptimizerConfig mirrors internal/pipelineconfig.PatternConfig's
// thresholds so the Optimizer can be constructed independently of the
// config package in tests.
type OptimizerConfig struct {
	PruneBelow       float64
	MergeSimilarity  float64
	ArchiveAfterDays int
}

// Optimizer runs the periodic maintenance pass: prune low-confidence
// patterns, merge near-duplicate signatures, archive long-unused
// patterns, compact the store.
type Optimizer struct {
	store *Store
	cfg   OptimizerConfig
}

// NewOptimizer constructs an Optimizer over store.
func NewOptimizer(store *Store, cfg OptimizerConfig) *Optimizer {
	if cfg.PruneBelow <= 0 {
		cfg.PruneBelow = 0.3
	}
	if cfg.MergeSimilarity <= 0 {
		cfg.MergeSimilarity = 0.85
	}
	if cfg.ArchiveAfterDays <= 0 {
		cfg.ArchiveAfterDays = 90
	}
	return &Optimizer{store: store, cfg: cfg}
}

// RunSummary reports what one maintenance pass did, logged by the
// coordinator's periodic trigger (every K=50 iterations by default).
type RunSummary struct {
	Pruned   int
	Merged   int
	Archived int
}

// Run executes one maintenance pass.
func (o *Optimizer) Run(now time.Time) (RunSummary, error) {
	var summary RunSummary

	pruned, err := o.prune()
	if err != nil {
		return summary, err
	}
	summary.Pruned = pruned

	merged, err := o.mergeSimilar()
	if err != nil {
		return summary, err
	}
	summary.Merged = merged

	archived, err := o.archiveStale(now)
	if err != nil {
		return summary, err
	}
	summary.Archived = archived

	o.compact()

	return summary, nil
}

func (o *Optimizer) prune() (int, error) {
	res, err := o.store.db.Exec(`DELETE FROM patterns WHERE confidence < ? AND archived = 0`, o.cfg.PruneBelow)
	if err != nil {
		return 0, fmt.Errorf("pattern: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// mergeSimilar merges patterns of the same kind whose signatures are
// "similar" by common-prefix overlap (a signature is a truncated hash;
// patterns sharing a long common prefix were derived from near-
// identical candidate feature vectors upstream). The more recently seen
// pattern (All lists newest last_seen first) absorbs the other's
// observations and is re-averaged; the other row is deleted.
func (o *Optimizer) mergeSimilar() (int, error) {
	patterns, err := o.store.All()
	if err != nil {
		return 0, err
	}

	byKind := map[string][]int{}
	for i, p := range patterns {
		byKind[string(p.Kind)] = append(byKind[string(p.Kind)], i)
	}

	merged := 0
	consumed := make(map[string]bool)
	for _, idxs := range byKind {
		for a := 0; a < len(idxs); a++ {
			keep := patterns[idxs[a]]
			if consumed[keep.ID] {
				continue
			}
			for b := a + 1; b < len(idxs); b++ {
				drop := patterns[idxs[b]]
				if consumed[drop.ID] {
					continue
				}
				if signatureSimilarity(keep.Signature, drop.Signature) < o.cfg.MergeSimilarity {
					continue
				}

				totalObs := keep.ObservationCount + drop.ObservationCount
				var newConfidence float64
				if totalObs > 0 {
					newConfidence = (keep.Confidence*float64(keep.ObservationCount) + drop.Confidence*float64(drop.ObservationCount)) / float64(totalObs)
				}
				newSuccess := keep.SuccessCount + drop.SuccessCount
				lastSeen := keep.LastSeen
				if drop.LastSeen.After(lastSeen) {
					lastSeen = drop.LastSeen
				}

				if _, err := o.store.db.Exec(
					`UPDATE patterns SET confidence = ?, observation_count = ?, success_count = ?, last_seen = ? WHERE id = ?`,
					newConfidence, totalObs, newSuccess, lastSeen.Unix(), keep.ID,
				); err != nil {
					return merged, fmt.Errorf("pattern: merge update: %w", err)
				}
				if _, err := o.store.db.Exec(`DELETE FROM patterns WHERE id = ?`, drop.ID); err != nil {
					return merged, fmt.Errorf("pattern: merge delete: %w", err)
				}

				keep.Confidence = newConfidence
				keep.ObservationCount = totalObs
				keep.SuccessCount = newSuccess
				keep.LastSeen = lastSeen
				consumed[drop.ID] = true
				merged++
			}
		}
	}
	return merged, nil
}

func signatureSimilarity(a, b string) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	common := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			break
		}
		common++
	}
	if n == 0 {
		return 0
	}
	return float64(common) / float64(n)
}

func (o *Optimizer) archiveStale(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -o.cfg.ArchiveAfterDays).Unix()
	res, err := o.store.db.Exec(`UPDATE patterns SET archived = 1 WHERE last_seen < ? AND archived = 0`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pattern: archive: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// compact best-effort VACUUMs the backing store. A failure here is
// logged, not fatal: reclaiming disk space is not a correctness
// requirement.
func (o *Optimizer) compact() {
	if _, err := o.store.db.Exec(`VACUUM`); err != nil {
		o.store.log.Warn("vacuum failed: %v", err)
	}
}
