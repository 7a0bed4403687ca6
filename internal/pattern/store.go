// Package pattern implements Pattern Recognition and the Optimizer.
// Observations from every phase run are upserted into a SQLite-backed
// pattern table keyed by a deterministic signature; the Optimizer
// periodically prunes, merges, and archives that table.
package pattern

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"autodev/internal/model"
	"autodev/internal/pipelog"

	_ "modernc.org/sqlite"
)

// Store persists patterns to .pipeline/patterns.db.
type Store struct {
	db  *sql.DB
	log *pipelog.Logger
}

// Open opens (creating if needed) the pattern database under workspace.
func Open(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, ".pipeline")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("pattern: mkdir: %w", err)
	}
	path := filepath.Join(dir, "patterns.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pattern: open db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: pipelog.Get(pipelog.CategoryPattern)}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	signature TEXT NOT NULL,
	confidence REAL NOT NULL,
	observation_count INTEGER NOT NULL,
	success_count INTEGER NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	context TEXT,
	recommended_action TEXT,
	archived INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_patterns_kind ON patterns(kind);
CREATE INDEX IF NOT EXISTS idx_patterns_confidence ON patterns(confidence);
`)
	if err != nil {
		return fmt.Errorf("pattern: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Signature deterministically hashes a candidate pattern's identifying
// fields so repeated observations of the same underlying behavior upsert
// into the same row.
func Signature(kind model.PatternKind, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Observation is one candidate pattern extracted from a phase run.
type Observation struct {
	Kind              model.PatternKind
	Signature         string
	Success           bool
	Context           map[string]any
	RecommendedAction string
}

// Upsert records one observation, adjusting confidence toward the
// empirical frequency via exponential smoothing with factor alpha. A
// brand new signature starts at confidence equal to its first observed
// outcome (1.0 success, 0.0 failure).
func (s *Store) Upsert(obs Observation, alpha float64) error {
	now := time.Now()
	ctxJSON, err := json.Marshal(obs.Context)
	if err != nil {
		return fmt.Errorf("pattern: marshal context: %w", err)
	}

	row := s.db.QueryRow(`SELECT confidence, observation_count, success_count FROM patterns WHERE signature = ?`, obs.Signature)
	var confidence float64
	var observationCount, successCount int
	err = row.Scan(&confidence, &observationCount, &successCount)

	outcome := 0.0
	if obs.Success {
		outcome = 1.0
	}

	if err == sql.ErrNoRows {
		confidence = outcome
		observationCount = 1
		if obs.Success {
			successCount = 1
		}
		id := obs.Signature
		_, err = s.db.Exec(`
INSERT INTO patterns (id, kind, signature, confidence, observation_count, success_count, first_seen, last_seen, context, recommended_action, archived)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			id, string(obs.Kind), obs.Signature, confidence, observationCount, successCount, now.Unix(), now.Unix(), string(ctxJSON), obs.RecommendedAction)
		if err != nil {
			return fmt.Errorf("pattern: insert: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("pattern: query: %w", err)
	}

	confidence = confidence + alpha*(outcome-confidence)
	observationCount++
	if obs.Success {
		successCount++
	}

	_, err = s.db.Exec(`
UPDATE patterns SET confidence = ?, observation_count = ?, success_count = ?, last_seen = ?, context = ?, recommended_action = ?, archived = 0
WHERE signature = ?`,
		confidence, observationCount, successCount, now.Unix(), string(ctxJSON), obs.RecommendedAction, obs.Signature)
	if err != nil {
		return fmt.Errorf("pattern: update: %w", err)
	}
	return nil
}

// Recommendation is one entry returned by GetRecommendations.
type Recommendation struct {
	Pattern    *model.Pattern
	Confidence float64
	Action     string
}

// GetRecommendations returns non-archived patterns of kind with
// confidence >= tauHigh. Context matching here is by kind only; richer
// cross-component matching belongs to the Correlation Engine.
func (s *Store) GetRecommendations(kind model.PatternKind, tauHigh float64) ([]Recommendation, error) {
	rows, err := s.db.Query(`
SELECT id, kind, signature, confidence, observation_count, success_count, first_seen, last_seen, recommended_action
FROM patterns WHERE kind = ? AND confidence >= ? AND archived = 0
ORDER BY confidence DESC`, string(kind), tauHigh)
	if err != nil {
		return nil, fmt.Errorf("pattern: query recommendations: %w", err)
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		p, action, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, Recommendation{Pattern: p, Confidence: p.Confidence, Action: action})
	}
	return out, rows.Err()
}

func scanPattern(rows *sql.Rows) (*model.Pattern, string, error) {
	var p model.Pattern
	var kind, action string
	var firstSeen, lastSeen int64
	if err := rows.Scan(&p.ID, &kind, &p.Signature, &p.Confidence, &p.ObservationCount, &p.SuccessCount, &firstSeen, &lastSeen, &action); err != nil {
		return nil, "", fmt.Errorf("pattern: scan: %w", err)
	}
	p.Kind = model.PatternKind(kind)
	p.FirstSeen = time.Unix(firstSeen, 0)
	p.LastSeen = time.Unix(lastSeen, 0)
	p.RecommendedAction = action
	return &p, action, nil
}

// All returns every non-archived pattern, used by the Optimizer and by
// diagnostics views.
func (s *Store) All() ([]*model.Pattern, error) {
	rows, err := s.db.Query(`
SELECT id, kind, signature, confidence, observation_count, success_count, first_seen, last_seen, recommended_action
FROM patterns WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("pattern: query all: %w", err)
	}
	defer rows.Close()

	var out []*model.Pattern
	for rows.Next() {
		p, _, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, rows.Err()
}
