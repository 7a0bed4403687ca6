package model

import (
	"fmt"
	"time"
)

// State is the full persisted snapshot owned by the Coordinator and
// mutated only through the State Store API.
type State struct {
	Tasks        map[string]*Task        `json:"tasks"`
	Files        map[string]*FileRecord  `json:"files"`
	Phases       map[string]*PhaseRecord `json:"phases"`
	Objectives   []*Objective            `json:"objectives"`
	Messages     []Message               `json:"messages"` // bounded recent log
	Patterns     []*Pattern              `json:"patterns"`
	Correlations []*Correlation          `json:"correlations"`
	Metrics      map[string]float64      `json:"metrics,omitempty"`
	SavedAt      time.Time               `json:"saved_at"`
}

// MaxMessageLog bounds the recent message log kept inside the snapshot
// (the Message Bus itself keeps a larger ring buffer in memory; this is
// only the slice persisted for audit continuity across restarts).
const MaxMessageLog = 500

// NewState returns an empty, valid state.
func NewState() *State {
	return &State{
		Tasks:   make(map[string]*Task),
		Files:   make(map[string]*FileRecord),
		Phases:  make(map[string]*PhaseRecord),
		Metrics: make(map[string]float64),
	}
}

// AppendMessage appends to the bounded message log.
func (s *State) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
	if len(s.Messages) > MaxMessageLog {
		s.Messages = s.Messages[len(s.Messages)-MaxMessageLog:]
	}
}

// Validate checks every cross-entity invariant the snapshot must hold.
// The State Store calls it before every save; a non-nil error aborts
// the save.
func (s *State) Validate() error {
	for id, task := range s.Tasks {
		for _, path := range task.TargetFiles {
			if _, ok := s.Files[path]; !ok {
				return fmt.Errorf("task %s references unknown file %q", id, path)
			}
		}
		if !task.Valid() {
			return fmt.Errorf("task %s violates needs_fixes invariant", id)
		}
	}
	for name, rec := range s.Phases {
		if !rec.Valid() {
			return fmt.Errorf("phase %s violates consecutive_failures invariant", name)
		}
	}
	for _, p := range s.Patterns {
		if !p.Valid() {
			return fmt.Errorf("pattern %s has invalid confidence/observation_count", p.ID)
		}
	}
	for _, o := range s.Objectives {
		if !o.Profile.Valid() {
			return fmt.Errorf("objective %s has invalid dimensional profile", o.ID)
		}
	}
	return nil
}

// Clone returns a deep-enough copy for copy-then-swap updates. Slices and
// maps are copied; the values they point to are replaced wholesale by
// callers rather than mutated in place, so a shallow pointer copy of each
// entry is sufficient as long as update functions replace entries instead
// of mutating them through the old map.
func (s *State) Clone() *State {
	out := &State{
		Tasks:        make(map[string]*Task, len(s.Tasks)),
		Files:        make(map[string]*FileRecord, len(s.Files)),
		Phases:       make(map[string]*PhaseRecord, len(s.Phases)),
		Objectives:   make([]*Objective, len(s.Objectives)),
		Messages:     append([]Message(nil), s.Messages...),
		Patterns:     make([]*Pattern, len(s.Patterns)),
		Correlations: make([]*Correlation, len(s.Correlations)),
		Metrics:      make(map[string]float64, len(s.Metrics)),
		SavedAt:      s.SavedAt,
	}
	for k, v := range s.Tasks {
		cp := *v
		out.Tasks[k] = &cp
	}
	for k, v := range s.Files {
		cp := *v
		out.Files[k] = &cp
	}
	for k, v := range s.Phases {
		cp := *v
		out.Phases[k] = &cp
	}
	for i, v := range s.Objectives {
		cp := *v
		out.Objectives[i] = &cp
	}
	for i, v := range s.Patterns {
		cp := *v
		out.Patterns[i] = &cp
	}
	for i, v := range s.Correlations {
		cp := *v
		out.Correlations[i] = &cp
	}
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// NeedsFixesTasks returns tasks currently in needs_fixes status, used by
// the Coordinator's DECIDE step and by the task-routing testable property.
func (s *State) NeedsFixesTasks() []*Task {
	var out []*Task
	for _, t := range s.Tasks {
		if t.Status == TaskNeedsFixes {
			out = append(out, t)
		}
	}
	return out
}

// ObjectiveByID looks up an objective by id.
func (s *State) ObjectiveByID(id string) *Objective {
	for _, o := range s.Objectives {
		if o.ID == id {
			return o
		}
	}
	return nil
}
