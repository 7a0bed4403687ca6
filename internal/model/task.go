package model

import "time"

// TaskStatus is the closed set of lifecycle states a Task can occupy.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskNeedsFixes TaskStatus = "needs_fixes"
	TaskBlocked    TaskStatus = "blocked"
)

// Priority is shared by tasks and messages.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// PriorityRank gives CRITICAL > HIGH > NORMAL(medium) > LOW ordering for
// the message bus's priority queue. Lower rank is delivered first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// IssueKind enumerates the defect classes Refactoring and QA reason about.
// It drives the refactoring phase's required-first-tool and budget table.
type IssueKind string

const (
	IssueMissingMethod         IssueKind = "missing_method"
	IssueDuplicate             IssueKind = "duplicate"
	IssueIntegrationConflict   IssueKind = "integration_conflict"
	IssueDeadCode              IssueKind = "dead_code"
	IssueComplexity            IssueKind = "complexity"
	IssueArchitectureViolation IssueKind = "architecture_violation"
	IssueBugFix                IssueKind = "bug_fix"
)

// Severity of a QA-reported issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Issue describes a defect attached to a task in needs_fixes status.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	File        string    `json:"file,omitempty"`
	Line        int       `json:"line,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Task is a unit of intended work, attached to one or more target files.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      TaskStatus     `json:"status"`
	TargetFiles []string       `json:"target_files"`
	Priority    Priority       `json:"priority"`
	Attempts    int            `json:"attempts"`
	ObjectiveID string         `json:"objective_id,omitempty"`
	Analysis    map[string]any `json:"analysis,omitempty"`
	Issue       *Issue         `json:"issue,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Valid reports whether the task is internally consistent: a task in
// needs_fixes must carry an issue and a non-empty target file set.
func (t *Task) Valid() bool {
	if t.Status == TaskNeedsFixes {
		if t.Issue == nil || len(t.TargetFiles) == 0 {
			return false
		}
	}
	return true
}

// ObjectivePriority tiers mirror MASTER/PRIMARY/SECONDARY/TERTIARY
// strategic documents.
type ObjectivePriority string

const (
	ObjectivePrimary   ObjectivePriority = "primary"
	ObjectiveSecondary ObjectivePriority = "secondary"
	ObjectiveTertiary  ObjectivePriority = "tertiary"
)

// Objective is a coarse-grained goal grouping tasks, carrying a
// dimensional profile used by the scheduler.
type Objective struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Priority   ObjectivePriority `json:"priority"`
	Profile    Profile           `json:"profile"`
	TaskIDs    []string          `json:"task_ids"`
	Completion float64           `json:"completion"` // 0..1, fraction of tasks completed
	CreatedAt  time.Time         `json:"created_at"`

	// profileHistory is a bounded trail of recent profile snapshots, used
	// by the scheduler's velocity term. Newest last.
	ProfileHistory []Profile `json:"profile_history,omitempty"`
}

const maxProfileHistory = 5

// RecordProfileSnapshot appends the current profile to the history,
// bounding it to maxProfileHistory entries (oldest dropped first).
func (o *Objective) RecordProfileSnapshot() {
	o.ProfileHistory = append(o.ProfileHistory, o.Profile)
	if len(o.ProfileHistory) > maxProfileHistory {
		o.ProfileHistory = o.ProfileHistory[len(o.ProfileHistory)-maxProfileHistory:]
	}
}

// FileStatus is the last-seen status of a file the pipeline tracks.
type FileStatus string

const (
	FileCreated  FileStatus = "created"
	FileModified FileStatus = "modified"
	FileQAPassed FileStatus = "qa_passed"
	FileQAFailed FileStatus = "qa_failed"
)

// FileRecord tracks a path the pipeline has created or touched.
type FileRecord struct {
	Path      string     `json:"path"`
	Hash      string     `json:"hash"`
	Status    FileStatus `json:"status"`
	Revision  int        `json:"revision"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PhaseRun is one entry in a phase's bounded execution history.
type PhaseRun struct {
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Summary   string        `json:"summary"`
	Timestamp time.Time     `json:"timestamp"`
}

const MaxPhaseRunHistory = 20

// PhaseRecord is the per-phase aggregate the Coordinator maintains.
type PhaseRecord struct {
	Name                string        `json:"name"`
	TotalRuns           int           `json:"total_runs"`
	SuccessfulRuns      int           `json:"successful_runs"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AverageDuration     time.Duration `json:"average_duration"`
	History             []PhaseRun    `json:"history"`

	// Signature is the phase's live dimensional profile, updated by
	// exponential smoothing against the objective's dominant dimensions
	// after each execution.
	Signature Profile   `json:"signature"`
	LastRunAt time.Time `json:"last_run_at"`
}

// Valid reports whether the record's counters are consistent:
// consecutive_failures can never exceed total_runs - successful_runs.
func (p *PhaseRecord) Valid() bool {
	return p.ConsecutiveFailures <= p.TotalRuns-p.SuccessfulRuns
}

// RecordRun appends a run to the bounded history and updates aggregates.
func (p *PhaseRecord) RecordRun(run PhaseRun) {
	p.TotalRuns++
	if run.Success {
		p.SuccessfulRuns++
		p.ConsecutiveFailures = 0
	} else {
		p.ConsecutiveFailures++
	}
	// Running average duration.
	if p.TotalRuns == 1 {
		p.AverageDuration = run.Duration
	} else {
		p.AverageDuration = p.AverageDuration + (run.Duration-p.AverageDuration)/time.Duration(p.TotalRuns)
	}
	p.History = append(p.History, run)
	if len(p.History) > MaxPhaseRunHistory {
		p.History = p.History[len(p.History)-MaxPhaseRunHistory:]
	}
	p.LastRunAt = run.Timestamp
}

// RecentSuccessRate returns the success rate over the last n runs (or
// fewer if history is shorter). Used by loop detection.
func (p *PhaseRecord) RecentSuccessRate(n int) float64 {
	if len(p.History) == 0 {
		return 1.0
	}
	start := 0
	if len(p.History) > n {
		start = len(p.History) - n
	}
	window := p.History[start:]
	successes := 0
	for _, r := range window {
		if r.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(window))
}
