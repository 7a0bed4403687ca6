// Package coordinator implements the outer control loop:
// LOAD -> { DECIDE -> EXECUTE -> ABSORB -> PERSIST } -> STOP. One phase
// runs at a time on the coordinator's execution context; a background
// observer watches bus traffic and may raise alerts but never preempts.
// Errors are captured at the phase boundary and converted into results;
// nothing a phase does propagates into the loop's control flow.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autodev/internal/bus"
	"autodev/internal/model"
	"autodev/internal/pattern"
	"autodev/internal/phase"
	"autodev/internal/pipelineconfig"
	"autodev/internal/pipelog"
	"autodev/internal/scheduler"
)

// Recipient is the coordinator's own bus address.
const Recipient = "coordinator"

// StopReason explains why Run returned.
type StopReason string

const (
	StopMasterComplete    StopReason = "master_objective_complete"
	StopRequested         StopReason = "user_stop"
	StopConsecutiveErrors StopReason = "consecutive_phase_errors"
	StopSaveFailures      StopReason = "consecutive_save_failures"
	StopMaxIterations     StopReason = "max_iterations"
)

// Coordinator owns the main loop.
type Coordinator struct {
	cfg    *pipelineconfig.Config
	deps   *phase.Deps
	phases map[string]phase.Phase
	order  []string
	sched  *scheduler.Scheduler
	opt    *pattern.Optimizer
	log    *pipelog.Logger

	// MaxIterations bounds Run for tests and bounded invocations;
	// 0 means unbounded.
	MaxIterations int

	mu            sync.Mutex
	stopRequested bool

	iteration         int
	lastPhase         string
	lastHint          string
	consecutiveErrors int
	saveFailures      int
	metaDepth         int

	// decisionWindow holds the last W chosen phase names together with
	// the completed-task count at decision time, for loop detection.
	decisionWindow []decision

	observer *observer
}

type decision struct {
	phase     string
	completed int
}

// New constructs a Coordinator over the injected collaborators. Phases
// are registered by name; the registry trio, tool machinery, and state
// all arrive pre-built inside deps.
func New(cfg *pipelineconfig.Config, deps *phase.Deps, phases []phase.Phase, sched *scheduler.Scheduler, opt *pattern.Optimizer) *Coordinator {
	byName := make(map[string]phase.Phase, len(phases))
	order := make([]string, 0, len(phases))
	for _, p := range phases {
		byName[p.Name()] = p
		order = append(order, p.Name())
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		phases: byName,
		order:  order,
		sched:  sched,
		opt:    opt,
		log:    pipelog.Get(pipelog.CategoryCoordinator),
	}
}

// Stop requests a graceful stop after the current iteration.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
}

func (c *Coordinator) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// Run executes the loop until a stop condition trips, returning the
// reason. Intermediate failures never terminate the loop; only the
// configured stop conditions do.
func (c *Coordinator) Run(ctx context.Context) (StopReason, error) {
	c.observer = newObserver(c.deps.Bus)
	c.observer.start()
	defer c.observer.stop()

	for {
		if reason, done := c.checkStop(ctx); done {
			return reason, nil
		}

		c.iteration++

		chosen, task, reason := c.decide(ctx)
		c.log.Info("iteration %d: decided %s (%s)", c.iteration, chosen.Name(), reason)

		result := c.execute(ctx, chosen, task)
		c.absorb(chosen, result)
		c.persist()

		if c.opt != nil && c.cfg.Coordinator.OptimizerEvery > 0 && c.iteration%c.cfg.Coordinator.OptimizerEvery == 0 {
			if summary, err := c.opt.Run(time.Now()); err != nil {
				c.log.Warn("optimizer run failed: %v", err)
			} else {
				c.log.Info("optimizer: pruned=%d merged=%d archived=%d", summary.Pruned, summary.Merged, summary.Archived)
			}
		}
	}
}

// StopFile is the marker a companion process (the stop subcommand)
// writes to request a graceful stop of a running pipeline.
const StopFile = ".pipeline/STOP"

func (c *Coordinator) checkStop(ctx context.Context) (StopReason, bool) {
	if ctx.Err() != nil || c.stopped() {
		return StopRequested, true
	}
	if c.cfg.Workspace != "" {
		if _, err := os.Stat(filepath.Join(c.cfg.Workspace, StopFile)); err == nil {
			return StopRequested, true
		}
	}
	if c.MaxIterations > 0 && c.iteration >= c.MaxIterations {
		return StopMaxIterations, true
	}
	maxErrs := c.cfg.Coordinator.MaxConsecutivePhaseErrs
	if maxErrs <= 0 {
		maxErrs = 10
	}
	if c.consecutiveErrors >= maxErrs {
		return StopConsecutiveErrors, true
	}
	if c.saveFailures >= 3 {
		return StopSaveFailures, true
	}

	threshold := c.cfg.Coordinator.MasterCompletionThreshold
	if threshold <= 0 {
		threshold = 0.95
	}
	st := c.deps.State.Load()
	for _, o := range st.Objectives {
		if o.Priority == model.ObjectivePrimary && o.Completion >= threshold {
			return StopMasterComplete, true
		}
	}
	return "", false
}

// execute runs the chosen phase under the phase-level timeout, catching
// panics and converting timeout into an error result after the
// cancellation grace period.
func (c *Coordinator) execute(ctx context.Context, p phase.Phase, task *model.Task) *phase.Result {
	timeout := c.cfg.Coordinator.PhaseTimeoutDuration()
	grace := c.cfg.Coordinator.CancellationGraceDuration()

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *phase.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("phase panic: %v", r)}
			}
		}()
		res, err := p.Execute(phaseCtx, c.deps, task)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return &phase.Result{Success: false, ErrorKind: "phase_error", Summary: out.err.Error()}
		}
		if out.res == nil {
			return &phase.Result{Success: false, ErrorKind: "phase_error", Summary: "phase returned no result"}
		}
		return out.res
	case <-phaseCtx.Done():
		cancel()
		select {
		case out := <-done:
			if out.res != nil {
				return out.res
			}
		case <-time.After(grace):
		}
		c.log.Warn("phase %s abandoned after timeout %s + grace %s", p.Name(), timeout, grace)
		return &phase.Result{Success: false, ErrorKind: "timeout", Summary: fmt.Sprintf("phase %s timed out after %s", p.Name(), timeout)}
	}
}

// absorb updates the phase record, records the execution into pattern
// recognition, refreshes the live dimensional signature, and publishes
// the completion or error event.
func (c *Coordinator) absorb(p phase.Phase, res *phase.Result) {
	name := p.Name()
	duration := time.Duration(0)
	if res.Telemetry != nil {
		if d, ok := res.Telemetry["duration"].(time.Duration); ok {
			duration = d
		}
	}

	objective := c.activeObjective()

	err := c.deps.State.Update(func(st *model.State) *model.State {
		rec, ok := st.Phases[name]
		if !ok {
			rec = &model.PhaseRecord{Name: name, Signature: p.Signature()}
			st.Phases[name] = rec
		}
		rec.RecordRun(model.PhaseRun{
			Success:   res.Success,
			Duration:  duration,
			Summary:   res.Summary,
			Timestamp: time.Now(),
		})
		c.sched.UpdateSignature(rec, objective, res.Success)

		if obj := st.ObjectiveByID(objectiveID(objective)); obj != nil {
			obj.Completion = completionOf(st, obj)
			obj.RecordProfileSnapshot()
		}
		return st
	})
	if err != nil {
		c.log.Warn("absorb: state update failed: %v", err)
	}

	if c.deps.Recognizer != nil {
		exec := pattern.Execution{
			Phase:         name,
			Success:       res.Success,
			ToolCalls:     res.ToolCalls,
			Duration:      duration,
			PreviousPhase: c.lastPhase,
		}
		if err := c.deps.Recognizer.RecordExecution(exec); err != nil {
			c.log.Warn("absorb: record execution: %v", err)
		}
	}

	msgType := model.MsgPhaseCompleted
	priority := model.PriorityMedium
	if !res.Success {
		msgType = model.MsgPhaseError
		priority = model.PriorityHigh
		c.consecutiveErrors++
	} else {
		c.consecutiveErrors = 0
	}
	c.deps.Bus.Publish(model.Message{
		Type:      msgType,
		Priority:  priority,
		Sender:    Recipient,
		Broadcast: true,
		Payload: map[string]any{
			"phase":   name,
			"summary": res.Summary,
			"error":   res.ErrorKind,
		},
	})

	c.lastPhase = name
	c.lastHint = res.NextPhaseHint
}

// persist saves the canonical snapshot. A failed save restores the last
// good backup into memory, raises a SYSTEM_ALERT, and counts toward the
// save-failure stop condition; a successful save also takes a periodic
// backup for the recovery path.
// maxPersistedPatterns bounds the pattern view mirrored into the state
// snapshot; the sqlite store remains authoritative.
const maxPersistedPatterns = 200

func (c *Coordinator) persist() {
	var learned []*model.Pattern
	if c.deps.Patterns != nil {
		if all, err := c.deps.Patterns.All(); err == nil {
			if len(all) > maxPersistedPatterns {
				all = all[:maxPersistedPatterns]
			}
			learned = all
		}
	}

	err := c.deps.State.Update(func(st *model.State) *model.State {
		st.SavedAt = time.Now()
		st.Metrics["iterations"] = float64(c.iteration)
		if learned != nil {
			st.Patterns = learned
		}
		return st
	})
	if err == nil {
		c.saveFailures = 0
		if c.iteration%10 == 0 {
			if _, berr := c.deps.State.Backup(); berr != nil {
				c.log.Warn("backup failed: %v", berr)
			}
		}
		return
	}

	c.saveFailures++
	c.log.Error("persist failed (%d consecutive): %v", c.saveFailures, err)
	c.deps.Bus.Publish(model.Message{
		Type:      model.MsgSystemAlert,
		Priority:  model.PriorityCritical,
		Sender:    Recipient,
		Broadcast: true,
		Payload:   map[string]any{"kind": "save_failure", "error": err.Error()},
	})

	if restored, rerr := c.deps.State.RestoreLatestBackup(); rerr == nil {
		if serr := c.deps.State.Save(restored); serr != nil {
			c.log.Error("restore-save failed: %v", serr)
		}
	}
}

// activeObjective returns the primary objective, or a neutral synthetic
// one so the scheduler always has a target to score against.
func (c *Coordinator) activeObjective() *model.Objective {
	st := c.deps.State.Load()
	for _, o := range st.Objectives {
		if o.Priority == model.ObjectivePrimary {
			return o
		}
	}
	if len(st.Objectives) > 0 {
		return st.Objectives[0]
	}
	neutral := &model.Objective{Title: "bootstrap"}
	for d := range neutral.Profile {
		neutral.Profile[d] = 0.5
	}
	return neutral
}

func objectiveID(o *model.Objective) string {
	if o == nil {
		return ""
	}
	return o.ID
}

// completionOf recomputes an objective's completion as the fraction of
// its linked tasks that are completed.
func completionOf(st *model.State, o *model.Objective) float64 {
	if len(o.TaskIDs) == 0 {
		return o.Completion
	}
	done := 0
	for _, id := range o.TaskIDs {
		if t, ok := st.Tasks[id]; ok && t.Status == model.TaskCompleted {
			done++
		}
	}
	return float64(done) / float64(len(o.TaskIDs))
}

// completedTasks counts tasks in completed status, the progress metric
// loop detection watches.
func completedTasks(st *model.State) int {
	n := 0
	for _, t := range st.Tasks {
		if t.Status == model.TaskCompleted {
			n++
		}
	}
	return n
}

// drainCritical drains CRITICAL messages addressed to the coordinator.
func (c *Coordinator) drainCritical() []model.Message {
	crit := model.PriorityCritical
	return c.deps.Bus.Get(Recipient, bus.GetFilter{Priority: &crit})
}
