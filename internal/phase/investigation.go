package phase

import (
	"context"
	"fmt"
	"sync"

	"autodev/internal/model"

	"golang.org/x/sync/errgroup"
)

// investigationPhase runs every registered analyzer and feeds their
// findings into the Correlation Engine; derived correlations are stored
// to state for the debugger and documentation phases to consume.
type investigationPhase struct {
	base
}

// NewInvestigation constructs the investigation phase.
func NewInvestigation() Phase {
	return &investigationPhase{base: newBase(Investigation, model.Profile{
		model.DimContext:     0.8,
		model.DimError:       0.6,
		model.DimData:        0.6,
		model.DimIntegration: 0.5,
	})}
}

func (p *investigationPhase) Execute(ctx context.Context, deps *Deps, task *model.Task) (*Result, error) {
	res := &Result{Telemetry: map[string]any{}}

	target := ""
	if task != nil && len(task.TargetFiles) > 0 {
		target = task.TargetFiles[0]
	}

	var mu sync.Mutex
	var findings []model.Finding

	g, gctx := errgroup.WithContext(ctx)
	for name, analyzer := range deps.Analyzers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := analyzer.Analyze(target)
			if err != nil {
				p.log.Warn("investigation: analyzer %s: %v", name, err)
				return nil // one broken analyzer never sinks the pass
			}
			mu.Lock()
			findings = append(findings, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failure("transient", fmt.Sprintf("analyzers aborted: %v", err)), nil
	}

	for _, f := range findings {
		if err := deps.Correlator.AddFinding(f); err != nil {
			p.log.Warn("investigation: add finding: %v", err)
		}
	}

	correlations, err := deps.Correlator.Correlate()
	if err != nil {
		return failure("transient", fmt.Sprintf("correlate: %v", err)), nil
	}

	if len(correlations) > 0 {
		deps.State.Update(func(st *model.State) *model.State {
			st.Correlations = append(st.Correlations, correlations...)
			return st
		})
		for _, c := range correlations {
			p.publish(deps, res, model.Message{
				Type:      model.MsgCorrelationFound,
				Priority:  model.PriorityMedium,
				Broadcast: true,
				Payload:   map[string]any{"from": c.FromKind, "to": c.ToKind, "confidence": c.Confidence, "description": c.Description},
			})
		}
		p.appendToInbox(deps, Debugging, fmt.Sprintf("%d new correlations, strongest: %s", len(correlations), correlations[0].Description))
	}

	res.Success = true
	res.Summary = fmt.Sprintf("ran %d analyzers: %d findings, %d correlations", len(deps.Analyzers), len(findings), len(correlations))
	res.Telemetry["findings"] = len(findings)
	res.Telemetry["correlations"] = len(correlations)
	p.writeStatus(deps, res.Summary)
	return res, nil
}
