// Package toolcreator implements the Tool Creator and Tool Validator.
// Both are constructed once and injected into the Tool Handler as
// singletons; the types here deliberately offer no handler-owned
// constructor path, so a handler can never grow its own private copies
// with divergent metrics.
package toolcreator

import (
	"sort"
	"time"

	"autodev/internal/pipelog"
)

// CallSite is one observed attempt to invoke an unresolved tool name.
type CallSite struct {
	Context   string // free-form identifier distinguishing distinct contexts (phase+task, typically)
	Args      map[string]any
	Phase     string
	Timestamp time.Time
}

// ToolDesign is the proposal the Creator emits once an unresolved name
// has accumulated enough distinct attempts, routed to the ToolDesign
// phase for elaboration.
type ToolDesign struct {
	Name              string
	ObservedCallSites []CallSite
	InferredParams    []string
}

// Creator tracks tool names models attempted to invoke that did not
// resolve against any registry, and proposes a ToolDesign once the same
// name has been attempted from enough distinct contexts.
type Creator struct {
	threshold int
	attempts  map[string][]CallSite
	proposals []*ToolDesign
	log       *pipelog.Logger
}

// NewCreator constructs a Creator. threshold <= 0 defaults to 5.
func NewCreator(threshold int) *Creator {
	if threshold <= 0 {
		threshold = 5
	}
	return &Creator{
		threshold: threshold,
		attempts:  make(map[string][]CallSite),
		log:       pipelog.Get(pipelog.CategoryToolHandler),
	}
}

// RecordAttempt records one unresolved invocation attempt for name.
// When the number of distinct contexts reaches the threshold, it returns
// a ToolDesign proposal; otherwise it returns (nil, false).
func (c *Creator) RecordAttempt(name, phase, context string, args map[string]any) (*ToolDesign, bool) {
	site := CallSite{Context: context, Args: args, Phase: phase, Timestamp: time.Now()}
	c.attempts[name] = append(c.attempts[name], site)

	distinct := map[string]bool{}
	for _, s := range c.attempts[name] {
		distinct[s.Context] = true
	}
	if len(distinct) < c.threshold {
		return nil, false
	}

	design := &ToolDesign{
		Name:              name,
		ObservedCallSites: append([]CallSite(nil), c.attempts[name]...),
		InferredParams:    inferParams(c.attempts[name]),
	}
	c.log.Info("tool %s reached %d distinct unresolved attempts, proposing design", name, len(distinct))
	delete(c.attempts, name)
	c.proposals = append(c.proposals, design)
	return design, true
}

// DrainProposals returns accumulated designs and clears the pending
// list; the ToolDesign phase consumes them on its next run.
func (c *Creator) DrainProposals() []*ToolDesign {
	out := c.proposals
	c.proposals = nil
	return out
}

// inferParams unions argument keys observed across call sites, the
// simplest signal available for what a proposed tool's parameters
// should be without a model in the loop.
func inferParams(sites []CallSite) []string {
	seen := map[string]bool{}
	for _, s := range sites {
		for k := range s.Args {
			seen[k] = true
		}
	}
	params := make([]string, 0, len(seen))
	for k := range seen {
		params = append(params, k)
	}
	sort.Strings(params)
	return params
}

// PendingAttempts returns the unresolved names currently tracked along
// with how many distinct contexts have attempted each, for diagnostics.
func (c *Creator) PendingAttempts() map[string]int {
	out := make(map[string]int, len(c.attempts))
	for name, sites := range c.attempts {
		distinct := map[string]bool{}
		for _, s := range sites {
			distinct[s.Context] = true
		}
		out[name] = len(distinct)
	}
	return out
}
