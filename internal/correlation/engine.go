// Package correlation implements the Correlation Engine.
// Findings from different components are asserted as Datalog facts and a
// fixed relation set is evaluated bottom-up by the Mangle engine; pairs
// of findings matching a relation within its time window become
// Correlation entries the caller stores into pipeline state. The engine
// itself keeps no state between Correlate calls beyond the facts it was
// fed since construction or the last Reset.
package correlation

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"autodev/internal/model"
	"autodev/internal/pipelog"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/google/uuid"
)

// Component names accepted on findings.
const (
	ComponentConfiguration = "configuration"
	ComponentCodeChange    = "code_change"
	ComponentPerformance   = "performance"
	ComponentArchitecture  = "architecture"
)

// Relation is one predefined cross-component rule: a finding of
// (FromComponent, FromKind) followed within Window by a finding of
// (ToComponent, ToKind) yields a correlation.
type Relation struct {
	FromComponent string
	FromKind      string
	ToComponent   string
	ToKind        string
	Window        time.Duration
	Confidence    float64
	Description   string
}

// DefaultRelations is the built-in relation set: the
// config-precedes-failure family plus the performance and architecture
// links the investigator feeds on.
func DefaultRelations() []Relation {
	return []Relation{
		{ComponentConfiguration, "config_change", ComponentCodeChange, "failure", 5 * time.Minute, 0.8, "configuration change preceded a code failure"},
		{ComponentCodeChange, "change", ComponentPerformance, "regression", 10 * time.Minute, 0.7, "code change preceded a performance regression"},
		{ComponentCodeChange, "change", ComponentCodeChange, "failure", 5 * time.Minute, 0.6, "code change preceded a failure in another file"},
		{ComponentArchitecture, "drift", ComponentCodeChange, "failure", 30 * time.Minute, 0.5, "architecture drift preceded repeated code failures"},
	}
}

// schema declares the fact and derived predicates once; relation windows
// and descriptions stay in Go where time arithmetic is cheap, so the
// Datalog side is a pure join over component/kind pairs.
const schema = `
Decl finding(Component, Kind, Ts, Id).
Decl relation(FromComponent, FromKind, ToComponent, ToKind).
Decl correlated(FromComponent, FromKind, FromTs, FromId, ToComponent, ToKind, ToTs, ToId).

correlated(C1, K1, T1, I1, C2, K2, T2, I2) :-
    finding(C1, K1, T1, I1),
    finding(C2, K2, T2, I2),
    relation(C1, K1, C2, K2).
`

// Engine evaluates the relation set over accumulated findings.
type Engine struct {
	mu        sync.Mutex
	relations []Relation
	info      *analysis.ProgramInfo
	store     factstore.FactStore
	syms      map[string]ast.PredicateSym
	findings  map[string]model.Finding // id -> original finding, for payload access
	log       *pipelog.Logger
}

// New constructs an Engine over relations (DefaultRelations when nil).
func New(relations []Relation) (*Engine, error) {
	if relations == nil {
		relations = DefaultRelations()
	}
	e := &Engine{
		relations: relations,
		findings:  make(map[string]model.Finding),
		log:       pipelog.Get(pipelog.CategoryCorrelation),
	}
	if err := e.reset(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) reset() error {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return fmt.Errorf("correlation: parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("correlation: analyze schema: %w", err)
	}
	e.info = info
	e.store = factstore.NewSimpleInMemoryStore()
	e.syms = make(map[string]ast.PredicateSym, len(info.Decls))
	for sym := range info.Decls {
		e.syms[sym.Symbol] = sym
	}
	e.findings = make(map[string]model.Finding)

	relSym, ok := e.syms["relation"]
	if !ok {
		return fmt.Errorf("correlation: relation predicate missing from schema")
	}
	for _, r := range e.relations {
		e.store.Add(ast.Atom{Predicate: relSym, Args: []ast.BaseTerm{
			ast.String(r.FromComponent), ast.String(r.FromKind),
			ast.String(r.ToComponent), ast.String(r.ToKind),
		}})
	}
	return nil
}

// Reset drops all accumulated findings, keeping the relation set.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reset()
}

// AddFinding asserts one finding as a fact. The finding's component must
// be one of the known component names; unknown components are rejected so
// a typo never silently produces an unmatchable fact.
func (e *Engine) AddFinding(f model.Finding) error {
	switch f.Component {
	case ComponentConfiguration, ComponentCodeChange, ComponentPerformance, ComponentArchitecture:
	default:
		return fmt.Errorf("correlation: unknown component %q", f.Component)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.NewString()
	e.findings[id] = f
	sym := e.syms["finding"]
	e.store.Add(ast.Atom{Predicate: sym, Args: []ast.BaseTerm{
		ast.String(f.Component), ast.String(f.Kind),
		ast.Number(f.Timestamp.Unix()), ast.String(id),
	}})
	return nil
}

// Correlate evaluates the rules and returns every derived pair whose
// time delta falls inside the matching relation's window. The caller
// persists the result to state; the engine does not.
func (e *Engine) Correlate() ([]*model.Correlation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := mengine.EvalProgramWithStats(e.info, e.store); err != nil {
		return nil, fmt.Errorf("correlation: eval: %w", err)
	}

	sym := e.syms["correlated"]
	var out []*model.Correlation
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		if len(atom.Args) != 8 {
			return nil
		}
		fromComp := stringArg(atom.Args[0])
		fromKind := stringArg(atom.Args[1])
		fromTs := numberArg(atom.Args[2])
		fromID := stringArg(atom.Args[3])
		toComp := stringArg(atom.Args[4])
		toKind := stringArg(atom.Args[5])
		toTs := numberArg(atom.Args[6])
		toID := stringArg(atom.Args[7])

		if fromID == toID {
			return nil
		}
		rel := e.relationFor(fromComp, fromKind, toComp, toKind)
		if rel == nil {
			return nil
		}
		delta := toTs - fromTs
		if delta < 0 || delta > int64(rel.Window/time.Second) {
			return nil
		}

		out = append(out, &model.Correlation{
			ID:          uuid.NewString(),
			FromKind:    fromComp + ":" + fromKind,
			ToKind:      toComp + ":" + toKind,
			Confidence:  rel.Confidence,
			Description: rel.Description,
			CreatedAt:   time.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("correlation: read derived facts: %w", err)
	}
	e.log.Debug("correlate: %d findings, %d correlations", len(e.findings), len(out))
	return out, nil
}

func (e *Engine) relationFor(fromComp, fromKind, toComp, toKind string) *Relation {
	for i := range e.relations {
		r := &e.relations[i]
		if r.FromComponent == fromComp && r.FromKind == fromKind && r.ToComponent == toComp && r.ToKind == toKind {
			return r
		}
	}
	return nil
}

func stringArg(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return ""
	}
	return c.Symbol
}

func numberArg(term ast.BaseTerm) int64 {
	c, ok := term.(ast.Constant)
	if !ok {
		return 0
	}
	return c.NumValue
}
