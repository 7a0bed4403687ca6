// Package toolhandler implements the Tool Handler: it
// receives a phase's parsed tool-call request, validates and normalizes
// it, dispatches to a built-in (in-process) or dynamic (subprocess-
// isolated) tool, and records the outcome with the injected Tool
// Validator. The Tool Creator and Tool Validator are constructed once by
// the caller and passed in here as singletons; this package never
// constructs either itself.
package toolhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autodev/internal/bus"
	"autodev/internal/model"
	"autodev/internal/pipelog"
	"autodev/internal/registry"
	"autodev/internal/toolcreator"
	"autodev/internal/toolexec"
)

// BuiltinFunc implements one in-process tool.
type BuiltinFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Builtin pairs a tool name with its implementing callable.
type Builtin struct {
	Name    string
	Handler BuiltinFunc
	Timeout time.Duration // 0 = no explicit timeout for in-process builtins
}

// Result is the structured outcome returned to the calling phase.
type Result struct {
	Tool     string         `json:"tool"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// paramAliases maps historically inconsistent single-word parameter
// spellings onto their canonical snake_case slot.
// Every documented parameter of every built-in must have its variants
// listed here.
var paramAliases = map[string]string{
	"filepath":    "file_path",
	"file":        "file_path",
	"fpath":       "file_path",
	"dir":         "directory",
	"dirpath":     "directory",
	"cmd":         "command",
	"querystring": "query",
	"q":           "query",
	"msg":         "message",
}

// normalizeArgs rewrites alias keys to their canonical form in place. If
// both the alias and the canonical key are present, the canonical value
// wins and the alias is dropped, since an explicit canonical key is
// assumed to be the more deliberate of the two.
func normalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for alias, canonical := range paramAliases {
		v, hasAlias := out[alias]
		if !hasAlias {
			continue
		}
		if _, hasCanonical := out[canonical]; !hasCanonical {
			out[canonical] = v
		}
		delete(out, alias)
	}
	return out
}

// Handler dispatches tool-call requests to built-ins or, via the Tool
// Executor, to dynamic tools.
type Handler struct {
	builtins  map[string]Builtin
	tools     *registry.Registry
	exec      *toolexec.Executor
	creator   *toolcreator.Creator
	validator *toolcreator.Validator
	bus       *bus.Bus
	log       *pipelog.Logger
}

// New constructs a Handler. It performs the strict self-method
// validation at build time: every builtin
// must carry a non-nil Handler, or construction fails outright rather
// than deferring the gap to the first call that hits it.
func New(builtins []Builtin, tools *registry.Registry, exec *toolexec.Executor, creator *toolcreator.Creator, validator *toolcreator.Validator, msgBus *bus.Bus) (*Handler, error) {
	byName := make(map[string]Builtin, len(builtins))
	for _, b := range builtins {
		if b.Handler == nil {
			return nil, fmt.Errorf("toolhandler: builtin %q has no implementing callable", b.Name)
		}
		if _, dup := byName[b.Name]; dup {
			return nil, fmt.Errorf("toolhandler: builtin %q registered more than once", b.Name)
		}
		byName[b.Name] = b
	}
	return &Handler{
		builtins:  byName,
		tools:     tools,
		exec:      exec,
		creator:   creator,
		validator: validator,
		bus:       msgBus,
		log:       pipelog.Get(pipelog.CategoryToolHandler),
	}, nil
}

// Handle processes one tool-call request from phase, identified by name
// plus its raw argument map. callSiteContext is an opaque caller-supplied string
// distinguishing call sites for the Tool Creator's distinct-attempt
// count (typically "<phase>:<task-id>").
func (h *Handler) Handle(ctx context.Context, phase, name, callSiteContext string, args map[string]any) Result {
	args = normalizeArgs(args)
	start := time.Now()

	if b, ok := h.builtins[name]; ok {
		res := h.dispatchBuiltin(ctx, b, args)
		h.record(name, phase, start, res)
		return res
	}

	if h.tools != nil && h.tools.Get(name) != nil {
		res := h.dispatchDynamic(ctx, name, args)
		h.record(name, phase, start, res)
		return res
	}

	if h.creator != nil {
		if design, proposed := h.creator.RecordAttempt(name, phase, callSiteContext, args); proposed {
			h.log.Info("unresolved tool %s proposed as design after repeated attempts", design.Name)
		}
	}
	return Result{Tool: name, Success: false, Error: "unknown_tool"}
}

func (h *Handler) dispatchBuiltin(ctx context.Context, b Builtin, args map[string]any) (res Result) {
	res.Tool = b.Name
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("dispatch_exception: %v", r)
			res.Result = nil
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if b.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	out, err := b.Handler(runCtx, args)
	if err != nil {
		res.Success = false
		res.Error = classifyError(err)
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

func (h *Handler) dispatchDynamic(ctx context.Context, name string, args map[string]any) Result {
	r := h.exec.Run(ctx, name, args, 0)
	return Result{Tool: name, Success: r.Success, Result: r.Result, Error: r.Error, Metadata: r.Metadata}
}

// invalidArgError marks a builtin failure as argument validation rather
// than a runtime fault, so the recorded error kind stays truthful.
type invalidArgError struct {
	msg string
}

func (e *invalidArgError) Error() string { return e.msg }

// InvalidArgf builds an argument-validation error. Builtins return it
// for bad or missing arguments; any other error they return is treated
// as a transient execution failure.
func InvalidArgf(format string, args ...any) error {
	return &invalidArgError{msg: fmt.Sprintf(format, args...)}
}

// classifyError maps a builtin's error onto the error taxonomy:
// invalid_arg only for argument-validation failures, transient for
// everything else (IO faults, timeouts, and the like).
func classifyError(err error) string {
	var invalid *invalidArgError
	if errors.As(err, &invalid) {
		return fmt.Sprintf("invalid_arg: %s", err.Error())
	}
	return fmt.Sprintf("transient: %s", err.Error())
}

// record feeds the outcome to the Tool Validator and, if the tool is
// currently a deprecation candidate, raises a SYSTEM_WARNING through the
// bus while still letting the call's result stand.
func (h *Handler) record(name, phase string, start time.Time, res Result) {
	duration := time.Since(start)
	errorKind := ""
	if !res.Success {
		errorKind = res.Error
	}

	if h.validator != nil {
		h.validator.Record(toolcreator.Outcome{
			Tool:      name,
			Success:   res.Success,
			Phase:     phase,
			Duration:  duration,
			ErrorKind: errorKind,
			At:        time.Now(),
		})

		if h.bus != nil {
			for _, dep := range h.validator.DeprecationCandidates(time.Now()) {
				if dep == name {
					h.bus.Publish(model.Message{
						Type:      model.MsgSystemWarning,
						Priority:  model.PriorityMedium,
						Sender:    "toolhandler",
						Broadcast: true,
						Payload:   map[string]any{"kind": "deprecated_tool", "tool": name},
					})
					break
				}
			}
		}
	}
}
