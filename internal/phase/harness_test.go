package phase

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"autodev/internal/bus"
	"autodev/internal/correlation"
	"autodev/internal/docbus"
	"autodev/internal/model"
	"autodev/internal/pattern"
	"autodev/internal/pipelineconfig"
	"autodev/internal/pipelinestate"
	"autodev/internal/registry"
	"autodev/internal/specialist"
	"autodev/internal/toolcreator"
	"autodev/internal/toolexec"
	"autodev/internal/toolhandler"

	"github.com/stretchr/testify/require"
)

func timeNowForTest() time.Time { return time.Now() }

func historyFilterFor(t *model.MessageType) bus.HistoryFilter { return bus.HistoryFilter{Type: t} }

func getFilterFor(t *model.MessageType) bus.GetFilter { return bus.GetFilter{Type: t} }

// scriptedClient returns canned responses in order, repeating the last
// one once the script is exhausted.
type scriptedClient struct {
	responses []*specialist.ChatResponse
	pos       int
}

func (c *scriptedClient) Chat(ctx context.Context, req specialist.ChatRequest) (*specialist.ChatResponse, error) {
	if len(c.responses) == 0 {
		return &specialist.ChatResponse{Content: "ok"}, nil
	}
	resp := c.responses[c.pos]
	if c.pos < len(c.responses)-1 {
		c.pos++
	}
	return resp, nil
}

type noStream struct{}

func (noStream) Next() (string, error) { return "", io.EOF }
func (noStream) Close() error          { return nil }

func (c *scriptedClient) ChatStream(ctx context.Context, req specialist.ChatRequest) (specialist.Stream, error) {
	return noStream{}, nil
}

// newTestDeps wires a full Deps over a temp workspace with the given
// scripted model client shared by all three specialists.
func newTestDeps(t *testing.T, client specialist.Client) (*Deps, string) {
	t.Helper()
	workspace := t.TempDir()

	cfg := pipelineconfig.DefaultConfig()
	cfg.Workspace = workspace

	state, err := pipelinestate.New(workspace)
	require.NoError(t, err)

	msgBus := bus.New(bus.DefaultConfig())
	t.Cleanup(func() { msgBus.Shutdown(time.Second) })

	docs, err := docbus.New(workspace)
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	prompts, err := registry.Open(filepath.Join(workspace, ".pipeline", "prompts"), nil)
	require.NoError(t, err)
	toolSpecs, err := registry.Open(filepath.Join(workspace, ".pipeline", "tools"), registry.ToolSafety)
	require.NoError(t, err)
	roles, err := registry.Open(filepath.Join(workspace, ".pipeline", "roles"), nil)
	require.NoError(t, err)

	creator := toolcreator.NewCreator(5)
	validator := toolcreator.NewValidator()
	executor := toolexec.New(toolexec.Config{
		ToolsDir:       filepath.Join(workspace, cfg.ToolExec.ToolsDir),
		ProjectDir:     workspace,
		DefaultTimeout: 5 * time.Second,
	})

	handler, err := toolhandler.New(Builtins(workspace, docs), toolSpecs, executor, creator, validator, msgBus)
	require.NoError(t, err)

	patterns, err := pattern.Open(workspace)
	require.NoError(t, err)
	t.Cleanup(func() { patterns.Close() })

	correlator, err := correlation.New(nil)
	require.NoError(t, err)

	specs, err := specialist.NewSet(cfg.Specialists, func(model, endpoint string, timeout time.Duration) (specialist.Client, error) {
		return client, nil
	})
	require.NoError(t, err)

	return &Deps{
		Config:      cfg,
		State:       state,
		Bus:         msgBus,
		Docs:        docs,
		Prompts:     prompts,
		ToolSpecs:   toolSpecs,
		Roles:       roles,
		Specialists: specs,
		Tools:       handler,
		Creator:     creator,
		Validator:   validator,
		Patterns:    patterns,
		Recognizer:  pattern.NewRecognizer(patterns, 0.2),
		Correlator:  correlator,
		Analyzers:   map[string]Analyzer{},
	}, workspace
}
