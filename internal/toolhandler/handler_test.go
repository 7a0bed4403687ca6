package toolhandler

import (
	"context"
	"errors"
	"testing"

	"autodev/internal/bus"
	"autodev/internal/registry"
	"autodev/internal/toolcreator"
	"autodev/internal/toolexec"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, builtins []Builtin) *Handler {
	t.Helper()
	reg, err := registry.Open(t.TempDir(), registry.ToolSafety)
	require.NoError(t, err)
	exec := toolexec.New(toolexec.Config{ToolsDir: t.TempDir()})
	h, err := New(builtins, reg, exec, toolcreator.NewCreator(2), toolcreator.NewValidator(), bus.New(bus.DefaultConfig()))
	require.NoError(t, err)
	return h
}

func TestNewRejectsNilHandler(t *testing.T) {
	_, err := New([]Builtin{{Name: "broken", Handler: nil}}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestHandleBuiltinSuccess(t *testing.T) {
	h := newTestHandler(t, []Builtin{
		{Name: "read_file", Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"path": args["file_path"]}, nil
		}},
	})

	res := h.Handle(context.Background(), "coding", "read_file", "ctx-1", map[string]any{"filepath": "main.go"})
	require.True(t, res.Success)
	require.Equal(t, "main.go", res.Result["path"])
}

func TestHandleBuiltinValidationError(t *testing.T) {
	h := newTestHandler(t, []Builtin{
		{Name: "fails", Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, InvalidArgf("file_path must be a string")
		}},
	})

	res := h.Handle(context.Background(), "coding", "fails", "ctx-1", nil)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "invalid_arg")
}

func TestHandleBuiltinRuntimeErrorIsTransient(t *testing.T) {
	h := newTestHandler(t, []Builtin{
		{Name: "flaky", Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("disk read failed")
		}},
	})

	res := h.Handle(context.Background(), "coding", "flaky", "ctx-1", nil)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "transient")
	require.NotContains(t, res.Error, "invalid_arg")
}

func TestHandleBuiltinPanicBecomesDispatchException(t *testing.T) {
	h := newTestHandler(t, []Builtin{
		{Name: "panics", Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			panic("unexpected")
		}},
	})

	res := h.Handle(context.Background(), "coding", "panics", "ctx-1", nil)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "dispatch_exception")
}

func TestHandleUnknownToolTracksAttempt(t *testing.T) {
	h := newTestHandler(t, nil)

	res := h.Handle(context.Background(), "coding", "mystery_tool", "ctx-1", nil)
	require.False(t, res.Success)
	require.Equal(t, "unknown_tool", res.Error)

	pending := h.creator.PendingAttempts()
	require.Equal(t, 1, pending["mystery_tool"])
}

func TestParamNormalizationPrefersCanonical(t *testing.T) {
	args := normalizeArgs(map[string]any{"filepath": "a.go", "file_path": "b.go"})
	require.Equal(t, "b.go", args["file_path"])
	_, hasAlias := args["filepath"]
	require.False(t, hasAlias)
}
