package specialist

import (
	"context"
	"io"
	"testing"
	"time"

	"autodev/internal/pipelineconfig"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	resp   *ChatResponse
	chunks []string
	err    error
	calls  int
}

func (f *fakeClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeStream struct {
	chunks []string
	pos    int
}

func (s *fakeStream) Next() (string, error) {
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

func (f *fakeClient) ChatStream(ctx context.Context, req ChatRequest) (Stream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{chunks: f.chunks}, nil
}

func testSet(t *testing.T, client Client) *Set {
	t.Helper()
	cfg := map[string]pipelineconfig.SpecialistConfig{
		"coding":    {Model: "m-coding", Endpoint: "http://test", Timeout: "5s"},
		"reasoning": {Model: "m-reasoning", Endpoint: "http://test", Timeout: "5s"},
		"analysis":  {Model: "m-analysis", Endpoint: "http://test", Timeout: "5s"},
	}
	set, err := NewSet(cfg, func(model, endpoint string, timeout time.Duration) (Client, error) {
		return client, nil
	})
	require.NoError(t, err)
	return set
}

func TestNewSetRequiresEveryRole(t *testing.T) {
	cfg := map[string]pipelineconfig.SpecialistConfig{
		"coding": {Model: "m", Endpoint: "e"},
	}
	_, err := NewSet(cfg, func(model, endpoint string, timeout time.Duration) (Client, error) {
		return &fakeClient{}, nil
	})
	require.Error(t, err)
}

func TestAskParsesEmbeddedToolCalls(t *testing.T) {
	client := &fakeClient{resp: &ChatResponse{
		Content: `I'll read the file first. {"name": "read_file", "arguments": {"file_path": "main.go"}}`,
	}}
	set := testSet(t, client)

	resp, err := set.Coding.Ask(context.Background(), "do the task", []string{"read_file", "write_file"}, 0.2)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.Equal(t, "main.go", resp.ToolCalls[0].Arguments["file_path"])
}

func TestAskRejectsNonWhitelistedNames(t *testing.T) {
	client := &fakeClient{resp: &ChatResponse{
		Content: `{"name": "open", "arguments": {"file": "/etc/passwd"}}`,
		ToolCalls: []ToolCall{
			{Name: "rm", Arguments: map[string]any{"path": "/"}},
		},
	}}
	set := testSet(t, client)

	resp, err := set.Coding.Ask(context.Background(), "task", []string{"read_file"}, 0)
	require.NoError(t, err)
	require.Empty(t, resp.ToolCalls)
}

func TestAskKeepsTransportParsedCallsThatPassWhitelist(t *testing.T) {
	client := &fakeClient{resp: &ChatResponse{
		Content:   "doing it",
		ToolCalls: []ToolCall{{Name: "write_file", Arguments: map[string]any{"file_path": "x.go", "content": "package x"}}},
	}}
	set := testSet(t, client)

	resp, err := set.Coding.Ask(context.Background(), "task", []string{"write_file"}, 0)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "write_file", resp.ToolCalls[0].Name)
}

func TestAskStreamAccumulatesAndParsesAtEnd(t *testing.T) {
	client := &fakeClient{chunks: []string{
		`Let me call a tool: {"name": "read`, `_file", "arguments": {"file_path": "a.go"}}`, ` done.`,
	}}
	set := testSet(t, client)

	var streamed string
	resp, err := set.Analysis.AskStream(context.Background(), "task", []string{"read_file"}, 0, func(chunk string) {
		streamed += chunk
	})
	require.NoError(t, err)
	require.Equal(t, streamed, resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
}

func TestExtractToolCallsIgnoresStringLiterals(t *testing.T) {
	allowed := map[string]bool{"read_file": true}
	text := `The model said "{\"name\": \"read_file\", \"arguments\": {}}" but only as prose.`
	calls := ExtractToolCalls(text, allowed)
	require.Empty(t, calls)
}

func TestExtractToolCallsPreservesOrder(t *testing.T) {
	allowed := map[string]bool{"read_file": true, "write_file": true}
	text := `{"name": "read_file", "arguments": {}} then {"name": "write_file", "arguments": {"file_path": "b.go"}}`
	calls := ExtractToolCalls(text, allowed)
	require.Len(t, calls, 2)
	require.Equal(t, "read_file", calls[0].Name)
	require.Equal(t, "write_file", calls[1].Name)
}

func TestExtractToolCallsToleratesMalformedJSON(t *testing.T) {
	allowed := map[string]bool{"read_file": true}
	text := `{"name": "read_file", "arguments": } {"name": "read_file", "arguments": {}}`
	calls := ExtractToolCalls(text, allowed)
	require.Len(t, calls, 1)
}
