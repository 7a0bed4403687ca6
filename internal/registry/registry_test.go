package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterGetList(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	err = r.Register(Entry{Name: "investigate", Kind: "prompt", Description: "gather context before planning"})
	require.NoError(t, err)

	got := r.Get("investigate")
	require.NotNil(t, got)
	require.Equal(t, 1, got.Version)

	list := r.List("prompt")
	require.Len(t, list, 1)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(Entry{Name: "dup", Kind: "role"}))
	require.Error(t, r.Register(Entry{Name: "dup", Kind: "role"}))
}

func TestUpdateBumpsVersion(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(Entry{Name: "linter", Kind: "tool"}))
	err = r.Update("linter", func(e *Entry) { e.Description = "runs static checks" })
	require.NoError(t, err)

	got := r.Get("linter")
	require.Equal(t, 2, got.Version)
	require.Equal(t, "runs static checks", got.Description)
}

func TestDeleteRemovesEntry(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(Entry{Name: "scratch", Kind: "role"}))
	require.NoError(t, r.Delete("scratch"))
	require.Nil(t, r.Get("scratch"))
}

func TestSearchMatchesNameAndDescription(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(Entry{Name: "code_review", Kind: "prompt", Description: "reviews a diff for defects"}))
	require.NoError(t, r.Register(Entry{Name: "unrelated", Kind: "prompt", Description: "something else entirely"}))

	found := r.Search("diff")
	require.Len(t, found, 1)
	require.Equal(t, "code_review", found[0].Name)
}

func TestStatsTracksCountsByKind(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(Entry{Name: "a", Kind: "tool"}))
	require.NoError(t, r.Register(Entry{Name: "b", Kind: "prompt"}))

	stats := r.Stats()
	require.Equal(t, 2, stats.Count)
	require.Equal(t, 1, stats.ByKind["tool"])
	require.Equal(t, 1, stats.ByKind["prompt"])
}

func TestReopenLoadsPersistedEntries(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, r1.Register(Entry{Name: "persisted", Kind: "role"}))

	r2, err := Open(dir, nil)
	require.NoError(t, err)
	require.NotNil(t, r2.Get("persisted"))
}

func TestToolSafetyRejectsShellMetacharacters(t *testing.T) {
	r, err := Open(t.TempDir(), ToolSafety)
	require.NoError(t, err)

	err = r.Register(Entry{
		Name: "dangerous",
		Kind: "tool",
		Spec: map[string]any{"command": "rm -rf / ; echo done"},
	})
	require.Error(t, err)
}

func TestToolSafetyRejectsEscapingWorkingDir(t *testing.T) {
	r, err := Open(t.TempDir(), ToolSafety)
	require.NoError(t, err)

	err = r.Register(Entry{
		Name: "escapee",
		Kind: "tool",
		Spec: map[string]any{"working_dir": "../../etc"},
	})
	require.Error(t, err)
}

func TestToolSafetyAcceptsCleanEntry(t *testing.T) {
	r, err := Open(t.TempDir(), ToolSafety)
	require.NoError(t, err)

	err = r.Register(Entry{
		Name: "clean",
		Kind: "tool",
		Spec: map[string]any{"command": "go vet ./...", "working_dir": "scripts"},
	})
	require.NoError(t, err)
}
