package pipelinestate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"autodev/internal/model"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	err = s.Update(func(st *model.State) *model.State {
		st.Files["a.go"] = &model.FileRecord{Path: "a.go", Status: model.FileCreated}
		st.Tasks["t1"] = &model.Task{ID: "t1", Status: model.TaskPending, TargetFiles: []string{"a.go"}, CreatedAt: time.Now()}
		return st
	})
	require.NoError(t, err)

	reloaded, err := New(dir)
	require.NoError(t, err)
	require.Contains(t, reloaded.Load().Tasks, "t1")
}

func TestSaveRejectsInvariantViolation(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	before := s.Load()

	bad := before.Clone()
	bad.Tasks["orphan"] = &model.Task{ID: "orphan", Status: model.TaskPending, TargetFiles: []string{"missing.go"}}

	err = s.Save(bad)
	require.Error(t, err)
	require.NotContains(t, s.Load().Tasks, "orphan")
}

func TestNeedsFixesInvariant(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	err = s.Update(func(st *model.State) *model.State {
		st.Files["b.go"] = &model.FileRecord{Path: "b.go"}
		st.Tasks["t2"] = &model.Task{
			ID:          "t2",
			Status:      model.TaskNeedsFixes,
			TargetFiles: []string{"b.go"},
			Issue:       &model.Issue{Kind: model.IssueBugFix, Severity: model.SeverityMajor},
		}
		return st
	})
	require.NoError(t, err)

	// Removing the issue while keeping needs_fixes must fail validation.
	invalid := s.Load().Clone()
	invalid.Tasks["t2"].Issue = nil
	require.Error(t, s.Save(invalid))
}

func TestCrashMidWriteLeavesCommittedState(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(st *model.State) *model.State {
		st.Metrics["committed"] = 1
		return st
	}))

	// A crash between temp-file write and rename leaves a stray .tmp
	// with partial content; the next load must see only the committed
	// snapshot.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pipeline", "state.json.tmp"), []byte(`{"metrics":{"part`), 0644))

	reloaded, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, float64(1), reloaded.Load().Metrics["committed"])
	require.NotContains(t, reloaded.Load().Metrics, "part")
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(st *model.State) *model.State {
		st.Metrics["iterations"] = 1
		return st
	}))

	path, err := s.Backup()
	require.NoError(t, err)
	require.NotEmpty(t, path)

	restored, err := s.RestoreLatestBackup()
	require.NoError(t, err)
	require.Equal(t, float64(1), restored.Metrics["iterations"])
}
