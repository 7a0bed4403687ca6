package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autodev/internal/model"
	"autodev/internal/specialist"

	"github.com/stretchr/testify/require"
)

func TestConversationPruningKeepsHeadTailAndTagged(t *testing.T) {
	c := NewConversation(ConversationConfig{MaxMessages: 10, PreserveFirst: 2, PreserveLast: 3})

	for i := 0; i < 5; i++ {
		c.Add("user", fmt.Sprintf("msg-%d", i))
	}
	c.AddTagged("assistant", "critical decision", TagDecision)
	for i := 5; i < 20; i++ {
		c.Add("user", fmt.Sprintf("msg-%d", i))
	}

	require.LessOrEqual(t, c.Len(), 10+1) // tagged survivor may exceed the soft cap by design
	msgs := c.Messages()
	require.Equal(t, "msg-0", msgs[0].Content)
	require.Equal(t, "msg-1", msgs[1].Content)
	require.Equal(t, "msg-19", msgs[len(msgs)-1].Content)

	found := false
	for _, m := range msgs {
		if m.Content == "critical decision" {
			found = true
		}
	}
	require.True(t, found, "tagged message must survive pruning")
	require.Greater(t, c.PrunedCount(), 0)
}

func TestConversationSummarizeMode(t *testing.T) {
	c := NewConversation(ConversationConfig{MaxMessages: 8, PreserveFirst: 1, PreserveLast: 2, Summarize: true})
	for i := 0; i < 20; i++ {
		c.Add("user", fmt.Sprintf("msg-%d", i))
	}
	var summary bool
	for _, m := range c.Messages() {
		if m.Role == "system" && len(m.Content) > 0 && m.Content[0] == '[' {
			summary = true
		}
	}
	require.True(t, summary, "summarize mode must leave a summary marker")
}

func TestPlanningCreatesTasksAndPublishes(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `Here is the plan.
{"title": "create module X", "description": "add module X", "target_files": ["x.go"], "priority": "high"}
{"title": "wire module X", "description": "wire it", "target_files": ["main.go"], "priority": "medium"}`,
	}}}
	deps, _ := newTestDeps(t, client)

	p := NewPlanning()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	st := deps.State.Snapshot()
	require.Len(t, st.Tasks, 2)

	createdType := model.MsgTaskCreated
	history := deps.Bus.History(historyFilterFor(&createdType), 0)
	require.Len(t, history, 2)
	for _, msg := range history {
		require.True(t, msg.Broadcast)
		require.Equal(t, model.PriorityMedium, msg.Priority)
	}
}

func TestPlanningSkipsDuplicateTitles(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `{"title": "create module X", "description": "again", "target_files": ["x.go"], "priority": "high"}`,
	}}}
	deps, _ := newTestDeps(t, client)

	seedTask(t, deps, &model.Task{Title: "create module X", Status: model.TaskCompleted})

	p := NewPlanning()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, deps.State.Snapshot().Tasks, 1)
}

func TestCodingImplementsTaskAndHandsToQA(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `Writing the file now.
{"name": "write_file", "arguments": {"file_path": "x.go", "content": "package x\n"}}`,
	}}}
	deps, workspace := newTestDeps(t, client)

	task := seedTask(t, deps, &model.Task{Title: "create module X", Status: model.TaskPending, TargetFiles: []string{"x.go"}})

	p := NewCoding()
	res, err := p.Execute(context.Background(), deps, task)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []string{"x.go"}, res.FilesCreated)
	require.Equal(t, QA, res.NextPhaseHint)

	data, err := os.ReadFile(filepath.Join(workspace, "x.go"))
	require.NoError(t, err)
	require.Equal(t, "package x\n", string(data))

	// Coding never self-approves: the task must not be completed here.
	st := deps.State.Snapshot()
	require.NotEqual(t, model.TaskCompleted, st.Tasks[task.ID].Status)

	updated := model.MsgTaskUpdated
	qaMsgs := deps.Bus.Get(QA, getFilterFor(&updated))
	require.NotEmpty(t, qaMsgs)
}

func TestCodingWithNoEditsFails(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{Content: "I could not decide what to do."}}}
	deps, _ := newTestDeps(t, client)

	task := seedTask(t, deps, &model.Task{Title: "t", Status: model.TaskPending, TargetFiles: []string{"x.go"}})

	p := NewCoding()
	res, err := p.Execute(context.Background(), deps, task)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "validation", res.ErrorKind)
	// Task returns to pending for a retry.
	require.Equal(t, model.TaskPending, deps.State.Snapshot().Tasks[task.ID].Status)
}

func TestQADefectCreatesNeedsFixesTask(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `{"file": "api.py", "kind": "bug_fix", "severity": "critical", "description": "obvious defect"}`,
	}}}
	deps, workspace := newTestDeps(t, client)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "api.py"), []byte("def broken(:\n"), 0644))
	task := seedTask(t, deps, &model.Task{Title: "review api", Status: model.TaskInProgress, TargetFiles: []string{"api.py"}})

	p := NewQA()
	res, err := p.Execute(context.Background(), deps, task)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.IssuesRaised)

	// Task-routing property: every ISSUE_FOUND must be matched by a
	// needs_fixes task in the same execution.
	st := deps.State.Snapshot()
	fixes := st.NeedsFixesTasks()
	require.NotEmpty(t, fixes)

	var fix *model.Task
	for _, f := range fixes {
		if f.Issue != nil && f.Issue.File == "api.py" && f.Title != task.Title {
			fix = f
		}
	}
	require.NotNil(t, fix)
	require.Equal(t, model.IssueBugFix, fix.Issue.Kind)

	issueType := model.MsgIssueFound
	history := deps.Bus.History(historyFilterFor(&issueType), 0)
	require.Len(t, history, 1)
	require.Equal(t, model.PriorityCritical, history[0].Priority)
}

func TestQAPassCompletesTask(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{Content: `{"verdict": "pass"}`}}}
	deps, workspace := newTestDeps(t, client)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "ok.go"), []byte("package ok\n"), 0644))
	task := seedTask(t, deps, &model.Task{Title: "review ok", Status: model.TaskInProgress, TargetFiles: []string{"ok.go"}})

	p := NewQA()
	res, err := p.Execute(context.Background(), deps, task)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Zero(t, res.IssuesRaised)

	st := deps.State.Snapshot()
	require.Equal(t, model.TaskCompleted, st.Tasks[task.ID].Status)
	require.Equal(t, model.FileQAPassed, st.Files["ok.go"].Status)
}

func TestDebuggingFixesNeedsFixesTask(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `Root cause found. {"name": "write_file", "arguments": {"file_path": "api.py", "content": "def fixed():\n    pass\n"}}`,
	}}}
	deps, workspace := newTestDeps(t, client)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "api.py"), []byte("def broken(:\n"), 0644))
	task := seedTask(t, deps, &model.Task{
		Title: "fix api", Status: model.TaskNeedsFixes, TargetFiles: []string{"api.py"},
		Issue: &model.Issue{Kind: model.IssueBugFix, Severity: model.SeverityCritical, Description: "obvious defect", File: "api.py"},
	})

	p := NewDebugging()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.IssuesFixed)

	st := deps.State.Snapshot()
	require.Equal(t, model.TaskCompleted, st.Tasks[task.ID].Status)

	resolved := model.MsgIssueResolved
	history := deps.Bus.History(historyFilterFor(&resolved), 0)
	require.Len(t, history, 1)
	require.True(t, history[0].Broadcast)
}

func TestRefactoringEnforcesFirstTool(t *testing.T) {
	// bug_fix requires read_file first; the model jumps straight to write.
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `{"name": "write_file", "arguments": {"file_path": "a.go", "content": "x"}} {"name": "read_file", "arguments": {"file_path": "a.go"}}`,
	}}}
	deps, _ := newTestDeps(t, client)

	task := seedTask(t, deps, &model.Task{
		Title: "fix bug", Status: model.TaskNeedsFixes, TargetFiles: []string{"a.go"},
		Issue: &model.Issue{Kind: model.IssueBugFix, Severity: model.SeverityMajor, Description: "bug", File: "a.go"},
	})

	p := NewRefactoring()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "attempt_budget_exceeded", res.ErrorKind)
	require.Equal(t, model.TaskNeedsFixes, deps.State.Snapshot().Tasks[task.ID].Status)
}

func TestRefactoringEnforcesBudgetCeiling(t *testing.T) {
	// dead_code budget is 2-3 calls; the model issues 5.
	calls := `{"name": "analyze_usage", "arguments": {"symbol": "x"}}`
	for i := 0; i < 4; i++ {
		calls += ` {"name": "read_file", "arguments": {"file_path": "a.go"}}`
	}
	client := &scriptedClient{responses: []*specialist.ChatResponse{{Content: calls}}}
	deps, _ := newTestDeps(t, client)

	seedTask(t, deps, &model.Task{
		Title: "remove dead code", Status: model.TaskNeedsFixes, TargetFiles: []string{"a.go"},
		Issue: &model.Issue{Kind: model.IssueDeadCode, Severity: model.SeverityMinor, Description: "dead", File: "a.go"},
	})

	p := NewRefactoring()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "attempt_budget_exceeded", res.ErrorKind)
}

func TestRefactoringWithinBudgetSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []*specialist.ChatResponse{{
		Content: `{"name": "read_file", "arguments": {"file_path": "a.go"}} {"name": "write_file", "arguments": {"file_path": "a.go", "content": "package a\n"}}`,
	}}}
	deps, workspace := newTestDeps(t, client)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.go"), []byte("package broken\n"), 0644))

	task := seedTask(t, deps, &model.Task{
		Title: "fix bug", Status: model.TaskNeedsFixes, TargetFiles: []string{"a.go"},
		Issue: &model.Issue{Kind: model.IssueBugFix, Severity: model.SeverityMajor, Description: "bug", File: "a.go"},
	})

	p := NewRefactoring()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, model.TaskCompleted, deps.State.Snapshot().Tasks[task.ID].Status)
}

func TestInvestigationFeedsCorrelationEngine(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedClient{})

	base := timeNowForTest()
	deps.Analyzers["config"] = analyzerFunc(func(string) ([]model.Finding, error) {
		return []model.Finding{{Component: "configuration", Kind: "config_change", Timestamp: base}}, nil
	})
	deps.Analyzers["code"] = analyzerFunc(func(string) ([]model.Finding, error) {
		return []model.Finding{{Component: "code_change", Kind: "failure", Timestamp: base.Add(time.Minute)}}, nil
	})

	p := NewInvestigation()
	res, err := p.Execute(context.Background(), deps, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	st := deps.State.Snapshot()
	require.NotEmpty(t, st.Correlations)
}

func TestBuiltinConfineRejectsEscape(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedClient{})
	r := deps.Tools.Handle(context.Background(), "test", ToolReadFile, "test:x", map[string]any{"file_path": "../../etc/passwd"})
	require.False(t, r.Success)
	require.Contains(t, r.Error, "invalid_arg")
}

func TestBuiltinParamAliases(t *testing.T) {
	deps, workspace := newTestDeps(t, &scriptedClient{})
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "f.txt"), []byte("hello"), 0644))

	canonical := deps.Tools.Handle(context.Background(), "test", ToolReadFile, "test:x", map[string]any{"file_path": "f.txt"})
	alias := deps.Tools.Handle(context.Background(), "test", ToolReadFile, "test:x", map[string]any{"filepath": "f.txt"})
	require.True(t, canonical.Success)
	require.True(t, alias.Success)
	require.Equal(t, canonical.Result["content"], alias.Result["content"])
}

// --- helpers -------------------------------------------------------------

type analyzerFunc func(string) ([]model.Finding, error)

func (f analyzerFunc) Analyze(target string) ([]model.Finding, error) { return f(target) }

func seedTask(t *testing.T, deps *Deps, task *model.Task) *model.Task {
	t.Helper()
	if task.ID == "" {
		task.ID = "task-" + task.Title
	}
	task.CreatedAt = timeNowForTest()
	task.UpdatedAt = task.CreatedAt
	ensureFileRecords(deps, task.TargetFiles)
	require.NoError(t, deps.State.Update(func(st *model.State) *model.State {
		st.Tasks[task.ID] = task
		return st
	}))
	return task
}
