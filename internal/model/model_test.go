package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProfileClampAndValid(t *testing.T) {
	p := Profile{-0.5, 1.5, 0.3}
	require.False(t, p.Valid())
	p.Clamp()
	require.True(t, p.Valid())
	require.Equal(t, 0.0, p[0])
	require.Equal(t, 1.0, p[1])
}

func TestProfileDistance(t *testing.T) {
	a := Profile{1, 0, 0, 0, 0, 0, 0, 0}
	b := Profile{0, 0, 0, 0, 0, 0, 0, 0}
	require.InDelta(t, 1.0/float64(DimensionCount), a.Distance(b), 1e-9)
	require.Zero(t, a.Distance(a))
}

func TestStateValidateCatchesUnknownFile(t *testing.T) {
	st := NewState()
	st.Tasks["t1"] = &Task{ID: "t1", Status: TaskPending, TargetFiles: []string{"ghost.go"}}
	require.Error(t, st.Validate())

	st.Files["ghost.go"] = &FileRecord{Path: "ghost.go"}
	require.NoError(t, st.Validate())
}

func TestStateValidateNeedsFixesRequiresIssue(t *testing.T) {
	st := NewState()
	st.Files["a.go"] = &FileRecord{Path: "a.go"}
	st.Tasks["t1"] = &Task{ID: "t1", Status: TaskNeedsFixes, TargetFiles: []string{"a.go"}}
	require.Error(t, st.Validate())

	st.Tasks["t1"].Issue = &Issue{Kind: IssueBugFix, Severity: SeverityMajor}
	require.NoError(t, st.Validate())
}

func TestCloneIsolatesMutations(t *testing.T) {
	st := NewState()
	st.Files["a.go"] = &FileRecord{Path: "a.go", Revision: 1}

	clone := st.Clone()
	clone.Files["a.go"].Revision = 9
	require.Equal(t, 1, st.Files["a.go"].Revision)
}

func TestPhaseRecordRunAccounting(t *testing.T) {
	rec := &PhaseRecord{Name: "coding"}
	now := time.Now()

	rec.RecordRun(PhaseRun{Success: false, Duration: 2 * time.Second, Timestamp: now})
	rec.RecordRun(PhaseRun{Success: false, Duration: 4 * time.Second, Timestamp: now})
	require.Equal(t, 2, rec.ConsecutiveFailures)
	require.True(t, rec.Valid())

	rec.RecordRun(PhaseRun{Success: true, Duration: 3 * time.Second, Timestamp: now})
	require.Zero(t, rec.ConsecutiveFailures)
	require.Equal(t, 3, rec.TotalRuns)
	require.Equal(t, 1, rec.SuccessfulRuns)
	require.InDelta(t, 1.0/3.0, rec.RecentSuccessRate(3), 1e-9)
}

func TestPhaseRecordHistoryBounded(t *testing.T) {
	rec := &PhaseRecord{Name: "qa"}
	for i := 0; i < MaxPhaseRunHistory+7; i++ {
		rec.RecordRun(PhaseRun{Success: true, Timestamp: time.Now()})
	}
	require.Len(t, rec.History, MaxPhaseRunHistory)
}

func TestMessageExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	m := Message{ExpiresAt: &past}
	require.True(t, m.Expired(now))
	require.False(t, Message{}.Expired(now))
}

func TestAppendMessageBounded(t *testing.T) {
	st := NewState()
	for i := 0; i < MaxMessageLog+25; i++ {
		st.AppendMessage(Message{ID: "m", Type: MsgTaskCreated})
	}
	require.Len(t, st.Messages, MaxMessageLog)
}

func TestObjectiveProfileHistoryBounded(t *testing.T) {
	o := &Objective{ID: "o"}
	for i := 0; i < 9; i++ {
		o.Profile[0] = float64(i) / 10
		o.RecordProfileSnapshot()
	}
	require.Len(t, o.ProfileHistory, 5)
	require.InDelta(t, 0.8, o.ProfileHistory[len(o.ProfileHistory)-1][0], 1e-9)
}
