package correlation

import (
	"testing"
	"time"

	"autodev/internal/model"

	"github.com/stretchr/testify/require"
)

func TestConfigChangePrecedingFailureCorrelates(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, e.AddFinding(model.Finding{
		Component: ComponentConfiguration, Kind: "config_change", Timestamp: base,
	}))
	require.NoError(t, e.AddFinding(model.Finding{
		Component: ComponentCodeChange, Kind: "failure", Timestamp: base.Add(2 * time.Minute),
	}))

	out, err := e.Correlate()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "configuration:config_change", out[0].FromKind)
	require.Equal(t, "code_change:failure", out[0].ToKind)
	require.InDelta(t, 0.8, out[0].Confidence, 1e-9)
}

func TestFailureOutsideWindowDoesNotCorrelate(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, e.AddFinding(model.Finding{
		Component: ComponentConfiguration, Kind: "config_change", Timestamp: base,
	}))
	require.NoError(t, e.AddFinding(model.Finding{
		Component: ComponentCodeChange, Kind: "failure", Timestamp: base.Add(6 * time.Minute),
	}))

	out, err := e.Correlate()
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestFailureBeforeCauseDoesNotCorrelate(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, e.AddFinding(model.Finding{
		Component: ComponentCodeChange, Kind: "failure", Timestamp: base,
	}))
	require.NoError(t, e.AddFinding(model.Finding{
		Component: ComponentConfiguration, Kind: "config_change", Timestamp: base.Add(time.Minute),
	}))

	out, err := e.Correlate()
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestUnknownComponentRejected(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	err = e.AddFinding(model.Finding{Component: "networking", Kind: "failure", Timestamp: time.Now()})
	require.Error(t, err)
}

func TestCustomRelation(t *testing.T) {
	e, err := New([]Relation{{
		FromComponent: ComponentPerformance, FromKind: "slowdown",
		ToComponent: ComponentArchitecture, ToKind: "drift",
		Window: time.Hour, Confidence: 0.9, Description: "slowdown preceded drift",
	}})
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, e.AddFinding(model.Finding{Component: ComponentPerformance, Kind: "slowdown", Timestamp: base}))
	require.NoError(t, e.AddFinding(model.Finding{Component: ComponentArchitecture, Kind: "drift", Timestamp: base.Add(30 * time.Minute)}))

	out, err := e.Correlate()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "slowdown preceded drift", out[0].Description)
}

func TestResetDropsFindings(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, e.AddFinding(model.Finding{Component: ComponentConfiguration, Kind: "config_change", Timestamp: base}))
	require.NoError(t, e.AddFinding(model.Finding{Component: ComponentCodeChange, Kind: "failure", Timestamp: base.Add(time.Minute)}))
	require.NoError(t, e.Reset())

	out, err := e.Correlate()
	require.NoError(t, err)
	require.Empty(t, out)
}
