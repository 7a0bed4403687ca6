package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"autodev/internal/docbus"
	"autodev/internal/model"
	"autodev/internal/pattern"
	"autodev/internal/pipelinestate"
)

var plainStatus bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state: phases, tasks, patterns, architecture status",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := pipelinestate.New(cfg.Workspace)
		if err != nil {
			return err
		}
		st := state.Snapshot()

		patterns, err := pattern.Open(cfg.Workspace)
		if err != nil {
			return err
		}
		defer patterns.Close()
		learned, err := patterns.All()
		if err != nil {
			return err
		}

		docs, err := docbus.New(cfg.Workspace)
		if err != nil {
			return err
		}
		defer docs.Close()
		archStatus, _ := docs.Section(docbus.DocArchitectureStatus, "Status")

		m := newStatusModel(st, learned, archStatus)
		if plainStatus {
			fmt.Print(m.View())
			return nil
		}
		_, err = tea.NewProgram(m).Run()
		return err
	},
}

func init() {
	statusCmd.Flags().BoolVar(&plainStatus, "plain", false, "Print once instead of the interactive view")
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	borderStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

type statusModel struct {
	phases     table.Model
	patterns   table.Model
	tasks      string
	arch       string
	activePane int
}

func newStatusModel(st *model.State, learned []*model.Pattern, archStatus string) statusModel {
	phaseRows := make([]table.Row, 0, len(st.Phases))
	var names []string
	for name := range st.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := st.Phases[name]
		phaseRows = append(phaseRows, table.Row{
			name,
			fmt.Sprintf("%d/%d", rec.SuccessfulRuns, rec.TotalRuns),
			fmt.Sprintf("%d", rec.ConsecutiveFailures),
			rec.AverageDuration.Round(time.Millisecond).String(),
		})
	}
	phases := table.New(
		table.WithColumns([]table.Column{
			{Title: "Phase", Width: 20},
			{Title: "Success", Width: 10},
			{Title: "Fail streak", Width: 12},
			{Title: "Avg duration", Width: 14},
		}),
		table.WithRows(phaseRows),
		table.WithHeight(min(len(phaseRows)+1, 10)),
		table.WithFocused(true),
	)

	patternRows := make([]table.Row, 0, len(learned))
	for _, p := range learned {
		patternRows = append(patternRows, table.Row{
			string(p.Kind),
			p.Signature,
			fmt.Sprintf("%.2f", p.Confidence),
			fmt.Sprintf("%d", p.ObservationCount),
		})
	}
	patternTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Kind", Width: 18},
			{Title: "Signature", Width: 18},
			{Title: "Confidence", Width: 12},
			{Title: "Seen", Width: 6},
		}),
		table.WithRows(patternRows),
		table.WithHeight(min(len(patternRows)+1, 10)),
	)

	pending, inProgress, completed, needsFixes := 0, 0, 0, 0
	for _, t := range st.Tasks {
		switch t.Status {
		case model.TaskPending:
			pending++
		case model.TaskInProgress:
			inProgress++
		case model.TaskCompleted:
			completed++
		case model.TaskNeedsFixes:
			needsFixes++
		}
	}
	tasks := fmt.Sprintf("tasks: %d pending, %d in progress, %d completed, %d need fixes | files: %d | objectives: %d",
		pending, inProgress, completed, needsFixes, len(st.Files), len(st.Objectives))

	arch := archStatus
	if arch != "" {
		if rendered, err := glamour.Render("## Architecture status\n\n"+arch, "dark"); err == nil {
			arch = rendered
		}
	}

	return statusModel{phases: phases, patterns: patternTable, tasks: tasks, arch: arch}
}

func (m statusModel) Init() tea.Cmd { return nil }

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "tab":
			m.activePane = (m.activePane + 1) % 2
			if m.activePane == 0 {
				m.phases.Focus()
				m.patterns.Blur()
			} else {
				m.phases.Blur()
				m.patterns.Focus()
			}
		}
	}
	var cmd tea.Cmd
	if m.activePane == 0 {
		m.phases, cmd = m.phases.Update(msg)
	} else {
		m.patterns, cmd = m.patterns.Update(msg)
	}
	return m, cmd
}

func (m statusModel) View() string {
	out := titleStyle.Render("Pipeline status") + "\n"
	out += m.tasks + "\n"
	out += titleStyle.Render("Phases") + "\n"
	out += borderStyle.Render(m.phases.View()) + "\n"
	out += titleStyle.Render("Learned patterns") + "\n"
	out += borderStyle.Render(m.patterns.View()) + "\n"
	if m.arch != "" {
		out += m.arch
	}
	out += helpStyle.Render("tab: switch pane, q: quit") + "\n"
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
