// Package tui renders `ouroboros status --watch`: a live terminal view of
// the same Snapshot document the dashboard serves, refreshed on a short
// tick.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/dashboard"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	dangerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

type snapshotMsg struct {
	snap dashboard.Snapshot
	err  error
}

type tickMsg time.Time

// Model is the bubbletea model behind the watch view.
type Model struct {
	statusURL string
	spinner   spinner.Model
	snap      dashboard.Snapshot
	err       error
	loaded    bool
}

// NewModel creates the watch model polling statusURL.
func NewModel(statusURL string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{statusURL: statusURL, spinner: s}
}

// Run launches the interactive program until the user quits.
func Run(statusURL string) error {
	_, err := tea.NewProgram(NewModel(statusURL)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetch(m.statusURL), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.snap, m.err = msg.snap, msg.err
		m.loaded = msg.err == nil
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetch(m.statusURL), tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	header := titleStyle.Render("Ouroboros supervisor") + "  " + m.spinner.View()

	if m.err != nil {
		return header + "\n" + boxStyle.Render(dangerStyle.Render("unreachable: "+m.err.Error())) + "\n" + labelStyle.Render("q to quit")
	}
	if !m.loaded {
		return header + "\n" + labelStyle.Render("connecting…")
	}

	st := m.snap.State
	budgetLine := fmt.Sprintf("budget  $%.4f / $%.2f", st.SpentUSD, st.BudgetLimitUSD)
	if st.Exhausted() {
		budgetLine = dangerStyle.Render(budgetLine + "  EXHAUSTED")
	} else {
		budgetLine = okStyle.Render(budgetLine)
	}

	body := budgetLine + "\n"
	body += fmt.Sprintf("branch  %s\n", st.CurrentBranch)
	body += fmt.Sprintf("queue   %d pending / %d running\n", len(m.snap.Pending), len(m.snap.Running))
	body += fmt.Sprintf("workers %d\n", len(m.snap.Workers))
	for _, w := range m.snap.Workers {
		current := w.CurrentTaskID
		if current == "" {
			current = labelStyle.Render("idle")
		}
		body += fmt.Sprintf("  %s  %s\n", w.ID, current)
	}
	if m.snap.EventsDropped > 0 {
		body += dangerStyle.Render(fmt.Sprintf("events dropped: %d", m.snap.EventsDropped)) + "\n"
	}
	body += labelStyle.Render("updated " + m.snap.UpdatedAt.Format(time.TimeOnly))

	return header + "\n" + boxStyle.Render(body) + "\n" + labelStyle.Render("q to quit")
}

func fetch(url string) tea.Cmd {
	return func() tea.Msg {
		client := http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()
		var snap dashboard.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{snap: snap}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
