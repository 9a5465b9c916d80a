// Package watch is the terminal dashboard that shows the sync state of
// every integration while the scheduler runs in the background.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/nhle/incident-bridge/internal/keys"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/store"
	appsync "github.com/nhle/incident-bridge/internal/sync"
	"github.com/nhle/incident-bridge/internal/theme"
)

// recentLimit is how many of the newest incidents the dashboard lists.
const recentLimit = 5

// Scheduler is the part of sync.Scheduler the dashboard drives.
type Scheduler interface {
	Start() tea.Cmd
	Stop() context.Context
	RefreshAll() tea.Cmd
	Statuses() []appsync.SyncStatus
	WaitForNextResult() tea.Cmd
}

// IncidentLister reads stored incidents.
type IncidentLister interface {
	GetIncidents(ctx context.Context, filter store.IncidentFilter) ([]model.Incident, error)
}

// recentMsg carries the newest stored incidents.
type recentMsg struct {
	incidents []model.Incident
	err       error
}

// Model is the Bubble Tea model of the dashboard.
type Model struct {
	sched   Scheduler
	store   IncidentLister
	keys    *keys.KeyMap
	help    help.Model
	spinner spinner.Model
	layout  layout
	now     func() time.Time

	statuses   []appsync.SyncStatus
	recent     []model.Incident
	cursor     int
	errorsOnly bool
	authError  string
	loadError  string
}

// New creates the dashboard.
func New(sched Scheduler, st IncidentLister, km *keys.KeyMap) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorYellow)

	return Model{
		sched:    sched,
		store:    st,
		keys:     km,
		help:     help.New(),
		spinner:  sp,
		now:      time.Now,
		statuses: sched.Statuses(),
	}
}

// Init starts the scheduler and the first load.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.sched.Start(), m.loadRecent())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = layout{width: msg.Width, height: msg.Height}
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case appsync.SyncResultMsg:
		m.statuses = m.sched.Statuses()
		switch {
		case msg.AuthError:
			m.authError = fmt.Sprintf("%s: authentication failed. Run 'bridge configure' to update credentials.",
				msg.IntegrationID)
		case msg.Error == nil:
			m.authError = ""
		}
		return m, tea.Batch(m.loadRecent(), m.sched.WaitForNextResult())

	case recentMsg:
		if msg.err != nil {
			m.loadError = msg.err.Error()
			return m, nil
		}
		m.loadError = ""
		m.recent = msg.incidents
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.sched.Stop()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Refresh):
		cmd := m.sched.RefreshAll()
		m.statuses = m.sched.Statuses()
		return m, cmd

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.FilterErrors):
		m.errorsOnly = !m.errorsOnly
		m.cursor = 0

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.visible())-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	}
	return m, nil
}

func (m Model) loadRecent() tea.Cmd {
	st := m.store
	return func() tea.Msg {
		incidents, err := st.GetIncidents(context.Background(), store.IncidentFilter{Limit: recentLimit})
		return recentMsg{incidents: incidents, err: err}
	}
}

// visible returns the statuses shown under the current filter.
func (m Model) visible() []appsync.SyncStatus {
	if !m.errorsOnly {
		return m.statuses
	}
	var out []appsync.SyncStatus
	for _, s := range m.statuses {
		if s.State == appsync.SyncError {
			out = append(out, s)
		}
	}
	return out
}

// View renders the dashboard.
func (m Model) View() string {
	header := m.layout.header("Incident Bridge", m.summary())

	var sb strings.Builder
	rows := m.visible()
	if len(rows) == 0 {
		sb.WriteString(theme.HelpStyle.Render("  No integrations to show.") + "\n")
	}
	for i, s := range rows {
		line := m.renderStatus(s)
		if i == m.cursor {
			sb.WriteString(theme.SelectedRowStyle.Render(line) + "\n")
		} else {
			sb.WriteString(theme.RowStyle.Render(line) + "\n")
		}
	}

	sb.WriteString("\n" + theme.HeaderStyle.Render("Recent incidents") + "\n")
	if m.loadError != "" {
		sb.WriteString(lipgloss.NewStyle().Foreground(theme.ColorRed).Render("  "+m.loadError) + "\n")
	} else if len(m.recent) == 0 {
		sb.WriteString(theme.HelpStyle.Render("  None yet.") + "\n")
	}
	for _, inc := range m.recent {
		sb.WriteString(theme.RowStyle.Render(fmt.Sprintf("%s %s  %s",
			theme.SeverityStyle(inc.Severity).Render(fmt.Sprintf("[%d]", inc.Severity)),
			inc.Name,
			theme.HelpStyle.Render(inc.IntegrationID+" · "+humanize.RelTime(inc.CreatedAt, m.now(), "ago", "from now")),
		)) + "\n")
	}

	bar := m.help.View(m.keys)
	if m.authError != "" {
		bar = m.authError
	}
	return m.layout.frame(header, sb.String(), m.layout.statusBar(bar))
}

func (m Model) renderStatus(s appsync.SyncStatus) string {
	state := theme.StateStyle(s.State.String()).Render(s.State.String())
	if s.State == appsync.SyncRunning {
		state = m.spinner.View() + " " + state
	}

	last := "never"
	if !s.LastSync.IsZero() {
		last = humanize.RelTime(s.LastSync, m.now(), "ago", "from now")
	}

	line := fmt.Sprintf("%-20s %s %-10s last sync %-16s %s new",
		s.IntegrationID,
		theme.IntegrationLabelStyle(string(s.Type)).Render(string(s.Type)),
		state,
		last,
		humanize.Comma(int64(s.NewIncidents)),
	)
	if s.Mirrored > 0 {
		line += fmt.Sprintf(", %d mirrored", s.Mirrored)
	}
	if s.Error != nil {
		line += "  " + lipgloss.NewStyle().Foreground(theme.ColorRed).Render(s.Error.Error())
	}
	return line
}

// summary describes the combined state for the header.
func (m Model) summary() string {
	if len(m.statuses) == 0 {
		return "no integrations"
	}
	running, failing := 0, 0
	for _, s := range m.statuses {
		switch s.State {
		case appsync.SyncRunning:
			running++
		case appsync.SyncError:
			failing++
		}
	}
	switch {
	case running > 0:
		return fmt.Sprintf("syncing (%d)", running)
	case failing > 0:
		return fmt.Sprintf("%d failing", failing)
	}
	return "idle"
}
