// Package tui renders a live terminal view of a sync session: the status
// badge, pending and conflict counts, the conflict list and recent chat.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/session"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
)

const (
	recentMessages = 5
	actionTimeout  = 30 * time.Second
)

// Controller is the subset of a session the view drives.
type Controller interface {
	Snapshot() session.View
	ResolveConflict(ctx context.Context, id string, resolution syncengine.Resolution) (syncengine.Conflict, error)
	ForcePush(ctx context.Context) (session.PushResult, error)
}

// ViewMsg carries a fresh session view into the program.
type ViewMsg session.View

type actionDoneMsg struct {
	label string
	err   error
}

type styles struct {
	title    lipgloss.Style
	badge    map[syncengine.Status]lipgloss.Style
	dim      lipgloss.Style
	selected lipgloss.Style
	errText  lipgloss.Style
	okText   lipgloss.Style
}

func newStyles() styles {
	badge := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("#000000"))
	return styles{
		title: lipgloss.NewStyle().Bold(true),
		badge: map[syncengine.Status]lipgloss.Style{
			syncengine.StatusSynced:   badge.Background(lipgloss.Color("#22c55e")),
			syncengine.StatusSyncing:  badge.Background(lipgloss.Color("#eab308")),
			syncengine.StatusConflict: badge.Background(lipgloss.Color("#ef4444")),
			syncengine.StatusOffline:  badge.Background(lipgloss.Color("#6b7280")),
		},
		dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280")),
		selected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#38bdf8")),
		errText:  lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444")),
		okText:   lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e")),
	}
}

type Model struct {
	ctl    Controller
	view   session.View
	cursor int
	width  int
	busy   bool
	notice string
	err    error
	styles styles
}

func New(ctl Controller) Model {
	return Model{ctl: ctl, view: ctl.Snapshot(), styles: newStyles()}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case ViewMsg:
		// Listener views can arrive out of order with the initial snapshot.
		if msg.Version >= m.view.Version {
			m.view = session.View(msg)
		}
		m.clampCursor()
	case actionDoneMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.notice = msg.label
		} else {
			m.notice = ""
		}
		m.view = m.ctl.Snapshot()
		m.clampCursor()
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.view.Conflicts)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "l":
		return m.resolve(syncengine.ResolveLocal)
	case "r":
		return m.resolve(syncengine.ResolveRemote)
	case "p":
		if m.busy {
			return m, nil
		}
		m.busy = true
		ctl := m.ctl
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			result, err := ctl.ForcePush(ctx)
			return actionDoneMsg{label: fmt.Sprintf("pushed %d, acknowledged %d", result.Pushed, result.Acknowledged), err: err}
		}
	}
	return m, nil
}

func (m Model) resolve(resolution syncengine.Resolution) (tea.Model, tea.Cmd) {
	if m.busy || len(m.view.Conflicts) == 0 {
		return m, nil
	}
	conflict := m.view.Conflicts[m.cursor]
	m.busy = true
	ctl := m.ctl
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := ctl.ResolveConflict(ctx, conflict.ID, resolution)
		return actionDoneMsg{label: fmt.Sprintf("kept %s version of %s/%s", resolution, conflict.EntityType, conflict.EntityID), err: err}
	}
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.view.Conflicts) {
		m.cursor = len(m.view.Conflicts) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	var b strings.Builder
	state := m.view.State

	badgeStyle, ok := m.styles.badge[state.Status]
	if !ok {
		badgeStyle = m.styles.badge[syncengine.StatusOffline]
	}
	b.WriteString(m.styles.title.Render("Fugue Sync"))
	b.WriteString("  ")
	b.WriteString(badgeStyle.Render(strings.ToUpper(string(state.Status))))
	b.WriteString("\n")
	fmt.Fprintf(&b, "pending %d  conflicts %d  transport %s", state.PendingChanges, state.ConflictCount, m.view.Transport)
	if !state.LastSyncedAt.IsZero() {
		fmt.Fprintf(&b, "  last sync %s", state.LastSyncedAt.Time().Format(time.Kitchen))
	}
	b.WriteString("\n")
	if m.view.LastError != "" {
		b.WriteString(m.styles.errText.Render("last error: " + m.view.LastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.styles.title.Render("Conflicts"))
	b.WriteString("\n")
	if len(m.view.Conflicts) == 0 {
		b.WriteString(m.styles.dim.Render("  none"))
		b.WriteString("\n")
	}
	for i, conflict := range m.view.Conflicts {
		line := fmt.Sprintf("%s/%s  local v%d by %s  remote v%d by %s",
			conflict.EntityType, conflict.EntityID,
			conflict.LocalVersion.Version, orDash(conflict.LocalVersion.UpdatedBy),
			conflict.RemoteVersion.Version, orDash(conflict.RemoteVersion.UpdatedBy))
		if i == m.cursor {
			b.WriteString(m.styles.selected.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}

	if messages := m.view.Messages; len(messages) > 0 {
		b.WriteString("\n")
		b.WriteString(m.styles.title.Render("Chat"))
		b.WriteString("\n")
		if len(messages) > recentMessages {
			messages = messages[len(messages)-recentMessages:]
		}
		for _, msg := range messages {
			b.WriteString(m.renderMessage(msg))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(m.styles.errText.Render(m.err.Error()))
		b.WriteString("\n")
	case m.busy:
		b.WriteString(m.styles.dim.Render("working..."))
		b.WriteString("\n")
	case m.notice != "":
		b.WriteString(m.styles.okText.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(m.styles.dim.Render("j/k move  l keep local  r keep remote  p push  q quit"))
	return b.String()
}

func (m Model) renderMessage(msg entity.Message) string {
	content := strings.ReplaceAll(msg.Content, "\n", " ")
	if m.width > 20 && len(content) > m.width-16 {
		content = content[:m.width-19] + "..."
	}
	line := fmt.Sprintf("  %-9s %s", msg.Role, content)
	if msg.Status == entity.MessageFailed || msg.Status == entity.MessageError {
		return m.styles.errText.Render(line)
	}
	return line
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
