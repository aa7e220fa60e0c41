package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/crewdesk/internal/persistence"
)

// Columns is the board order.
var Columns = []persistence.TaskStatus{
	persistence.TaskStatusInbox,
	persistence.TaskStatusInProgress,
	persistence.TaskStatusBlocked,
	persistence.TaskStatusDone,
	persistence.TaskStatusCancelled,
}

type TaskCard struct {
	ID        string
	Title     string
	Priority  persistence.Priority
	Assignees []string
	Blocked   string
}

type AgentRow struct {
	Name        string
	Level       string
	Status      persistence.AgentStatus
	CurrentTask string
}

type Snapshot struct {
	StoreOK bool
	Cards   map[persistence.TaskStatus][]TaskCard
	Counts  map[persistence.TaskStatus]int
	Agents  []AgentRow

	Workers   int
	Pending   int
	Running   int32
	Deferred  int64
	Completed int64

	LastError string
	Uptime    time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	feed     *ActivityFeed
	snap     Snapshot
	width    int
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if m.feed != nil {
				m.feed.Toggle()
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.provider()
		if m.feed != nil {
			m.feed.CleanupOld(2 * time.Minute)
		}
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
	priorityColors = map[persistence.Priority]lipgloss.Color{
		persistence.PriorityHigh:   lipgloss.Color("203"),
		persistence.PriorityMedium: lipgloss.Color("221"),
		persistence.PriorityLow:    lipgloss.Color("114"),
	}
)

func (m model) columnWidth() int {
	if m.width <= 0 {
		return 24
	}
	w := m.width/len(Columns) - 4
	if w < 16 {
		w = 16
	}
	return w
}

func (m model) renderColumn(status persistence.TaskStatus, width int) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", status, m.snap.Counts[status])))
	b.WriteString("\n")
	cards := m.snap.Cards[status]
	if len(cards) == 0 {
		b.WriteString(dimStyle.Render("—"))
	}
	for i, c := range cards {
		if i > 0 {
			b.WriteString("\n")
		}
		dot := lipgloss.NewStyle().Foreground(priorityColors[c.Priority]).Render("●")
		b.WriteString(dot + " " + truncate(c.Title, width-2))
		b.WriteString("\n")
		meta := shortID(c.ID)
		if len(c.Assignees) > 0 {
			meta += " · " + strings.Join(c.Assignees, ", ")
		}
		b.WriteString(dimStyle.Render(truncate(meta, width)))
		if c.Blocked != "" {
			b.WriteString("\n" + errStyle.Render(truncate("⚠ "+c.Blocked, width)))
		}
	}
	return columnStyle.Width(width).Render(b.String())
}

func (m model) View() string {
	var out strings.Builder
	health := "store ok"
	if !m.snap.StoreOK {
		health = errStyle.Render("store unreachable")
	}
	out.WriteString(titleStyle.Render("CrewDesk") + "  " + dimStyle.Render(fmt.Sprintf(
		"%s · workers %d · pending %d · running %d · deferred %d · completed %d · up %s",
		health, m.snap.Workers, m.snap.Pending, m.snap.Running, m.snap.Deferred, m.snap.Completed,
		m.snap.Uptime.Truncate(time.Second),
	)))
	out.WriteString("\n\n")

	width := m.columnWidth()
	cols := make([]string, 0, len(Columns))
	for _, st := range Columns {
		cols = append(cols, m.renderColumn(st, width))
	}
	out.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
	out.WriteString("\n\n")

	if len(m.snap.Agents) > 0 {
		out.WriteString(headerStyle.Render("Agents") + "\n")
		for _, a := range m.snap.Agents {
			line := fmt.Sprintf("  %-12s %-10s %-6s", a.Name, a.Level, a.Status)
			if a.CurrentTask != "" {
				line += "  " + shortID(a.CurrentTask)
			}
			if a.Status == persistence.AgentStatusError {
				line = errStyle.Render(line)
			}
			out.WriteString(line + "\n")
		}
		out.WriteString("\n")
	}

	if m.feed != nil {
		out.WriteString(m.feed.View())
	}
	if m.snap.LastError != "" {
		out.WriteString(errStyle.Render("Last error: "+m.snap.LastError) + "\n")
	}
	out.WriteString(dimStyle.Render("q quit · a activity") + "\n")
	return out.String()
}

func truncate(s string, n int) string {
	if n <= 1 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run shows the board until the user quits or ctx ends. feed may be nil.
func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, feed: feed, snap: provider()}
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
