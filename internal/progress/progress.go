// Package progress renders a terminal view of a batch fetch as resources
// pass through the admission gate.
package progress

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/imagegate/internal/security"
)

type status int

const (
	statusQueued status = iota
	statusActive
	statusDone
	statusFailed
)

// ItemMsg reports that the next resource in submission order finished.
type ItemMsg struct {
	URL      string
	Strategy string
	Bytes    int
	Err      error
}

// DoneMsg ends the batch.
type DoneMsg struct{}

type row struct {
	url      string
	status   status
	strategy string
	bytes    int
	err      string
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	queuedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

// Model is the bubbletea model of a batch. Resources are admitted one at a
// time in order, so completions arrive in submission order.
type Model struct {
	rows     []row
	next     int
	failed   int
	started  time.Time
	finished bool
	aborted  bool
	width    int
}

// New creates a Model for urls.
func New(urls []string) Model {
	rows := make([]row, len(urls))
	for i, u := range urls {
		rows[i] = row{url: security.RedactURL(u)}
	}
	if len(rows) > 0 {
		rows[0].status = statusActive
	}
	return Model{rows: rows, started: time.Now(), width: 80}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.aborted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case ItemMsg:
		if m.next >= len(m.rows) {
			return m, nil
		}
		r := &m.rows[m.next]
		if msg.Err != nil {
			r.status = statusFailed
			r.err = msg.Err.Error()
			m.failed++
		} else {
			r.status = statusDone
			r.strategy = msg.Strategy
			r.bytes = msg.Bytes
		}
		m.next++
		if m.next < len(m.rows) {
			m.rows[m.next].status = statusActive
		}
	case DoneMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("imagegate batch  %d/%d", m.next, len(m.rows))))
	b.WriteString("\n\n")

	for i, r := range m.rows {
		b.WriteString(m.renderRow(i, r))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	elapsed := time.Since(m.started).Round(100 * time.Millisecond)
	switch {
	case m.finished:
		b.WriteString(footerStyle.Render(fmt.Sprintf("finished in %s, %d failed", elapsed, m.failed)))
	case m.aborted:
		b.WriteString(footerStyle.Render("aborted"))
	default:
		b.WriteString(footerStyle.Render(fmt.Sprintf("%s elapsed, q to quit", elapsed)))
	}
	b.WriteByte('\n')
	return b.String()
}

func (m Model) renderRow(i int, r row) string {
	url := truncate(r.url, m.width-30)
	prefix := fmt.Sprintf("%3d ", i+1)
	switch r.status {
	case statusActive:
		return activeStyle.Render(prefix + "> " + url)
	case statusDone:
		return okStyle.Render(fmt.Sprintf("%s✓ %s  %s %s", prefix, url, r.strategy, humanBytes(r.bytes)))
	case statusFailed:
		return failStyle.Render(fmt.Sprintf("%s✗ %s  %s", prefix, url, truncate(r.err, 60)))
	default:
		return queuedStyle.Render(prefix + "  " + url)
	}
}

// Failed reports how many resources failed.
func (m Model) Failed() int { return m.failed }

// Completed reports how many resources finished.
func (m Model) Completed() int { return m.next }

// Aborted reports whether the user quit before the batch ended.
func (m Model) Aborted() bool { return m.aborted }

func truncate(s string, n int) string {
	if n < 10 {
		n = 10
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
