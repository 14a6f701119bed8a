// Package ui provides terminal components for the stoat CLI: tables,
// badges and the projection rebuild progress bar.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
)

// =============================================================================
// Rebuild progress
// =============================================================================

// RebuildProgressMsg reports how far a rebuild has come.
type RebuildProgressMsg struct {
	Streams uint64
	Events  uint64
}

// RebuildDoneMsg ends a rebuild.
type RebuildDoneMsg struct {
	Err error
}

// RebuildModel renders a progress bar over the streams of one projection.
type RebuildModel struct {
	progress   progress.Model
	projection string
	total      uint64
	streams    uint64
	events     uint64
	done       bool
	cancelled  bool
	err        error
}

// NewRebuild creates a progress model for rebuilding projection over total streams.
func NewRebuild(projection string, total int) RebuildModel {
	return RebuildModel{
		progress: progress.New(
			progress.WithGradient(string(styles.Primary), string(styles.PrimaryLight)),
			progress.WithWidth(40),
		),
		projection: projection,
		total:      uint64(total),
	}
}

// Init implements tea.Model.
func (m RebuildModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m RebuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.cancelled = true
			return m, tea.Quit
		}

	case RebuildProgressMsg:
		m.streams = msg.Streams
		m.events = msg.Events
		return m, nil

	case RebuildDoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case progress.FrameMsg:
		model, cmd := m.progress.Update(msg)
		m.progress = model.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// Percent returns the fraction of streams rebuilt.
func (m RebuildModel) Percent() float64 {
	if m.total == 0 {
		return 1
	}
	p := float64(m.streams) / float64(m.total)
	if p > 1 {
		return 1
	}
	return p
}

// View implements tea.Model.
func (m RebuildModel) View() string {
	switch {
	case m.cancelled:
		return styles.FormatWarning("Rebuild of "+m.projection+" cancelled") + "\n"
	case m.done && m.err != nil:
		return styles.FormatError(fmt.Sprintf("Rebuild of %s failed: %v", m.projection, m.err)) + "\n"
	case m.done:
		return styles.FormatSuccess(fmt.Sprintf("Rebuilt %s: %d streams, %d events", m.projection, m.streams, m.events)) + "\n"
	}
	return m.progress.ViewAs(m.Percent()) + " " +
		styles.Muted.Render(fmt.Sprintf("%s %d/%d streams", m.projection, m.streams, m.total)) + "\n"
}

// Err returns the error the rebuild finished with.
func (m RebuildModel) Err() error {
	return m.err
}

// Cancelled reports whether the user quit before the rebuild finished.
func (m RebuildModel) Cancelled() bool {
	return m.cancelled
}

// =============================================================================
// Table
// =============================================================================

// Table renders rows inside a box-drawing border.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow adds a row, padding missing cells and dropping extra ones.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
			if w := lipgloss.Width(values[i]); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().
		Foreground(styles.Text).
		Padding(0, 1)
	borderStyle := lipgloss.NewStyle().
		Foreground(styles.Border)

	var sb strings.Builder
	rule := func(left, mid, right string) {
		sb.WriteString(borderStyle.Render(left))
		for i, w := range t.widths {
			sb.WriteString(borderStyle.Render(strings.Repeat("─", w+2)))
			if i < len(t.widths)-1 {
				sb.WriteString(borderStyle.Render(mid))
			}
		}
		sb.WriteString(borderStyle.Render(right))
	}
	line := func(cells []string, style lipgloss.Style) {
		sb.WriteString(borderStyle.Render("│"))
		for i, cell := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(cell))
			sb.WriteString(borderStyle.Render("│"))
		}
		sb.WriteString("\n")
	}

	rule("┌", "┬", "┐")
	sb.WriteString("\n")
	line(t.headers, headerStyle)
	rule("├", "┼", "┤")
	sb.WriteString("\n")
	for _, row := range t.rows {
		line(row, cellStyle)
	}
	rule("└", "┴", "┘")

	return sb.String()
}

// =============================================================================
// Text helpers
// =============================================================================

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "ok", "committed", "inline", "healthy":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "live", "skipped", "empty", "warning":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "error", "failed":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// SimpleBanner returns the one-line CLI banner.
func SimpleBanner() string {
	return styles.IconStoat + " " + lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render("stoat") +
		" " +
		styles.Muted.Render("- event streams and projections for Go")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}
