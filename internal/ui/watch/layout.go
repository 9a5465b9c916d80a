package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/incident-bridge/internal/theme"
)

// layout splits the terminal into header, content and status bar.
type layout struct {
	width  int
	height int
}

// contentHeight is what remains between the header and status bar lines.
func (l layout) contentHeight() int {
	return max(l.height-2, 0)
}

// header renders the title bar with a right-aligned summary.
func (l layout) header(title, summary string) string {
	left := theme.HeaderStyle.Render(title)
	right := theme.HeaderStyle.Align(lipgloss.Right).Render(summary)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, l.fill(theme.HeaderStyle, left, right), right)
}

// statusBar renders the bottom bar.
func (l layout) statusBar(text string) string {
	rendered := theme.StatusBarStyle.Render(text)
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered, l.fill(theme.StatusBarStyle, rendered))
}

// fill pads a bar to the full width using the bar's background.
func (l layout) fill(style lipgloss.Style, parts ...string) string {
	used := 0
	for _, p := range parts {
		used += lipgloss.Width(p)
	}
	gap := max(l.width-used, 0)
	return lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")
}

// frame stacks header, content and status bar.
func (l layout) frame(header, content, statusBar string) string {
	content = lipgloss.NewStyle().Height(l.contentHeight()).Render(content)
	return lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
}
