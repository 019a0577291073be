// ABOUTME: Single-line status bar showing the game, pipeline kind, elapsed time, and stage progress.
// ABOUTME: Elapsed time counts from the most recent run start.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// StatusBarModel displays pipeline progress in one line.
type StatusBarModel struct {
	title     string
	kind      pipeline.Kind
	startTime time.Time
	total     int
	completed int
	active    string
	width     int
}

// NewStatusBarModel creates a status bar for kind with total stages.
func NewStatusBarModel(title string, kind pipeline.Kind, total int) StatusBarModel {
	return StatusBarModel{title: title, kind: kind, total: total}
}

// Start records the run start time.
func (m *StatusBarModel) Start() {
	m.startTime = time.Now()
}

// SetCompleted updates the finished stage count.
func (m *StatusBarModel) SetCompleted(n int) {
	m.completed = n
}

// SetActive sets the running stage label. Empty means idle.
func (m *StatusBarModel) SetActive(label string) {
	m.active = label
}

// SetWidth sets the bar width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// Elapsed returns the time since Start, or zero if never started.
func (m StatusBarModel) Elapsed() time.Duration {
	if m.startTime.IsZero() {
		return 0
	}
	return time.Since(m.startTime)
}

// formatElapsed renders d as "12s" or "2m30s".
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	return fmt.Sprintf("%dm%ds", minutes, int(d.Seconds())-minutes*60)
}

// View renders the bar.
func (m StatusBarModel) View() string {
	active := m.active
	if active == "" {
		active = "idle"
	}
	title := m.title
	if title == "" {
		title = "seiyo"
	}
	content := fmt.Sprintf("%s | %s | Elapsed: %s | %d/%d stages | Active: %s",
		title, m.kind, formatElapsed(m.Elapsed()), m.completed, m.total, active)
	return lipgloss.PlaceHorizontal(m.width, lipgloss.Left, StatusBarStyle.Width(m.width).Render(content))
}
