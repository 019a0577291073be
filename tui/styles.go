// ABOUTME: lipgloss styles for the dashboard panels, stage statuses, countdowns, and the event log.
// ABOUTME: StyleForStatus maps a StageStatus to its display style.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	RunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	FailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	SkippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	LogTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	LogEventStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	LogErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	LogSuccessStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	LogRetryStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(10)
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	// Countdown banners
	CountdownSuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	CountdownErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	CountdownTimeoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	KeyHintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
)

// StyleForStatus returns the style for a stage status.
func StyleForStatus(status StageStatus) lipgloss.Style {
	switch status {
	case StageRunning:
		return RunningStyle
	case StageCompleted:
		return CompletedStyle
	case StageFailed:
		return FailedStyle
	case StagePrevious, StageSkipped:
		return SkippedStyle
	default:
		return PendingStyle
	}
}
