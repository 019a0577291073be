// ABOUTME: Sub-model showing the latest failure of a pipeline with its category, remedies, and countdown.
// ABOUTME: With no failure it shows the ready or running state and the available key actions.
package tui

import (
	"fmt"
	"strings"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// maxMessageLen caps how much of an error message is shown.
const maxMessageLen = 160

// DetailPanelModel shows the failure and countdown of one pipeline.
type DetailPanelModel struct {
	failure   *pipeline.ErrorDetail
	category  pipeline.Category
	remedies  []pipeline.Remedy
	countdown *pipeline.Countdown
	ready     bool
	running   bool
	blocked   string
	width     int
	height    int
}

// NewDetailPanelModel returns an empty panel.
func NewDetailPanelModel() DetailPanelModel {
	return DetailPanelModel{}
}

// SetFailure records a failure and classifies it. nil clears it.
func (m *DetailPanelModel) SetFailure(d *pipeline.ErrorDetail) {
	m.failure = d
	m.category = ""
	m.remedies = nil
	if d != nil {
		m.category = pipeline.Classify(d)
		m.remedies = pipeline.Remedies(m.category)
	}
}

// Failure returns the recorded failure, if any.
func (m DetailPanelModel) Failure() *pipeline.ErrorDetail { return m.failure }

// SetBlocked shows that another tab owns the session. An empty message clears it.
func (m *DetailPanelModel) SetBlocked(msg string) {
	m.blocked = msg
	if msg != "" {
		m.category = pipeline.CategoryBlocked
		m.remedies = pipeline.Remedies(pipeline.CategoryBlocked)
	}
}

// SetCountdown shows cd, or hides the countdown when cd is nil.
func (m *DetailPanelModel) SetCountdown(cd *pipeline.Countdown) {
	m.countdown = cd
}

// SetReady marks the result as waiting for acceptance.
func (m *DetailPanelModel) SetReady(ready bool) { m.ready = ready }

// SetRunning marks a run as in progress.
func (m *DetailPanelModel) SetRunning(running bool) { m.running = running }

// SetSize sets the available dimensions.
func (m *DetailPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// View renders the panel.
func (m DetailPanelModel) View() string {
	lines := []string{TitleStyle.Render("STATUS")}

	switch {
	case m.blocked != "":
		lines = append(lines, FailedStyle.Render("Blocked"), row("Reason:", truncate(m.blocked)))
	case m.failure != nil && !m.running:
		d := m.failure
		lines = append(lines,
			FailedStyle.Render(fmt.Sprintf("Step %d failed", d.Step)),
			row("Stage:", d.StageID),
			row("Kind:", string(d.Kind)),
			row("Category:", string(m.category)),
			row("Attempts:", fmt.Sprintf("%d", d.Attempts)),
			row("Error:", truncate(d.Message)),
		)
		if d.Deterministic() {
			lines = append(lines, PendingStyle.Render("Same failure repeated; automatic retry is off."))
		}
	case m.running:
		lines = append(lines, RunningStyle.Render("Generating..."))
	case m.ready:
		lines = append(lines, CompletedStyle.Render("Ready to accept"))
	default:
		lines = append(lines, ValueStyle.Render("Idle"))
	}

	if len(m.remedies) > 0 && !m.running {
		names := make([]string, len(m.remedies))
		for i, r := range m.remedies {
			names[i] = string(r)
		}
		lines = append(lines, row("Remedies:", strings.Join(names, ", ")))
	}
	if cd := m.countdown; cd != nil {
		lines = append(lines, "", countdownLine(*cd))
	}
	lines = append(lines, "", KeyHintStyle.Render(m.keyHints()))

	style := BorderStyle
	if m.width > 0 {
		style = style.Width(m.width - 2)
	}
	if m.height > 0 {
		style = style.Height(m.height - 2)
	}
	return style.Render(strings.Join(lines, "\n"))
}

func (m DetailPanelModel) keyHints() string {
	var hints []string
	switch {
	case m.running:
	case m.ready:
		hints = append(hints, "a accept")
	case m.failure != nil:
		hints = append(hints, "r retry step", "enter run")
	default:
		hints = append(hints, "enter run")
	}
	if m.countdown != nil {
		hints = append(hints, "c cancel countdown")
	}
	if !m.running {
		hints = append(hints, "x reset")
	}
	hints = append(hints, "q quit")
	return strings.Join(hints, " · ")
}

// countdownLine renders a countdown as a one-line banner.
func countdownLine(cd pipeline.Countdown) string {
	switch cd.Kind {
	case pipeline.CountdownSuccess:
		return CountdownSuccessStyle.Render(fmt.Sprintf("Continuing in %ds", cd.SecondsRemaining))
	case pipeline.CountdownTimeout:
		return CountdownTimeoutStyle.Render(fmt.Sprintf("%s: timing out in %ds", cd.StepKey, cd.SecondsRemaining))
	default:
		return CountdownErrorStyle.Render(fmt.Sprintf("%s failed (%ds)", cd.StepKey, cd.SecondsRemaining))
	}
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxMessageLen {
		return s
	}
	return string(runes[:maxMessageLen]) + "..."
}

func row(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}
