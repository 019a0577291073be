// ABOUTME: Sub-model rendering a pipeline's stages in step order with status markers and a spinner.
// ABOUTME: Statuses are seeded from the persisted state and then driven by stage events.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// StagePanelModel lists the stages of one pipeline kind.
type StagePanelModel struct {
	kind         pipeline.Kind
	stages       []pipeline.Stage
	statuses     map[string]StageStatus
	startedAt    map[string]time.Time
	durations    map[string]time.Duration
	spinnerIndex int
	width        int
}

// NewStagePanelModel creates a panel for def. Stages already covered by
// st.Step are shown as finished in a previous run.
func NewStagePanelModel(def *pipeline.Definition, st *pipeline.State) StagePanelModel {
	m := StagePanelModel{
		statuses:  make(map[string]StageStatus),
		startedAt: make(map[string]time.Time),
		durations: make(map[string]time.Duration),
	}
	if def == nil {
		return m
	}
	m.kind = def.Kind()
	m.stages = def.Stages()
	m.Seed(st)
	return m
}

// Seed resets statuses from a persisted state.
func (m *StagePanelModel) Seed(st *pipeline.State) {
	for _, s := range m.stages {
		status := StagePending
		if st != nil {
			if s.Completes <= st.Step {
				status = StagePrevious
			} else if _, failed := st.Errors[s.Completes]; failed {
				status = StageFailed
			}
		}
		m.statuses[s.ID] = status
	}
}

// SetStatus updates a stage's status and tracks its running time.
func (m *StagePanelModel) SetStatus(stageID string, status StageStatus) {
	if status == StageRunning {
		m.startedAt[stageID] = time.Now()
		delete(m.durations, stageID)
	} else if start, ok := m.startedAt[stageID]; ok && (status == StageCompleted || status == StageFailed) {
		m.durations[stageID] = time.Since(start)
	}
	m.statuses[stageID] = status
}

// Status returns a stage's status, StagePending when unknown.
func (m StagePanelModel) Status(stageID string) StageStatus {
	if s, ok := m.statuses[stageID]; ok {
		return s
	}
	return StagePending
}

// Completed counts stages whose output is available.
func (m StagePanelModel) Completed() int {
	n := 0
	for _, s := range m.stages {
		if m.Status(s.ID).Done() {
			n++
		}
	}
	return n
}

// Total returns the number of stages.
func (m StagePanelModel) Total() int { return len(m.stages) }

// Label returns the display label of stageID.
func (m StagePanelModel) Label(stageID string) string {
	for _, s := range m.stages {
		if s.ID == stageID {
			if s.Label != "" {
				return s.Label
			}
			return s.ID
		}
	}
	return stageID
}

// AdvanceSpinner increments the spinner frame.
func (m *StagePanelModel) AdvanceSpinner() {
	m.spinnerIndex++
}

// SetWidth sets the rendering width.
func (m *StagePanelModel) SetWidth(w int) {
	m.width = w
}

// View renders the stage list.
func (m StagePanelModel) View() string {
	var b strings.Builder
	title := "=== PIPELINE: (none) ==="
	if m.kind != "" {
		title = fmt.Sprintf("=== PIPELINE: %s ===", m.kind)
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n")

	for _, s := range m.stages {
		b.WriteString(m.renderLine(s))
		b.WriteString("\n")
	}

	content := strings.TrimRight(b.String(), "\n")
	if m.width > 0 {
		return BorderStyle.Width(m.width - 2).Render(content)
	}
	return BorderStyle.Render(content)
}

func (m StagePanelModel) renderLine(s pipeline.Stage) string {
	status := m.Status(s.ID)
	label := s.Label
	if label == "" {
		label = s.ID
	}
	line := fmt.Sprintf("  %s %d. %s", status.Icon(), s.Completes, label)
	switch status {
	case StageRunning:
		frame := SpinnerFrames[m.spinnerIndex%len(SpinnerFrames)]
		line += fmt.Sprintf(" %s %s", frame, formatDuration(time.Since(m.startedAt[s.ID])))
	case StageCompleted, StageFailed:
		if d, ok := m.durations[s.ID]; ok {
			line += "  " + formatDuration(d)
		}
	case StagePrevious:
		line += "  (previous run)"
	}
	return StyleForStatus(status).Render(line)
}

// formatDuration formats d as "0.1s", "12s", or "2m05s".
func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 10 {
		return fmt.Sprintf("%.1fs", secs)
	}
	if secs < 60 {
		return fmt.Sprintf("%.0fs", secs)
	}
	mins := int(secs) / 60
	return fmt.Sprintf("%dm%02ds", mins, int(secs)%60)
}
