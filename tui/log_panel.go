// ABOUTME: Scrollable event log panel built on the bubbles viewport component.
// ABOUTME: Renders each pipeline event as one line with its stage label and details.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// LogPanelModel is a bounded, scrollable list of events.
type LogPanelModel struct {
	entries  []pipeline.Event
	labels   map[string]string
	max      int
	viewport viewport.Model
	focused  bool
	width    int
	height   int
}

// NewLogPanelModel creates a log panel holding at most maxEntries events.
// If maxEntries is <= 0, it defaults to 200.
func NewLogPanelModel(maxEntries int) LogPanelModel {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return LogPanelModel{
		entries:  make([]pipeline.Event, 0, maxEntries),
		max:      maxEntries,
		viewport: viewport.New(80, 10),
	}
}

// Append adds an event, evicting the oldest entry at capacity.
func (m *LogPanelModel) Append(evt pipeline.Event) {
	if len(m.entries) >= m.max {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, evt)
	m.syncViewport()
}

// SetLabels lets entries show each stage's display label next to its ID.
func (m *LogPanelModel) SetLabels(def *pipeline.Definition) {
	if def == nil {
		return
	}
	m.labels = make(map[string]string)
	for _, s := range def.Stages() {
		if s.Label != "" {
			m.labels[s.ID] = s.Label
		}
	}
	m.syncViewport()
}

// Len returns the number of entries.
func (m LogPanelModel) Len() int {
	return len(m.entries)
}

// SetFocused sets whether the panel receives scroll keys.
func (m *LogPanelModel) SetFocused(focused bool) {
	m.focused = focused
}

// IsFocused returns whether the panel is focused.
func (m LogPanelModel) IsFocused() bool {
	return m.focused
}

// Update forwards scroll keys to the viewport while focused.
func (m LogPanelModel) Update(msg tea.Msg) (LogPanelModel, tea.Cmd) {
	if !m.focused {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// SetSize sets the panel dimensions.
func (m *LogPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	// border takes two rows and columns, the title one row
	m.viewport.Width = max(w-2, 1)
	m.viewport.Height = max(h-3, 1)
	m.syncViewport()
}

// View renders the log panel.
func (m LogPanelModel) View() string {
	title := "EVENT LOG"
	if m.focused {
		title = "EVENT LOG (focused)"
	}
	content := "No events yet"
	if len(m.entries) > 0 {
		content = m.viewport.View()
	}
	return BorderStyle.
		Width(max(m.width-2, 1)).
		Height(max(m.height-2, 1)).
		Render(TitleStyle.Render(title) + "\n" + content)
}

func (m *LogPanelModel) syncViewport() {
	lines := make([]string, 0, len(m.entries))
	for _, evt := range m.entries {
		lines = append(lines, formatEntry(evt, m.labels[evt.StageID]))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// formatEntry formats one event as a log line: time, type, step, stage,
// then the event's details in a fixed order with leftovers sorted.
func formatEntry(evt pipeline.Event, label string) string {
	parts := []string{
		LogTimestampStyle.Render(evt.Timestamp.Local().Format("15:04:05")),
		eventStyle(evt.Type).Render(string(evt.Type)),
	}
	if evt.Step > pipeline.StepNone {
		parts = append(parts, fmt.Sprintf("step %d", evt.Step))
	}
	if evt.StageID != "" {
		if label != "" && label != evt.StageID {
			parts = append(parts, fmt.Sprintf("%s [%s]", label, evt.StageID))
		} else {
			parts = append(parts, fmt.Sprintf("[%s]", evt.StageID))
		}
	}
	if detail := formatData(evt.Data); detail != "" {
		parts = append(parts, detail)
	}
	return strings.Join(parts, " ")
}

// formatData renders the keys the runner, coordinator, and watchdog emit in
// a readable form and appends any other keys as sorted key=value pairs.
func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(data))
	take := func(key string) (any, bool) {
		v, ok := data[key]
		if ok {
			seen[key] = true
		}
		return v, ok
	}

	var pairs []string
	if v, ok := take("countdown"); ok {
		cd := fmt.Sprintf("countdown=%v", v)
		if secs, ok := take("seconds_remaining"); ok {
			cd += fmt.Sprintf(" (%vs)", secs)
		}
		pairs = append(pairs, cd)
	}
	if v, ok := take("error_kind"); ok {
		pairs = append(pairs, fmt.Sprintf("error=%v", v))
	}
	if v, ok := take("attempts"); ok {
		pairs = append(pairs, fmt.Sprintf("attempts=%v", v))
	}
	for _, key := range []string{"elapsed", "remaining"} {
		if v, ok := take(key); ok {
			pairs = append(pairs, key+"="+formatDuration(v))
		}
	}
	if v, ok := take("run_id"); ok {
		id := fmt.Sprint(v)
		if len(id) > 8 {
			id = id[:8]
		}
		pairs = append(pairs, "run="+id)
	}

	rest := make([]string, 0, len(data))
	for k := range data {
		if !seen[k] && k != "message" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, data[k]))
	}

	// the message goes last since it is free text of any length
	if v, ok := data["message"]; ok && fmt.Sprint(v) != "" {
		pairs = append(pairs, fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	return strings.Join(pairs, " ")
}

// formatDuration rounds durations to tenths of a second. The watchdog emits
// time.Duration values while the runner emits preformatted strings.
func formatDuration(v any) string {
	switch d := v.(type) {
	case time.Duration:
		return d.Round(100 * time.Millisecond).String()
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed.Round(100 * time.Millisecond).String()
		}
		return d
	default:
		return fmt.Sprint(v)
	}
}

func eventStyle(t pipeline.EventType) lipgloss.Style {
	switch t {
	case pipeline.EventPipelineReady, pipeline.EventStageCompleted, pipeline.EventPipelineAccepted:
		return LogSuccessStyle
	case pipeline.EventPipelineFailed, pipeline.EventStageFailed, pipeline.EventPipelineBlocked:
		return LogErrorStyle
	case pipeline.EventStageStalled, pipeline.EventCountdownStarted, pipeline.EventCountdownExpired:
		return LogRetryStyle
	case pipeline.EventCountdownCleared, pipeline.EventStageSkipped, pipeline.EventPipelineReset:
		return LogTimestampStyle
	default:
		return LogEventStyle
	}
}
