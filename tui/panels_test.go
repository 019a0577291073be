// ABOUTME: Tests for the stage list, status detail, event log, and status bar sub-models.
// ABOUTME: Checks rendering and state transitions without running a Bubble Tea program.
package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

func TestStageStatusIcons(t *testing.T) {
	tests := []struct {
		status StageStatus
		icon   string
		done   bool
	}{
		{StagePending, "[ ]", false},
		{StageRunning, "[~]", false},
		{StageCompleted, "[*]", true},
		{StagePrevious, "[*]", true},
		{StageFailed, "[!]", false},
		{StageSkipped, "[-]", true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.Icon(); got != tt.icon {
				t.Errorf("Icon() = %q, want %q", got, tt.icon)
			}
			if got := tt.status.Done(); got != tt.done {
				t.Errorf("Done() = %v, want %v", got, tt.done)
			}
		})
	}
}

func TestStagePanelRendersInStepOrder(t *testing.T) {
	m := NewStagePanelModel(testDefinition(), nil)
	m.SetStatus("summary", StageRunning)
	m.SetStatus("summary", StageCompleted)
	m.SetStatus("cast", StageRunning)

	view := m.View()
	first := strings.Index(view, "Summarize the day")
	second := strings.Index(view, "Update the cast")
	third := strings.Index(view, "Plan the next day")
	if first < 0 || second < first || third < second {
		t.Fatalf("stages out of order in view:\n%s", view)
	}
	if !strings.Contains(view, "[~]") || !strings.Contains(view, "[*]") {
		t.Errorf("missing status markers:\n%s", view)
	}
	if m.Completed() != 1 || m.Total() != 3 {
		t.Errorf("Completed/Total = %d/%d, want 1/3", m.Completed(), m.Total())
	}
}

func TestStagePanelNilDefinition(t *testing.T) {
	m := NewStagePanelModel(nil, nil)
	if !strings.Contains(m.View(), "(none)") {
		t.Error("expected placeholder title")
	}
	if m.Label("x") != "x" {
		t.Error("unknown stage label should fall back to its ID")
	}
}

func TestDetailPanelFailure(t *testing.T) {
	m := NewDetailPanelModel()
	m.SetFailure(&pipeline.ErrorDetail{Kind: pipeline.ErrorKindService, StageID: "cast", Step: 2, Message: "429 rate limit", Repeats: 1})
	view := m.View()
	for _, want := range []string{"Step 2 failed", "cast", "quota", "wait", "r retry step", "automatic retry is off"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m.SetFailure(nil)
	if strings.Contains(m.View(), "failed") {
		t.Error("failure still shown after clearing")
	}
}

func TestDetailPanelReadyAndCountdown(t *testing.T) {
	m := NewDetailPanelModel()
	m.SetReady(true)
	m.SetCountdown(&pipeline.Countdown{StepKey: "plan", Kind: pipeline.CountdownSuccess, SecondsRemaining: 4})
	view := m.View()
	for _, want := range []string{"Ready to accept", "a accept", "Continuing in 4s", "c cancel countdown"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestCountdownLineKinds(t *testing.T) {
	if got := countdownLine(pipeline.Countdown{StepKey: "s", Kind: pipeline.CountdownTimeout, SecondsRemaining: 30}); !strings.Contains(got, "timing out in 30s") {
		t.Errorf("timeout line = %q", got)
	}
	if got := countdownLine(pipeline.Countdown{StepKey: "s", Kind: pipeline.CountdownError, SecondsRemaining: 15}); !strings.Contains(got, "s failed (15s)") {
		t.Errorf("error line = %q", got)
	}
}

func TestLogPanelEvictsOldest(t *testing.T) {
	m := NewLogPanelModel(2)
	for _, id := range []string{"a", "b", "c"} {
		m.Append(pipeline.Event{Type: pipeline.EventStageStarted, StageID: id, Timestamp: time.Now()})
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if m.entries[0].StageID != "b" {
		t.Errorf("oldest entry = %q, want b", m.entries[0].StageID)
	}
}

func TestFormatEntry(t *testing.T) {
	evt := pipeline.Event{
		Type:      pipeline.EventStageFailed,
		Step:      2,
		StageID:   "cast",
		Data:      map[string]any{"error_kind": "timeout", "attempts": 2, "message": "deadline exceeded"},
		Timestamp: time.Now(),
	}
	got := formatEntry(evt, "Update the cast")
	for _, want := range []string{"stage.failed", "step 2", "Update the cast [cast]", `error=timeout attempts=2 "deadline exceeded"`} {
		if !strings.Contains(got, want) {
			t.Errorf("formatEntry missing %q: %q", want, got)
		}
	}
}

func TestFormatEntryCountdown(t *testing.T) {
	evt := pipeline.Event{
		Type:      pipeline.EventCountdownStarted,
		StageID:   "plan",
		Data:      map[string]any{"countdown": "error", "seconds_remaining": 30},
		Timestamp: time.Now(),
	}
	got := formatEntry(evt, "")
	if !strings.Contains(got, "[plan] countdown=error (30s)") {
		t.Errorf("countdown not rendered: %q", got)
	}
	if strings.Contains(got, "step") {
		t.Errorf("event without a step shows one: %q", got)
	}
}

func TestFormatEntryTiming(t *testing.T) {
	stalled := pipeline.Event{
		Type:      pipeline.EventStageStalled,
		Step:      1,
		StageID:   "summary",
		Data:      map[string]any{"elapsed": 61*time.Second + 234*time.Millisecond, "remaining": 59 * time.Second},
		Timestamp: time.Now(),
	}
	got := formatEntry(stalled, "Summarize the day")
	if !strings.Contains(got, "elapsed=1m1.2s remaining=59s") {
		t.Errorf("watchdog durations not rendered: %q", got)
	}

	done := pipeline.Event{
		Type:      pipeline.EventStageCompleted,
		StageID:   "summary",
		Data:      map[string]any{"elapsed": "1.23456s", "extra": "x"},
		Timestamp: time.Now(),
	}
	got = formatEntry(done, "")
	if !strings.Contains(got, "elapsed=1.2s extra=x") {
		t.Errorf("runner elapsed not rendered: %q", got)
	}
}

func TestLogPanelUsesStageLabels(t *testing.T) {
	m := NewLogPanelModel(10)
	m.SetSize(120, 10)
	m.SetLabels(testDefinition())
	m.Append(pipeline.Event{Type: pipeline.EventStageStarted, Step: 1, StageID: "summary", Timestamp: time.Now()})
	if view := m.View(); !strings.Contains(view, "Summarize the day [summary]") {
		t.Errorf("label missing from view:\n%s", view)
	}
}

func TestStatusBarView(t *testing.T) {
	m := NewStatusBarModel("Seiyo High", pipeline.KindNewGame, 4)
	m.SetCompleted(2)
	m.SetWidth(100)
	view := m.View()
	for _, want := range []string{"Seiyo High", "new_game", "2/4 stages", "Active: idle"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q: %q", want, view)
		}
	}
	if m.Elapsed() != 0 {
		t.Error("elapsed should be zero before Start")
	}
	m.Start()
	m.SetActive("Build the world")
	if !strings.Contains(m.View(), "Active: Build the world") {
		t.Error("active stage not shown")
	}
}

func TestFormatElapsedAndDuration(t *testing.T) {
	if got := formatElapsed(12 * time.Second); got != "12s" {
		t.Errorf("formatElapsed = %q", got)
	}
	if got := formatElapsed(150 * time.Second); got != "2m30s" {
		t.Errorf("formatElapsed = %q", got)
	}
	if got := formatDuration(1500 * time.Millisecond); got != "1.5s" {
		t.Errorf("formatDuration = %q", got)
	}
	if got := formatDuration(125 * time.Second); got != "2m05s" {
		t.Errorf("formatDuration = %q", got)
	}
}

func TestEventBridgeSendsMessages(t *testing.T) {
	var got []PipelineEventMsg
	bridge := NewEventBridge(func(msg tea.Msg) {
		if m, ok := msg.(PipelineEventMsg); ok {
			got = append(got, m)
		}
	})
	bridge.HandleEvent(pipeline.Event{Type: pipeline.EventPipelineReady, Kind: pipeline.KindNewGame})
	if len(got) != 1 || got[0].Event.Type != pipeline.EventPipelineReady {
		t.Fatalf("got %+v", got)
	}
}
