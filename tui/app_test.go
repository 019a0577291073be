// ABOUTME: Tests for AppModel: event routing, outcomes, key actions, countdown display, and layout guards.
// ABOUTME: A fake controller records calls so tests can run the returned commands synchronously.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

type fakeController struct {
	mu        sync.Mutex
	runs      int
	retries   []pipeline.Step
	cancels   int
	countdown *pipeline.Countdown
	outcome   pipeline.Outcome
	err       error
	expired   []pipeline.Outcome
}

func (f *fakeController) Run(_ context.Context, kind pipeline.Kind, _ pipeline.RunContext, _ ...pipeline.RunOption) (pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	out := f.outcome
	out.Kind = kind
	return out, f.err
}

func (f *fakeController) Retry(_ context.Context, kind pipeline.Kind, step pipeline.Step, _ pipeline.RunContext) (pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, step)
	out := f.outcome
	out.Kind = kind
	return out, f.err
}

func (f *fakeController) Cancel(pipeline.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.countdown = nil
}

func (f *fakeController) Countdown(pipeline.Kind) (pipeline.Countdown, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countdown == nil {
		return pipeline.Countdown{}, false
	}
	return *f.countdown, true
}

func (f *fakeController) Tick(context.Context) []pipeline.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired
}

func stageFunc(context.Context, pipeline.StageInput) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func testDefinition() *pipeline.Definition {
	return pipeline.MustDefinition(pipeline.KindEndOfDay,
		pipeline.Stage{ID: "summary", Label: "Summarize the day", Completes: 1, Run: stageFunc},
		pipeline.Stage{ID: "cast", Label: "Update the cast", Completes: 2, Run: stageFunc},
		pipeline.Stage{ID: "plan", Label: "Plan the next day", Completes: 3, Run: stageFunc},
	)
}

func newTestApp(ctrl *fakeController, st *pipeline.State) AppModel {
	return NewAppModel(Config{
		Title:      "Seiyo High",
		Definition: testDefinition(),
		State:      st,
		Controller: ctrl,
		Accept:     func(context.Context) error { return nil },
		Reset:      func(context.Context) error { return nil },
	})
}

func update(t *testing.T, m AppModel, msg tea.Msg) (AppModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	am, ok := next.(AppModel)
	if !ok {
		t.Fatalf("Update returned %T, want AppModel", next)
	}
	return am, cmd
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func event(typ pipeline.EventType, stageID string) PipelineEventMsg {
	return PipelineEventMsg{Event: pipeline.Event{Type: typ, Kind: pipeline.KindEndOfDay, StageID: stageID, Timestamp: time.Now()}}
}

func TestAppSeedsFromPersistedState(t *testing.T) {
	st := pipeline.NewState(pipeline.KindEndOfDay, time.Now())
	st.Step = 1
	st.Errors[2] = &pipeline.ErrorDetail{Kind: pipeline.ErrorKindService, StageID: "cast", Step: 2, Message: "boom", OccurredAt: time.Now()}

	m := newTestApp(&fakeController{}, st)
	if got := m.stages.Status("summary"); got != StagePrevious {
		t.Errorf("summary status = %v, want previous run", got)
	}
	if got := m.stages.Status("cast"); got != StageFailed {
		t.Errorf("cast status = %v, want failed", got)
	}
	if m.detail.Failure() == nil {
		t.Fatal("expected failure to be shown")
	}
}

func TestAppRoutesStageEvents(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)

	m, _ = update(t, m, event(pipeline.EventPipelineStarted, ""))
	m, _ = update(t, m, event(pipeline.EventStageStarted, "summary"))
	if got := m.stages.Status("summary"); got != StageRunning {
		t.Fatalf("summary = %v, want running", got)
	}
	if m.statusBar.active != "Summarize the day" {
		t.Errorf("active = %q", m.statusBar.active)
	}
	m, _ = update(t, m, event(pipeline.EventStageCompleted, "summary"))
	m, _ = update(t, m, event(pipeline.EventStageFailed, "cast"))

	if got := m.stages.Status("summary"); got != StageCompleted {
		t.Errorf("summary = %v, want completed", got)
	}
	if got := m.stages.Status("cast"); got != StageFailed {
		t.Errorf("cast = %v, want failed", got)
	}
	if m.statusBar.completed != 1 {
		t.Errorf("completed = %d, want 1", m.statusBar.completed)
	}
	if m.log.Len() != 4 {
		t.Errorf("log entries = %d, want 4", m.log.Len())
	}
}

func TestAppIgnoresOtherKinds(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	other := PipelineEventMsg{Event: pipeline.Event{Type: pipeline.EventStageStarted, Kind: pipeline.KindNewGame, StageID: "summary"}}
	m, _ = update(t, m, other)
	if m.log.Len() != 0 {
		t.Errorf("log entries = %d, want 0", m.log.Len())
	}
	if m.stages.Status("summary") != StagePending {
		t.Error("event of another kind changed stage status")
	}
}

func TestAppEnterRunsAndOutcomeReady(t *testing.T) {
	ctrl := &fakeController{outcome: pipeline.Outcome{Status: pipeline.OutcomeReady, Step: 3}}
	m := newTestApp(ctrl, nil)

	m, cmd := update(t, m, key("enter"))
	if cmd == nil {
		t.Fatal("enter returned no command")
	}
	if !m.running {
		t.Error("model should be running after enter")
	}
	msg := cmd()
	if ctrl.runs != 1 {
		t.Fatalf("runs = %d, want 1", ctrl.runs)
	}
	m, _ = update(t, m, msg)
	if m.running {
		t.Error("model still running after outcome")
	}
	if !m.Ready() {
		t.Error("model should be ready")
	}

	// a second enter while ready does nothing
	_, cmd = update(t, m, key("enter"))
	if cmd != nil {
		t.Error("enter while ready should not start a run")
	}
}

func TestAppRetryFailedStep(t *testing.T) {
	ctrl := &fakeController{outcome: pipeline.Outcome{Status: pipeline.OutcomeAdvanced, Step: 2}}
	m := newTestApp(ctrl, nil)

	fail := &pipeline.ErrorDetail{Kind: pipeline.ErrorKindService, StageID: "cast", Step: 2, Message: "503 overloaded"}
	m, _ = update(t, m, OutcomeMsg{Outcome: pipeline.Outcome{Kind: pipeline.KindEndOfDay, Status: pipeline.OutcomeFailed, FailedStep: 2, Error: fail}})
	if m.detail.category != pipeline.CategoryTransient {
		t.Errorf("category = %q, want transient", m.detail.category)
	}

	m, cmd := update(t, m, key("r"))
	if cmd == nil {
		t.Fatal("r returned no command")
	}
	m, _ = update(t, m, cmd())
	if len(ctrl.retries) != 1 || ctrl.retries[0] != 2 {
		t.Fatalf("retries = %v, want [2]", ctrl.retries)
	}
	if !strings.Contains(m.notice, "Step 2") {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestAppRetryWithoutFailureIsNoop(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	_, cmd := update(t, m, key("r"))
	if cmd != nil {
		t.Error("r without a failure should do nothing")
	}
}

func TestAppAcceptAndReset(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestApp(ctrl, nil)

	_, cmd := update(t, m, key("a"))
	if cmd != nil {
		t.Error("accept before ready should do nothing")
	}

	m, _ = update(t, m, event(pipeline.EventPipelineReady, ""))
	m, cmd = update(t, m, key("a"))
	if cmd == nil {
		t.Fatal("accept returned no command")
	}
	m, _ = update(t, m, cmd())
	if m.Ready() || m.notice != "Accepted" {
		t.Errorf("after accept ready=%v notice=%q", m.Ready(), m.notice)
	}
	if ctrl.cancels == 0 {
		t.Error("accept should cancel the countdown")
	}

	m, cmd = update(t, m, key("x"))
	if cmd == nil {
		t.Fatal("reset returned no command")
	}
	m, _ = update(t, m, cmd())
	if m.notice != "Reset" {
		t.Errorf("notice = %q, want Reset", m.notice)
	}
}

func TestAppActionErrorIsShown(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	m, _ = update(t, m, ActionResultMsg{Action: "accept", Err: errors.New("disk full")})
	if m.Err() == nil || !strings.Contains(m.Err().Error(), "disk full") {
		t.Errorf("Err() = %v", m.Err())
	}
}

func TestAppTickShowsCountdownAndChecksExpiry(t *testing.T) {
	ctrl := &fakeController{
		countdown: &pipeline.Countdown{StepKey: "cast", Kind: pipeline.CountdownError, SecondsRemaining: 12},
		expired:   []pipeline.Outcome{{Kind: pipeline.KindEndOfDay, Status: pipeline.OutcomeReady, Step: 3}},
	}
	m := newTestApp(ctrl, nil)

	var cmd tea.Cmd
	for i := 0; i < expiryEvery; i++ {
		m, cmd = update(t, m, TickMsg{Time: time.Now()})
	}
	if m.detail.countdown == nil || m.detail.countdown.SecondsRemaining != 12 {
		t.Fatalf("countdown = %+v", m.detail.countdown)
	}
	if !m.expiring {
		t.Fatal("expected an expiry check on the fifth tick")
	}
	if cmd == nil {
		t.Fatal("tick returned no command")
	}

	m, _ = update(t, m, ExpiryMsg{Outcomes: ctrl.expired})
	if m.expiring {
		t.Error("expiring flag not cleared")
	}
	if !m.Ready() {
		t.Error("expiry outcome should mark the result ready")
	}

	m, _ = update(t, m, key("c"))
	if ctrl.cancels != 1 {
		t.Errorf("cancels = %d, want 1", ctrl.cancels)
	}
	if m.detail.countdown != nil {
		t.Error("countdown still shown after cancel")
	}
}

func TestAppBlockedOutcome(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	m, _ = update(t, m, OutcomeMsg{Outcome: pipeline.Outcome{Kind: pipeline.KindEndOfDay, Status: pipeline.OutcomeBlocked}})
	if m.detail.category != pipeline.CategoryBlocked {
		t.Errorf("category = %q, want blocked", m.detail.category)
	}
}

func TestAppQuitKeys(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	for _, k := range []string{"q", "ctrl+c"} {
		_, cmd := update(t, m, key(k))
		if cmd == nil {
			t.Fatalf("%s returned no command", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s did not quit", k)
		}
	}
}

func TestAppTabFocusesLog(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	m, _ = update(t, m, key("tab"))
	if !m.log.IsFocused() {
		t.Fatal("log should be focused")
	}
	_, cmd := update(t, m, key("enter"))
	if cmd != nil {
		t.Error("keys go to the log while it has focus")
	}
}

func TestAppViewLayout(t *testing.T) {
	m := newTestApp(&fakeController{}, nil)
	if got := m.View(); got != "Initializing..." {
		t.Errorf("View before size = %q", got)
	}
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 30, Height: 5})
	if !strings.Contains(m.View(), "too small") {
		t.Error("expected size guard")
	}
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 30})
	view := m.View()
	for _, want := range []string{"PIPELINE: end_of_day", "Summarize the day", "EVENT LOG", "STATUS", "Seiyo High"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}
