// ABOUTME: Top-level Bubble Tea dashboard for one pipeline kind: stage list, failure detail, event log, status bar.
// ABOUTME: Keys run, retry, accept, reset, and cancel countdowns; countdown expiry is driven from the tick loop.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

const (
	tickInterval = 100 * time.Millisecond
	// expiry checks run every expiryEvery ticks
	expiryEvery = 5
)

// Controller is the part of pipeline.Coordinator the dashboard drives.
type Controller interface {
	Run(ctx context.Context, kind pipeline.Kind, rc pipeline.RunContext, opts ...pipeline.RunOption) (pipeline.Outcome, error)
	Retry(ctx context.Context, kind pipeline.Kind, step pipeline.Step, rc pipeline.RunContext) (pipeline.Outcome, error)
	Cancel(kind pipeline.Kind)
	Countdown(kind pipeline.Kind) (pipeline.Countdown, bool)
	Tick(ctx context.Context) []pipeline.Outcome
}

// FocusTarget indicates which panel has keyboard focus.
type FocusTarget int

const (
	FocusStages FocusTarget = iota
	FocusLog
)

// Config wires the dashboard to a pipeline.
type Config struct {
	Title      string
	Definition *pipeline.Definition
	State      *pipeline.State // persisted state at startup; may be nil
	Controller Controller
	RunContext func(context.Context) (pipeline.RunContext, error)
	Accept     func(context.Context) error // nil disables accepting
	Reset      func(context.Context) error // nil disables resetting
	AutoStart  bool
	RunOptions []pipeline.RunOption // applied to the auto-started run only
	Context    context.Context
}

// AppModel is the dashboard model.
type AppModel struct {
	cfg  Config
	kind pipeline.Kind

	stages    StagePanelModel
	detail    DetailPanelModel
	log       LogPanelModel
	statusBar StatusBarModel

	focus    FocusTarget
	running  bool
	ready    bool
	expiring bool
	ticks    int
	notice   string
	err      error
	width    int
	height   int
}

// NewAppModel creates a dashboard from cfg.
func NewAppModel(cfg Config) AppModel {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	m := AppModel{
		cfg:    cfg,
		stages: NewStagePanelModel(cfg.Definition, cfg.State),
		detail: NewDetailPanelModel(),
		log:    NewLogPanelModel(200),
	}
	if cfg.Definition != nil {
		m.kind = cfg.Definition.Kind()
		m.log.SetLabels(cfg.Definition)
	}
	m.statusBar = NewStatusBarModel(cfg.Title, m.kind, m.stages.Total())
	m.statusBar.SetCompleted(m.stages.Completed())
	if st := cfg.State; st != nil {
		m.ready = st.Ready
		if d, ok := st.LastError(); ok && !st.Ready {
			m.detail.SetFailure(d)
		}
	}
	m.detail.SetReady(m.ready)
	return m
}

// Err returns the last error reported by an action, if any.
func (m AppModel) Err() error { return m.err }

// Ready reports whether a generated result awaits acceptance.
func (m AppModel) Ready() bool { return m.ready }

// Init starts the tick loop and, when configured, the first run.
func (m AppModel) Init() tea.Cmd {
	cmds := []tea.Cmd{TickCmd(tickInterval)}
	if m.cfg.AutoStart && m.cfg.Controller != nil {
		cmds = append(cmds, m.runCmd(m.cfg.RunOptions...))
	}
	return tea.Batch(cmds...)
}

// Update routes messages to the sub-models.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case PipelineEventMsg:
		return m.handleEvent(msg.Event)
	case OutcomeMsg:
		m.running = false
		return m.handleOutcome(msg.Outcome, msg.Err), nil
	case ExpiryMsg:
		m.expiring = false
		for _, out := range msg.Outcomes {
			if out.Kind == m.kind {
				m = m.handleOutcome(out, nil)
			}
		}
		return m, nil
	case ActionResultMsg:
		return m.handleAction(msg), nil
	case TickMsg:
		return m.handleTick()
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// View renders the dashboard.
func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.width < 40 || m.height < 12 {
		return fmt.Sprintf("Terminal too small (%dx%d). Minimum: 40x12.", m.width, m.height)
	}

	m.stages.SetWidth(m.width)
	stagesView := m.stages.View()

	bottomHeight := max(m.height-lipgloss.Height(stagesView)-1, 6)
	detailWidth := max(m.width*45/100, 20)
	m.detail.SetSize(detailWidth, bottomHeight)
	m.log.SetSize(max(m.width-detailWidth, 10), bottomHeight)
	m.statusBar.SetWidth(m.width)

	status := m.statusBar.View()
	switch {
	case m.err != nil:
		status += " " + FailedStyle.Render(m.err.Error())
	case m.notice != "":
		status += " " + CompletedStyle.Render(m.notice)
	}

	var b strings.Builder
	b.WriteString(stagesView)
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.detail.View(), m.log.View()))
	b.WriteString("\n")
	b.WriteString(status)
	return b.String()
}

func (m AppModel) handleEvent(evt pipeline.Event) (tea.Model, tea.Cmd) {
	if evt.Kind != m.kind {
		return m, nil
	}
	m.log.Append(evt)

	switch evt.Type {
	case pipeline.EventPipelineStarted, pipeline.EventPipelineResumed:
		m.running = true
		m.ready = false
		m.statusBar.Start()
		m.detail.SetFailure(nil)
		m.detail.SetBlocked("")
	case pipeline.EventStageStarted:
		m.running = true
		m.stages.SetStatus(evt.StageID, StageRunning)
		m.statusBar.SetActive(m.stages.Label(evt.StageID))
	case pipeline.EventStageCompleted:
		m.stages.SetStatus(evt.StageID, StageCompleted)
	case pipeline.EventStageFailed:
		m.stages.SetStatus(evt.StageID, StageFailed)
	case pipeline.EventStageSkipped:
		if m.stages.Status(evt.StageID) != StagePrevious {
			m.stages.SetStatus(evt.StageID, StageSkipped)
		}
	case pipeline.EventPipelineReady:
		m.ready = true
	case pipeline.EventPipelineBlocked:
		msg, _ := evt.Data["message"].(string)
		m.detail.SetBlocked(msg)
	case pipeline.EventPipelineReset, pipeline.EventPipelineAccepted:
		m.ready = false
		m.stages.Seed(nil)
		m.detail.SetFailure(nil)
	}
	m.detail.SetReady(m.ready)
	m.detail.SetRunning(m.running)
	m.statusBar.SetCompleted(m.stages.Completed())
	return m, nil
}

func (m AppModel) handleOutcome(out pipeline.Outcome, err error) AppModel {
	m.statusBar.SetActive("")
	m.detail.SetRunning(false)
	if err != nil {
		m.err = err
		return m
	}
	m.err = nil
	switch out.Status {
	case pipeline.OutcomeReady:
		m.ready = true
		m.notice = "Result ready"
	case pipeline.OutcomeFailed:
		m.detail.SetFailure(out.Error)
		if out.Error != nil {
			m.stages.SetStatus(out.Error.StageID, StageFailed)
		}
	case pipeline.OutcomeBlocked:
		m.detail.SetBlocked(pipeline.ErrBlockedByOtherTab.Error())
	case pipeline.OutcomeAdvanced:
		m.notice = fmt.Sprintf("Step %d done", out.Step)
	}
	m.detail.SetReady(m.ready)
	m.statusBar.SetCompleted(m.stages.Completed())
	return m
}

func (m AppModel) handleAction(msg ActionResultMsg) AppModel {
	if msg.Err != nil {
		m.err = fmt.Errorf("%s: %w", msg.Action, msg.Err)
		return m
	}
	m.err = nil
	switch msg.Action {
	case "accept":
		m.ready = false
		m.notice = "Accepted"
	case "reset":
		m.ready = false
		m.notice = "Reset"
		m.stages.Seed(nil)
		m.detail.SetFailure(nil)
	}
	m.detail.SetReady(m.ready)
	m.statusBar.SetCompleted(m.stages.Completed())
	return m
}

func (m AppModel) handleTick() (tea.Model, tea.Cmd) {
	m.ticks++
	m.stages.AdvanceSpinner()

	cmds := []tea.Cmd{TickCmd(tickInterval)}
	if ctrl := m.cfg.Controller; ctrl != nil {
		if cd, ok := ctrl.Countdown(m.kind); ok {
			m.detail.SetCountdown(&cd)
		} else {
			m.detail.SetCountdown(nil)
		}
		if !m.running && !m.expiring && m.ticks%expiryEvery == 0 {
			m.expiring = true
			ctx := m.cfg.Context
			cmds = append(cmds, func() tea.Msg {
				return ExpiryMsg{Outcomes: ctrl.Tick(ctx)}
			})
		}
	}
	return m, tea.Batch(cmds...)
}

func (m AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.focus = m.nextFocus()
		m.log.SetFocused(m.focus == FocusLog)
		return m, nil
	}
	if m.focus == FocusLog {
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd
	}
	if m.cfg.Controller == nil {
		return m, nil
	}

	switch msg.String() {
	case "c":
		m.cfg.Controller.Cancel(m.kind)
		m.detail.SetCountdown(nil)
	case "enter":
		if m.running || m.ready {
			return m, nil
		}
		return m.start(m.runCmd())
	case "r":
		d := m.detail.Failure()
		if m.running || d == nil {
			return m, nil
		}
		return m.start(m.retryCmd(d.Step))
	case "a":
		if m.running || !m.ready || m.cfg.Accept == nil {
			return m, nil
		}
		m.cfg.Controller.Cancel(m.kind)
		return m, ActionCmd(m.cfg.Context, "accept", m.cfg.Accept)
	case "x":
		if m.running || m.cfg.Reset == nil {
			return m, nil
		}
		m.cfg.Controller.Cancel(m.kind)
		return m, ActionCmd(m.cfg.Context, "reset", m.cfg.Reset)
	}
	return m, nil
}

func (m AppModel) start(cmd tea.Cmd) (tea.Model, tea.Cmd) {
	m.running = true
	m.notice = ""
	m.err = nil
	m.detail.SetRunning(true)
	return m, cmd
}

func (m AppModel) runCmd(opts ...pipeline.RunOption) tea.Cmd {
	ctrl, kind, runContext := m.cfg.Controller, m.kind, m.cfg.RunContext
	return RunCmd(m.cfg.Context, func(ctx context.Context) (pipeline.Outcome, error) {
		rc, err := loadRunContext(ctx, runContext)
		if err != nil {
			return pipeline.Outcome{Kind: kind}, err
		}
		return ctrl.Run(ctx, kind, rc, opts...)
	})
}

func (m AppModel) retryCmd(step pipeline.Step) tea.Cmd {
	ctrl, kind, runContext := m.cfg.Controller, m.kind, m.cfg.RunContext
	return RunCmd(m.cfg.Context, func(ctx context.Context) (pipeline.Outcome, error) {
		rc, err := loadRunContext(ctx, runContext)
		if err != nil {
			return pipeline.Outcome{Kind: kind}, err
		}
		return ctrl.Retry(ctx, kind, step, rc)
	})
}

func loadRunContext(ctx context.Context, fn func(context.Context) (pipeline.RunContext, error)) (pipeline.RunContext, error) {
	if fn == nil {
		return pipeline.RunContext{}, nil
	}
	rc, err := fn(ctx)
	if err != nil {
		return rc, fmt.Errorf("load game: %w", err)
	}
	return rc, nil
}

func (m AppModel) nextFocus() FocusTarget {
	if m.focus == FocusStages {
		return FocusLog
	}
	return FocusStages
}
