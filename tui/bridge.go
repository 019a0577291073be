// ABOUTME: Bridge between the pipeline runner and the Bubble Tea message loop.
// ABOUTME: EventBridge injects events; the Cmd factories run pipelines and drive ticks off the UI goroutine.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// EventBridge wraps a tea.Program's Send method for injecting pipeline
// events into the Bubble Tea message loop.
type EventBridge struct {
	send func(msg tea.Msg)
}

// NewEventBridge creates an EventBridge. Typically called with program.Send.
func NewEventBridge(send func(msg tea.Msg)) *EventBridge {
	return &EventBridge{send: send}
}

// HandleEvent matches pipeline.RunnerConfig.EventHandler.
func (b *EventBridge) HandleEvent(evt pipeline.Event) {
	b.send(PipelineEventMsg{Event: evt})
}

// RunCmd runs fn off the UI goroutine and reports its outcome.
func RunCmd(ctx context.Context, fn func(context.Context) (pipeline.Outcome, error)) tea.Cmd {
	return func() tea.Msg {
		out, err := fn(ctx)
		return OutcomeMsg{Outcome: out, Err: err}
	}
}

// ActionCmd runs a non-pipeline action such as accept or reset.
func ActionCmd(ctx context.Context, action string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return ActionResultMsg{Action: action, Err: fn(ctx)}
	}
}

// TickCmd sends a TickMsg after interval.
func TickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}
