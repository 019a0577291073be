// ABOUTME: Bubble Tea message types used in the dashboard message loop.
// ABOUTME: Each type wraps a pipeline event, an outcome, or a timer tick.
package tui

import (
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// PipelineEventMsg wraps a runner, coordinator, or watchdog event.
type PipelineEventMsg struct {
	Event pipeline.Event
}

// OutcomeMsg reports that a run or retry started from the dashboard finished.
type OutcomeMsg struct {
	Outcome pipeline.Outcome
	Err     error
}

// ActionResultMsg reports the result of accept or reset.
type ActionResultMsg struct {
	Action string
	Err    error
}

// TickMsg drives the spinner and countdown display.
type TickMsg struct {
	Time time.Time
}

// ExpiryMsg carries the outcomes of runs or retries started by countdown expiry.
type ExpiryMsg struct {
	Outcomes []pipeline.Outcome
}
