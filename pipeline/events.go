// ABOUTME: Pipeline lifecycle events and a bounded, sequenced in-memory event bus.
// ABOUTME: The bus lets pollers (HTTP API, TUI) read events incrementally by sequence number.
package pipeline

import (
	"sync"
	"time"
)

// EventType identifies the kind of pipeline lifecycle event.
type EventType string

const (
	EventPipelineStarted  EventType = "pipeline.started"
	EventPipelineResumed  EventType = "pipeline.resumed"
	EventPipelineReady    EventType = "pipeline.ready"
	EventPipelineFailed   EventType = "pipeline.failed"
	EventPipelineBlocked  EventType = "pipeline.blocked"
	EventPipelineAccepted EventType = "pipeline.accepted"
	EventPipelineReset    EventType = "pipeline.reset"
	EventStageStarted     EventType = "stage.started"
	EventStageCompleted   EventType = "stage.completed"
	EventStageFailed      EventType = "stage.failed"
	EventStageSkipped     EventType = "stage.skipped"
	EventStageStalled     EventType = "stage.stalled"
	EventCountdownStarted EventType = "countdown.started"
	EventCountdownCleared EventType = "countdown.cleared"
	EventCountdownExpired EventType = "countdown.expired"
)

// Event is a lifecycle event emitted by the runner, coordinator, or watchdog.
type Event struct {
	Seq       int64          `json:"seq,omitempty"`
	Type      EventType      `json:"type"`
	Kind      Kind           `json:"kind"`
	Step      Step           `json:"step,omitempty"`
	StageID   string         `json:"stage_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handlers fans one event out to several handlers in order. Nil handlers are skipped.
func Handlers(handlers ...func(Event)) func(Event) {
	return func(evt Event) {
		for _, h := range handlers {
			if h != nil {
				h(evt)
			}
		}
	}
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish appends one event and assigns its sequence number.
func (b *EventBus) Publish(evt Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	evt.Seq = b.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, evt)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	return evt
}

// HandleEvent publishes evt. Its signature matches RunnerConfig.EventHandler.
func (b *EventBus) HandleEvent(evt Event) {
	b.Publish(evt)
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, evt := range b.events {
		if evt.Seq > seq {
			out = append(out, evt)
		}
	}
	return out
}
