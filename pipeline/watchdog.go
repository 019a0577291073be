// ABOUTME: Background watchdog that flags stages running longer than a stall threshold.
// ABOUTME: Emits stage.stalled with the time left before the hard stage timeout; it never cancels work.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// WatchdogConfig holds configuration for stall detection.
type WatchdogConfig struct {
	StallTimeout  time.Duration // how long before a stage is considered stalled
	CheckInterval time.Duration // how often to check
	HardTimeout   time.Duration // stage timeout, used to report time remaining
}

// DefaultWatchdogConfig returns a 2 minute stall threshold checked every
// 5 seconds against the default stage timeout.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  2 * time.Minute,
		CheckInterval: 5 * time.Second,
		HardTimeout:   DefaultStageTimeout,
	}
}

type activeStage struct {
	kind    Kind
	stageID string
	step    Step
	started time.Time
	warned  bool
}

// Watchdog tracks running stages and reports stalls.
type Watchdog struct {
	config       WatchdogConfig
	clock        func() time.Time
	eventHandler func(Event)

	mu     sync.Mutex
	active map[string]*activeStage // kind/stageID -> tracking
}

// NewWatchdog creates a Watchdog. A nil clock uses time.Now.
func NewWatchdog(cfg WatchdogConfig, clock func() time.Time, eventHandler func(Event)) *Watchdog {
	if clock == nil {
		clock = time.Now
	}
	return &Watchdog{
		config:       cfg,
		clock:        clock,
		eventHandler: eventHandler,
		active:       make(map[string]*activeStage),
	}
}

// Start launches the monitoring goroutine. It stops when ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check()
			}
		}
	}()
}

// HandleEvent tracks stage start and finish from runner events.
func (w *Watchdog) HandleEvent(evt Event) {
	key := string(evt.Kind) + "/" + evt.StageID
	w.mu.Lock()
	defer w.mu.Unlock()
	switch evt.Type {
	case EventStageStarted:
		w.active[key] = &activeStage{kind: evt.Kind, stageID: evt.StageID, step: evt.Step, started: w.clock()}
	case EventStageCompleted, EventStageFailed:
		delete(w.active, key)
	}
}

// Active returns the number of stages being tracked.
func (w *Watchdog) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Check emits a stall event for each stage past the threshold. Each stage is
// reported at most once per start. Events are emitted outside the lock.
func (w *Watchdog) Check() {
	w.mu.Lock()
	var toEmit []Event
	now := w.clock()
	for _, a := range w.active {
		if a.warned {
			continue
		}
		elapsed := now.Sub(a.started)
		if elapsed <= w.config.StallTimeout {
			continue
		}
		a.warned = true
		remaining := w.config.HardTimeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		toEmit = append(toEmit, Event{
			Type:      EventStageStalled,
			Kind:      a.kind,
			Step:      a.step,
			StageID:   a.stageID,
			Timestamp: now,
			Data: map[string]any{
				"elapsed":   elapsed,
				"remaining": remaining,
			},
		})
	}
	w.mu.Unlock()

	for _, evt := range toEmit {
		if w.eventHandler != nil {
			w.eventHandler(evt)
		}
	}
}
