// ABOUTME: RetryCoordinator wraps the runner with single-step retry, per-kind countdowns, and auto-advance.
// ABOUTME: Countdown expiry either continues a pipeline after success or retries a failed step when enabled.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"
)

// CountdownConfig sets countdown durations and what happens when they expire.
type CountdownConfig struct {
	Success     time.Duration
	Error       time.Duration
	Timeout     time.Duration
	AutoAdvance bool // success expiry continues an unfinished pipeline
	AutoRetry   bool // error/timeout expiry retries the failed step
}

// DefaultCountdownConfig returns 5s/15s/30s countdowns with auto-advance on
// and auto-retry off.
func DefaultCountdownConfig() CountdownConfig {
	return CountdownConfig{
		Success:     5 * time.Second,
		Error:       15 * time.Second,
		Timeout:     30 * time.Second,
		AutoAdvance: true,
	}
}

// Coordinator drives runs and retries for the UI layer.
type Coordinator struct {
	runner *Runner
	cfg    CountdownConfig
	clock  func() time.Time
	notify func(Event)

	mu         sync.Mutex
	countdowns map[Kind]*CountdownMachine
	contexts   map[Kind]RunContext
	pending    map[Kind]Step
}

// NewCoordinator creates a coordinator over runner. notify receives countdown
// events and may be nil.
func NewCoordinator(runner *Runner, cfg CountdownConfig, clock func() time.Time, notify func(Event)) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	c := &Coordinator{
		runner:     runner,
		cfg:        cfg,
		clock:      clock,
		notify:     notify,
		countdowns: make(map[Kind]*CountdownMachine),
		contexts:   make(map[Kind]RunContext),
		pending:    make(map[Kind]Step),
	}
	for kind := range runner.defs {
		c.countdowns[kind] = NewCountdownMachine(clock)
	}
	return c
}

// Runner returns the underlying runner.
func (c *Coordinator) Runner() *Runner { return c.runner }

// Run cancels any countdown for kind and runs the pipeline.
func (c *Coordinator) Run(ctx context.Context, kind Kind, rc RunContext, opts ...RunOption) (Outcome, error) {
	c.Cancel(kind)
	c.remember(kind, rc)
	out, err := c.runner.Run(ctx, kind, rc, opts...)
	if err == nil {
		c.arm(out)
	}
	return out, err
}

// Retry cancels any countdown for kind and re-runs only the stage completing step.
func (c *Coordinator) Retry(ctx context.Context, kind Kind, step Step, rc RunContext) (Outcome, error) {
	c.Cancel(kind)
	c.remember(kind, rc)
	out, err := c.runner.RetryStep(ctx, kind, step, rc)
	if err == nil {
		c.arm(out)
	}
	return out, err
}

// Cancel clears the countdown of kind. Any user action should call it.
func (c *Coordinator) Cancel(kind Kind) {
	m := c.machine(kind)
	if m == nil {
		return
	}
	if cd, ok := m.Snapshot(); ok && m.Cancel() {
		c.emit(Event{Type: EventCountdownCleared, Kind: kind, StageID: cd.StepKey, Data: map[string]any{"countdown": string(cd.Kind)}})
	}
}

// Countdown returns the running countdown of kind, if any.
func (c *Coordinator) Countdown(kind Kind) (Countdown, bool) {
	m := c.machine(kind)
	if m == nil {
		return Countdown{}, false
	}
	return m.Snapshot()
}

// Tick handles countdowns whose deadline has passed and returns the
// outcomes of any runs or retries that expiry triggered.
func (c *Coordinator) Tick(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for _, kind := range Kinds {
		m := c.machine(kind)
		if m == nil {
			continue
		}
		cd, ok := m.Expire()
		if !ok {
			continue
		}
		c.emit(Event{Type: EventCountdownExpired, Kind: kind, StageID: cd.StepKey, Data: map[string]any{"countdown": string(cd.Kind)}})

		c.mu.Lock()
		rc := c.contexts[kind]
		step := c.pending[kind]
		c.mu.Unlock()

		var out Outcome
		var err error
		switch cd.Kind {
		case CountdownSuccess:
			if !c.cfg.AutoAdvance {
				continue
			}
			st, serr := c.runner.Status(ctx, kind)
			if serr != nil || st.Ready || st.Step == StepNone {
				continue
			}
			out, err = c.Run(ctx, kind, rc)
		case CountdownError, CountdownTimeout:
			if !c.cfg.AutoRetry || step == StepNone {
				continue
			}
			out, err = c.Retry(ctx, kind, step, rc)
		}
		if err != nil {
			log.Printf("component=pipeline.coordinator action=auto_%s_failed kind=%s err=%v", cd.Kind, kind, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// HandleEvent reacts to runner and watchdog events. A stalled stage starts a
// timeout countdown showing the time left before the stage is cut off.
func (c *Coordinator) HandleEvent(evt Event) {
	if evt.Type != EventStageStalled {
		return
	}
	m := c.machine(evt.Kind)
	if m == nil {
		return
	}
	remaining, _ := evt.Data["remaining"].(time.Duration)
	cd := m.Start(evt.StageID, CountdownTimeout, remaining)
	c.emit(Event{Type: EventCountdownStarted, Kind: evt.Kind, StageID: evt.StageID, Data: map[string]any{
		"countdown":         string(cd.Kind),
		"seconds_remaining": cd.SecondsRemaining,
	}})
}

// arm starts the countdown that follows an outcome.
func (c *Coordinator) arm(out Outcome) {
	m := c.machine(out.Kind)
	if m == nil {
		return
	}

	var kind CountdownKind
	var d time.Duration
	var key string
	switch out.Status {
	case OutcomeReady, OutcomeAdvanced:
		kind, d = CountdownSuccess, c.cfg.Success
		if def, err := c.runner.Definition(out.Kind); err == nil {
			if s, ok := def.StageFor(out.Step); ok {
				key = s.ID
			}
		}
		c.setPending(out.Kind, StepNone)
	case OutcomeFailed:
		if out.Error == nil {
			return
		}
		key = out.Error.StageID
		kind, d = CountdownError, c.cfg.Error
		if out.Error.Kind == ErrorKindTimeout {
			kind, d = CountdownTimeout, c.cfg.Timeout
		}
		step := out.FailedStep
		if out.Error.Deterministic() {
			step = StepNone
		}
		c.setPending(out.Kind, step)
	default:
		return
	}

	cd := m.Start(key, kind, d)
	c.emit(Event{Type: EventCountdownStarted, Kind: out.Kind, StageID: key, Data: map[string]any{
		"countdown":         string(cd.Kind),
		"seconds_remaining": cd.SecondsRemaining,
	}})
}

func (c *Coordinator) machine(kind Kind) *CountdownMachine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countdowns[kind]
}

func (c *Coordinator) remember(kind Kind, rc RunContext) {
	c.mu.Lock()
	c.contexts[kind] = rc
	c.mu.Unlock()
}

func (c *Coordinator) setPending(kind Kind, step Step) {
	c.mu.Lock()
	c.pending[kind] = step
	c.mu.Unlock()
}

func (c *Coordinator) emit(evt Event) {
	if c.notify == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = c.clock().UTC()
	}
	c.notify(evt)
}
