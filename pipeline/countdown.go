// ABOUTME: Transient countdown state machine (Idle -> Counting -> Idle) driven by an injected clock.
// ABOUTME: Counts down after a stage succeeds or fails and reports expiry for auto-advance or auto-retry.
package pipeline

import (
	"sync"
	"time"
)

// CountdownKind says why a countdown is running.
type CountdownKind string

const (
	CountdownSuccess CountdownKind = "success"
	CountdownError   CountdownKind = "error"
	CountdownTimeout CountdownKind = "timeout"
)

// Countdown is the externally visible countdown. It is never persisted.
type Countdown struct {
	StepKey          string        `json:"step_key"`
	Kind             CountdownKind `json:"kind"`
	Remaining        time.Duration `json:"-"`
	SecondsRemaining int           `json:"seconds_remaining"`
}

// CountdownMachine holds at most one active countdown.
type CountdownMachine struct {
	clock func() time.Time

	mu       sync.Mutex
	active   bool
	key      string
	kind     CountdownKind
	deadline time.Time
}

// NewCountdownMachine returns an idle machine. A nil clock uses time.Now.
func NewCountdownMachine(clock func() time.Time) *CountdownMachine {
	if clock == nil {
		clock = time.Now
	}
	return &CountdownMachine{clock: clock}
}

// Start enters Counting, replacing any countdown already running.
func (m *CountdownMachine) Start(stepKey string, kind CountdownKind, d time.Duration) Countdown {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	m.key = stepKey
	m.kind = kind
	m.deadline = m.clock().Add(d)
	return m.viewLocked()
}

// Cancel returns to Idle. It reports whether a countdown was running.
func (m *CountdownMachine) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.active
	m.active = false
	return was
}

// Snapshot returns the running countdown, if any.
func (m *CountdownMachine) Snapshot() (Countdown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return Countdown{}, false
	}
	return m.viewLocked(), true
}

// Expire returns to Idle and reports the countdown if its deadline has passed.
func (m *CountdownMachine) Expire() (Countdown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.clock().Before(m.deadline) {
		return Countdown{}, false
	}
	cd := m.viewLocked()
	m.active = false
	return cd, true
}

func (m *CountdownMachine) viewLocked() Countdown {
	remaining := m.deadline.Sub(m.clock())
	if remaining < 0 {
		remaining = 0
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	return Countdown{StepKey: m.key, Kind: m.kind, Remaining: remaining, SecondsRemaining: secs}
}
