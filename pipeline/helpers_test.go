// ABOUTME: Shared fakes for pipeline tests: a controllable clock, scripted stages, and a guard.
// ABOUTME: Stages count their invocations so tests can assert which ones actually ran.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// script controls one stage's behavior and counts its calls.
type script struct {
	calls atomic.Int32
	mu    sync.Mutex
	fails []error // consumed one per call; nil entry or exhausted list means success
	block chan struct{}
}

func (s *script) failNext(errs ...error) {
	s.mu.Lock()
	s.fails = append(s.fails, errs...)
	s.mu.Unlock()
}

func (s *script) run(id string) StageFunc {
	return func(ctx context.Context, in StageInput) (json.RawMessage, error) {
		s.calls.Add(1)
		if s.block != nil {
			select {
			case <-s.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.mu.Lock()
		var err error
		if len(s.fails) > 0 {
			err = s.fails[0]
			s.fails = s.fails[1:]
		}
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf(`{"stage":%q,"day":%d}`, id, in.Run.Day)), nil
	}
}

type fixture struct {
	runner  *Runner
	store   *FSStateStore
	clock   *fakeClock
	scripts []*script
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(evt Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

// newFixture builds a runner with a three-stage end_of_day definition.
func newFixture(t *testing.T, mutate func(*RunnerConfig)) *fixture {
	t.Helper()
	store, err := NewFSStateStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{store: store, clock: newFakeClock(), events: &eventLog{}}
	ids := []string{"endofday.summary", "endofday.cast", "endofday.dayplan"}
	var stages []Stage
	for i, id := range ids {
		s := &script{}
		f.scripts = append(f.scripts, s)
		stages = append(stages, Stage{ID: id, Completes: Step(i + 1), Run: s.run(id)})
	}
	def, err := NewDefinition(KindEndOfDay, stages...)
	require.NoError(t, err)

	cfg := RunnerConfig{
		Store:        store,
		Definitions:  []*Definition{def},
		EventHandler: f.events.handle,
		Clock:        f.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.runner, err = NewRunner(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) calls() []int32 {
	out := make([]int32, len(f.scripts))
	for i, s := range f.scripts {
		out[i] = s.calls.Load()
	}
	return out
}

type guardFunc func(ctx context.Context) error

func (g guardFunc) Claim(ctx context.Context) error { return g(ctx) }
