// ABOUTME: Tests for the stall watchdog: detection threshold, single warning per start, and remaining time.
// ABOUTME: Uses a fake clock and calls Check directly instead of waiting on the ticker.
package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWatchdogConfig(t *testing.T) {
	cfg := DefaultWatchdogConfig()
	assert.Equal(t, 2*time.Minute, cfg.StallTimeout)
	assert.Equal(t, DefaultStageTimeout, cfg.HardTimeout)
}

func TestWatchdogReportsStallOnce(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var got []Event
	w := NewWatchdog(WatchdogConfig{StallTimeout: time.Minute, CheckInterval: time.Second, HardTimeout: 3 * time.Minute}, clock.Now, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	w.HandleEvent(Event{Type: EventStageStarted, Kind: KindNewGame, StageID: "newgame.cast", Step: 2})
	assert.Equal(t, 1, w.Active())

	clock.Advance(30 * time.Second)
	w.Check()
	assert.Empty(t, got)

	clock.Advance(45 * time.Second)
	w.Check()
	w.Check()
	require.Len(t, got, 1)
	assert.Equal(t, EventStageStalled, got[0].Type)
	assert.Equal(t, "newgame.cast", got[0].StageID)
	assert.Equal(t, 105*time.Second, got[0].Data["remaining"])

	w.HandleEvent(Event{Type: EventStageCompleted, Kind: KindNewGame, StageID: "newgame.cast"})
	assert.Equal(t, 0, w.Active())
}

func TestWatchdogIgnoresFinishedStages(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	w := NewWatchdog(WatchdogConfig{StallTimeout: time.Second, HardTimeout: time.Minute}, clock.Now, func(Event) { calls++ })

	w.HandleEvent(Event{Type: EventStageStarted, Kind: KindEndOfDay, StageID: "endofday.summary"})
	w.HandleEvent(Event{Type: EventStageFailed, Kind: KindEndOfDay, StageID: "endofday.summary"})
	clock.Advance(time.Hour)
	w.Check()
	assert.Equal(t, 0, calls)
}
