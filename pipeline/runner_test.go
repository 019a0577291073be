// ABOUTME: Tests for the pipeline runner: resumability, single-flight, error isolation, timeouts, and acceptance.
// ABOUTME: Uses scripted stages over a filesystem store so persisted state can be inspected between runs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rc = RunContext{Day: 2, Segment: "Night", SegmentOrder: []string{"Morning", "Night"}}

func TestRunCompletesAllStagesAndSetsReady(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, Step(3), out.Step)
	assert.Equal(t, []int32{1, 1, 1}, f.calls())

	st, err := f.store.Load(context.Background(), KindEndOfDay)
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Len(t, st.Outputs, 3)
	assert.JSONEq(t, `{"stage":"endofday.cast","day":2}`, string(st.Outputs["endofday.cast"]))
	assert.Contains(t, f.events.types(), EventPipelineReady)
}

func TestRunResumesFromPersistedStep(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[2].failNext(errors.New("upstream 503"))

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, Step(3), out.FailedStep)
	assert.Equal(t, Step(2), out.Step)

	out, err = f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, []int32{1, 1, 2}, f.calls(), "completed stages must not run again")
	assert.Contains(t, f.events.types(), EventPipelineResumed)
	assert.Contains(t, f.events.types(), EventStageSkipped)

	st, err := f.store.Load(context.Background(), KindEndOfDay)
	require.NoError(t, err)
	assert.Empty(t, st.Errors, "success clears the step's recorded error")
}

func TestRunOnReadyStateDoesNothing(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, []int32{1, 1, 1}, f.calls())
}

func TestFailureIsIsolatedToItsStep(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[1].failNext(errors.New("model returned garbage"))

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrorKindService, out.Error.Kind)
	assert.Equal(t, "model returned garbage", out.Error.Message)
	assert.Equal(t, "endofday.cast", out.Error.StageID)

	st, err := f.store.Load(context.Background(), KindEndOfDay)
	require.NoError(t, err)
	assert.Equal(t, Step(1), st.Step)
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors, Step(2))
	assert.Contains(t, st.Outputs, "endofday.summary")
	assert.NotContains(t, st.Outputs, "endofday.cast")
	assert.Equal(t, int32(0), f.scripts[2].calls.Load(), "later stages do not run after a failure")
}

func TestRunIsSingleFlightPerKind(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[0].block = make(chan struct{})

	done := make(chan Outcome, 1)
	go func() {
		out, _ := f.runner.Run(context.Background(), KindEndOfDay, rc)
		done <- out
	}()
	require.Eventually(t, func() bool { return f.scripts[0].calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = f.runner.RetryStep(context.Background(), KindEndOfDay, 1, rc)
	assert.ErrorIs(t, err, ErrAlreadyRunning, "retry is exclusive with a running pipeline")
	assert.True(t, f.runner.Running(KindEndOfDay))

	close(f.scripts[0].block)
	out := <-done
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, int32(1), f.scripts[0].calls.Load(), "rejected calls never reach the stage")
	assert.False(t, f.runner.Running(KindEndOfDay))
}

func TestStageTimeoutIsRecordedAsTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *RunnerConfig) { cfg.StageTimeout = 20 * time.Millisecond })
	f.scripts[0].block = make(chan struct{})

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, ErrorKindTimeout, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "timed out")
	assert.Equal(t, Step(1), out.FailedStep)
}

func TestDefaultStageTimeout(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, 210*time.Second, f.runner.StageTimeout())
}

func TestPanickingStageBecomesServiceError(t *testing.T) {
	f := newFixture(t, nil)
	def, err := NewDefinition(KindNewGame, Stage{ID: "newgame.world", Completes: 1, Run: func(context.Context, StageInput) (json.RawMessage, error) {
		panic("nil roster")
	}})
	require.NoError(t, err)
	runner, err := NewRunner(RunnerConfig{Store: f.store, Definitions: []*Definition{def}})
	require.NoError(t, err)

	out, err := runner.Run(context.Background(), KindNewGame, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, ErrorKindService, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "nil roster")
}

func TestValidationFailureKind(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[2].failNext(Invalid("segments", "expected 4 segments, got 3"))

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	assert.Equal(t, ErrorKindValidation, out.Error.Kind)
	assert.Equal(t, "validation failed: segments: expected 4 segments, got 3", out.Error.Message)
}

func TestBlockedByOtherTabRunsNothing(t *testing.T) {
	f := newFixture(t, func(cfg *RunnerConfig) {
		cfg.Guard = guardFunc(func(context.Context) error {
			return fmt.Errorf("holder abc: %w", ErrBlockedByOtherTab)
		})
	})

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	assert.ErrorIs(t, err, ErrBlockedByOtherTab)
	assert.Equal(t, OutcomeBlocked, out.Status)
	assert.Equal(t, ErrorKindBlocked, out.Error.Kind)
	assert.Equal(t, []int32{0, 0, 0}, f.calls())

	_, err = f.store.Load(context.Background(), KindEndOfDay)
	assert.ErrorIs(t, err, ErrStateNotFound, "a blocked run writes nothing")
	assert.Contains(t, f.events.types(), EventPipelineBlocked)
	assert.False(t, f.runner.Running(KindEndOfDay))
}

func TestRetryRunsOnlyTheRequestedStep(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[1].failNext(errors.New("429 rate limited"))

	_, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)

	out, err := f.runner.RetryStep(context.Background(), KindEndOfDay, 2, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, out.Status)
	assert.Equal(t, Step(2), out.Step)
	assert.Equal(t, []int32{1, 2, 0}, f.calls())
}

func TestRetryOutOfOrderIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[0].failNext(errors.New("boom"))
	_, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)

	_, err = f.runner.RetryStep(context.Background(), KindEndOfDay, 3, rc)
	assert.ErrorIs(t, err, ErrStepOutOfOrder)

	_, err = f.runner.RetryStep(context.Background(), KindEndOfDay, 9, rc)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestRetryOfCompletedStepIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)

	out, err := f.runner.RetryStep(context.Background(), KindEndOfDay, 1, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, []int32{1, 1, 1}, f.calls())
}

func TestRepeatedIdenticalFailureIsDeterministic(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[0].failNext(errors.New("request req_123 failed after 3 attempts"), errors.New("request req_456 failed after 4 attempts"))

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	assert.False(t, out.Error.Deterministic())

	out, err = f.runner.RetryStep(context.Background(), KindEndOfDay, 1, rc)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Error.Attempts)
	assert.True(t, out.Error.Deterministic())
}

func TestAcceptConsumesReadyResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.runner.Accept(ctx, KindEndOfDay, nil), ErrNotReady)

	_, err := f.runner.Run(ctx, KindEndOfDay, rc)
	require.NoError(t, err)

	applyErr := errors.New("disk full")
	err = f.runner.Accept(ctx, KindEndOfDay, func(*State) error { return applyErr })
	assert.ErrorIs(t, err, applyErr)
	st, err := f.store.Load(ctx, KindEndOfDay)
	require.NoError(t, err, "a failed apply keeps the result")
	assert.True(t, st.Ready)

	var applied *State
	require.NoError(t, f.runner.Accept(ctx, KindEndOfDay, func(s *State) error { applied = s; return nil }))
	require.NotNil(t, applied)
	assert.Len(t, applied.Outputs, 3)
	_, err = f.store.Load(ctx, KindEndOfDay)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestRunFromStepRewinds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.runner.Run(ctx, KindEndOfDay, rc)
	require.NoError(t, err)

	out, err := f.runner.Run(ctx, KindEndOfDay, rc, WithFromStep(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, []int32{1, 2, 2}, f.calls())

	f2 := newFixture(t, nil)
	_, err = f2.runner.Run(ctx, KindEndOfDay, rc, WithFromStep(2))
	assert.ErrorIs(t, err, ErrStepOutOfOrder, "cannot skip ahead of persisted progress")
}

func TestResetStartsFreshRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.runner.Run(ctx, KindEndOfDay, rc)
	require.NoError(t, err)
	before, err := f.runner.Status(ctx, KindEndOfDay)
	require.NoError(t, err)

	st, err := f.runner.Reset(ctx, KindEndOfDay)
	require.NoError(t, err)
	assert.Equal(t, StepNone, st.Step)
	assert.False(t, st.Ready)
	assert.NotEqual(t, before.RunID, st.RunID)
}

func TestCallerCancellationStillPersistsStage(t *testing.T) {
	f := newFixture(t, nil)
	f.scripts[0].block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.runner.Run(ctx, KindEndOfDay, rc)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.scripts[0].calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(f.scripts[0].block)
	require.Eventually(t, func() bool { return !f.runner.Running(KindEndOfDay) }, time.Second, time.Millisecond)

	st, err := f.store.Load(context.Background(), KindEndOfDay)
	require.NoError(t, err)
	assert.Equal(t, Step(1), st.Step, "the in-flight stage result is kept")
	assert.Equal(t, int32(0), f.scripts[1].calls.Load(), "no new stage starts after cancellation")
}

func TestUnknownKindIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.runner.Run(context.Background(), KindNewGame, rc)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRunResumesStateWithNullError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "end_of_day.json"), []byte(`{"kind":"end_of_day","step":0,"errors":{"1":null}}`), 0644))
	store, err := NewFSStateStore(dir)
	require.NoError(t, err)
	f := newFixture(t, func(cfg *RunnerConfig) { cfg.Store = store })

	out, err := f.runner.Run(context.Background(), KindEndOfDay, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, []int32{1, 1, 1}, f.calls())
}

func TestAcceptRequiresEveryStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st := NewState(KindEndOfDay, f.clock.Now())
	st.Step = 1
	st.Ready = true
	require.NoError(t, f.store.Save(ctx, st))

	applied := false
	err := f.runner.Accept(ctx, KindEndOfDay, func(*State) error { applied = true; return nil })
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, applied)

	status, err := f.runner.Status(ctx, KindEndOfDay)
	require.NoError(t, err)
	assert.False(t, status.Ready)

	out, err := f.runner.Run(ctx, KindEndOfDay, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, out.Status)
	assert.Equal(t, []int32{0, 1, 1}, f.calls(), "missing steps run before the result is ready")
	require.NoError(t, f.runner.Accept(ctx, KindEndOfDay, nil))
}

func TestRestoreClearsUnbackedReady(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st := NewState(KindEndOfDay, f.clock.Now())
	st.Step = 2
	st.Ready = true
	require.NoError(t, f.runner.Restore(ctx, st))

	saved, err := f.store.Load(ctx, KindEndOfDay)
	require.NoError(t, err)
	assert.Equal(t, Step(2), saved.Step)
	assert.False(t, saved.Ready)
}
