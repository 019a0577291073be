// ABOUTME: PipelineRunner executes a kind's stages in order, persisting each stage's output with its step advance.
// ABOUTME: Skips completed stages, enforces a per-stage timeout, records failures per step, and admits one run per kind.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// DefaultStageTimeout bounds a single stage when RunnerConfig.StageTimeout is zero.
const DefaultStageTimeout = 3*time.Minute + 30*time.Second

// RunContext carries the game facts a stage needs. It is supplied by the
// caller on every run rather than read from ambient state.
type RunContext struct {
	Day          int                   `json:"day"`
	Segment      string                `json:"segment"`
	SegmentOrder story.SegmentOrder    `json:"segment_order"`
	Roster       story.Roster          `json:"roster,omitempty"`
	Title        string                `json:"title,omitempty"`
	Premise      string                `json:"premise,omitempty"`
	Dialogue     []story.DialogueEntry `json:"dialogue,omitempty"`
	Language     string                `json:"language,omitempty"`
}

// TabGuard is consulted before any stage runs. Claim returns an error
// wrapping ErrBlockedByOtherTab when another process owns the session.
type TabGuard interface {
	Claim(ctx context.Context) error
}

// OutcomeStatus summarizes how a run or retry ended.
type OutcomeStatus string

const (
	// OutcomeReady means every stage is complete and the result awaits acceptance.
	OutcomeReady OutcomeStatus = "ready"
	// OutcomeAdvanced means a retried stage succeeded but later stages remain.
	OutcomeAdvanced OutcomeStatus = "advanced"
	// OutcomeFailed means a stage failed; its error is recorded under FailedStep.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeBlocked means another tab owns the session; nothing ran.
	OutcomeBlocked OutcomeStatus = "blocked"
)

// Outcome is the result of Run or RetryStep.
type Outcome struct {
	Kind       Kind          `json:"kind"`
	Status     OutcomeStatus `json:"status"`
	Step       Step          `json:"step"`
	FailedStep Step          `json:"failed_step,omitempty"`
	Error      *ErrorDetail  `json:"error,omitempty"`
}

// RunnerConfig holds the runner's collaborators.
type RunnerConfig struct {
	Store        StateStore
	Definitions  []*Definition
	StageTimeout time.Duration    // zero = DefaultStageTimeout
	Guard        TabGuard         // nil = no cross-tab check
	EventHandler func(Event)      // optional event callback
	Clock        func() time.Time // nil = time.Now
}

// RunOption adjusts a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	fromStep *Step
}

// WithFromStep rewinds the pipeline to step before running: outputs and
// errors of later steps are discarded and those stages run again. step must
// not be ahead of the persisted step.
func WithFromStep(step Step) RunOption {
	return func(o *runOptions) { o.fromStep = &step }
}

// Runner executes pipelines. It is safe for concurrent use; at most one run
// or retry per kind executes at a time.
type Runner struct {
	cfg  RunnerConfig
	defs map[Kind]*Definition

	mu      sync.Mutex
	running map[Kind]bool
}

// NewRunner validates the configuration and returns a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runner: store is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	defs := make(map[Kind]*Definition, len(cfg.Definitions))
	for _, d := range cfg.Definitions {
		if _, dup := defs[d.Kind()]; dup {
			return nil, fmt.Errorf("runner: duplicate definition for %s", d.Kind())
		}
		defs[d.Kind()] = d
	}
	return &Runner{cfg: cfg, defs: defs, running: make(map[Kind]bool)}, nil
}

// SetEventHandler replaces the event callback. Call before any run starts.
func (r *Runner) SetEventHandler(handler func(Event)) {
	r.cfg.EventHandler = handler
}

// StageTimeout returns the effective per-stage timeout.
func (r *Runner) StageTimeout() time.Duration {
	return r.cfg.StageTimeout
}

// Definition returns the stage table for kind.
func (r *Runner) Definition(kind Kind) (*Definition, error) {
	d, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return d, nil
}

// Running reports whether a run or retry of kind is executing.
func (r *Runner) Running(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[kind]
}

// Status returns the persisted state of kind, or a fresh unsaved state.
func (r *Runner) Status(ctx context.Context, kind Kind) (*State, error) {
	if _, err := r.Definition(kind); err != nil {
		return nil, err
	}
	return r.load(ctx, kind)
}

// Run executes every stage of kind not yet completed. Stage failures are
// reported in the Outcome, not as an error; the error return is reserved for
// rejected calls (ErrAlreadyRunning, ErrBlockedByOtherTab), persistence
// failures, and caller cancellation.
//
// If ctx is cancelled while a stage is in flight, Run returns ctx.Err() at
// once; the stage keeps running under its own timeout and its outcome is
// still persisted, but no further stages start.
func (r *Runner) Run(ctx context.Context, kind Kind, rc RunContext, opts ...RunOption) (Outcome, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	def, err := r.Definition(kind)
	if err != nil {
		return Outcome{}, err
	}
	release, err := r.acquire(kind)
	if err != nil {
		return Outcome{Kind: kind}, err
	}

	return r.detach(ctx, release, func() (Outcome, error) {
		if blocked, err := r.claim(ctx, kind); err != nil {
			return blocked, err
		}

		st, err := r.load(ctx, kind)
		if err != nil {
			return Outcome{Kind: kind}, err
		}
		if o.fromStep != nil {
			if st, err = r.rewind(ctx, def, st, *o.fromStep); err != nil {
				return Outcome{Kind: kind, Step: st.Step}, err
			}
		}
		return r.drive(ctx, def, st, rc)
	})
}

// RetryStep re-runs exactly the stage that completes step. The step must be
// the one after the furthest completed step; a step already completed is a
// no-op. Later stages are not run.
func (r *Runner) RetryStep(ctx context.Context, kind Kind, step Step, rc RunContext) (Outcome, error) {
	def, err := r.Definition(kind)
	if err != nil {
		return Outcome{}, err
	}
	stage, ok := def.StageFor(step)
	if !ok {
		return Outcome{Kind: kind}, fmt.Errorf("%w: %s step %d", ErrUnknownStep, kind, step)
	}
	release, err := r.acquire(kind)
	if err != nil {
		return Outcome{Kind: kind}, err
	}

	return r.detach(ctx, release, func() (Outcome, error) {
		if blocked, err := r.claim(ctx, kind); err != nil {
			return blocked, err
		}

		st, err := r.load(ctx, kind)
		if err != nil {
			return Outcome{Kind: kind}, err
		}
		if step <= st.Step {
			return r.settled(def, st), nil
		}
		if next, _ := def.Next(st.Step); next.Completes != step {
			return Outcome{Kind: kind, Step: st.Step}, fmt.Errorf("%w: %s step %d (completed %d)", ErrStepOutOfOrder, kind, step, st.Step)
		}

		st, detail, err := r.executeStage(ctx, def, st, stage, rc)
		if err != nil {
			return Outcome{Kind: kind, Step: st.Step}, err
		}
		if detail != nil {
			return Outcome{Kind: kind, Status: OutcomeFailed, Step: st.Step, FailedStep: step, Error: detail}, nil
		}
		if st.Ready {
			r.emit(Event{Type: EventPipelineReady, Kind: kind, Step: st.Step})
		}
		return r.settled(def, st), nil
	})
}

// Accept consumes a ready result: apply is called with the final state and,
// if it succeeds, the persisted state is discarded.
func (r *Runner) Accept(ctx context.Context, kind Kind, apply func(*State) error) error {
	def, err := r.Definition(kind)
	if err != nil {
		return err
	}
	release, err := r.acquire(kind)
	if err != nil {
		return err
	}
	defer release()

	st, err := r.cfg.Store.Load(ctx, kind)
	if errors.Is(err, ErrStateNotFound) {
		return ErrNotReady
	}
	if err != nil {
		return err
	}
	if !st.Ready || !st.Complete(def.Final()) {
		return ErrNotReady
	}
	if apply != nil {
		if err := apply(st); err != nil {
			return fmt.Errorf("apply %s result: %w", kind, err)
		}
	}
	if err := r.cfg.Store.Delete(ctx, kind); err != nil {
		return err
	}
	log.Printf("component=pipeline.runner action=accepted kind=%s run_id=%s", kind, st.RunID)
	r.emit(Event{Type: EventPipelineAccepted, Kind: kind, Step: st.Step, Data: map[string]any{"run_id": st.RunID}})
	return nil
}

// Reset discards all progress of kind and persists a fresh state.
func (r *Runner) Reset(ctx context.Context, kind Kind) (*State, error) {
	if _, err := r.Definition(kind); err != nil {
		return nil, err
	}
	release, err := r.acquire(kind)
	if err != nil {
		return nil, err
	}
	defer release()

	st := NewState(kind, r.now())
	if err := r.cfg.Store.Save(ctx, st); err != nil {
		return nil, err
	}
	log.Printf("component=pipeline.runner action=reset kind=%s run_id=%s", kind, st.RunID)
	r.emit(Event{Type: EventPipelineReset, Kind: kind, Data: map[string]any{"run_id": st.RunID}})
	return st, nil
}

// Restore replaces the persisted state of st.Kind, as when importing a save.
func (r *Runner) Restore(ctx context.Context, st *State) error {
	def, err := r.Definition(st.Kind)
	if err != nil {
		return err
	}
	release, err := r.acquire(st.Kind)
	if err != nil {
		return err
	}
	defer release()
	return r.cfg.Store.Save(ctx, gateReady(def, Migrate(st, st.Kind)))
}

// drive runs stages from the first incomplete one until a failure or the end.
func (r *Runner) drive(ctx context.Context, def *Definition, st *State, rc RunContext) (Outcome, error) {
	kind := def.Kind()

	if st.Complete(def.Final()) {
		if !st.Ready {
			st = st.Clone()
			st.Ready = true
			st.UpdatedAt = r.now()
			if err := r.cfg.Store.Save(ctx, st); err != nil {
				return Outcome{Kind: kind, Step: st.Step}, err
			}
		}
		return r.settled(def, st), nil
	}

	evtType := EventPipelineStarted
	if st.Step > StepNone {
		evtType = EventPipelineResumed
	}
	log.Printf("component=pipeline.runner action=%s kind=%s step=%d run_id=%s", evtType, kind, st.Step, st.RunID)
	r.emit(Event{Type: evtType, Kind: kind, Step: st.Step, Data: map[string]any{"run_id": st.RunID}})

	for _, s := range def.Stages() {
		if s.Completes <= st.Step {
			r.emit(Event{Type: EventStageSkipped, Kind: kind, Step: s.Completes, StageID: s.ID})
		}
	}

	for {
		stage, ok := def.Next(st.Step)
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: kind, Step: st.Step}, err
		}

		var detail *ErrorDetail
		var err error
		st, detail, err = r.executeStage(ctx, def, st, stage, rc)
		if err != nil {
			return Outcome{Kind: kind, Step: st.Step}, err
		}
		if detail != nil {
			r.emit(Event{Type: EventPipelineFailed, Kind: kind, Step: stage.Completes, StageID: stage.ID, Data: map[string]any{"error_kind": string(detail.Kind)}})
			return Outcome{Kind: kind, Status: OutcomeFailed, Step: st.Step, FailedStep: stage.Completes, Error: detail}, nil
		}
	}

	log.Printf("component=pipeline.runner action=ready kind=%s run_id=%s", kind, st.RunID)
	r.emit(Event{Type: EventPipelineReady, Kind: kind, Step: st.Step, Data: map[string]any{"run_id": st.RunID}})
	return r.settled(def, st), nil
}

// executeStage runs one stage and persists its result. A stage failure is
// returned as detail; err is only set when the result could not be saved, in
// which case the returned state is the unchanged input.
func (r *Runner) executeStage(ctx context.Context, def *Definition, st *State, stage Stage, rc RunContext) (*State, *ErrorDetail, error) {
	kind := def.Kind()
	persistCtx := context.WithoutCancel(ctx)
	r.emit(Event{Type: EventStageStarted, Kind: kind, Step: stage.Completes, StageID: stage.ID})

	in := StageInput{
		Kind:    kind,
		StageID: stage.ID,
		Step:    stage.Completes,
		Run:     rc,
		Outputs: st.Clone().Outputs,
	}

	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StageTimeout)
	started := r.now()
	out, runErr := safeExecute(stageCtx, stage, in)
	if runErr == nil && !json.Valid(out) {
		runErr = fmt.Errorf("stage %q returned malformed output", stage.ID)
	}
	errKind := ErrorKind("")
	if runErr != nil {
		errKind = kindOf(stageCtx, runErr)
	}
	cancel()

	next := st.Clone()
	next.Attempted = stage.Completes
	next.UpdatedAt = r.now()
	elapsed := next.UpdatedAt.Sub(started)

	if runErr == nil {
		next.Outputs[stage.ID] = out
		next.Step = stage.Completes
		delete(next.Errors, stage.Completes)
		next.Ready = stage.Completes == def.Final()
		if err := r.cfg.Store.Save(persistCtx, next); err != nil {
			log.Printf("component=pipeline.runner action=save_failed kind=%s stage=%s err=%v", kind, stage.ID, err)
			return st, nil, fmt.Errorf("persist %s: %w", stage.ID, err)
		}
		log.Printf("component=pipeline.runner action=stage_completed kind=%s stage=%s step=%d elapsed=%s", kind, stage.ID, stage.Completes, elapsed)
		r.emit(Event{Type: EventStageCompleted, Kind: kind, Step: stage.Completes, StageID: stage.ID, Data: map[string]any{"elapsed": elapsed.String()}})
		return next, nil, nil
	}

	msg := runErr.Error()
	if errKind == ErrorKindTimeout && errors.Is(runErr, context.DeadlineExceeded) {
		msg = fmt.Sprintf("stage %s timed out after %s", stage.ID, r.cfg.StageTimeout)
	}
	detail := &ErrorDetail{
		Kind:       errKind,
		StageID:    stage.ID,
		Step:       stage.Completes,
		Message:    msg,
		Signature:  FailureSignature(msg),
		Attempts:   1,
		OccurredAt: next.UpdatedAt,
	}
	if prev, ok := next.Errors[stage.Completes]; ok {
		detail.Attempts = prev.Attempts + 1
		if prev.Signature == detail.Signature {
			detail.Repeats = prev.Repeats + 1
		}
	}
	next.Errors[stage.Completes] = detail
	if err := r.cfg.Store.Save(persistCtx, next); err != nil {
		log.Printf("component=pipeline.runner action=save_failed kind=%s stage=%s err=%v", kind, stage.ID, err)
		return st, nil, fmt.Errorf("persist %s failure: %w", stage.ID, err)
	}

	log.Printf("component=pipeline.runner action=stage_failed kind=%s stage=%s step=%d error_kind=%s attempts=%d err=%q", kind, stage.ID, stage.Completes, errKind, detail.Attempts, msg)
	r.emit(Event{Type: EventStageFailed, Kind: kind, Step: stage.Completes, StageID: stage.ID, Data: map[string]any{
		"error_kind": string(errKind),
		"message":    msg,
		"attempts":   detail.Attempts,
	}})
	return next, detail, nil
}

// rewind moves the persisted step back to step, discarding later outputs and errors.
func (r *Runner) rewind(ctx context.Context, def *Definition, st *State, step Step) (*State, error) {
	if !def.Valid(step) {
		return st, fmt.Errorf("%w: %s step %d", ErrUnknownStep, def.Kind(), step)
	}
	if step > st.Step {
		return st, fmt.Errorf("%w: cannot start %s at step %d, completed %d", ErrStepOutOfOrder, def.Kind(), step, st.Step)
	}
	if step == st.Step {
		return st, nil
	}

	next := st.Clone()
	next.Step = step
	next.Ready = false
	for _, s := range def.Stages() {
		if s.Completes > step {
			delete(next.Outputs, s.ID)
			delete(next.Errors, s.Completes)
		}
	}
	next.UpdatedAt = r.now()
	if err := r.cfg.Store.Save(ctx, next); err != nil {
		return st, err
	}
	log.Printf("component=pipeline.runner action=rewind kind=%s from=%d to=%d", def.Kind(), st.Step, step)
	return next, nil
}

// settled describes a state that is not mid-failure.
func (r *Runner) settled(def *Definition, st *State) Outcome {
	status := OutcomeAdvanced
	if st.Ready || st.Complete(def.Final()) {
		status = OutcomeReady
	}
	return Outcome{Kind: def.Kind(), Status: status, Step: st.Step}
}

// claim checks the cross-tab guard.
func (r *Runner) claim(ctx context.Context, kind Kind) (Outcome, error) {
	if r.cfg.Guard == nil {
		return Outcome{}, nil
	}
	if err := r.cfg.Guard.Claim(ctx); err != nil {
		if !errors.Is(err, ErrBlockedByOtherTab) {
			return Outcome{Kind: kind}, fmt.Errorf("claim session: %w", err)
		}
		log.Printf("component=pipeline.runner action=blocked kind=%s err=%q", kind, err)
		r.emit(Event{Type: EventPipelineBlocked, Kind: kind, Data: map[string]any{"message": err.Error()}})
		return Outcome{Kind: kind, Status: OutcomeBlocked, Error: &ErrorDetail{
			Kind:       ErrorKindBlocked,
			Message:    err.Error(),
			OccurredAt: r.now(),
		}}, err
	}
	return Outcome{}, nil
}

func (r *Runner) load(ctx context.Context, kind Kind) (*State, error) {
	st, err := r.cfg.Store.Load(ctx, kind)
	if errors.Is(err, ErrStateNotFound) {
		return NewState(kind, r.now()), nil
	}
	if err != nil {
		return nil, err
	}
	def, err := r.Definition(kind)
	if err != nil {
		return nil, err
	}
	return gateReady(def, st), nil
}

// gateReady clears a Ready flag that the step does not back up, as in a
// hand-edited or imported state that claims readiness with stages missing.
func gateReady(def *Definition, st *State) *State {
	if st.Ready && !st.Complete(def.Final()) {
		log.Printf("component=pipeline.runner action=clear_ready kind=%s step=%d final=%d", def.Kind(), st.Step, def.Final())
		st.Ready = false
	}
	return st
}

// acquire admits one execution per kind. A second caller is rejected, not queued.
func (r *Runner) acquire(kind Kind) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[kind] {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, kind)
	}
	r.running[kind] = true
	return func() {
		r.mu.Lock()
		delete(r.running, kind)
		r.mu.Unlock()
	}, nil
}

type result struct {
	outcome Outcome
	err     error
}

// detach runs fn on its own goroutine so a cancelled caller stops waiting
// without abandoning a stage mid-write. release runs before the result is
// delivered, so a caller that receives it can immediately start another run.
func (r *Runner) detach(ctx context.Context, release func(), fn func() (Outcome, error)) (Outcome, error) {
	done := make(chan result, 1)
	go func() {
		o, err := fn()
		release()
		done <- result{o, err}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (r *Runner) now() time.Time {
	return r.cfg.Clock().UTC()
}

// emit stamps and delivers an event to the configured handler.
func (r *Runner) emit(evt Event) {
	if r.cfg.EventHandler == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}
	r.cfg.EventHandler(evt)
}

// safeExecute calls the stage function, converting a panic into an error.
func safeExecute(ctx context.Context, stage Stage, in StageInput) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("component=pipeline.runner action=stage_panic stage=%s panic=%v\n%s", stage.ID, rec, debug.Stack())
			err = fmt.Errorf("stage %q panicked: %v", stage.ID, rec)
			out = nil
		}
	}()
	return stage.Run(ctx, in)
}
