// ABOUTME: Pipeline kinds, per-kind step numbering, and the explicit stage <-> step mapping table.
// ABOUTME: Definitions are validated at construction so nothing depends on positional inference.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies one of the independent generation pipelines.
type Kind string

const (
	KindNewGame           Kind = "new_game"
	KindEndOfDay          Kind = "end_of_day"
	KindSegmentTransition Kind = "segment_transition"
)

// Kinds lists every pipeline kind in display order.
var Kinds = []Kind{KindNewGame, KindEndOfDay, KindSegmentTransition}

// ParseKind accepts the canonical name or a dashed alias ("end-of-day").
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindNewGame), "new-game", "newgame":
		return KindNewGame, nil
	case string(KindEndOfDay), "end-of-day", "endofday":
		return KindEndOfDay, nil
	case string(KindSegmentTransition), "segment-transition", "segment":
		return KindSegmentTransition, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Step is a completion marker within one kind's closed step set. Steps of
// different kinds are unrelated values. StepNone means nothing has completed.
type Step int

const StepNone Step = 0

// StageFunc executes one stage. It returns the stage output that will be
// persisted together with the step advance.
type StageFunc func(ctx context.Context, in StageInput) (json.RawMessage, error)

// StageInput is the context handed to a stage: the caller's run context and
// the outputs of earlier stages of the same run.
type StageInput struct {
	Kind    Kind
	StageID string
	Step    Step
	Run     RunContext
	Outputs map[string]json.RawMessage
}

// Output decodes the persisted output of an earlier stage into v.
func (in StageInput) Output(stageID string, v any) error {
	raw, ok := in.Outputs[stageID]
	if !ok {
		return fmt.Errorf("output of stage %q is not available", stageID)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode output of stage %q: %w", stageID, err)
	}
	return nil
}

// Stage binds an attempted-step ID to the step its success completes.
type Stage struct {
	ID        string
	Label     string
	Completes Step
	Run       StageFunc
}

// Definition is the ordered, validated stage table of one pipeline kind.
type Definition struct {
	kind    Kind
	stages  []Stage
	byStep  map[Step]int
	byStage map[string]int
}

// NewDefinition validates the table and builds both directions of the
// mapping. Steps must be positive and strictly increasing; stage IDs unique.
func NewDefinition(kind Kind, stages ...Stage) (*Definition, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s: no stages", kind)
	}
	d := &Definition{
		kind:    kind,
		stages:  make([]Stage, len(stages)),
		byStep:  make(map[Step]int, len(stages)),
		byStage: make(map[string]int, len(stages)),
	}
	copy(d.stages, stages)

	prev := StepNone
	for i, s := range d.stages {
		if s.ID == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no id", kind, i)
		}
		if s.Completes <= prev {
			return nil, fmt.Errorf("pipeline %s: stage %q completes step %d, which does not follow step %d", kind, s.ID, s.Completes, prev)
		}
		if _, dup := d.byStage[s.ID]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage id %q", kind, s.ID)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("pipeline %s: stage %q has no function", kind, s.ID)
		}
		d.byStep[s.Completes] = i
		d.byStage[s.ID] = i
		prev = s.Completes
	}
	return d, nil
}

// MustDefinition is NewDefinition that panics on an invalid table. Intended
// for package-level tables that are fixed at compile time.
func MustDefinition(kind Kind, stages ...Stage) *Definition {
	d, err := NewDefinition(kind, stages...)
	if err != nil {
		panic(err)
	}
	return d
}

// Kind returns the pipeline kind this definition belongs to.
func (d *Definition) Kind() Kind { return d.kind }

// Stages returns the stages in execution order.
func (d *Definition) Stages() []Stage {
	out := make([]Stage, len(d.stages))
	copy(out, d.stages)
	return out
}

// StageFor maps a completion step to the stage that produces it.
func (d *Definition) StageFor(step Step) (Stage, bool) {
	i, ok := d.byStep[step]
	if !ok {
		return Stage{}, false
	}
	return d.stages[i], true
}

// StepFor maps an attempted-step ID to the step its success completes.
func (d *Definition) StepFor(stageID string) (Step, bool) {
	i, ok := d.byStage[stageID]
	if !ok {
		return StepNone, false
	}
	return d.stages[i].Completes, true
}

// Next returns the first stage whose step has not been completed.
func (d *Definition) Next(completed Step) (Stage, bool) {
	i := sort.Search(len(d.stages), func(i int) bool { return d.stages[i].Completes > completed })
	if i >= len(d.stages) {
		return Stage{}, false
	}
	return d.stages[i], true
}

// Final returns the step reached when every stage has completed.
func (d *Definition) Final() Step {
	return d.stages[len(d.stages)-1].Completes
}

// Valid reports whether step is StepNone or a step of this kind.
func (d *Definition) Valid(step Step) bool {
	if step == StepNone {
		return true
	}
	_, ok := d.byStep[step]
	return ok
}
