// ABOUTME: Persisted per-kind pipeline state: furthest completed step, per-step errors, outputs, and the ready gate.
// ABOUTME: Includes migration defaults applied on every load and import, plus deep-copy helpers.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// StateVersion is the current on-disk schema version of State.
const StateVersion = 1

// ErrorDetail is one recorded stage failure.
type ErrorDetail struct {
	Kind       ErrorKind `json:"kind"`
	StageID    string    `json:"stage_id"`
	Step       Step      `json:"step"`
	Message    string    `json:"message"`
	Signature  string    `json:"signature,omitempty"`
	Attempts   int       `json:"attempts"`
	Repeats    int       `json:"repeats,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Deterministic reports whether the same normalized failure has been seen at
// least twice in a row for this step, which makes an automatic retry pointless.
func (d *ErrorDetail) Deterministic() bool {
	return d.Repeats >= 1
}

// State is the persisted progress of one pipeline kind.
//
// Step only moves forward except through Reset or an explicit rewind. Ready
// is the generated-but-unshown gate: it is set when the final stage completes
// and the state is discarded once the result is accepted.
type State struct {
	Version   int                        `json:"version"`
	Kind      Kind                       `json:"kind"`
	RunID     string                     `json:"run_id"`
	Step      Step                       `json:"step"`
	Attempted Step                       `json:"attempted,omitempty"`
	Errors    map[Step]*ErrorDetail      `json:"errors"`
	Outputs   map[string]json.RawMessage `json:"outputs"`
	Ready     bool                       `json:"ready"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewState returns a fresh state for kind with a new run ID.
func NewState(kind Kind, now time.Time) *State {
	return &State{
		Version:   StateVersion,
		Kind:      kind,
		RunID:     story.NewID(),
		Errors:    make(map[Step]*ErrorDetail),
		Outputs:   make(map[string]json.RawMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Migrate fills defaults for fields missing from older or partial saves.
// It never fails: anything absent gets its zero-progress default.
func Migrate(s *State, kind Kind) *State {
	if s == nil {
		return NewState(kind, time.Now().UTC())
	}
	if s.Version == 0 {
		s.Version = StateVersion
	}
	if s.Kind == "" {
		s.Kind = kind
	}
	if s.RunID == "" {
		s.RunID = story.NewID()
	}
	if s.Errors == nil {
		s.Errors = make(map[Step]*ErrorDetail)
	}
	for step, d := range s.Errors {
		if d == nil {
			delete(s.Errors, step)
		}
	}
	if s.Outputs == nil {
		s.Outputs = make(map[string]json.RawMessage)
	}
	if s.Step < StepNone {
		s.Step = StepNone
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	return s
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Errors = make(map[Step]*ErrorDetail, len(s.Errors))
	for k, v := range s.Errors {
		if v == nil {
			continue
		}
		d := *v
		out.Errors[k] = &d
	}
	out.Outputs = make(map[string]json.RawMessage, len(s.Outputs))
	for k, v := range s.Outputs {
		raw := make(json.RawMessage, len(v))
		copy(raw, v)
		out.Outputs[k] = raw
	}
	return &out
}

// LastError returns the most recently recorded failure, if any. Errors of
// completed steps are cleared on success, so any entry is for a pending step.
func (s *State) LastError() (*ErrorDetail, bool) {
	var last *ErrorDetail
	for _, d := range s.Errors {
		if d == nil {
			continue
		}
		if last == nil || d.OccurredAt.After(last.OccurredAt) {
			last = d
		}
	}
	return last, last != nil
}

// Complete reports whether the state has reached final.
func (s *State) Complete(final Step) bool {
	return s.Step >= final
}
