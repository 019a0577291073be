// ABOUTME: StateStore interface for persisting per-kind pipeline state.
// ABOUTME: A Save must write the step advance and its stage output together or not at all.
package pipeline

import (
	"context"
	"errors"
)

// ErrStateNotFound is returned by Load when no state has been saved for a kind.
var ErrStateNotFound = errors.New("pipeline state not found")

// StateStore persists pipeline state. Implementations must make Save atomic:
// a reader sees either the previous state or the new one, never a mix.
type StateStore interface {
	Load(ctx context.Context, kind Kind) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, kind Kind) error
}
