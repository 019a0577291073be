// ABOUTME: Accept wires the runner's ready gate to the saved game: apply outputs, save the game, then discard state.
// ABOUTME: The game is saved before the pipeline state is deleted; a crash in between re-applies as a no-op.
package stages

import (
	"context"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/session"
)

// Accepter is the part of pipeline.Runner that Accept needs.
type Accepter interface {
	Accept(ctx context.Context, kind pipeline.Kind, apply func(*pipeline.State) error) error
}

// Accept applies the ready result of kind to the saved game and returns the
// updated game.
func Accept(ctx context.Context, runner Accepter, games *session.FileStore, kind pipeline.Kind) (*session.GameState, error) {
	g, err := games.LoadOrNew(ctx)
	if err != nil {
		return nil, err
	}
	err = runner.Accept(ctx, kind, func(st *pipeline.State) error {
		if err := Apply(g, st); err != nil {
			return err
		}
		return games.Save(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}
