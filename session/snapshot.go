// ABOUTME: Portable save snapshots bundling the game state with every pipeline's persisted state.
// ABOUTME: Import decodes leniently and applies the same migration defaults as a fresh load.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/history"
	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// SnapshotFormat identifies a seiyo save file.
const SnapshotFormat = "seiyo-save"

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// Snapshot is everything needed to resume a session on another machine.
type Snapshot struct {
	Format     string                            `json:"format"`
	Version    int                               `json:"version"`
	ExportedAt time.Time                         `json:"exported_at"`
	Game       *GameState                        `json:"game"`
	Pipelines  map[pipeline.Kind]*pipeline.State `json:"pipelines,omitempty"`
}

// StateLoader is the read side of a pipeline state store.
type StateLoader interface {
	Status(ctx context.Context, kind pipeline.Kind) (*pipeline.State, error)
}

// Export collects the game and the state of every pipeline kind that has
// made progress or recorded an error.
func Export(ctx context.Context, g *GameState, states StateLoader) (*Snapshot, error) {
	snap := &Snapshot{
		Format:     SnapshotFormat,
		Version:    SnapshotVersion,
		ExportedAt: time.Now().UTC(),
		Game:       g,
		Pipelines:  make(map[pipeline.Kind]*pipeline.State),
	}
	for _, kind := range pipeline.Kinds {
		st, err := states.Status(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("export %s state: %w", kind, err)
		}
		if st.Step == pipeline.StepNone && len(st.Errors) == 0 {
			continue
		}
		snap.Pipelines[kind] = st
	}
	return snap, nil
}

// Marshal encodes the snapshot as indented JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Import decodes a snapshot. Missing fields default rather than fail: the
// game and every pipeline state go through the same migration as a load.
// fallback is the day structure used when the save has none.
func Import(data []byte, fallback story.SegmentOrder) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Format != "" && snap.Format != SnapshotFormat {
		return nil, fmt.Errorf("unsupported snapshot format %q", snap.Format)
	}
	if snap.Format == "" {
		snap.Format = SnapshotFormat
	}
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}
	snap.Game = MigrateGame(snap.Game, fallback)

	pipelines := make(map[pipeline.Kind]*pipeline.State, len(snap.Pipelines))
	for key, st := range snap.Pipelines {
		kind, err := pipeline.ParseKind(string(key))
		if err != nil {
			log.Printf("component=session action=import_skip_kind kind=%q", key)
			continue
		}
		st = pipeline.Migrate(st, kind)
		if st.Kind != kind {
			log.Printf("component=session action=import_fix_kind key=%q state_kind=%q", key, st.Kind)
			st.Kind = kind
		}
		if _, taken := pipelines[kind]; taken && key != kind {
			continue
		}
		pipelines[kind] = st
	}
	snap.Pipelines = pipelines
	return &snap, nil
}

// History reconciles the snapshot's own archive and live dialogue. The
// snapshot's day structure wins; fallback is used when it has none.
func (s *Snapshot) History(fallback story.SegmentOrder) []story.DayLog {
	g := s.Game
	return history.ReconcileImported(history.Input{
		Archive:      g.Archive,
		LiveDay:      g.Day,
		LiveSegment:  g.Segment,
		Committed:    g.Live.Committed,
		Queued:       g.Live.Queued,
		InFlight:     g.Live.InFlight,
		SegmentOrder: g.SegmentOrder,
	}, fallback)
}

// StateRestorer is the write side used when restoring pipeline states.
type StateRestorer interface {
	Restore(ctx context.Context, st *pipeline.State) error
	Reset(ctx context.Context, kind pipeline.Kind) (*pipeline.State, error)
}

// Restore writes the snapshot into the active stores. Kinds absent from the
// snapshot are reset so no stale progress from the previous session remains.
func Restore(ctx context.Context, snap *Snapshot, games *FileStore, states StateRestorer) error {
	if err := games.Save(ctx, snap.Game); err != nil {
		return err
	}
	for _, kind := range pipeline.Kinds {
		st, ok := snap.Pipelines[kind]
		if !ok {
			if _, err := states.Reset(ctx, kind); err != nil {
				return fmt.Errorf("reset %s: %w", kind, err)
			}
			continue
		}
		if err := states.Restore(ctx, st); err != nil {
			return fmt.Errorf("restore %s: %w", kind, err)
		}
	}
	log.Printf("component=session action=restored title=%q day=%d pipelines=%d", snap.Game.Title, snap.Game.Day, len(snap.Pipelines))
	return nil
}
