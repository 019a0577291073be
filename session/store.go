// ABOUTME: File persistence for GameState at <dir>/game.json using the same atomic write as pipeline state.
// ABOUTME: Loads always run MigrateGame so older or partial saves come back with defaults filled in.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// ErrNoGame is returned by Load when no session has been saved yet.
var ErrNoGame = errors.New("no saved game")

// FileStore persists one GameState.
type FileStore struct {
	path  string
	order story.SegmentOrder
	mu    sync.Mutex
}

// NewFileStore creates a store writing <dir>/game.json. order is the default
// day structure applied to saves that lack one.
func NewFileStore(dir string, order story.SegmentOrder) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "game.json"), order: order}, nil
}

// Path returns the file the store writes.
func (s *FileStore) Path() string { return s.path }

// Load reads the saved game.
func (s *FileStore) Load(_ context.Context) (*GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoGame
	}
	if err != nil {
		return nil, fmt.Errorf("read game: %w", err)
	}
	var g GameState
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode game: %w", err)
	}
	return MigrateGame(&g, s.order), nil
}

// Save atomically replaces the saved game.
func (s *FileStore) Save(_ context.Context, g *GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g.UpdatedAt = time.Now().UTC()
	if err := pipeline.WriteJSONAtomic(s.path, g); err != nil {
		return fmt.Errorf("save game: %w", err)
	}
	return nil
}

// Update loads the game, applies fn, and saves the result.
func (s *FileStore) Update(ctx context.Context, fn func(*GameState) error) (*GameState, error) {
	g, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(g); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadOrNew returns the saved game, or a fresh unsaved one when none exists.
func (s *FileStore) LoadOrNew(ctx context.Context) (*GameState, error) {
	g, err := s.Load(ctx)
	if errors.Is(err, ErrNoGame) {
		return NewGame("", "", s.order, time.Now().UTC()), nil
	}
	return g, err
}
