// ABOUTME: Filesystem-backed StateStore keeping one JSON document per pipeline kind.
// ABOUTME: Writes go through a temp file, fsync, and rename so a crash never leaves a torn state.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Compile-time check that FSStateStore implements StateStore.
var _ StateStore = (*FSStateStore)(nil)

// FSStateStore stores each kind's state at <dir>/<kind>.json.
type FSStateStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFSStateStore creates a store rooted at dir, creating it if needed.
func NewFSStateStore(dir string) (*FSStateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FSStateStore{dir: dir}, nil
}

func (s *FSStateStore) path(kind Kind) string {
	return filepath.Join(s.dir, string(kind)+".json")
}

// Load reads and migrates the state for kind.
func (s *FSStateStore) Load(_ context.Context, kind Kind) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("read state %s: %w", kind, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", kind, err)
	}
	return Migrate(&st, kind), nil
}

// Save atomically replaces the state file for state.Kind.
func (s *FSStateStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteJSONAtomic(s.path(state.Kind), state); err != nil {
		return fmt.Errorf("save state %s: %w", state.Kind, err)
	}
	return nil
}

// Delete removes the state file. Deleting a missing state is not an error.
func (s *FSStateStore) Delete(_ context.Context, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete state %s: %w", kind, err)
	}
	return nil
}

// WriteJSONAtomic marshals v and replaces path with it via temp file, fsync,
// rename, and a directory fsync.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
