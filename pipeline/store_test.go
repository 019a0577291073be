// ABOUTME: Tests for the filesystem and SQLite state stores and load-time migration defaults.
// ABOUTME: Both stores must round-trip errors and outputs and report missing state with ErrStateNotFound.
package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *State {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	st := NewState(KindSegmentTransition, now)
	st.Step = 1
	st.Outputs["segment.summary"] = json.RawMessage(`{"summary":"They met at the gate."}`)
	st.Errors[2] = &ErrorDetail{Kind: ErrorKindTimeout, StageID: "segment.scene", Step: 2, Message: "timed out", Attempts: 1, OccurredAt: now}
	return st
}

func exerciseStore(t *testing.T, store StateStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, KindSegmentTransition)
	assert.ErrorIs(t, err, ErrStateNotFound)

	want := sampleState()
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx, KindSegmentTransition)
	require.NoError(t, err)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, Step(1), got.Step)
	assert.JSONEq(t, string(want.Outputs["segment.summary"]), string(got.Outputs["segment.summary"]))
	require.Contains(t, got.Errors, Step(2))
	assert.Equal(t, ErrorKindTimeout, got.Errors[2].Kind)

	want.Step = 2
	want.Ready = true
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx, KindSegmentTransition)
	require.NoError(t, err)
	assert.Equal(t, Step(2), got.Step)
	assert.True(t, got.Ready)

	require.NoError(t, store.Delete(ctx, KindSegmentTransition))
	_, err = store.Load(ctx, KindSegmentTransition)
	assert.ErrorIs(t, err, ErrStateNotFound)
	require.NoError(t, store.Delete(ctx, KindSegmentTransition), "deleting twice is fine")
}

func TestFSStateStore(t *testing.T) {
	store, err := NewFSStateStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestSQLiteStateStore(t *testing.T) {
	store, err := OpenSQLiteStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStateStoreSetsBusyTimeout(t *testing.T) {
	store, err := OpenSQLiteStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	var ms int
	require.NoError(t, store.db.QueryRow("PRAGMA busy_timeout").Scan(&ms))
	assert.Equal(t, sqliteBusyTimeoutMS, ms)

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestFSStateStoreMigratesPartialState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "end_of_day.json"), []byte(`{"step":2}`), 0644))
	store, err := NewFSStateStore(dir)
	require.NoError(t, err)

	st, err := store.Load(context.Background(), KindEndOfDay)
	require.NoError(t, err)
	assert.Equal(t, Step(2), st.Step)
	assert.Equal(t, KindEndOfDay, st.Kind)
	assert.Equal(t, StateVersion, st.Version)
	assert.NotEmpty(t, st.RunID)
	assert.NotNil(t, st.Errors)
	assert.NotNil(t, st.Outputs)
}

func TestFSStateStoreIgnoresStrayTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte(`{"step":`), 0644))
	store, err := NewFSStateStore(dir)
	require.NoError(t, err)
	_, err = store.Load(context.Background(), KindEndOfDay)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestStateCloneIsDeep(t *testing.T) {
	st := sampleState()
	c := st.Clone()
	c.Errors[2].Attempts = 9
	c.Outputs["segment.summary"][2] = 'X'

	assert.Equal(t, 1, st.Errors[2].Attempts)
	assert.Equal(t, byte('s'), st.Outputs["segment.summary"][2])

	last, ok := st.LastError()
	require.True(t, ok)
	assert.Equal(t, "segment.scene", last.StageID)
}

func TestFSStateStoreDropsNullErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "end_of_day.json"), []byte(`{"kind":"end_of_day","step":0,"errors":{"1":null}}`), 0644))
	store, err := NewFSStateStore(dir)
	require.NoError(t, err)

	st, err := store.Load(context.Background(), KindEndOfDay)
	require.NoError(t, err)
	assert.Empty(t, st.Errors)
	_, ok := st.LastError()
	assert.False(t, ok)
}

func TestStateCloneSkipsNilErrors(t *testing.T) {
	st := sampleState()
	st.Errors[3] = nil

	c := st.Clone()
	assert.NotContains(t, c.Errors, Step(3))
	last, ok := st.LastError()
	require.True(t, ok)
	assert.Equal(t, Step(2), last.Step)
}
