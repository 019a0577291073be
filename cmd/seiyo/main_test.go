// ABOUTME: End-to-end CLI tests driving execute with a canned LLM backend in a temporary data directory.
// ABOUTME: Covers run, failure exit codes, retry, accept, next, status, history, and save round trips.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiratazx/SeiyoHighFork-sub002/config"
	"github.com/hiratazx/SeiyoHighFork-sub002/llm"
	"github.com/hiratazx/SeiyoHighFork-sub002/stages"
)

type cannedInvoker struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
}

func (c *cannedInvoker) Invoke(_ context.Context, req llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req.StageID)
	return &llm.Result{Text: c.replies[req.StageID]}, nil
}

func (c *cannedInvoker) set(stageID, reply string) {
	c.mu.Lock()
	c.replies[stageID] = reply
	c.mu.Unlock()
}

func newCanned() *cannedInvoker {
	return &cannedInvoker{replies: map[string]string{
		stages.NewGameWorld:   `{"title": "Seiyo High", "premise": "A transfer student arrives."}`,
		stages.NewGameCast:    `{"characters": [{"name": "Aoi"}, {"name": "Ren"}]}`,
		stages.NewGameDayPlan: `{"plan": [{"segment": "Morning", "goal": "a"}, {"segment": "Afternoon", "goal": "b"}, {"segment": "Evening", "goal": "c"}, {"segment": "Night", "goal": "d"}]}`,
		stages.NewGameOpening: `{"lines": [{"speaker": "Aoi", "dialogue": "Morning!", "dialogue_translation": "Ohayo!"}, {"speaker": "Ren", "dialogue": "Hey."}]}`,
	}}
}

type cliHarness struct {
	t       *testing.T
	dataDir string
	inv     *cannedInvoker
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SEIYO_CONFIG", "")
	return &cliHarness{t: t, dataDir: t.TempDir(), inv: newCanned()}
}

func (h *cliHarness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	e := &env{
		out:    &out,
		errOut: &errOut,
		deps: func(context.Context, *config.Config) (stages.Deps, error) {
			return stages.Deps{Text: h.inv}, nil
		},
	}
	code := execute(append([]string{"--data-dir", h.dataDir}, args...), e)
	return code, out.String(), errOut.String()
}

func TestRunAcceptAndPlay(t *testing.T) {
	h := newCLIHarness(t)

	code, out, errOut := h.run("run", "new-game")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "new_game ready")
	assert.Contains(t, errOut, "[stage] newgame.world started")

	code, out, errOut = h.run("accept", "new_game")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "accepted new_game: Seiyo High, day 1")

	code, _, _ = h.run("accept", "new_game")
	assert.Equal(t, 1, code, "a consumed result cannot be accepted twice")

	code, out, _ = h.run("next")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Aoi: Morning!")
	assert.Contains(t, out, "Ohayo!")

	code, out, _ = h.run("next")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Ren: Hey.")

	code, out, _ = h.run("next")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "no more lines")

	code, out, _ = h.run("history", "--format", "md")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "# Seiyo High")
	assert.Contains(t, out, "Morning!")
}

func TestRunWithAcceptFlag(t *testing.T) {
	h := newCLIHarness(t)

	code, out, errOut := h.run("run", "new_game", "--accept")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "accepted new_game")
}

func TestFailureExitCodeAndRetry(t *testing.T) {
	h := newCLIHarness(t)
	h.inv.set(stages.NewGameCast, `{"characters": []}`)

	code, out, _ := h.run("run", "new_game")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "failed at step 2")
	assert.Contains(t, out, "category: invalid")
	assert.Contains(t, out, "seiyo retry new_game 2")

	code, out, _ = h.run("status", "new_game", "--json")
	require.Equal(t, 0, code)
	var rows []statusRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].Step)
	require.NotNil(t, rows[0].Error)
	assert.EqualValues(t, "validation_error", rows[0].Error.Kind)

	code, _, _ = h.run("retry", "new_game", "4")
	assert.Equal(t, 1, code, "retrying a step ahead of progress is rejected")

	h.inv.set(stages.NewGameCast, `{"characters": [{"name": "Aoi"}]}`)
	code, out, errOut := h.run("retry", "new_game", "2")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "step 2 done")

	code, out, errOut = h.run("run", "new_game")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "new_game ready")
	assert.NotContains(t, errOut, "[stage] newgame.world started", "completed steps are not repeated")
}

func TestStatusTable(t *testing.T) {
	h := newCLIHarness(t)

	code, out, _ := h.run("status")
	require.Equal(t, 0, code)
	for _, kind := range []string{"new_game", "end_of_day", "segment_transition"} {
		assert.Contains(t, out, kind)
	}
	assert.Contains(t, out, "idle")
}

func TestResetDiscardsProgress(t *testing.T) {
	h := newCLIHarness(t)
	code, _, _ := h.run("run", "new_game")
	require.Equal(t, 0, code)

	code, out, _ := h.run("reset", "new_game")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "reset new_game")

	code, _, _ = h.run("accept", "new_game")
	assert.Equal(t, 1, code)
}

func TestExportImportRoundTrip(t *testing.T) {
	h := newCLIHarness(t)
	code, _, _ := h.run("run", "new_game", "--accept")
	require.Equal(t, 0, code)

	save := filepath.Join(t.TempDir(), "save.json")
	code, _, errOut := h.run("export", "--out", save)
	require.Equal(t, 0, code, errOut)

	other := newCLIHarness(t)
	code, out, errOut := other.run("import", save)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `imported "Seiyo High": day 1`)

	code, out, _ = other.run("next")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Aoi: Morning!")
}

func TestImportRejectsGarbage(t *testing.T) {
	h := newCLIHarness(t)
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))

	code, _, errOut := h.run("import", bad)
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(errOut, "error:"))
}

func TestHistoryFormats(t *testing.T) {
	h := newCLIHarness(t)
	code, _, _ := h.run("run", "new_game", "--accept")
	require.Equal(t, 0, code)
	h.run("next")

	code, out, _ := h.run("history", "--format", "yaml")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Morning!")

	code, out, _ = h.run("history", "--format", "html")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "<h1>Seiyo High</h1>")

	code, _, _ = h.run("history", "--format", "pdf")
	assert.Equal(t, 1, code)
}

func TestUnknownKind(t *testing.T) {
	h := newCLIHarness(t)
	code, _, errOut := h.run("run", "bogus")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown pipeline kind")
}

func TestServeRejectsPublicAddrWithoutToken(t *testing.T) {
	h := newCLIHarness(t)
	code, _, errOut := h.run("serve", "--addr", "0.0.0.0:0")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "server.token")
}
