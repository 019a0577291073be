// ABOUTME: Append-only NDJSON event log plus a live.json status snapshot per pipeline kind.
// ABOUTME: External tools can tail progress.ndjson or poll live.json while a pipeline runs.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressEntry is one NDJSON line.
type ProgressEntry struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Kind      string         `json:"kind"`
	StageID   string         `json:"stage_id,omitempty"`
	Step      int            `json:"step,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// KindProgress is the live status of one pipeline kind.
type KindProgress struct {
	Status      string   `json:"status"`
	ActiveStage string   `json:"active_stage"`
	Completed   []string `json:"completed"`
	Failed      []string `json:"failed"`
	UpdatedAt   string   `json:"updated_at"`
}

// LiveState is the content of live.json.
type LiveState struct {
	Pipelines  map[Kind]*KindProgress `json:"pipelines"`
	EventCount int                    `json:"event_count"`
	UpdatedAt  string                 `json:"updated_at"`
}

// ProgressLogger writes events to progress.ndjson and maintains live.json.
type ProgressLogger struct {
	dir         string
	file        *os.File
	state       LiveState
	mu          sync.Mutex
	closed      bool
	WriteErrors int
}

// NewProgressLogger opens dir/progress.ndjson for appending and writes an initial live.json.
func NewProgressLogger(dir string) (*ProgressLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	pl := &ProgressLogger{
		dir:   dir,
		file:  f,
		state: LiveState{Pipelines: make(map[Kind]*KindProgress)},
	}
	if err := pl.writeLiveJSON(); err != nil {
		f.Close()
		return nil, err
	}
	return pl, nil
}

// HandleEvent appends evt and updates live.json. Its signature matches
// RunnerConfig.EventHandler.
func (p *ProgressLogger) HandleEvent(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	entry := ProgressEntry{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
		Type:      string(evt.Type),
		Kind:      string(evt.Kind),
		StageID:   evt.StageID,
		Step:      int(evt.Step),
		Data:      evt.Data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] marshal error: %v\n", err)
	} else {
		line = append(line, '\n')
		if _, err := p.file.Write(line); err != nil {
			p.WriteErrors++
			fmt.Fprintf(os.Stderr, "[progress] write error: %v\n", err)
		}
	}

	kp := p.state.Pipelines[evt.Kind]
	if kp == nil {
		kp = &KindProgress{Status: "idle", Completed: []string{}, Failed: []string{}}
		p.state.Pipelines[evt.Kind] = kp
	}
	switch evt.Type {
	case EventPipelineStarted, EventPipelineResumed:
		kp.Status = "running"
		kp.Failed = []string{}
	case EventStageStarted:
		kp.ActiveStage = evt.StageID
	case EventStageCompleted, EventStageSkipped:
		kp.Completed = appendUnique(kp.Completed, evt.StageID)
		kp.ActiveStage = ""
	case EventStageFailed:
		kp.Failed = appendUnique(kp.Failed, evt.StageID)
		kp.ActiveStage = ""
	case EventPipelineReady:
		kp.Status = "ready"
	case EventPipelineFailed:
		kp.Status = "failed"
	case EventPipelineBlocked:
		kp.Status = "blocked"
	case EventPipelineAccepted, EventPipelineReset:
		kp.Status = "idle"
		kp.Completed = []string{}
		kp.Failed = []string{}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	kp.UpdatedAt = now
	p.state.EventCount++
	p.state.UpdatedAt = now

	if err := p.writeLiveJSON(); err != nil {
		fmt.Fprintf(os.Stderr, "[progress] live.json write error: %v\n", err)
	}
}

// Close closes the NDJSON file. After Close, HandleEvent is a no-op.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.file.Close()
}

// State returns a deep copy of the live state.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := LiveState{Pipelines: make(map[Kind]*KindProgress, len(p.state.Pipelines)), EventCount: p.state.EventCount, UpdatedAt: p.state.UpdatedAt}
	for k, v := range p.state.Pipelines {
		kp := *v
		kp.Completed = append([]string(nil), v.Completed...)
		kp.Failed = append([]string(nil), v.Failed...)
		cp.Pipelines[k] = &kp
	}
	return cp
}

// writeLiveJSON atomically writes live.json. Caller must hold p.mu.
func (p *ProgressLogger) writeLiveJSON() error {
	return WriteJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
