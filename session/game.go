// ABOUTME: GameState is the session container: story setup, current day/segment, archive, and live dialogue.
// ABOUTME: Pipelines read it through RunContext and write to it only when a ready result is accepted.
package session

import (
	"slices"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/history"
	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// GameVersion is the current on-disk schema version of GameState.
const GameVersion = 1

// Live is the dialogue of the segment currently being played.
//
// Committed lines have been shown, Queued lines are generated but not yet
// shown, and InFlight is the line on screen right now.
type Live struct {
	Committed []story.DialogueEntry `json:"committed"`
	Queued    []story.DialogueEntry `json:"queued"`
	InFlight  *story.DialogueEntry  `json:"in_flight,omitempty"`
}

// Advance commits the in-flight line and brings the next queued line on
// screen. It returns false when there was nothing left to show.
func (l *Live) Advance() bool {
	moved := false
	if l.InFlight != nil {
		l.Committed = append(l.Committed, *l.InFlight)
		l.InFlight = nil
		moved = true
	}
	if len(l.Queued) > 0 {
		next := l.Queued[0]
		l.Queued = slices.Clone(l.Queued[1:])
		l.InFlight = &next
		moved = true
	}
	return moved
}

// Empty reports whether there is no live dialogue at all.
func (l Live) Empty() bool {
	return len(l.Committed) == 0 && len(l.Queued) == 0 && l.InFlight == nil
}

// SceneImage records a generated illustration for a segment.
type SceneImage struct {
	Day           int    `json:"day"`
	Segment       string `json:"segment"`
	Path          string `json:"path,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// GameState is everything persisted about one story session.
type GameState struct {
	Version      int                `json:"version"`
	Title        string             `json:"title"`
	Premise      string             `json:"premise"`
	Setting      string             `json:"setting,omitempty"`
	Language     string             `json:"language,omitempty"`
	Day          int                `json:"day"`
	Segment      string             `json:"segment"`
	SegmentOrder story.SegmentOrder `json:"segment_order"`
	Roster       story.Roster       `json:"roster"`
	Archive      []story.DayLog     `json:"archive"`
	Live         Live               `json:"live"`
	DayPlan      story.DayPlan      `json:"day_plan,omitempty"`
	Summaries    []story.Summary    `json:"summaries,omitempty"`
	SceneImages  []SceneImage       `json:"scene_images,omitempty"`
	AppliedRuns  []string           `json:"applied_runs,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NewGame returns an empty session seeded with a title and premise. Day is 0
// until the new-game pipeline result is accepted.
func NewGame(title, premise string, order story.SegmentOrder, now time.Time) *GameState {
	if len(order) == 0 {
		order = story.DefaultSegmentOrder
	}
	return &GameState{
		Version:      GameVersion,
		Title:        title,
		Premise:      premise,
		SegmentOrder: order.Clone(),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// MigrateGame fills defaults for fields missing from older or partial saves.
// fallback is the segment order used when the save has none.
func MigrateGame(g *GameState, fallback story.SegmentOrder) *GameState {
	if g == nil {
		g = &GameState{}
	}
	if g.Version == 0 {
		g.Version = GameVersion
	}
	if len(g.SegmentOrder) == 0 {
		if len(fallback) == 0 {
			fallback = story.DefaultSegmentOrder
		}
		g.SegmentOrder = fallback.Clone()
	}
	if g.Day > 0 && g.Segment == "" {
		g.Segment = g.SegmentOrder.First()
	}
	if g.Archive == nil {
		g.Archive = []story.DayLog{}
	}
	if g.StartedAt.IsZero() {
		g.StartedAt = g.UpdatedAt
	}
	return g
}

// Started reports whether a new-game result has been accepted.
func (g *GameState) Started() bool {
	return g.Day > 0
}

// Applied reports whether the pipeline run runID was already applied.
func (g *GameState) Applied(runID string) bool {
	return slices.Contains(g.AppliedRuns, runID)
}

// MarkApplied records runID as applied.
func (g *GameState) MarkApplied(runID string) {
	if !g.Applied(runID) {
		g.AppliedRuns = append(g.AppliedRuns, runID)
	}
}

// History returns the archive with the live segment folded in.
func (g *GameState) History() []story.DayLog {
	return history.Reconcile(g.reconcileInput())
}

// Today returns every line of the current day, archived and live, in
// segment order.
func (g *GameState) Today() []story.DialogueEntry {
	var lines []story.DialogueEntry
	for _, d := range g.History() {
		if d.Day != g.Day {
			continue
		}
		for _, s := range d.Segments {
			lines = append(lines, s.Dialogue...)
		}
	}
	return lines
}

// CurrentSegment returns the live segment's lines in display order.
func (g *GameState) CurrentSegment() []story.DialogueEntry {
	for _, d := range g.History() {
		if d.Day != g.Day {
			continue
		}
		if s := d.Segment(g.Segment); s != nil {
			return story.CloneEntries(s.Dialogue)
		}
	}
	return nil
}

// RunContext builds the explicit context a pipeline of kind runs against.
func (g *GameState) RunContext(kind pipeline.Kind) pipeline.RunContext {
	rc := pipeline.RunContext{
		Day:          g.Day,
		Segment:      g.Segment,
		SegmentOrder: g.SegmentOrder.Clone(),
		Roster:       slices.Clone(g.Roster),
		Title:        g.Title,
		Premise:      g.Premise,
		Language:     g.Language,
	}
	switch kind {
	case pipeline.KindEndOfDay:
		rc.Dialogue = g.Today()
	case pipeline.KindSegmentTransition:
		rc.Dialogue = g.CurrentSegment()
	}
	return rc
}

// ArchiveLive folds the live segment into the archive and clears it.
func (g *GameState) ArchiveLive() {
	g.Archive = history.Reconcile(g.reconcileInput())
	g.Live = Live{}
}

func (g *GameState) reconcileInput() history.Input {
	return history.Input{
		Archive:      g.Archive,
		LiveDay:      g.Day,
		LiveSegment:  g.Segment,
		Committed:    g.Live.Committed,
		Queued:       g.Live.Queued,
		InFlight:     g.Live.InFlight,
		SegmentOrder: g.SegmentOrder,
	}
}
