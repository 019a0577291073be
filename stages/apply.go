// ABOUTME: Applies an accepted pipeline result to the game state: the "shown" half of generate-then-show.
// ABOUTME: Application is idempotent per run ID so a crash between apply and discard cannot apply twice.
package stages

import (
	"fmt"
	"log"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/session"
	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// Apply folds the outputs of a ready state into g.
func Apply(g *session.GameState, st *pipeline.State) error {
	if g.Applied(st.RunID) {
		log.Printf("component=stages action=apply_skipped kind=%s run_id=%s reason=already_applied", st.Kind, st.RunID)
		return nil
	}
	in := pipeline.StageInput{Kind: st.Kind, Outputs: st.Outputs}

	var err error
	switch st.Kind {
	case pipeline.KindNewGame:
		err = applyNewGame(g, in)
	case pipeline.KindEndOfDay:
		err = applyEndOfDay(g, in)
	case pipeline.KindSegmentTransition:
		err = applySegment(g, in)
	default:
		return fmt.Errorf("%w: %q", pipeline.ErrUnknownKind, st.Kind)
	}
	if err != nil {
		return err
	}
	g.MarkApplied(st.RunID)
	log.Printf("component=stages action=applied kind=%s run_id=%s day=%d segment=%s", st.Kind, st.RunID, g.Day, g.Segment)
	return nil
}

// Applier returns an accept callback bound to g.
func Applier(g *session.GameState) func(*pipeline.State) error {
	return func(st *pipeline.State) error { return Apply(g, st) }
}

func applyNewGame(g *session.GameState, in pipeline.StageInput) error {
	var world WorldOutput
	var cast CastOutput
	var plan PlanOutput
	var opening LinesOutput
	if err := decodeAll(in, map[string]any{
		NewGameWorld: &world, NewGameCast: &cast, NewGameDayPlan: &plan, NewGameOpening: &opening,
	}); err != nil {
		return err
	}

	g.Title = world.Title
	g.Premise = world.Premise
	g.Setting = world.Setting
	g.Roster = cast.Characters
	g.DayPlan = plan.Plan
	g.Day = opening.Day
	g.Segment = opening.Segment
	g.Archive = []story.DayLog{}
	g.Summaries = nil
	g.SceneImages = nil
	g.Live = session.Live{Queued: opening.Lines}
	return nil
}

func applyEndOfDay(g *session.GameState, in pipeline.StageInput) error {
	var sum SummaryOutput
	var cast CastOutput
	var plan PlanOutput
	var opening LinesOutput
	if err := decodeAll(in, map[string]any{
		EndOfDaySummary: &sum, EndOfDayCast: &cast, EndOfDayDayPlan: &plan, EndOfDayOpening: &opening,
	}); err != nil {
		return err
	}

	g.ArchiveLive()
	g.Summaries = append(g.Summaries, story.Summary{Day: g.Day, Text: sum.Summary, Threads: sum.Threads})
	g.Roster = cast.Characters
	g.DayPlan = plan.Plan
	g.Day = opening.Day
	g.Segment = opening.Segment
	g.Live = session.Live{Queued: opening.Lines}
	return nil
}

func applySegment(g *session.GameState, in pipeline.StageInput) error {
	var sum SummaryOutput
	var scene LinesOutput
	if err := decodeAll(in, map[string]any{SegmentSummary: &sum, SegmentScene: &scene}); err != nil {
		return err
	}
	var img ImageOutput
	hasImage := in.Output(SegmentImage, &img) == nil && (img.Path != "" || img.URL != "")

	g.ArchiveLive()
	g.Summaries = append(g.Summaries, story.Summary{Day: g.Day, Segment: g.Segment, Text: sum.Summary, Threads: sum.Threads})
	g.Segment = scene.Segment
	g.Live = session.Live{Queued: scene.Lines}
	if hasImage {
		g.SceneImages = append(g.SceneImages, session.SceneImage{
			Day: img.Day, Segment: img.Segment, Path: img.Path, URL: img.URL, RevisedPrompt: img.RevisedPrompt,
		})
	}
	return nil
}

func decodeAll(in pipeline.StageInput, targets map[string]any) error {
	for id, v := range targets {
		if err := in.Output(id, v); err != nil {
			return err
		}
	}
	return nil
}
