// ABOUTME: The three concrete pipelines (new game, end of day, segment transition) and their stage functions.
// ABOUTME: Each stage builds a prompt from the run context and earlier outputs, calls the AI service once, and validates.
package stages

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/llm"
	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// Stage IDs. Each is the attempted-step key of exactly one step.
const (
	NewGameWorld   = "newgame.world"
	NewGameCast    = "newgame.cast"
	NewGameDayPlan = "newgame.dayplan"
	NewGameOpening = "newgame.opening"

	EndOfDaySummary = "endofday.summary"
	EndOfDayCast    = "endofday.cast"
	EndOfDayDayPlan = "endofday.dayplan"
	EndOfDayOpening = "endofday.opening"

	SegmentSummary = "segment.summary"
	SegmentScene   = "segment.scene"
	SegmentImage   = "segment.image"
)

// Steps of the new-game pipeline.
const (
	NewGameStepWorld pipeline.Step = iota + 1
	NewGameStepCast
	NewGameStepDayPlan
	NewGameStepOpening
)

// Steps of the end-of-day pipeline.
const (
	EndOfDayStepSummary pipeline.Step = iota + 1
	EndOfDayStepCast
	EndOfDayStepDayPlan
	EndOfDayStepOpening
)

// Steps of the segment-transition pipeline.
const (
	SegmentStepSummary pipeline.Step = iota + 1
	SegmentStepScene
	SegmentStepImage
)

// WorldOutput is the result of newgame.world.
type WorldOutput struct {
	Title   string `json:"title"`
	Premise string `json:"premise"`
	Setting string `json:"setting,omitempty"`
}

// CastOutput is the result of the cast stages.
type CastOutput struct {
	Characters story.Roster `json:"characters"`
}

// PlanOutput is the result of the day-plan stages.
type PlanOutput struct {
	Plan story.DayPlan `json:"plan"`
}

// LinesOutput is the result of the opening and scene stages.
type LinesOutput struct {
	Day     int                   `json:"day"`
	Segment string                `json:"segment"`
	Lines   []story.DialogueEntry `json:"lines"`
}

// SummaryOutput is the result of the summary stages.
type SummaryOutput struct {
	Summary string   `json:"summary"`
	Threads []string `json:"threads,omitempty"`
}

// ImageOutput is the result of segment.image.
type ImageOutput struct {
	Day           int    `json:"day"`
	Segment       string `json:"segment"`
	Path          string `json:"path,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// Deps are the collaborators stage functions call.
type Deps struct {
	Text     llm.Invoker
	Images   llm.ImageGenerator // nil completes the image step without a picture
	ImageDir string             // where generated image bytes are written
	Clock    func() time.Time
}

type builder struct {
	deps Deps
}

// Definitions returns the definitions of all three pipelines.
func Definitions(deps Deps) []*pipeline.Definition {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	b := &builder{deps: deps}
	return []*pipeline.Definition{
		pipeline.MustDefinition(pipeline.KindNewGame,
			pipeline.Stage{ID: NewGameWorld, Label: "Build the world", Completes: NewGameStepWorld, Run: b.newGameWorld},
			pipeline.Stage{ID: NewGameCast, Label: "Create the cast", Completes: NewGameStepCast, Run: b.cast(NewGameCast)},
			pipeline.Stage{ID: NewGameDayPlan, Label: "Plan day 1", Completes: NewGameStepDayPlan, Run: b.dayPlan(NewGameDayPlan)},
			pipeline.Stage{ID: NewGameOpening, Label: "Write the opening scene", Completes: NewGameStepOpening, Run: b.opening(NewGameOpening)},
		),
		pipeline.MustDefinition(pipeline.KindEndOfDay,
			pipeline.Stage{ID: EndOfDaySummary, Label: "Summarize the day", Completes: EndOfDayStepSummary, Run: b.summary(EndOfDaySummary)},
			pipeline.Stage{ID: EndOfDayCast, Label: "Update the cast", Completes: EndOfDayStepCast, Run: b.cast(EndOfDayCast)},
			pipeline.Stage{ID: EndOfDayDayPlan, Label: "Plan the next day", Completes: EndOfDayStepDayPlan, Run: b.dayPlan(EndOfDayDayPlan)},
			pipeline.Stage{ID: EndOfDayOpening, Label: "Write the next morning", Completes: EndOfDayStepOpening, Run: b.opening(EndOfDayOpening)},
		),
		pipeline.MustDefinition(pipeline.KindSegmentTransition,
			pipeline.Stage{ID: SegmentSummary, Label: "Summarize the segment", Completes: SegmentStepSummary, Run: b.summary(SegmentSummary)},
			pipeline.Stage{ID: SegmentScene, Label: "Write the next scene", Completes: SegmentStepScene, Run: b.segmentScene},
			pipeline.Stage{ID: SegmentImage, Label: "Illustrate the scene", Completes: SegmentStepImage, Run: b.segmentImage},
		),
	}
}

func (b *builder) ask(ctx context.Context, in pipeline.StageInput, instruction string, pc any, v any) error {
	payload, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode prompt context: %w", err)
	}
	res, err := b.deps.Text.Invoke(ctx, llm.Request{
		StageID: in.StageID,
		System:  systemPrompt(in.Run.Language),
		Prompt:  instruction + "\n\nContext:\n" + string(payload),
	})
	if err != nil {
		return err
	}
	return decode(res.Text, v)
}

func (b *builder) newGameWorld(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
	var out WorldOutput
	err := b.ask(ctx, in, worldInstruction, map[string]any{
		"title":   in.Run.Title,
		"premise": in.Run.Premise,
	}, &out)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Title) == "" {
		return nil, pipeline.Invalid("title", "world has no title")
	}
	if strings.TrimSpace(out.Premise) == "" {
		return nil, pipeline.Invalid("premise", "world has no premise")
	}
	return marshal(out)
}

func (b *builder) cast(stageID string) pipeline.StageFunc {
	return func(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
		pc := map[string]any{"roster": in.Run.Roster}
		instruction := newCastInstruction
		if stageID == EndOfDayCast {
			instruction = updateCastInstruction
			var sum SummaryOutput
			if err := in.Output(EndOfDaySummary, &sum); err != nil {
				return nil, err
			}
			pc["day_summary"] = sum
		} else {
			var world WorldOutput
			if err := in.Output(NewGameWorld, &world); err != nil {
				return nil, err
			}
			pc["world"] = world
		}

		var out CastOutput
		if err := b.ask(ctx, in, instruction, pc, &out); err != nil {
			return nil, err
		}
		if err := validateCast(out.Characters); err != nil {
			return nil, err
		}
		return marshal(out)
	}
}

func (b *builder) dayPlan(stageID string) pipeline.StageFunc {
	return func(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
		castStage, day := NewGameCast, 1
		pc := map[string]any{"segments": in.Run.SegmentOrder}
		if stageID == EndOfDayDayPlan {
			castStage, day = EndOfDayCast, in.Run.Day+1
			var sum SummaryOutput
			if err := in.Output(EndOfDaySummary, &sum); err != nil {
				return nil, err
			}
			pc["previous_day"] = sum
		} else {
			var world WorldOutput
			if err := in.Output(NewGameWorld, &world); err != nil {
				return nil, err
			}
			pc["world"] = world
		}
		var cast CastOutput
		if err := in.Output(castStage, &cast); err != nil {
			return nil, err
		}
		pc["cast"] = cast.Characters
		pc["day"] = day

		var out PlanOutput
		if err := b.ask(ctx, in, dayPlanInstruction, pc, &out); err != nil {
			return nil, err
		}
		if err := out.Plan.Matches(in.Run.SegmentOrder); err != nil {
			return nil, pipeline.Invalid("plan", "%v", err)
		}
		return marshal(out)
	}
}

func (b *builder) opening(stageID string) pipeline.StageFunc {
	return func(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
		planStage, castStage, day := NewGameDayPlan, NewGameCast, 1
		if stageID == EndOfDayOpening {
			planStage, castStage, day = EndOfDayDayPlan, EndOfDayCast, in.Run.Day+1
		}
		var plan PlanOutput
		if err := in.Output(planStage, &plan); err != nil {
			return nil, err
		}
		var cast CastOutput
		if err := in.Output(castStage, &cast); err != nil {
			return nil, err
		}
		segment := in.Run.SegmentOrder.First()
		sp, _ := plan.Plan.For(segment)

		return b.scene(ctx, in, day, segment, map[string]any{
			"day":     day,
			"segment": sp,
			"cast":    cast.Characters,
		})
	}
}

func (b *builder) summary(stageID string) pipeline.StageFunc {
	return func(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
		if stageID == SegmentSummary {
			if _, ok := in.Run.SegmentOrder.Next(in.Run.Segment); !ok {
				return nil, pipeline.Invalid("segment", "%q is the last segment of the day; end the day instead", in.Run.Segment)
			}
		}
		if len(in.Run.Dialogue) == 0 {
			return nil, pipeline.Invalid("dialogue", "nothing to summarize for day %d", in.Run.Day)
		}

		var out SummaryOutput
		err := b.ask(ctx, in, summaryInstruction, map[string]any{
			"day":      in.Run.Day,
			"segment":  in.Run.Segment,
			"dialogue": in.Run.Dialogue,
		}, &out)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(out.Summary) == "" {
			return nil, pipeline.Invalid("summary", "summary is empty")
		}
		return marshal(out)
	}
}

func (b *builder) segmentScene(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
	next, ok := in.Run.SegmentOrder.Next(in.Run.Segment)
	if !ok {
		return nil, pipeline.Invalid("segment", "%q has no following segment", in.Run.Segment)
	}
	var sum SummaryOutput
	if err := in.Output(SegmentSummary, &sum); err != nil {
		return nil, err
	}
	return b.scene(ctx, in, in.Run.Day, next, map[string]any{
		"day":          in.Run.Day,
		"segment":      next,
		"so_far_today": sum,
		"cast":         in.Run.Roster,
	})
}

func (b *builder) scene(ctx context.Context, in pipeline.StageInput, day int, segment string, pc map[string]any) (json.RawMessage, error) {
	var drafts struct {
		Lines []lineDraft `json:"lines"`
	}
	if err := b.ask(ctx, in, sceneInstruction, pc, &drafts); err != nil {
		return nil, err
	}
	lines, err := stampLines(drafts.Lines, day, segment, b.deps.Clock().UTC())
	if err != nil {
		return nil, err
	}
	return marshal(LinesOutput{Day: day, Segment: segment, Lines: lines})
}

func (b *builder) segmentImage(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
	var scene LinesOutput
	if err := in.Output(SegmentScene, &scene); err != nil {
		return nil, err
	}
	// images disabled: the step completes without a picture
	if b.deps.Images == nil {
		return marshal(ImageOutput{Day: scene.Day, Segment: scene.Segment})
	}

	img, err := b.deps.Images.GenerateImage(ctx, llm.ImageRequest{
		StageID: in.StageID,
		Prompt:  imagePrompt(in.Run, scene),
	})
	if err != nil {
		return nil, err
	}
	out := ImageOutput{Day: scene.Day, Segment: scene.Segment, URL: img.URL, RevisedPrompt: img.RevisedPrompt}
	if img.B64 != "" {
		path, err := b.saveImage(scene, img.B64)
		if err != nil {
			return nil, err
		}
		out.Path = path
	}
	if out.Path == "" && out.URL == "" {
		return nil, pipeline.Invalid("image", "image service returned no data")
	}
	return marshal(out)
}

func (b *builder) saveImage(scene LinesOutput, b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", pipeline.Invalid("image", "image data is not base64: %v", err)
	}
	if len(data) == 0 {
		return "", pipeline.Invalid("image", "image data is empty")
	}
	dir := b.deps.ImageDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	name := fmt.Sprintf("day%02d-%s-%s.png", scene.Day, strings.ToLower(scene.Segment), story.NewID())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}
