// ABOUTME: Stage instructions sent to the text model. Each asks for a single JSON object of a fixed shape.
// ABOUTME: Stage validation enforces the shape of each reply.
package stages

import (
	"fmt"
	"strings"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

func systemPrompt(language string) string {
	var b strings.Builder
	b.WriteString("You write an ongoing visual-novel style story set at a school. ")
	b.WriteString("Reply with exactly one JSON object and nothing else.")
	if language != "" {
		fmt.Fprintf(&b, " For every dialogue line also fill dialogue_translation and motivation_translation in %s.", language)
	}
	return b.String()
}

const worldInstruction = `Establish the story world from the seed title and premise (either may be empty).
Return {"title": string, "premise": string, "setting": string}.`

const newCastInstruction = `Create the main cast for this world.
Return {"characters": [{"name": string, "role": string, "description": string}]} with unique names.`

const updateCastInstruction = `Update the cast after the day described in day_summary. Keep existing characters,
adjust their descriptions, and add anyone newly introduced.
Return {"characters": [{"name": string, "role": string, "description": string}]} with unique names.`

const dayPlanInstruction = `Plan the given day. Produce exactly one entry per name in segments, in the same order.
Return {"plan": [{"segment": string, "location": string, "goal": string, "characters": [string]}]}.`

const sceneInstruction = `Write the scene for the given segment as dialogue.
Return {"lines": [{"speaker": string, "dialogue": string, "motivation": string, "expression": string}]}.`

const summaryInstruction = `Summarize what happened in the dialogue and list open story threads.
Return {"summary": string, "threads": [string]}.`

func imagePrompt(rc pipeline.RunContext, scene LinesOutput) string {
	var speakers []string
	seen := map[string]bool{}
	for _, l := range scene.Lines {
		if !seen[l.Speaker] {
			seen[l.Speaker] = true
			speakers = append(speakers, l.Speaker)
		}
	}
	first := ""
	if len(scene.Lines) > 0 {
		first = scene.Lines[0].Dialogue
	}
	return fmt.Sprintf("Anime visual-novel background illustration for %q, day %d, %s. Characters present: %s. Opening line: %q",
		rc.Title, scene.Day, strings.ToLower(scene.Segment), strings.Join(speakers, ", "), first)
}
