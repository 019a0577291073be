// ABOUTME: Turns raw model text into validated stage outputs: fence stripping, JSON decoding, line stamping.
// ABOUTME: Malformed or partial output becomes a pipeline ValidationError so the step is never marked complete.
package stages

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// stripFences removes a surrounding ```json ... ``` block and any prose
// before the first brace.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if j := strings.LastIndex(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return s
}

// decode parses model text into v.
func decode(text string, v any) error {
	body := stripFences(text)
	if body == "" {
		return pipeline.Invalid("response", "empty response")
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return pipeline.Invalid("response", "not valid JSON: %v", err)
	}
	return nil
}

// lineDraft is a dialogue line as the model returns it.
type lineDraft struct {
	Speaker               string `json:"speaker"`
	Dialogue              string `json:"dialogue"`
	DialogueTranslation   string `json:"dialogue_translation,omitempty"`
	Motivation            string `json:"motivation,omitempty"`
	MotivationTranslation string `json:"motivation_translation,omitempty"`
	Expression            string `json:"expression,omitempty"`
}

// stampLines validates drafts and turns them into entries with fresh IDs
// for day and segment. Speakers outside the roster are kept as-is.
func stampLines(drafts []lineDraft, day int, segment string, now time.Time) ([]story.DialogueEntry, error) {
	if len(drafts) == 0 {
		return nil, pipeline.Invalid("lines", "no dialogue lines returned")
	}
	out := make([]story.DialogueEntry, 0, len(drafts))
	for i, d := range drafts {
		if strings.TrimSpace(d.Speaker) == "" {
			return nil, pipeline.Invalid("lines", "line %d has no speaker", i+1)
		}
		if strings.TrimSpace(d.Dialogue) == "" {
			return nil, pipeline.Invalid("lines", "line %d has no dialogue", i+1)
		}
		out = append(out, story.DialogueEntry{
			ID:                    story.NewID(),
			Day:                   day,
			Segment:               segment,
			Speaker:               strings.TrimSpace(d.Speaker),
			Dialogue:              d.Dialogue,
			DialogueTranslation:   d.DialogueTranslation,
			Motivation:            d.Motivation,
			MotivationTranslation: d.MotivationTranslation,
			Expression:            d.Expression,
			CreatedAt:             now,
		})
	}
	return out, nil
}

// validateCast rejects an empty cast and blank or duplicate names.
func validateCast(cast story.Roster) error {
	if len(cast) == 0 {
		return pipeline.Invalid("characters", "cast is empty")
	}
	seen := make(map[string]bool, len(cast))
	for i, c := range cast {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return pipeline.Invalid("characters", "character %d has no name", i+1)
		}
		if seen[name] {
			return pipeline.Invalid("characters", "duplicate character %q", c.Name)
		}
		seen[name] = true
	}
	return nil
}

func marshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
