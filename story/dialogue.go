// ABOUTME: Dialogue and archive types shared by the history reconciler, pipelines, and session store.
// ABOUTME: Includes DialogueEntry, SegmentLog, DayLog, and deep-copy helpers.
package story

import (
	"strings"
	"time"
)

// DialogueEntry is one spoken line. Identity is ID; imported entries keep
// whatever ID they arrived with.
type DialogueEntry struct {
	ID                    string    `json:"id" yaml:"id"`
	Day                   int       `json:"day" yaml:"day"`
	Segment               string    `json:"segment" yaml:"segment"`
	Speaker               string    `json:"speaker" yaml:"speaker"`
	Dialogue              string    `json:"dialogue" yaml:"dialogue"`
	DialogueTranslation   string    `json:"dialogue_translation,omitempty" yaml:"dialogue_translation,omitempty"`
	Motivation            string    `json:"motivation,omitempty" yaml:"motivation,omitempty"`
	MotivationTranslation string    `json:"motivation_translation,omitempty" yaml:"motivation_translation,omitempty"`
	Expression            string    `json:"expression,omitempty" yaml:"expression,omitempty"`
	CreatedAt             time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// NewDialogueEntry creates an entry with a fresh ULID, stamped with day and segment.
func NewDialogueEntry(day int, segment, speaker, dialogue string) DialogueEntry {
	return DialogueEntry{
		ID:        NewID(),
		Day:       day,
		Segment:   segment,
		Speaker:   speaker,
		Dialogue:  dialogue,
		CreatedAt: time.Now().UTC(),
	}
}

// SegmentLog holds the dialogue of one segment of one day.
type SegmentLog struct {
	Segment  string          `json:"segment" yaml:"segment"`
	Dialogue []DialogueEntry `json:"dialogue" yaml:"dialogue"`
}

// DayLog holds the segments of one in-game day.
type DayLog struct {
	Day      int          `json:"day" yaml:"day"`
	Segments []SegmentLog `json:"segments" yaml:"segments"`
}

// Segment returns the log for the named segment, or nil.
func (d *DayLog) Segment(name string) *SegmentLog {
	for i := range d.Segments {
		if d.Segments[i].Segment == name {
			return &d.Segments[i]
		}
	}
	return nil
}

// LineCount returns the number of dialogue entries across all segments.
func (d DayLog) LineCount() int {
	n := 0
	for _, s := range d.Segments {
		n += len(s.Dialogue)
	}
	return n
}

// CloneEntries returns a copy of entries that shares no backing array.
func CloneEntries(entries []DialogueEntry) []DialogueEntry {
	if entries == nil {
		return nil
	}
	out := make([]DialogueEntry, len(entries))
	copy(out, entries)
	return out
}

// CloneDay returns a deep copy of a day log.
func CloneDay(d DayLog) DayLog {
	out := DayLog{Day: d.Day, Segments: make([]SegmentLog, len(d.Segments))}
	for i, s := range d.Segments {
		out.Segments[i] = SegmentLog{Segment: s.Segment, Dialogue: CloneEntries(s.Dialogue)}
	}
	return out
}

// CloneArchive returns a deep copy of an archive.
func CloneArchive(days []DayLog) []DayLog {
	if days == nil {
		return nil
	}
	out := make([]DayLog, len(days))
	for i, d := range days {
		out[i] = CloneDay(d)
	}
	return out
}

// Character is a member of the cast roster.
type Character struct {
	Name        string `json:"name" yaml:"name"`
	Role        string `json:"role,omitempty" yaml:"role,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Roster is the cast of a session.
type Roster []Character

// Find returns the character with the given name, matching case-insensitively.
// Speakers absent from the roster are allowed in dialogue; callers decide what
// to do when ok is false.
func (r Roster) Find(name string) (Character, bool) {
	for _, c := range r {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Character{}, false
}

// Names returns the roster names in order.
func (r Roster) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}
