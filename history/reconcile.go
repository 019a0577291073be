// ABOUTME: Merges the live in-progress dialogue of the current segment into the day-by-day archive.
// ABOUTME: Used for both the active session and imported saves, with a fallback segment order for the latter.
package history

import (
	"sort"

	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// Input is everything Reconcile needs. None of the slices are modified.
type Input struct {
	Archive      []story.DayLog
	LiveDay      int
	LiveSegment  string
	Committed    []story.DialogueEntry
	Queued       []story.DialogueEntry
	InFlight     *story.DialogueEntry
	SegmentOrder story.SegmentOrder
}

// Reconcile returns the archive with the live segment folded in.
//
// The live dialogue (committed, then queued, then in-flight) replaces any
// archived copy of the same segment of the same day. Segments are ordered by
// SegmentOrder, empty segments are dropped, and days are sorted ascending.
// When there is no live dialogue the archive is returned unchanged.
func Reconcile(in Input) []story.DayLog {
	live := liveDialogue(in)
	if len(live) == 0 {
		return in.Archive
	}

	var existing *story.DayLog
	for i := range in.Archive {
		if in.Archive[i].Day == in.LiveDay {
			existing = &in.Archive[i]
			break
		}
	}

	var segments []story.SegmentLog
	if existing != nil {
		for _, s := range existing.Segments {
			if s.Segment == in.LiveSegment {
				continue
			}
			segments = append(segments, story.SegmentLog{Segment: s.Segment, Dialogue: story.CloneEntries(s.Dialogue)})
		}
	}
	segments = append(segments, story.SegmentLog{Segment: in.LiveSegment, Dialogue: live})

	sortSegments(segments, in.SegmentOrder)

	kept := segments[:0]
	for _, s := range segments {
		if len(s.Dialogue) > 0 {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 && existing == nil {
		return in.Archive
	}

	day := story.DayLog{Day: in.LiveDay, Segments: kept}
	out := make([]story.DayLog, 0, len(in.Archive)+1)
	for _, d := range in.Archive {
		if d.Day == in.LiveDay {
			continue
		}
		out = append(out, story.CloneDay(d))
	}
	out = append(out, day)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

// ReconcileImported reconciles an imported save. The save's own segment order
// is used when present, otherwise fallback (the active session's order).
func ReconcileImported(in Input, fallback story.SegmentOrder) []story.DayLog {
	if len(in.SegmentOrder) == 0 {
		in.SegmentOrder = fallback
	}
	return Reconcile(in)
}

// liveDialogue concatenates committed, queued, and in-flight entries. An entry
// whose ID already appeared earlier in the sequence is skipped so a line
// mid-handoff between queues is not archived twice.
func liveDialogue(in Input) []story.DialogueEntry {
	n := len(in.Committed) + len(in.Queued)
	if in.InFlight != nil {
		n++
	}
	if n == 0 {
		return nil
	}

	out := make([]story.DialogueEntry, 0, n)
	seen := make(map[string]bool, n)
	add := func(e story.DialogueEntry) {
		if e.ID != "" {
			if seen[e.ID] {
				return
			}
			seen[e.ID] = true
		}
		out = append(out, e)
	}
	for _, e := range in.Committed {
		add(e)
	}
	for _, e := range in.Queued {
		add(e)
	}
	if in.InFlight != nil {
		add(*in.InFlight)
	}
	return out
}

// sortSegments orders segments by their position in order. Segments not in
// the order sort after all known ones, keeping their relative order.
func sortSegments(segments []story.SegmentLog, order story.SegmentOrder) {
	rank := func(name string) int {
		if i := order.Index(name); i >= 0 {
			return i
		}
		return len(order)
	}
	sort.SliceStable(segments, func(i, j int) bool {
		return rank(segments[i].Segment) < rank(segments[j].Segment)
	})
}
