// ABOUTME: Day-plan and summary records produced by the planning and analysis stages.
// ABOUTME: A DayPlan has exactly one SegmentPlan per segment of the configured day structure.
package story

import "fmt"

// SegmentPlan outlines what should happen in one segment of a day.
type SegmentPlan struct {
	Segment    string   `json:"segment" yaml:"segment"`
	Location   string   `json:"location,omitempty" yaml:"location,omitempty"`
	Goal       string   `json:"goal" yaml:"goal"`
	Characters []string `json:"characters,omitempty" yaml:"characters,omitempty"`
}

// DayPlan is the ordered plan for a whole day.
type DayPlan []SegmentPlan

// For returns the plan of the named segment.
func (p DayPlan) For(segment string) (SegmentPlan, bool) {
	for _, sp := range p {
		if sp.Segment == segment {
			return sp, true
		}
	}
	return SegmentPlan{}, false
}

// Matches checks that the plan has one entry per segment of order, in order.
func (p DayPlan) Matches(order SegmentOrder) error {
	if len(p) != len(order) {
		return fmt.Errorf("plan has %d segments, day structure has %d", len(p), len(order))
	}
	for i, sp := range p {
		if sp.Segment != order[i] {
			return fmt.Errorf("plan segment %d is %q, want %q", i+1, sp.Segment, order[i])
		}
	}
	return nil
}

// Summary records what happened in a day, or in one segment of it.
type Summary struct {
	Day     int      `json:"day" yaml:"day"`
	Segment string   `json:"segment,omitempty" yaml:"segment,omitempty"`
	Text    string   `json:"text" yaml:"text"`
	Threads []string `json:"threads,omitempty" yaml:"threads,omitempty"`
}
