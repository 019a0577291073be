// ABOUTME: SegmentOrder describes the ordered named segments of an in-game day.
// ABOUTME: Provides ordering, lookup, and validation used by reconciliation and day planning.
package story

import (
	"fmt"
	"strings"
)

// DefaultSegmentOrder is the day structure used when none is configured.
var DefaultSegmentOrder = SegmentOrder{"Morning", "Afternoon", "Evening", "Night"}

// SegmentOrder is the ordered list of segment names making up one day.
type SegmentOrder []string

// Index returns the position of name in the order, or -1.
func (o SegmentOrder) Index(name string) int {
	for i, s := range o {
		if s == name {
			return i
		}
	}
	return -1
}

// Contains reports whether name is a segment of the day.
func (o SegmentOrder) Contains(name string) bool {
	return o.Index(name) >= 0
}

// First returns the opening segment of the day, or "" for an empty order.
func (o SegmentOrder) First() string {
	if len(o) == 0 {
		return ""
	}
	return o[0]
}

// Next returns the segment following current. ok is false when current is the
// last segment or is not part of the order.
func (o SegmentOrder) Next(current string) (string, bool) {
	i := o.Index(current)
	if i < 0 || i+1 >= len(o) {
		return "", false
	}
	return o[i+1], true
}

// IsLast reports whether name is the final segment of the day.
func (o SegmentOrder) IsLast(name string) bool {
	return len(o) > 0 && o[len(o)-1] == name
}

// Validate rejects empty orders, blank names, and duplicates.
func (o SegmentOrder) Validate() error {
	if len(o) == 0 {
		return fmt.Errorf("segment order is empty")
	}
	seen := make(map[string]bool, len(o))
	for _, s := range o {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("segment order contains a blank name")
		}
		if seen[s] {
			return fmt.Errorf("segment order contains duplicate %q", s)
		}
		seen[s] = true
	}
	return nil
}

// Clone returns a copy of the order.
func (o SegmentOrder) Clone() SegmentOrder {
	if o == nil {
		return nil
	}
	out := make(SegmentOrder, len(o))
	copy(out, o)
	return out
}
