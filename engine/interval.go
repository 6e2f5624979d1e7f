/*
interval.go - Half-open time range arithmetic

All calendar math in the engine is expressed over TimeRange values with
half-open [Start, End) semantics: a range ending at 10:00 does not
overlap a range starting at 10:00. This is the single place where
overlap, expansion, and subtraction are defined; the Availability
Calculator and Conflict Detector both build on it so the two can never
disagree about boundaries.
*/
package engine

import (
	"fmt"
	"sort"
	"time"
)

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange builds a range from a start and a duration.
func NewTimeRange(start time.Time, d time.Duration) TimeRange {
	return TimeRange{Start: start, End: start.Add(d)}
}

func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// IsValid reports whether the range is non-empty and well-formed.
func (r TimeRange) IsValid() bool { return r.End.After(r.Start) }

func (r TimeRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// Overlaps reports whether two half-open ranges intersect.
// Touching endpoints (r.End == o.Start) do NOT overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether o lies entirely inside r.
func (r TimeRange) Contains(o TimeRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// ContainsTime reports whether t lies inside the half-open range.
func (r TimeRange) ContainsTime(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Expand grows the range by pad on both sides. The buffer rule is
// applied by expanding one side of a comparison only: an appointment's
// buffered range against an unbuffered proposal, never both.
func (r TimeRange) Expand(pad time.Duration) TimeRange {
	return TimeRange{Start: r.Start.Add(-pad), End: r.End.Add(pad)}
}

// Intersect returns the common portion of two ranges.
// The second return value is false when they do not overlap.
func (r TimeRange) Intersect(o TimeRange) (TimeRange, bool) {
	if !r.Overlaps(o) {
		return TimeRange{}, false
	}
	out := r
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}

// Subtract removes o from r, returning the 0, 1 or 2 remaining pieces.
func (r TimeRange) Subtract(o TimeRange) []TimeRange {
	if !r.Overlaps(o) {
		return []TimeRange{r}
	}
	var out []TimeRange
	if r.Start.Before(o.Start) {
		out = append(out, TimeRange{Start: r.Start, End: o.Start})
	}
	if o.End.Before(r.End) {
		out = append(out, TimeRange{Start: o.End, End: r.End})
	}
	return out
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// =============================================================================
// RANGE SET OPERATIONS
// =============================================================================

// SortRanges orders ranges ascending by start time, in place.
func SortRanges(rs []TimeRange) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start.Before(rs[j].Start) })
}

// MergeRanges collapses overlapping or touching ranges into a minimal
// ascending set. The input is not modified.
func MergeRanges(rs []TimeRange) []TimeRange {
	if len(rs) == 0 {
		return nil
	}
	sorted := make([]TimeRange, len(rs))
	copy(sorted, rs)
	SortRanges(sorted)

	out := []TimeRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if !r.Start.After(last.End) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// SubtractRanges removes every busy range from every open range,
// returning the remaining open pieces in ascending order.
func SubtractRanges(open, busy []TimeRange) []TimeRange {
	remaining := make([]TimeRange, len(open))
	copy(remaining, open)
	SortRanges(remaining)

	for _, b := range busy {
		var next []TimeRange
		for _, o := range remaining {
			next = append(next, o.Subtract(b)...)
		}
		remaining = next
	}
	return remaining
}

// CoveredBy reports whether r lies entirely inside the union of cover.
func (r TimeRange) CoveredBy(cover []TimeRange) bool {
	remainder := SubtractRanges([]TimeRange{r}, cover)
	return len(remainder) == 0
}
