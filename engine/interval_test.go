package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/schedule-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// at builds a timestamp on a fixed reference day (Monday 2025-03-03 UTC).
func at(hour, min int) time.Time {
	return time.Date(2025, time.March, 3, hour, min, 0, 0, time.UTC)
}

func span(startHour, startMin, endHour, endMin int) engine.TimeRange {
	return engine.TimeRange{Start: at(startHour, startMin), End: at(endHour, endMin)}
}

// =============================================================================
// HALF-OPEN SEMANTICS
// =============================================================================

func TestOverlaps_TouchingEndpointsDoNotConflict(t *testing.T) {
	// GIVEN: Two ranges that share a single boundary instant
	// WHEN: Checking overlap
	// THEN: Half-open semantics say they do not overlap

	first := span(9, 0, 10, 0)
	second := span(10, 0, 11, 0)

	assert.False(t, first.Overlaps(second))
	assert.False(t, second.Overlaps(first))
}

func TestOverlaps_PartialAndContained(t *testing.T) {
	outer := span(9, 0, 12, 0)

	assert.True(t, outer.Overlaps(span(11, 0, 13, 0)), "partial overlap")
	assert.True(t, outer.Overlaps(span(10, 0, 11, 0)), "contained range")
	assert.False(t, outer.Overlaps(span(13, 0, 14, 0)), "disjoint range")
}

func TestContainsTime_EndIsExclusive(t *testing.T) {
	r := span(9, 0, 10, 0)

	assert.True(t, r.ContainsTime(at(9, 0)))
	assert.True(t, r.ContainsTime(at(9, 59)))
	assert.False(t, r.ContainsTime(at(10, 0)))
}

func TestExpand_GrowsBothSides(t *testing.T) {
	r := span(10, 0, 10, 30).Expand(10 * time.Minute)

	assert.Equal(t, at(9, 50), r.Start)
	assert.Equal(t, at(10, 40), r.End)
}

// =============================================================================
// SUBTRACTION AND MERGING
// =============================================================================

func TestSubtract_MiddleSplitsInTwo(t *testing.T) {
	pieces := span(9, 0, 17, 0).Subtract(span(12, 0, 13, 0))

	assert.Equal(t, []engine.TimeRange{
		span(9, 0, 12, 0),
		span(13, 0, 17, 0),
	}, pieces)
}

func TestSubtract_EdgesAndDisjoint(t *testing.T) {
	base := span(9, 0, 12, 0)

	assert.Equal(t, []engine.TimeRange{span(10, 0, 12, 0)}, base.Subtract(span(8, 0, 10, 0)), "left edge")
	assert.Equal(t, []engine.TimeRange{span(9, 0, 11, 0)}, base.Subtract(span(11, 0, 13, 0)), "right edge")
	assert.Empty(t, base.Subtract(span(8, 0, 13, 0)), "fully covered")
	assert.Equal(t, []engine.TimeRange{base}, base.Subtract(span(13, 0, 14, 0)), "disjoint")
}

func TestMergeRanges_CollapsesOverlapAndTouch(t *testing.T) {
	merged := engine.MergeRanges([]engine.TimeRange{
		span(13, 0, 14, 0),
		span(9, 0, 10, 30),
		span(10, 30, 11, 0), // touches the previous range
		span(10, 0, 10, 45), // overlaps the first
	})

	assert.Equal(t, []engine.TimeRange{
		span(9, 0, 11, 0),
		span(13, 0, 14, 0),
	}, merged)
}

func TestSubtractRanges_MultipleBusyBlocks(t *testing.T) {
	open := []engine.TimeRange{span(9, 0, 17, 0)}
	busy := []engine.TimeRange{
		span(10, 0, 10, 30),
		span(14, 0, 15, 0),
	}

	assert.Equal(t, []engine.TimeRange{
		span(9, 0, 10, 0),
		span(10, 30, 14, 0),
		span(15, 0, 17, 0),
	}, engine.SubtractRanges(open, busy))
}

func TestCoveredBy_AcrossAdjacentPieces(t *testing.T) {
	cover := []engine.TimeRange{span(9, 0, 12, 0), span(12, 0, 17, 0)}

	assert.True(t, span(11, 0, 13, 0).CoveredBy(cover), "adjacent pieces form continuous cover")
	assert.False(t, span(16, 0, 18, 0).CoveredBy(cover), "extends past cover")
}
