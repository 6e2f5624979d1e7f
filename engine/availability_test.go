package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/schedule-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testChair = engine.ResourceID("chair-1")

// mondayHours is 09:00-17:00 on the reference Monday used by at().
func mondayHours() engine.WorkingHoursRule {
	return engine.WorkingHoursRule{
		ID:          "wh-mon",
		Resource:    testChair,
		Weekday:     time.Monday,
		StartMinute: 9 * 60,
		EndMinute:   17 * 60,
	}
}

func appointmentAt(id string, startHour, startMin int, d time.Duration) engine.Appointment {
	return engine.Appointment{
		ID:       engine.AppointmentID(id),
		Resource: testChair,
		Start:    at(startHour, startMin),
		Duration: d,
		Status:   engine.StatusConfirmed,
		Version:  1,
	}
}

func snapshot(appts []engine.Appointment, blackouts []engine.BlackoutPeriod) *engine.Snapshot {
	return &engine.Snapshot{
		Resource:     testChair,
		Window:       span(0, 0, 23, 59),
		TakenAt:      time.Now().UTC(),
		Rules:        []engine.WorkingHoursRule{mondayHours()},
		Blackouts:    blackouts,
		Appointments: appts,
	}
}

func starts(slots []engine.SlotCandidate) []time.Time {
	out := make([]time.Time, len(slots))
	for i, s := range slots {
		out[i] = s.Start
	}
	return out
}

// =============================================================================
// BUFFER AND STEP ANCHORING
// =============================================================================

func TestSlots_BufferExcludesAdjacentStarts(t *testing.T) {
	// GIVEN: Hours 09:00-17:00, a 10:00-10:30 appointment, 10m buffer,
	//        30m service, 5m step
	// WHEN: Computing slots for the day
	// THEN: 09:20 is the last morning start (09:20+30m touches the
	//       buffered block at 09:50) and 10:40 is the first start after
	//       the appointment

	calc := engine.NewCalculator(5*time.Minute, 10*time.Minute)
	snap := snapshot([]engine.Appointment{appointmentAt("a1", 10, 0, 30*time.Minute)}, nil)

	slots := calc.Slots(snap, 30*time.Minute, span(9, 0, 17, 0)).Collect()
	all := starts(slots)

	assert.Contains(t, all, at(9, 20))
	assert.NotContains(t, all, at(9, 25), "09:25+30m would eat into the buffer")
	assert.NotContains(t, all, at(9, 50), "09:50 start sits inside the buffered block")
	assert.Contains(t, all, at(10, 40), "first bookable start after appointment+buffer")
	assert.NotContains(t, all, at(10, 35))
}

func TestSlots_StepsAnchorAtOpenRangeStart(t *testing.T) {
	// GIVEN: A 15m step and an appointment ending at 10:30 with a 10m buffer
	// WHEN: Walking the slots after the appointment
	// THEN: The first start is 10:40, which no wall-clock :00/:15 grid holds

	calc := engine.NewCalculator(15*time.Minute, 10*time.Minute)
	snap := snapshot([]engine.Appointment{appointmentAt("a1", 10, 0, 30*time.Minute)}, nil)

	slots := calc.Slots(snap, 30*time.Minute, span(10, 30, 12, 0)).Collect()

	require.NotEmpty(t, slots)
	assert.Equal(t, at(10, 40), slots[0].Start)
	assert.Equal(t, at(10, 55), slots[1].Start, "subsequent steps stay anchored at 10:40")
}

func TestSlots_ZeroBufferAllowsBackToBack(t *testing.T) {
	calc := engine.NewCalculator(30*time.Minute, 0)
	snap := snapshot([]engine.Appointment{appointmentAt("a1", 10, 0, 30*time.Minute)}, nil)

	slots := calc.Slots(snap, 30*time.Minute, span(9, 0, 12, 0)).Collect()
	all := starts(slots)

	assert.Contains(t, all, at(9, 30), "slot ending exactly at the appointment start")
	assert.Contains(t, all, at(10, 30), "slot starting exactly at the appointment end")
	assert.NotContains(t, all, at(10, 0))
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestSlots_NoWorkingHours_YieldsNothing(t *testing.T) {
	// GIVEN: A resource with no working-hour rules
	// WHEN: Computing slots
	// THEN: The result is empty, not an error

	calc := engine.NewCalculator(15*time.Minute, 0)
	snap := &engine.Snapshot{Resource: testChair, Window: span(0, 0, 23, 59)}

	assert.Empty(t, calc.Slots(snap, 30*time.Minute, span(9, 0, 17, 0)).Collect())
}

func TestSlots_DurationLongerThanAnyOpening(t *testing.T) {
	calc := engine.NewCalculator(15*time.Minute, 0)
	snap := snapshot(nil, nil)

	assert.Empty(t, calc.Slots(snap, 9*time.Hour, span(9, 0, 17, 0)).Collect())
}

func TestSlots_BlackoutRemovesMidday(t *testing.T) {
	// GIVEN: A 12:00-13:00 blackout
	// WHEN: Computing hourly slots
	// THEN: No slot overlaps the blackout; 13:00 is bookable

	calc := engine.NewCalculator(time.Hour, 0)
	snap := snapshot(nil, []engine.BlackoutPeriod{{
		ID:       "b1",
		Resource: testChair,
		Span:     span(12, 0, 13, 0),
		Reason:   "lunch",
	}})

	all := starts(calc.Slots(snap, time.Hour, span(9, 0, 17, 0)).Collect())

	assert.Contains(t, all, at(11, 0))
	assert.NotContains(t, all, at(12, 0))
	assert.Contains(t, all, at(13, 0))
}

func TestSlots_WindowClampsResults(t *testing.T) {
	calc := engine.NewCalculator(30*time.Minute, 0)
	snap := snapshot(nil, nil)

	slots := calc.Slots(snap, 30*time.Minute, span(10, 0, 11, 0)).Collect()

	assert.Equal(t, []time.Time{at(10, 0), at(10, 30)}, starts(slots))
}

// =============================================================================
// PAGINATION
// =============================================================================

func TestSlots_CollectNThenNextContinues(t *testing.T) {
	calc := engine.NewCalculator(time.Hour, 0)
	snap := snapshot(nil, nil)

	it := calc.Slots(snap, time.Hour, span(9, 0, 17, 0))
	page := it.CollectN(3)

	require.Len(t, page, 3)
	assert.Equal(t, at(9, 0), page[0].Start)
	assert.Equal(t, at(11, 0), page[2].Start)

	next, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, at(12, 0), next.Start)
}

func TestSlots_SeekResumesFromCursor(t *testing.T) {
	// GIVEN: A full day of slots and the start of the 4th one
	// WHEN: A fresh iterator seeks to that cursor
	// THEN: It yields exactly the tail of the full sequence

	calc := engine.NewCalculator(time.Hour, 0)
	snap := snapshot(nil, nil)

	full := calc.Slots(snap, time.Hour, span(9, 0, 17, 0)).Collect()
	require.Greater(t, len(full), 4)

	resumed := calc.Slots(snap, time.Hour, span(9, 0, 17, 0))
	resumed.Seek(full[3].Start)

	assert.Equal(t, starts(full[3:]), starts(resumed.Collect()))
}
