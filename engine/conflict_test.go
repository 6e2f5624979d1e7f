package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/schedule-engine/engine"
)

func kinds(report engine.ConflictReport) []engine.ConflictKind {
	out := make([]engine.ConflictKind, len(report.Conflicts))
	for i, c := range report.Conflicts {
		out[i] = c.Kind
	}
	return out
}

// =============================================================================
// APPOINTMENT CONFLICTS
// =============================================================================

func TestDetect_BufferedAppointmentBlocksAdjacentRange(t *testing.T) {
	// GIVEN: A 10:00-10:30 appointment and a 10m buffer
	// WHEN: Proposing 09:50-10:20 (touches only the buffer, not the booking)
	// THEN: The proposal is rejected as an appointment conflict

	d := engine.Detector{Buffer: 10 * time.Minute}
	snap := snapshot([]engine.Appointment{appointmentAt("a1", 10, 0, 30*time.Minute)}, nil)

	report := d.Detect(snap, span(9, 50, 10, 20), "")

	require.False(t, report.Clear())
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, engine.ConflictAppointment, report.Conflicts[0].Kind)
	assert.Equal(t, engine.AppointmentID("a1"), report.Conflicts[0].AppointmentID)
	assert.Equal(t, span(10, 0, 10, 30), report.Conflicts[0].Span, "span reports the real booking, not the buffer")
}

func TestDetect_RangePastBufferIsClear(t *testing.T) {
	d := engine.Detector{Buffer: 10 * time.Minute}
	snap := snapshot([]engine.Appointment{appointmentAt("a1", 10, 0, 30*time.Minute)}, nil)

	assert.True(t, d.Detect(snap, span(10, 40, 11, 10), "").Clear())
}

func TestDetect_ZeroBufferAllowsTouchingRanges(t *testing.T) {
	// GIVEN: No buffer
	// WHEN: Proposing a range ending exactly where an appointment starts
	// THEN: Half-open semantics make it clear

	d := engine.Detector{}
	snap := snapshot([]engine.Appointment{appointmentAt("a1", 10, 0, 30*time.Minute)}, nil)

	assert.True(t, d.Detect(snap, span(9, 30, 10, 0), "").Clear())
	assert.True(t, d.Detect(snap, span(10, 30, 11, 0), "").Clear())
}

func TestDetect_ExcludeSkipsTheMovedAppointment(t *testing.T) {
	// GIVEN: An appointment being moved within its own current range
	// WHEN: Detecting with its id excluded
	// THEN: It does not conflict with itself, but still conflicts with others

	d := engine.Detector{}
	snap := snapshot([]engine.Appointment{
		appointmentAt("a1", 10, 0, 30*time.Minute),
		appointmentAt("a2", 11, 0, 30*time.Minute),
	}, nil)

	assert.True(t, d.Detect(snap, span(10, 15, 10, 45), "a1").Clear())

	report := d.Detect(snap, span(10, 45, 11, 15), "a1")
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, engine.AppointmentID("a2"), report.Conflicts[0].AppointmentID)
}

// =============================================================================
// BLACKOUTS AND WORKING HOURS
// =============================================================================

func TestDetect_BlackoutConflictCarriesReason(t *testing.T) {
	d := engine.Detector{}
	snap := snapshot(nil, []engine.BlackoutPeriod{{
		ID:       "b1",
		Resource: testChair,
		Span:     span(12, 0, 13, 0),
		Reason:   "staff meeting",
	}})

	report := d.Detect(snap, span(12, 30, 13, 30), "")

	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, engine.ConflictBlackout, report.Conflicts[0].Kind)
	assert.Equal(t, "b1", report.Conflicts[0].BlackoutID)
	assert.Equal(t, "staff meeting", report.Conflicts[0].Reason)
}

func TestDetect_OutsideWorkingHours(t *testing.T) {
	d := engine.Detector{}
	snap := snapshot(nil, nil)

	report := d.Detect(snap, span(8, 0, 8, 30), "")
	assert.Equal(t, []engine.ConflictKind{engine.ConflictOutOfHours}, kinds(report))

	// Straddling the opening boundary is also out of hours.
	report = d.Detect(snap, span(8, 45, 9, 15), "")
	assert.Equal(t, []engine.ConflictKind{engine.ConflictOutOfHours}, kinds(report))

	assert.True(t, d.Detect(snap, span(9, 0, 9, 30), "").Clear())
}

func TestDetect_InvalidRangeIsReportedNotPanicked(t *testing.T) {
	d := engine.Detector{}
	snap := snapshot(nil, nil)

	report := d.Detect(snap, engine.TimeRange{Start: at(10, 0), End: at(9, 0)}, "")

	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, engine.ConflictOutOfHours, report.Conflicts[0].Kind)
}

func TestDetect_MultipleConflictsAllReported(t *testing.T) {
	// GIVEN: An appointment, a blackout, and an out-of-hours proposal
	// WHEN: One proposal violates all three rules
	// THEN: Every conflict is listed, not just the first

	d := engine.Detector{Buffer: 10 * time.Minute}
	snap := snapshot(
		[]engine.Appointment{appointmentAt("a1", 16, 30, 30*time.Minute)},
		[]engine.BlackoutPeriod{{ID: "b1", Resource: testChair, Span: span(16, 45, 17, 0)}},
	)

	report := d.Detect(snap, span(16, 45, 17, 30), "")

	assert.ElementsMatch(t, []engine.ConflictKind{
		engine.ConflictAppointment,
		engine.ConflictBlackout,
		engine.ConflictOutOfHours,
	}, kinds(report))
}
