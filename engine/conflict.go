/*
conflict.go - The Conflict Detector

CONTRACT:
  Given a fact snapshot and a proposed [start, start+duration) range,
  return a ConflictReport: either clear, or the specific overlapping
  entities, each tagged with its kind. Pure - a conflict is a normal
  return value, never an error.

RULES:
  - appointment:  the proposal overlaps an active appointment's range
                  expanded by the buffer on both sides. Expanding one
                  side of the comparison applies the buffer exactly once
                  between two bookings.
  - blackout:     the unbuffered proposal intersects a blackout period.
  - out_of_hours: the unbuffered proposal is not fully covered by
                  working-hour ranges.

CALL DISCIPLINE:
  Called twice per mutation: optimistically on possibly-stale client
  data to fail fast in the UI, and authoritatively inside the
  Coordinator's critical section. Only the authoritative call can block
  a commit.
*/
package engine

import "time"

// ConflictKind tags each entry in a conflict report.
type ConflictKind string

const (
	ConflictAppointment ConflictKind = "appointment"
	ConflictBlackout    ConflictKind = "blackout"
	ConflictOutOfHours  ConflictKind = "out_of_hours"
)

// Conflict names one entity the proposal collides with.
type Conflict struct {
	Kind          ConflictKind
	AppointmentID AppointmentID // set for ConflictAppointment
	BlackoutID    string        // set for ConflictBlackout
	Span          TimeRange     // the conflicting entity's range
	Reason        string
}

// ConflictReport is the full answer for one proposed range.
type ConflictReport struct {
	Resource  ResourceID
	Proposed  TimeRange
	Conflicts []Conflict
}

// Clear reports whether the proposal can be committed.
func (r ConflictReport) Clear() bool { return len(r.Conflicts) == 0 }

// Detector checks proposed ranges against a snapshot.
type Detector struct {
	Buffer time.Duration
}

// Detect returns the conflict report for a proposed range. exclude
// names an appointment to skip in the overlap check - a moved
// appointment must not conflict with itself.
func (d Detector) Detect(snap *Snapshot, proposed TimeRange, exclude AppointmentID) ConflictReport {
	report := ConflictReport{Resource: snap.Resource, Proposed: proposed}
	if !proposed.IsValid() {
		report.Conflicts = append(report.Conflicts, Conflict{
			Kind:   ConflictOutOfHours,
			Span:   proposed,
			Reason: "end not after start",
		})
		return report
	}

	for _, a := range snap.Appointments {
		if a.ID == exclude || !a.Active() {
			continue
		}
		if a.Range().Expand(d.Buffer).Overlaps(proposed) {
			report.Conflicts = append(report.Conflicts, Conflict{
				Kind:          ConflictAppointment,
				AppointmentID: a.ID,
				Span:          a.Range(),
				Reason:        "overlaps buffered appointment",
			})
		}
	}

	for _, b := range snap.Blackouts {
		if b.Span.Overlaps(proposed) {
			report.Conflicts = append(report.Conflicts, Conflict{
				Kind:       ConflictBlackout,
				BlackoutID: b.ID,
				Span:       b.Span,
				Reason:     b.Reason,
			})
		}
	}

	if !snap.coveredByWorkingHours(proposed) {
		report.Conflicts = append(report.Conflicts, Conflict{
			Kind:   ConflictOutOfHours,
			Span:   proposed,
			Reason: "outside working hours",
		})
	}

	return report
}
